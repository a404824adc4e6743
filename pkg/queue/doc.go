/*
Package queue connects the worker to the remote task queue.

Queue is the contract: list the pending queues for a worker type, fetch
candidate task runs from them, claim and reclaim runs, load task definitions,
report outcomes and subscribe to cancellations. A claim that another worker
already holds fails with ErrClaimConflict.

Service sits in front of a Queue. It caches queue descriptors until one of
them is about to expire, and deletes candidates that were delivered
MaxDequeueCount times or more, raising an operator alert, so a message that
keeps crashing workers stops circulating.

RedisQueue implements Queue on Redis:

	<prefix>:queues:<provisionerId>/<workerType>   sorted set of queue names by priority
	<prefix>:queue:<name>:pending                  list of {"taskId","runId"} messages
	<prefix>:queue:<name>:inflight                 sorted set of fetched messages by visibility deadline
	<prefix>:queue:<name>:dequeues                 hash of delivery counts per message
	<prefix>:task:<taskId>                         task definition JSON
	<prefix>:claim:<taskId>/<runId>                owning worker id, expires with the lease
	<prefix>:resolution:<taskId>/<runId>           hash with the reported outcome
	<prefix>:task-exception                        pub/sub channel for cancellations

Fetched messages that are not deleted become visible again after the
visibility timeout, with their delivery count incremented.
*/
package queue
