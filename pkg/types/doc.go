/*
Package types defines the data shared between the worker's packages.

Queue side:
  - TaskDefinition: the task as stored by the queue, with its scopes,
    deadline and raw payload
  - QueueDescriptor and Candidate: a pending queue and one message from it
  - TaskClaim, ClaimRequest and ClaimResult: a lease on one run of a task
  - ResolutionDetails: what the worker reports when a run ends
  - CancelEvent and CancelFilter: cancellations pushed by the queue

Execution side:
  - Payload: the validated, worker specific part of a definition
  - ContainerConfig, Mount and Link: what the runtime is asked to create
  - ContainerSummary and ContainerStatus: what the runtime reports back
  - Artifact: a file or directory copied out of a finished container

Local state:
  - RunRecord: the outcome of a run, kept in the bolt store
  - IgnoredContainer: a container the garbage collector gave up on

TaskState follows a run from pending through running to one of completed,
failed, exception or canceled. Terminal states never change.
*/
package types
