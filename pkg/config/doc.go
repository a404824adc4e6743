/*
Package config loads the worker configuration.

The configuration is a YAML file read over the values returned by Default,
so a file only needs the keys it changes. The command line may override the
worker identity and capacity after loading; Finalize then generates a
worker id when none was given and validates the result.

# Example

	provisionerId: burrow
	workerType: builder
	capacity: 4
	pollInterval: 5s
	reclaimDivisor: 3
	dataDir: /var/lib/burrow

	gc:
	  interval: 60s
	  diskSpaceThreshold: 10737418240   # bytes per idle task slot
	  retries: 5

	containerd:
	  socket: /run/containerd/containerd.sock
	  namespace: burrow

	redis:
	  addr: 127.0.0.1:6379

	image:
	  pullAttempts: 5
	  pullDelay: 15s

	status:
	  httpAddr: :9090
	  grpcAddr: :9091

	logging:
	  level: info
	  json: true

Durations use Go syntax ("90s", "5m"). Cache, artifact and log directories
default to subdirectories of dataDir, and the bolt database lives at
StorePath.
*/
package config
