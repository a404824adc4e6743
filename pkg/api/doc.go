/*
Package api serves the worker's status surface.

The HTTP server exposes /health, /ready and /live from the metrics health
registry and /metrics for Prometheus. The gRPC server runs the standard
grpc.health.v1 service with a single service name, burrow.worker, which is
SERVING while the listener polls for work and NOT_SERVING while it is paused
or stopped. Every unary call is counted in burrow_api_requests_total.

	srv := api.NewServer(":9090", ":9091")
	srv.Follow(broker)
	if err := srv.Start(); err != nil {
		return err
	}
	srv.SetServing(true)
	defer srv.Stop(ctx)
*/
package api
