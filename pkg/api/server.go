package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported by the worker
const ServiceName = "burrow.worker"

// Server exposes the worker status over HTTP and the gRPC health protocol
type Server struct {
	httpAddr string
	grpcAddr string

	mux    *http.ServeMux
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger

	mu      sync.Mutex
	serving bool
	sub     events.Subscriber
	broker  *events.Broker
	done    chan struct{}
}

// NewServer creates a status server. An empty address disables that listener.
func NewServer(httpAddr, grpcAddr string) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(metrics.HealthHandler()))
	mux.HandleFunc("/ready", getOnly(metrics.ReadyHandler()))
	mux.HandleFunc("/live", getOnly(metrics.LivenessHandler()))
	mux.Handle("/metrics", metrics.Handler())

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer(grpc.UnaryInterceptor(MetricsInterceptor()))
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		httpAddr: httpAddr,
		grpcAddr: grpcAddr,
		mux:      mux,
		grpc:     gs,
		health:   hs,
		logger:   log.WithComponent("api"),
	}
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start binds both listeners and serves them in the background
func (s *Server) Start() error {
	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.grpcAddr, err)
		}
		go func() {
			if err := s.grpc.Serve(lis); err != nil {
				s.logger.Error().Err(err).Msg("gRPC status server stopped")
			}
		}()
		s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")
	}

	if s.httpAddr != "" {
		lis, err := net.Listen("tcp", s.httpAddr)
		if err != nil {
			s.grpc.Stop()
			return fmt.Errorf("failed to listen on %s: %w", s.httpAddr, err)
		}
		s.http = &http.Server{
			Handler:      s.mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("HTTP status server stopped")
			}
		}()
		s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP status server listening")
	}
	return nil
}

// SetServing flips the worker's gRPC health status
func (s *Server) SetServing(serving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setServingLocked(serving)
}

func (s *Server) setServingLocked(serving bool) {
	if s.serving == serving {
		return
	}
	s.serving = serving
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.logger.Debug().Str("status", status.String()).Msg("Health status changed")
}

// Serving reports whether the worker is currently reported as serving
func (s *Server) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving
}

// Follow tracks pause and resume events from the broker
func (s *Server) Follow(broker *events.Broker) {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return
	}
	s.broker = broker
	s.sub = broker.Subscribe()
	s.done = make(chan struct{})
	sub, done := s.sub, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for ev := range sub {
			switch ev.Type {
			case events.EventPaused:
				s.SetServing(false)
			case events.EventResumed:
				s.SetServing(true)
			}
		}
	}()
}

// Stop reports NOT_SERVING and shuts both listeners down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.setServingLocked(false)
	s.health.Shutdown()
	sub, broker, done := s.sub, s.broker, s.done
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		broker.Unsubscribe(sub)
		<-done
	}

	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
		<-stopped
	}
	return err
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
