// Package health exposes the controller's liveness over the standard gRPC
// health checking protocol.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/flashsync/internal/monitoring"
	"github.com/banshee-data/flashsync/internal/syncctl"
	"github.com/banshee-data/flashsync/internal/timeutil"
)

// ServiceName is the service reported alongside the overall ("") status.
const ServiceName = "flashsync.Controller"

const (
	DefaultStallAfter    = 2 * time.Second
	DefaultCheckInterval = 500 * time.Millisecond
)

// Progress reports the tick loop counters.
type Progress interface {
	Status() syncctl.Status
}

// Config configures a Server.
type Config struct {
	ListenAddr string
	// Controller is nil when the controller is disabled.
	Controller    Progress
	Clock         timeutil.Clock
	StallAfter    time.Duration
	CheckInterval time.Duration
}

// Server publishes SERVING while the tick loop makes progress and
// NOT_SERVING when it is disabled, stopped or stalled. A tick skipped for
// want of a camera frame still counts as progress.
type Server struct {
	cfg    Config
	grpc   *grpc.Server
	health *health.Server

	mu           sync.Mutex
	lastIters    uint64
	lastProgress time.Time
	current      healthpb.HealthCheckResponse_ServingStatus
}

// New creates the gRPC server and registers the health service.
func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = DefaultStallAfter
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	s := &Server{
		cfg:          cfg,
		grpc:         grpc.NewServer(),
		health:       health.NewServer(),
		lastProgress: cfg.Clock.Now(),
		current:      healthpb.HealthCheckResponse_UNKNOWN,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.Check()
	return s
}

// Evaluate computes the serving status at now and records tick progress.
func (s *Server) Evaluate(now time.Time) healthpb.HealthCheckResponse_ServingStatus {
	if s.cfg.Controller == nil {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	st := s.cfg.Controller.Status()

	s.mu.Lock()
	defer s.mu.Unlock()
	if iters := st.Ticks + st.SkippedTicks; iters != s.lastIters {
		s.lastIters = iters
		s.lastProgress = now
	}
	if !st.Running {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	if now.Sub(s.lastProgress) > s.cfg.StallAfter {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Check evaluates the status now and publishes it.
func (s *Server) Check() healthpb.HealthCheckResponse_ServingStatus {
	status := s.Evaluate(s.cfg.Clock.Now())

	s.mu.Lock()
	changed := status != s.current
	s.current = status
	s.mu.Unlock()

	if changed {
		monitoring.Logf("Health: %s", status)
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve serves health checks on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := s.cfg.Clock.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			monitoring.Logf("gRPC health server stopped")
			return nil
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("grpc serve: %w", err)
			}
			return nil
		case <-ticker.C():
			s.Check()
		}
	}
}

// Run listens on cfg.ListenAddr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	monitoring.Logf("gRPC health listening on %s", lis.Addr())
	return s.Serve(ctx, lis)
}
