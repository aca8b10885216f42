// Package health exposes the standard gRPC health service for the chat server.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the per-service name reported alongside the overall status.
const ServiceName = "shsh.chat.v1.Chat"

const (
	defaultProbeInterval = 15 * time.Second
	probeTimeout         = 5 * time.Second
)

// Pinger is the dependency whose reachability decides the serving status.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves grpc.health.v1.Health and keeps it in sync with a probe loop.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	pinger   Pinger
	interval time.Duration
	logger   *slog.Logger
}

// NewServer creates a health server. The status starts as NOT_SERVING until
// the first probe succeeds.
func NewServer(pinger Pinger, interval time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	gs := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		grpc:     gs,
		health:   hs,
		pinger:   pinger,
		interval: interval,
		logger:   logger,
	}
}

// Probe pings the dependency once and updates the serving status.
func (s *Server) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.pinger.Ping(ctx); err != nil {
		s.logger.Warn("Health probe failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Run serves on lis and probes every interval until ctx is cancelled.
func (s *Server) Run(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())

	s.Probe(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}
