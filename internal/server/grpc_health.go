package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ReadinessSource reports whether the node can take work
type ReadinessSource interface {
	IsReady() bool
}

// ServiceName is the grpc.health.v1 service name reported alongside the
// empty (whole server) name.
const ServiceName = "simedge"

// GRPCHealthServer exposes the standard grpc.health.v1 service, mirroring the
// node's readiness.
type GRPCHealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	source     ReadinessSource
	interval   time.Duration
	logger     *zap.Logger
}

// NewGRPCHealthServer creates the server; call Serve to start it
func NewGRPCHealthServer(source ReadinessSource, interval time.Duration, logger *zap.Logger) *GRPCHealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &GRPCHealthServer{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		source:     source,
		interval:   interval,
		logger:     logger,
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.refresh()
	return s
}

// Serve blocks serving on ln
func (s *GRPCHealthServer) Serve(ln net.Listener) error {
	s.logger.Info("Starting gRPC health server", zap.String("addr", ln.Addr().String()))
	if err := s.grpcServer.Serve(ln); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc health server failed: %w", err)
	}
	return nil
}

// Run refreshes the serving status until ctx is done
func (s *GRPCHealthServer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refresh()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *GRPCHealthServer) refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.source.IsReady() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop marks the node as not serving and stops the server
func (s *GRPCHealthServer) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
