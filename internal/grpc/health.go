// Package grpc serves the gRPC health protocol used by orchestration probes.
package grpc

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-delivery/internal/observability"
)

// ServiceName is the health service name reported next to the overall ("") status.
const ServiceName = "chat.delivery"

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

// HealthServer owns the gRPC server and its health status.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewHealthServer builds a gRPC server exposing grpc.health.v1.Health.
func NewHealthServer(logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	h := &HealthServer{server: srv, health: hs, logger: logger}
	h.SetServing(false)
	return h
}

// SetServing flips both the overall and the named service status.
func (h *HealthServer) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving lis until Stop.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.logger.Info("grpc health server listening", zap.String("address", lis.Addr().String()))
	return h.server.Serve(lis)
}

// Monitor runs check every interval and updates the status until ctx is done.
func (h *HealthServer) Monitor(ctx context.Context, interval time.Duration, check Checker) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := check(probeCtx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.SetServing(false)
			return
		}
		h.SetServing(true)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// Stop marks the service down and drains in-flight RPCs.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
