package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"qazna.org/gateway/internal/obs"
)

type readinessChecker interface {
	CheckReady(ctx context.Context) map[string]string
}

// HealthServer serves the standard grpc.health.v1 protocol for orchestrators, mirroring /readyz.
type HealthServer struct {
	srv       *grpc.Server
	health    *health.Server
	readiness readinessChecker
	interval  time.Duration
}

// NewHealthServer registers health and reflection services on a fresh gRPC server.
func NewHealthServer(r readinessChecker, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	hs := &HealthServer{
		srv:       grpc.NewServer(),
		health:    health.NewServer(),
		readiness: r,
		interval:  interval,
	}
	healthpb.RegisterHealthServer(hs.srv, hs.health)
	reflection.Register(hs.srv)
	hs.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// Server exposes the underlying gRPC server for Serve and GracefulStop.
func (h *HealthServer) Server() *grpc.Server { return h.srv }

// Refresh evaluates readiness once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	failed := h.readiness.CheckReady(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if len(failed) > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Logger().Warn("not ready", zap.Any("failed", failed))
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(serviceName, status)
	return len(failed) == 0
}

// Run refreshes readiness on every tick and marks everything NOT_SERVING on shutdown.
func (h *HealthServer) Run(ctx context.Context) error {
	h.Refresh(ctx)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return nil
		case <-t.C:
			h.Refresh(ctx)
		}
	}
}
