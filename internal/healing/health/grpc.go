package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/selfheal/internal/core/domain"
)

// ServicePrefix names the per-pattern gRPC health services, e.g.
// "selfheal.LockfileCorruption". The empty service name is the whole engine.
const ServicePrefix = "selfheal."

// GRPCServer serves grpc.health.v1 with one service per pattern. A pattern
// is SERVING while its breaker is not open.
type GRPCServer struct {
	monitor  *Monitor
	health   *grpchealth.Server
	server   *grpc.Server
	port     int
	interval time.Duration
}

// NewGRPCServer creates the gRPC health server.
func NewGRPCServer(monitor *Monitor, port int, interval time.Duration) *GRPCServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCServer{monitor: monitor, health: hs, server: srv, port: port, interval: interval}
}

// Sync copies the monitor report into serving statuses.
func (g *GRPCServer) Sync(ctx context.Context) {
	report := g.monitor.CheckHealth(ctx)

	overall := healthpb.HealthCheckResponse_SERVING
	if report.SystemStatus == StatusCritical {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", overall)

	for id, ph := range report.Patterns {
		status := healthpb.HealthCheckResponse_SERVING
		if ph.Breaker == domain.BreakerOpen {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		g.health.SetServingStatus(ServicePrefix+string(id), status)
	}
}

// Start listens and serves until Stop. Statuses are refreshed every interval.
func (g *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("failed to listen on %d: %w", g.port, err)
	}

	g.Sync(ctx)
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Sync(ctx)
			}
		}
	}()

	slog.Info("gRPC health server listening", "port", g.port)
	return g.server.Serve(lis)
}

// Stop marks everything NOT_SERVING and stops the server gracefully.
func (g *GRPCServer) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
