package server

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"pkt.systems/pslog"
)

// HealthService is the service name reported next to the overall ("") status.
const HealthService = "netschedule"

// healthService exposes the standard gRPC health protocol.
type healthService struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	logger pslog.Logger
}

func startHealth(addr string, logger pslog.Logger) (*healthService, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: health listen %s: %w", addr, err)
	}
	h := &healthService{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		lis:    lis,
		logger: logger.With("component", "health"),
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := h.grpc.Serve(lis); err != nil {
			h.logger.Warn("server.health.serve_failed", "error", err)
		}
	}()
	h.logger.Info("server.health.listening", "addr", lis.Addr().String())
	return h, nil
}

func (h *healthService) addr() net.Addr { return h.lis.Addr() }

// stop reports NOT_SERVING to watchers and closes the listener.
func (h *healthService) stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
