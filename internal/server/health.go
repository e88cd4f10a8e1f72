package server

import (
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Service name reported by the gRPC health server alongside the overall "".
const HealthService = "calls-transcriber"

// Health serves grpc.health.v1 for orchestrator health checks. It starts NOT_SERVING.
type Health struct {
	srv    *grpc.Server
	hs     *health.Server
	logger *slog.Logger
}

func NewHealth(logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	h := &Health{srv: srv, hs: hs, logger: logger}
	h.SetServing(false)
	return h
}

// SetServing flips the overall and named service status.
func (h *Health) SetServing(ok bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ok {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus("", st)
	h.hs.SetServingStatus(HealthService, st)
	h.logger.Debug("health status changed", "status", st.String())
}

// Serve blocks serving on lis until Stop.
func (h *Health) Serve(lis net.Listener) error {
	h.logger.Info("gRPC health listening", "addr", lis.Addr().String())
	return h.srv.Serve(lis)
}

// Stop reports NOT_SERVING to watchers, then stops gracefully.
func (h *Health) Stop() {
	h.hs.Shutdown()
	h.srv.GracefulStop()
}
