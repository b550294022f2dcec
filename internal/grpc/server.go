package grpc

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthCheckMethod stays reachable without a service token so
// orchestrator probes can call it.
const HealthCheckMethod = "/grpc.health.v1.Health/Check"

// NewServer builds the internal gRPC server. It only exposes the health
// service; the token is still required for everything else registered later.
func NewServer(serviceToken string, monitor *HealthMonitor, logger *zap.Logger) (*grpc.Server, error) {
	auth, err := NewServiceAuth(serviceToken, HealthCheckMethod)
	if err != nil {
		return nil, err
	}
	server := grpc.NewServer(
		grpc.UnaryInterceptor(auth.Unary()),
		grpc.StreamInterceptor(auth.Stream()),
	)
	healthpb.RegisterHealthServer(server, monitor.Server())
	logger.Debug("grpc services registered", zap.String("health", ServiceName))
	return server, nil
}
