package grpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the guest portal.
const ServiceName = "hotspot.portal.Guest"

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthMonitor keeps a gRPC health server in sync with the portal's
// dependencies. The portal is SERVING only while every dependency answers.
type HealthMonitor struct {
	server   *health.Server
	checks   map[string]Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func NewHealthMonitor(checks map[string]Pinger, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthMonitor{
		server:   health.NewServer(),
		checks:   checks,
		interval: interval,
		timeout:  2 * time.Second,
		logger:   logger,
	}
}

func (m *HealthMonitor) Server() healthpb.HealthServer {
	return m.server
}

// Check runs every dependency check once and publishes the result.
func (m *HealthMonitor) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	for name, check := range m.checks {
		if err := check.Ping(ctx); err != nil {
			m.logger.Warn("dependency unhealthy", zap.String("dependency", name), zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	m.server.SetServingStatus("", status)
	m.server.SetServingStatus(ServiceName, status)
	return status
}

// Run checks immediately and then on every interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING so clients drain before stop.
func (m *HealthMonitor) Shutdown() {
	m.server.Shutdown()
}
