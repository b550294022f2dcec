package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hotspot/portal/internal/metrics"
	"hotspot/portal/internal/model"
)

type Sink interface {
	InsertAuthEvent(ctx context.Context, event model.AuthEvent) error
}

type Recorder struct {
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRecorder(sink Sink, logger *zap.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{sink: sink, logger: logger, metrics: m, now: time.Now}
}

// Record persists one terminal attempt outcome. It runs detached from ctx
// cancellation so an abandoned request still leaves its audit row.
func (r *Recorder) Record(ctx context.Context, event model.AuthEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}
	reason := ""
	if event.Reason != nil {
		reason = *event.Reason
	}

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("tenant_id", event.TenantID),
		zap.String("site_id", event.SiteID),
		zap.String("portal_session_id", event.PortalSessionID),
		zap.String("method", string(event.Method)),
		zap.String("result", string(event.Result)),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if event.ControllerClientID != nil {
		fields = append(fields, zap.String("controller_client_id", *event.ControllerClientID))
	}

	r.metrics.AuthAttempt(string(event.Method), string(event.Result), reason)
	if err := r.sink.InsertAuthEvent(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Error("auth event write failed", append(fields, zap.Error(err))...)
		return err
	}
	r.logger.Info("auth event", fields...)
	return nil
}
