package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hotspot/portal/internal/config"
	"hotspot/portal/internal/metrics"
)

type SessionExpirer interface {
	ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// StartSessionExpiryJob marks durable portal sessions expired once their
// ephemeral counterpart can no longer exist. Authorized sessions are kept.
func StartSessionExpiryJob(ctx context.Context, cfg config.Config, expirer SessionExpirer, logger *zap.Logger, m *metrics.Metrics) {
	if !cfg.SessionExpiryJobEnabled {
		return
	}
	if expirer == nil {
		logger.Warn("session expiry job disabled: repository not configured")
		return
	}
	interval := cfg.SessionExpiryJobInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.SessionExpiryJobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				_, _ = expireSessions(tickCtx, expirer, cfg.SessionTTL, time.Now().UTC(), logger, m)
				cancel()
			}
		}
	}()
}

func expireSessions(ctx context.Context, expirer SessionExpirer, ttl time.Duration, now time.Time, logger *zap.Logger, m *metrics.Metrics) (int64, error) {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	n, err := expirer.ExpireStaleSessions(ctx, now.Add(-ttl))
	if err != nil {
		logger.Error("session expiry job error", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		m.SessionsExpired(n)
		logger.Info("session expiry job expired sessions", zap.Int64("count", n))
	}
	return n, nil
}
