package jobs

import (
	"context"

	"go.uber.org/zap"

	"hotspot/portal/internal/config"
)

type MailWorker interface {
	Run(ctx context.Context) error
}

// StartMailWorker consumes the OTP mail stream in the background. The
// returned channel closes once the worker has stopped.
func StartMailWorker(ctx context.Context, cfg config.Config, worker MailWorker, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	if !cfg.MailWorkerEnabled || worker == nil {
		logger.Info("mail worker disabled")
		close(done)
		return done
	}
	go func() {
		defer close(done)
		logger.Info("mail worker started", zap.String("stream", cfg.MailStream), zap.String("group", cfg.MailConsumerGroup))
		if err := worker.Run(ctx); err != nil {
			logger.Error("mail worker stopped", zap.Error(err))
			return
		}
		logger.Info("mail worker stopped")
	}()
	return done
}
