package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"hotspot/portal/internal/metrics"
	"hotspot/portal/internal/retry"
)

type StreamQueue struct {
	client *redis.Client
	stream string
}

func NewStreamQueue(client *redis.Client, stream string) *StreamQueue {
	return &StreamQueue{client: client, stream: stream}
}

func (q *StreamQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			"data":      string(data),
			"timestamp": time.Now().Unix(),
		},
	}).Err()
}

type WorkerConfig struct {
	Stream    string
	Group     string
	Consumer  string
	Block     time.Duration
	FromName  string
	FromEmail string
	Send      retry.Policy
}

type Worker struct {
	client  *redis.Client
	cfg     WorkerConfig
	sender  Sender
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewWorker(client *redis.Client, cfg WorkerConfig, sender Sender, logger *zap.Logger, m *metrics.Metrics) *Worker {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Send.MaxAttempts <= 0 {
		cfg.Send = retry.Policy{InitialInterval: time.Second, MaxInterval: 10 * time.Second, MaxAttempts: 3}
	}
	return &Worker{client: client, cfg: cfg, sender: sender, logger: logger, metrics: m}
}

func (w *Worker) EnsureGroup(ctx context.Context) error {
	err := w.client.XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Run consumes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := w.ProcessOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("mail worker read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// ProcessOnce reads one batch, sends each job and acknowledges it. Jobs that
// still fail after retries are acknowledged and dropped; the guest can ask
// for a new code.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.cfg.Group,
		Consumer: w.cfg.Consumer,
		Streams:  []string{w.cfg.Stream, ">"},
		Count:    10,
		Block:    w.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			w.handle(ctx, msg)
			if err := w.client.XAck(ctx, w.cfg.Stream, w.cfg.Group, msg.ID).Err(); err != nil {
				w.logger.Warn("mail job ack failed", zap.String("message_id", msg.ID), zap.Error(err))
			}
			processed++
		}
	}
	return processed, nil
}

func (w *Worker) handle(ctx context.Context, msg redis.XMessage) {
	raw, _ := msg.Values["data"].(string)
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil || job.To == "" {
		w.metrics.MailJob("invalid")
		w.logger.Warn("mail job malformed", zap.String("message_id", msg.ID))
		return
	}
	message := RenderOTP(job, w.cfg.FromName, w.cfg.FromEmail)
	_, err := retry.Do(ctx, w.cfg.Send, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, w.sender.Send(ctx, message)
	}, nil)
	if err != nil {
		w.metrics.MailJob("failed")
		w.logger.Error("verification email failed",
			zap.String("message_id", msg.ID),
			zap.String("site_id", job.SiteID),
			zap.Error(err),
		)
		return
	}
	w.metrics.MailJob("sent")
	w.logger.Info("verification email sent", zap.String("message_id", msg.ID), zap.String("site_id", job.SiteID))
}
