// Package worker drains a channel's main queue and hands each envelope to
// the provider for that channel.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/nimbus-relay/internal/metrics"
	"github.com/lalithlochan/nimbus-relay/internal/queue"
)

// Delivery outcomes
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusMalformed = "malformed"
)

// DeadLetterer records an envelope that could not be delivered.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, channel, payload string, cause error) (string, error)
}

type Config struct {
	Channel      string
	Concurrency  int
	PollInterval time.Duration

	// Rate caps provider calls per second across all goroutines; zero
	// leaves them unthrottled.
	Rate  float64
	Burst int
}

type Worker struct {
	store   queue.Store
	sender  Sender
	dlq     DeadLetterer // nil when no dead-letter queue is configured
	limiter *rate.Limiter
	config  Config
	logger  *zap.Logger
}

func New(store queue.Store, sender Sender, dlq DeadLetterer, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	w := &Worker{
		store:  store,
		sender: sender,
		dlq:    dlq,
		config: cfg,
		logger: logger.With(zap.String("channel", cfg.Channel)),
	}
	if cfg.Rate > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	}
	return w
}

// Start runs Concurrency consumers and blocks until ctx is done and all of
// them have returned.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker started",
		zap.Int("concurrency", w.config.Concurrency),
		zap.Float64("rate", w.config.Rate),
	)

	var wg sync.WaitGroup
	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()

	w.logger.Info("worker stopping")
}

func (w *Worker) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if w.ProcessOne(ctx) {
			continue
		}

		timer := time.NewTimer(w.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ProcessOne pops and delivers a single envelope. It returns false when the
// queue was empty or unreadable, telling the caller to wait before polling
// again.
func (w *Worker) ProcessOne(ctx context.Context) bool {
	channel := w.config.Channel

	payload, ok, err := w.store.Pop(ctx, channel)
	if err != nil {
		w.logger.Error("failed to pop main queue", zap.Error(err))
		metrics.RecordStoreError(channel, "pop")
		return false
	}
	if !ok {
		return false
	}

	env, err := queue.Decode(payload)
	if err != nil {
		w.logger.Warn("malformed envelope", zap.Error(err), zap.String("payload", payload))
		metrics.RecordDelivery(channel, StatusMalformed)
		w.deadLetter(ctx, payload, err)
		return true
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			// Shutting down: put the envelope back for the next consumer.
			w.requeue(payload)
			return false
		}
	}

	start := time.Now()
	if err := w.sender.Send(ctx, channel, env); err != nil {
		w.logger.Error("failed to deliver notification",
			zap.Error(err),
			zap.String("envelope_id", env.ID),
			zap.String("to", env.To),
		)
		metrics.RecordDelivery(channel, StatusFailed)
		w.deadLetter(ctx, payload, err)
		return true
	}

	metrics.RecordDelivery(channel, StatusDelivered)
	metrics.RecordDeliveryLatency(channel, time.Since(start))
	w.logger.Debug("notification delivered",
		zap.String("envelope_id", env.ID),
		zap.Duration("took", time.Since(start)),
	)
	return true
}

func (w *Worker) deadLetter(ctx context.Context, payload string, cause error) {
	if w.dlq == nil {
		w.logger.Warn("no dead-letter queue configured, dropping envelope",
			zap.String("payload", payload),
			zap.Error(cause),
		)
		return
	}

	id, err := w.dlq.DeadLetter(context.WithoutCancel(ctx), w.config.Channel, payload, cause)
	if err != nil {
		w.logger.Error("failed to dead-letter envelope",
			zap.Error(err),
			zap.String("payload", payload),
		)
		return
	}

	w.logger.Info("envelope moved to dead-letter queue",
		zap.String("message_id", id),
		zap.NamedError("cause", cause),
	)
}

func (w *Worker) requeue(payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.store.Requeue(ctx, w.config.Channel, payload); err != nil {
		metrics.RecordLost(w.config.Channel)
		w.logger.Error("envelope lost: requeue failed",
			zap.Error(err),
			zap.String("payload", payload),
		)
		return
	}
	metrics.RecordRequeued(w.config.Channel, "shutdown")
}
