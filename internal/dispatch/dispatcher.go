// Package dispatch moves envelopes from per-channel priority sub-queues into
// each channel's main queue without exceeding a forwarding ceiling.
//
// Within a channel the highest priority non-empty sub-queue always wins.
// Across channels the loop visits in a fixed round-robin order, so a
// channel with only low priority traffic still gets one forward per pass.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-relay/internal/metrics"
	"github.com/lalithlochan/nimbus-relay/internal/queue"
)

// Requeue reasons
const (
	reasonShutdown    = "shutdown"
	reasonPushFailure = "push_failure"
)

// requeueTimeout bounds the store call that returns a reservation during
// shutdown, when the loop context is already cancelled.
const requeueTimeout = 5 * time.Second

type Config struct {
	// BackoffExtra is added to the limiter's wait hint before retrying a
	// denied admission.
	BackoffExtra time.Duration

	// IdleSleep is slept after a pass that reserved nothing.
	IdleSleep time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// PassStats summarises one pass over every channel.
type PassStats struct {
	Reserved  int
	Forwarded int
	Requeued  int
	// Held counts envelopes kept in memory because neither the main queue
	// nor their source sub-queue accepted them.
	Held   int
	Lost   int
	Errors int
}

type Dispatcher struct {
	store    queue.Store
	topology *queue.Topology
	scanner  *Scanner
	limiter  Limiter
	clock    Clock
	config   Config
	logger   *zap.Logger

	// held is owned by the loop goroutine: at most one reservation per
	// channel that the store refused to take back.
	held map[string]*Reservation
}

func New(store queue.Store, topology *queue.Topology, limiter Limiter, cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	if cfg.IdleSleep == 0 {
		cfg.IdleSleep = 50 * time.Millisecond
	}

	d := &Dispatcher{
		store:    store,
		topology: topology,
		scanner:  NewScanner(store, topology),
		limiter:  limiter,
		clock:    SystemClock{},
		config:   cfg,
		logger:   logger,
		held:     make(map[string]*Reservation),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drives passes until ctx is cancelled. It returns nil on shutdown;
// there is no other exit. Held reservations get one last requeue attempt
// before it returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		zap.Strings("channels", d.topology.Channels()),
		zap.Duration("backoff_extra", d.config.BackoffExtra),
		zap.Duration("idle_sleep", d.config.IdleSleep),
	)
	defer d.Flush(ctx)

	for {
		if ctx.Err() != nil {
			d.logger.Info("dispatcher stopping")
			return nil
		}

		stats := d.Pass(ctx)
		if stats.Reserved > 0 {
			continue
		}

		if err := d.clock.Sleep(ctx, d.config.IdleSleep); err != nil {
			d.logger.Info("dispatcher stopping")
			return nil
		}
	}
}

// Pass visits every channel once in topology order.
func (d *Dispatcher) Pass(ctx context.Context) PassStats {
	var stats PassStats
	for _, channel := range d.topology.Channels() {
		if ctx.Err() != nil {
			break
		}
		d.visit(ctx, channel, &stats)
	}
	return stats
}

// Flush requeues every held reservation to its source sub-queue. Anything
// the store still refuses is lost.
func (d *Dispatcher) Flush(ctx context.Context) PassStats {
	var stats PassStats
	for channel, res := range d.held {
		delete(d.held, channel)
		d.settle(ctx, res, reasonShutdown, &stats)
	}
	return stats
}

// Held returns the number of reservations waiting for the store to recover.
func (d *Dispatcher) Held() int { return len(d.held) }

// visit disposes of at most one envelope for channel: a held reservation
// from an earlier pass first, otherwise a fresh one from the scanner.
func (d *Dispatcher) visit(ctx context.Context, channel string, stats *PassStats) {
	res, ok := d.held[channel]
	if ok {
		delete(d.held, channel)
		d.logger.Debug("retrying held envelope",
			zap.String("channel", channel),
			zap.String("source", res.Source),
		)
	} else {
		var err error
		res, err = d.scanner.Reserve(ctx, channel)
		if err != nil {
			stats.Errors++
			metrics.RecordStoreError(channel, "pop")
			d.logger.Warn("failed to reserve envelope",
				zap.String("channel", channel),
				zap.Error(err),
			)
			return
		}
		if res == nil {
			return
		}
		stats.Reserved++

		d.logger.Debug("envelope reserved",
			zap.String("channel", channel),
			zap.String("source", res.Source),
		)
	}

	// Hold the reservation until admitted. No other channel is visited
	// while it waits.
	var decision Decision
	for {
		decision = d.limiter.Admit(channel)
		if decision.Allowed {
			break
		}

		delay := decision.Wait + d.config.BackoffExtra
		metrics.RecordAdmissionDenied(channel)
		metrics.RecordBackoff(channel, delay)
		d.logger.Info("rate limit exceeded, backing off",
			zap.String("channel", channel),
			zap.String("source", res.Source),
			zap.Duration("delay", delay),
		)

		if ctx.Err() != nil || d.clock.Sleep(ctx, delay) != nil || ctx.Err() != nil {
			d.settle(ctx, res, reasonShutdown, stats)
			return
		}
	}

	d.forward(ctx, res, decision, stats)
}

func (d *Dispatcher) forward(ctx context.Context, res *Reservation, decision Decision, stats *PassStats) {
	mainQueue := d.topology.MainQueue(res.Channel)

	if err := d.store.Push(ctx, mainQueue, res.Payload); err != nil {
		// The envelope never reached the main queue, so it must not count
		// against the ceiling.
		d.limiter.Refund(res.Channel, decision)
		metrics.RecordStoreError(res.Channel, "push")
		d.logger.Warn("failed to forward envelope",
			zap.String("channel", res.Channel),
			zap.String("source", res.Source),
			zap.Error(err),
		)
		stats.Errors++

		if ctx.Err() != nil {
			d.settle(ctx, res, reasonShutdown, stats)
			return
		}
		if err := d.requeue(ctx, res, reasonPushFailure, stats); err != nil {
			d.hold(res, err, stats)
		}
		return
	}

	stats.Forwarded++
	metrics.RecordForwarded(res.Channel, res.Source)
	d.logger.Debug("envelope forwarded",
		zap.String("channel", res.Channel),
		zap.String("source", res.Source),
		zap.String("queue", mainQueue),
	)
}

// hold keeps a reservation the store refused so the next visit of its
// channel retries it before reserving anything new.
func (d *Dispatcher) hold(res *Reservation, cause error, stats *PassStats) {
	d.held[res.Channel] = res
	stats.Held++
	d.logger.Warn("store refused envelope, holding it for the next pass",
		zap.String("channel", res.Channel),
		zap.String("source", res.Source),
		zap.Error(cause),
	)
}

// settle makes a final requeue attempt during shutdown. Failure loses the
// envelope, so its payload is logged in full.
func (d *Dispatcher) settle(ctx context.Context, res *Reservation, reason string, stats *PassStats) {
	err := d.requeue(ctx, res, reason, stats)
	if err == nil {
		return
	}

	stats.Lost++
	metrics.RecordLost(res.Channel)
	d.logger.Error("envelope lost: requeue failed",
		zap.String("channel", res.Channel),
		zap.String("source", res.Source),
		zap.String("reason", reason),
		zap.String("payload", res.Payload),
		zap.Error(err),
	)
}

// requeue returns a reservation to the head of its source sub-queue so it
// is the next envelope reserved from that queue.
func (d *Dispatcher) requeue(ctx context.Context, res *Reservation, reason string, stats *PassStats) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()

	if err := d.store.Requeue(rctx, res.Source, res.Payload); err != nil {
		metrics.RecordStoreError(res.Channel, "requeue")
		return err
	}

	stats.Requeued++
	metrics.RecordRequeued(res.Channel, reason)
	d.logger.Info("envelope requeued",
		zap.String("channel", res.Channel),
		zap.String("source", res.Source),
		zap.String("reason", reason),
	)
	return nil
}
