package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-relay/internal/queue"
	"github.com/lalithlochan/nimbus-relay/internal/sqs"
)

// DeadLetterSource is where failed deliveries are read back from.
type DeadLetterSource interface {
	Receive(ctx context.Context, max int32) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Redriver returns dead-lettered envelopes to their channel's highest
// priority sub-queue, so they pass through the dispatcher's ceiling again.
type Redriver struct {
	source   DeadLetterSource
	store    queue.Store
	topology *queue.Topology
	logger   *zap.Logger
}

func NewRedriver(source DeadLetterSource, store queue.Store, topology *queue.Topology, logger *zap.Logger) *Redriver {
	return &Redriver{
		source:   source,
		store:    store,
		topology: topology,
		logger:   logger,
	}
}

// Run redrives up to max messages and returns how many were moved. It stops
// early once the dead-letter queue is empty or a batch moves nothing.
// Messages for channels that are not configured stay in the dead-letter
// queue and would otherwise be received again once visible.
func (r *Redriver) Run(ctx context.Context, max int) (int, error) {
	moved := 0
	for moved < max {
		batch, err := r.source.Receive(ctx, int32(min(10, max-moved)))
		if err != nil {
			return moved, fmt.Errorf("receive dead letters: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		batchMoved := 0
		for _, rec := range batch {
			ok, err := r.redrive(ctx, rec)
			if err != nil {
				return moved, err
			}
			if ok {
				batchMoved++
			}
		}
		moved += batchMoved

		if batchMoved == 0 {
			r.logger.Warn("batch held only unknown channels, stopping",
				zap.Int("skipped", len(batch)),
			)
			break
		}
	}

	r.logger.Info("redrive complete", zap.Int("moved", moved))
	return moved, nil
}

func (r *Redriver) redrive(ctx context.Context, rec sqs.Received) (bool, error) {
	subQueue, err := r.topology.SubQueue(rec.Message.Channel, 1)
	if err != nil {
		r.logger.Warn("skipping dead letter for unknown channel",
			zap.String("channel", rec.Message.Channel),
			zap.Error(err),
		)
		return false, nil
	}

	if err := r.store.Push(ctx, subQueue, rec.Message.Payload); err != nil {
		return false, fmt.Errorf("push to %s: %w", subQueue, err)
	}

	// A failed delete means the message is redelivered later; the envelope
	// is already back in the queue either way.
	if err := r.source.Delete(ctx, rec.ReceiptHandle); err != nil {
		r.logger.Warn("failed to delete redriven message", zap.Error(err))
	}

	r.logger.Debug("envelope redriven",
		zap.String("channel", rec.Message.Channel),
		zap.String("queue", subQueue),
		zap.String("previous_error", rec.Message.Error),
	)
	return true, nil
}
