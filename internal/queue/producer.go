package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Producer writes envelopes into the priority sub-queues.
type Producer struct {
	store    Store
	topology *Topology
	logger   *zap.Logger
}

// NewProducer creates a producer for the given topology.
func NewProducer(store Store, topology *Topology, logger *zap.Logger) *Producer {
	return &Producer{
		store:    store,
		topology: topology,
		logger:   logger,
	}
}

// Publish appends the envelope to the sub-queue of (channel, priority) and
// returns the sub-queue name.
func (p *Producer) Publish(ctx context.Context, channel string, priority int, env Envelope) (string, error) {
	subQueue, err := p.topology.SubQueue(channel, priority)
	if err != nil {
		return "", err
	}

	payload, err := env.Encode()
	if err != nil {
		return "", err
	}

	if err := p.store.Push(ctx, subQueue, payload); err != nil {
		return "", fmt.Errorf("push to %s: %w", subQueue, err)
	}

	p.logger.Debug("envelope published",
		zap.String("queue", subQueue),
		zap.String("envelope_id", env.ID),
	)

	return subQueue, nil
}
