package dispatch

import (
	"context"
	"fmt"

	"github.com/lalithlochan/nimbus-relay/internal/queue"
)

// Reservation is an envelope removed from a sub-queue and not yet
// forwarded or returned. While held, it exists nowhere else.
type Reservation struct {
	Channel string
	Source  string
	Payload string
}

// Scanner reserves the next envelope of a channel in priority order.
type Scanner struct {
	store    queue.Store
	topology *queue.Topology
}

// NewScanner creates a scanner over the topology's sub-queues.
func NewScanner(store queue.Store, topology *queue.Topology) *Scanner {
	return &Scanner{store: store, topology: topology}
}

// Reserve pops one envelope from the highest-priority non-empty sub-queue
// of channel. It returns nil when every sub-queue is empty. A store error
// stops the scan so a lower priority queue is never served ahead of an
// unreachable higher one.
func (s *Scanner) Reserve(ctx context.Context, channel string) (*Reservation, error) {
	subQueues, err := s.topology.SubQueues(channel)
	if err != nil {
		return nil, err
	}

	for _, q := range subQueues {
		payload, ok, err := s.store.Pop(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("reserve from %s: %w", q, err)
		}
		if ok {
			return &Reservation{Channel: channel, Source: q, Payload: payload}, nil
		}
	}

	return nil, nil
}
