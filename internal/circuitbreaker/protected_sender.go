package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-relay/internal/queue"
)

// Sender mirrors worker.Sender so this package does not import worker.
type Sender interface {
	Send(ctx context.Context, channel string, env queue.Envelope) error
	SupportsChannel(channel string) bool
}

// ProtectedSender fails fast with ErrCircuitOpen while its breaker is open.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedSender) Send(ctx context.Context, channel string, env queue.Envelope) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.Name()),
			zap.String("channel", channel),
			zap.String("envelope_id", env.ID),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	if err := p.sender.Send(ctx, channel, env); err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the wrapped breaker.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
