package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-relay/internal/queue"
)

// Sender delivers an envelope through a provider.
// Implementations: Email (SES), SMS (SNS), WhatsApp (Cloud API), LogSender
type Sender interface {
	Send(ctx context.Context, channel string, env queue.Envelope) error
	SupportsChannel(channel string) bool
}

// MultiSender routes envelopes to the first sender supporting the channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

func (m *MultiSender) Send(ctx context.Context, channel string, env queue.Envelope) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			m.logger.Debug("routing envelope to sender",
				zap.String("channel", channel),
				zap.String("envelope_id", env.ID),
			)
			return sender.Send(ctx, channel, env)
		}
	}

	return fmt.Errorf("no sender found for channel: %s", channel)
}

func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs envelopes instead of delivering them (development)
type LogSender struct {
	logger   *zap.Logger
	channels map[string]bool
}

// NewLogSender handles the listed channels, or every channel when none are given.
func NewLogSender(logger *zap.Logger, channels ...string) *LogSender {
	s := &LogSender{logger: logger}
	if len(channels) > 0 {
		s.channels = make(map[string]bool, len(channels))
		for _, ch := range channels {
			s.channels[ch] = true
		}
	}
	return s
}

func (s *LogSender) Send(ctx context.Context, channel string, env queue.Envelope) error {
	s.logger.Info("logging notification (development mode)",
		zap.String("channel", channel),
		zap.String("envelope_id", env.ID),
		zap.String("to", env.To),
		zap.String("message", env.Message),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return s.channels == nil || s.channels[channel]
}
