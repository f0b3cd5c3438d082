package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-relay/internal/db"
	"github.com/lalithlochan/nimbus-relay/internal/queue"
)

// SNSAPI is the subset of the SNS client used for SMS delivery.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends SMS notifications via AWS SNS
type SNSSender struct {
	client SNSAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for SMS notifications
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewSNSSenderWithClient(sns.NewFromConfig(awsCfg), logger), nil
}

// NewSNSSenderWithClient creates a sender over an existing client.
func NewSNSSenderWithClient(client SNSAPI, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, logger: logger}
}

func (s *SNSSender) Send(ctx context.Context, channel string, env queue.Envelope) error {
	if channel != db.ChannelSMS {
		return fmt.Errorf("SNS sender only supports SMS, got: %s", channel)
	}
	if env.Message == "" {
		return fmt.Errorf("SMS envelope missing message")
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(env.To),
		Message:     aws.String(env.Message),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("envelope_id", env.ID),
		zap.String("phone_number", env.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}
