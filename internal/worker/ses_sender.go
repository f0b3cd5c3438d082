package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-relay/internal/db"
	"github.com/lalithlochan/nimbus-relay/internal/queue"
)

// SESAPI is the subset of the SES client used for delivery.
type SESAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, opts ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender sends email notifications via AWS SES
type SESSender struct {
	client  SESAPI
	from    string
	subject string
	logger  *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	Subject   string // every envelope is sent with this subject
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESSenderWithClient(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewSESSenderWithClient creates a sender over an existing client.
func NewSESSenderWithClient(client SESAPI, cfg SESConfig, logger *zap.Logger) *SESSender {
	subject := cfg.Subject
	if subject == "" {
		subject = "Notification"
	}
	return &SESSender{
		client:  client,
		from:    cfg.FromEmail,
		subject: subject,
		logger:  logger,
	}
}

func (s *SESSender) Send(ctx context.Context, channel string, env queue.Envelope) error {
	if channel != db.ChannelEmail {
		return fmt.Errorf("SES sender only supports email, got: %s", channel)
	}
	if env.Message == "" {
		return fmt.Errorf("email envelope missing message")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{env.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(s.subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(env.Message),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("envelope_id", env.ID),
		zap.String("to", env.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
