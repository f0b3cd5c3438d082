// Package sqs carries envelopes that could not be delivered to an SQS
// dead-letter queue and reads them back for redrive.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Message is a dead-lettered envelope.
type Message struct {
	Channel  string `json:"channel"`
	Payload  string `json:"payload"` // raw envelope as read from the main queue
	Error    string `json:"error"`
	FailedAt int64  `json:"failed_at"`
}

func newClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer publishes failed deliveries to the dead-letter queue.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewProducer creates a dead-letter producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs dead-letter producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return NewProducerWithClient(client, cfg.QueueURL, logger), nil
}

// NewProducerWithClient creates a producer over an existing client.
func NewProducerWithClient(client API, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// DeadLetter records payload with the reason it failed and returns the SQS
// message ID.
func (p *Producer) DeadLetter(ctx context.Context, channel, payload string, cause error) (string, error) {
	msg := Message{
		Channel:  channel,
		Payload:  payload,
		FailedAt: p.now().Unix(),
	}
	if cause != nil {
		msg.Error = cause.Error()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to send message to dead-letter queue",
			zap.Error(err),
			zap.String("channel", channel),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Received is a dead-letter message with the handle needed to delete it.
type Received struct {
	Message       Message
	ReceiptHandle string
}

// Consumer reads the dead-letter queue.
type Consumer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a dead-letter consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs dead-letter consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return NewConsumerWithClient(client, cfg.QueueURL, logger), nil
}

// NewConsumerWithClient creates a consumer over an existing client.
func NewConsumerWithClient(client API, queueURL string, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Receive long-polls for up to max messages (SQS caps this at 10).
// Bodies that do not decode are deleted and skipped.
func (c *Consumer) Receive(ctx context.Context, max int32) ([]Received, error) {
	if max > 10 {
		max = 10
	}

	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     5,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	out := make([]Received, 0, len(result.Messages))
	for _, m := range result.Messages {
		handle := aws.ToString(m.ReceiptHandle)

		var msg Message
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil || msg.Channel == "" {
			c.logger.Error("discarding unreadable dead-letter message",
				zap.String("message_id", aws.ToString(m.MessageId)),
				zap.Error(err),
			)
			if err := c.Delete(ctx, handle); err != nil {
				c.logger.Warn("failed to delete unreadable message", zap.Error(err))
			}
			continue
		}
		out = append(out, Received{Message: msg, ReceiptHandle: handle})
	}

	return out, nil
}

// Delete removes a message after it has been redriven.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
