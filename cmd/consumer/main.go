package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/nimbus-relay/internal/circuitbreaker"
	"github.com/lalithlochan/nimbus-relay/internal/config"
	"github.com/lalithlochan/nimbus-relay/internal/db"
	"github.com/lalithlochan/nimbus-relay/internal/metrics"
	"github.com/lalithlochan/nimbus-relay/internal/observ"
	"github.com/lalithlochan/nimbus-relay/internal/redis"
	"github.com/lalithlochan/nimbus-relay/internal/sqs"
	"github.com/lalithlochan/nimbus-relay/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.ConsumerChannel == "" {
		return errors.New("CONSUMER_CHANNEL is required")
	}

	logger, err := observ.NewLogger("consumer", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sender, err := newSender(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create sender: %w", err)
	}

	store, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer store.Close()

	var dlq worker.DeadLetterer
	if cfg.SQSDLQURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSDLQURL}, logger)
		if err != nil {
			logger.Warn("dead-letter queue unavailable, failed deliveries will be dropped", zap.Error(err))
		} else {
			dlq = producer
		}
	}

	w := worker.New(store, sender, dlq, worker.Config{
		Channel:      cfg.ConsumerChannel,
		Concurrency:  cfg.ConsumerConcurrency,
		PollInterval: cfg.ConsumerPoll,
		Rate:         cfg.DeliveryRate,
		Burst:        cfg.DeliveryBurst,
	}, logger)

	logger.Info("starting relay consumer",
		zap.String("env", cfg.Env),
		zap.String("channel", cfg.ConsumerChannel),
		zap.Bool("dlq_enabled", dlq != nil),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("consumer stopped")
	return nil
}

// newSender builds the provider sender for the consumer's channel behind a
// circuit breaker. Outside production an unknown or unconfigured channel
// falls back to logging.
func newSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Sender, error) {
	var (
		provider worker.Sender
		name     string
		err      error
	)

	switch cfg.ConsumerChannel {
	case db.ChannelEmail:
		name = "ses"
		provider, err = worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			Subject:   cfg.EmailSubject,
		}, logger)
	case db.ChannelSMS:
		name = "sns"
		provider, err = worker.NewSNSSender(ctx, worker.SNSConfig{Region: cfg.SNSRegion}, logger)
	case db.ChannelWhatsApp:
		if cfg.WhatsAppToken != "" && cfg.WhatsAppPhoneNumberID != "" {
			name = "whatsapp"
			provider = worker.NewWhatsAppSender(logger, worker.WhatsAppConfig{
				APIURL:        cfg.WhatsAppAPIURL,
				PhoneNumberID: cfg.WhatsAppPhoneNumberID,
				Token:         cfg.WhatsAppToken,
				Timeout:       cfg.WhatsAppTimeout,
			})
		}
	}
	if err != nil {
		return nil, err
	}

	if provider == nil {
		if cfg.Env == "production" {
			return nil, fmt.Errorf("no provider configured for channel %s", cfg.ConsumerChannel)
		}
		logger.Warn("no provider configured, logging envelopes instead",
			zap.String("channel", cfg.ConsumerChannel),
		)
		return worker.NewLogSender(logger, cfg.ConsumerChannel), nil
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(name), logger)
	return worker.NewMultiSender(logger, circuitbreaker.NewProtectedSender(provider, breaker, logger)), nil
}
