package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-relay/internal/config"
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
	if cfg.SQSDLQURL == "" {
		return errors.New("SQS_DLQ_URL is required")
	}

	logger, err := observ.NewLogger("redrive", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	topology, err := cfg.Topology()
	if err != nil {
		return fmt.Errorf("invalid queue topology: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := sqs.NewConsumer(ctx, sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSDLQURL}, logger)
	if err != nil {
		return fmt.Errorf("failed to create dead-letter consumer: %w", err)
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

	moved, err := worker.NewRedriver(source, store, topology, logger).Run(ctx, cfg.RedriveMax)
	if err != nil {
		return fmt.Errorf("redrive stopped after %d messages: %w", moved, err)
	}

	logger.Info("dead letters returned to queues", zap.Int("moved", moved))
	return nil
}
