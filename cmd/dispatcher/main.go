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

	"github.com/lalithlochan/nimbus-relay/internal/config"
	"github.com/lalithlochan/nimbus-relay/internal/dispatch"
	"github.com/lalithlochan/nimbus-relay/internal/metrics"
	"github.com/lalithlochan/nimbus-relay/internal/observ"
	"github.com/lalithlochan/nimbus-relay/internal/redis"
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
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := observ.NewLogger("dispatcher", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	topology, err := cfg.Topology()
	if err != nil {
		return fmt.Errorf("invalid queue topology: %w", err)
	}

	limiter, err := newLimiter(cfg, topology.Channels())
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	logger.Info("starting relay dispatcher",
		zap.String("env", cfg.Env),
		zap.Int("rate_limit", cfg.RateLimit),
		zap.String("scope", cfg.RateLimitScope),
		zap.Strings("channels", topology.Channels()),
	)

	dispatcher := dispatch.New(store, topology, limiter, dispatch.Config{
		BackoffExtra: cfg.BackoffExtra,
		IdleSleep:    cfg.IdleSleep,
	}, logger)
	monitor := dispatch.NewMonitor(store, topology, cfg.DepthSampleInterval, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		monitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("metrics server listening", zap.String("addr", srv.Addr))
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

	logger.Info("dispatcher stopped")
	return nil
}

func newLimiter(cfg *config.Config, channels []string) (dispatch.Limiter, error) {
	if cfg.RateLimitScope == config.ScopeChannel {
		return dispatch.NewChannelLimiter(channels, cfg.RateLimit, cfg.ChannelRateLimits, dispatch.SystemClock{})
	}
	return dispatch.NewGlobalLimiter(cfg.RateLimit, dispatch.SystemClock{})
}
