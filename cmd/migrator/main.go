package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-relay/internal/config"
	"github.com/lalithlochan/nimbus-relay/internal/db"
	"github.com/lalithlochan/nimbus-relay/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger("migrator", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}.URL()
	}

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	ctx := context.Background()

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol // allow multi-statement migrations
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "relay-migrator"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := ensureSchemaTable(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied, skipped, err := applyMigrations(ctx, pool, migrationsDir, logger)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("migrations complete",
		zap.Int("applied", applied),
		zap.Int("skipped", skipped),
	)

	if email := os.Getenv("SEED_EMAIL"); email != "" {
		id, err := seedUser(ctx, pool, email, os.Getenv("SEED_MOBILE"), os.Getenv("SEED_NAME"))
		if err != nil {
			return fmt.Errorf("seed user: %w", err)
		}
		logger.Info("seeded user with every channel enabled", zap.Int64("user_id", id))
	}

	return nil
}

func ensureSchemaTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `)
	return err
}

func pendingFiles(migrationsDir string) ([]string, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", migrationsDir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool, migrationsDir string, logger *zap.Logger) (int, int, error) {
	names, err := pendingFiles(migrationsDir)
	if err != nil {
		return 0, 0, err
	}

	applied := 0
	skipped := 0

	for _, name := range names {
		alreadyApplied, err := isApplied(ctx, pool, name)
		if err != nil {
			return applied, skipped, fmt.Errorf("check applied %s: %w", name, err)
		}
		if alreadyApplied {
			logger.Debug("skip migration", zap.String("name", name))
			skipped++
			continue
		}

		contents, err := os.ReadFile(filepath.Join(migrationsDir, name))
		if err != nil {
			return applied, skipped, fmt.Errorf("read %s: %w", name, err)
		}

		start := time.Now()

		// Apply and record in one transaction so a failed file is retried whole.
		tx, err := pool.Begin(ctx)
		if err != nil {
			return applied, skipped, fmt.Errorf("begin %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(contents)); err != nil {
			_ = tx.Rollback(ctx)
			return applied, skipped, fmt.Errorf("execute %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name); err != nil {
			_ = tx.Rollback(ctx)
			return applied, skipped, fmt.Errorf("mark applied %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, skipped, fmt.Errorf("commit %s: %w", name, err)
		}

		applied++
		logger.Info("applied migration",
			zap.String("name", name),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)),
		)
	}

	return applied, skipped, nil
}

func isApplied(ctx context.Context, pool *pgxpool.Pool, name string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name).Scan(&exists)
	return exists, err
}

// seedUser inserts a user with every channel enabled. Re-running with the
// same email keeps the existing row.
func seedUser(ctx context.Context, pool *pgxpool.Pool, email, mobile, name string) (int64, error) {
	var id int64
	err := pool.QueryRow(ctx, `
        INSERT INTO users (email, mobile_number, name) VALUES ($1, $2, $3)
        ON CONFLICT (email) DO UPDATE SET mobile_number = EXCLUDED.mobile_number
        RETURNING id
    `, email, mobile, name).Scan(&id)
	if err != nil {
		return 0, err
	}

	_, err = pool.Exec(ctx, `
        INSERT INTO notification_preferences (user_id, email, sms, whatsapp)
        VALUES ($1, TRUE, TRUE, TRUE)
        ON CONFLICT (user_id) DO NOTHING
    `, id)
	return id, err
}
