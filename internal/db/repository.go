package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository reads users and their notification preferences.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new user repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetUser retrieves a user by ID
func (r *Repository) GetUser(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, email, mobile_number, name
		FROM users
		WHERE id = $1
	`

	var u User
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&u.ID,
		&u.Email,
		&u.MobileNumber,
		&u.Name,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}

	if err != nil {
		r.logger.Error("failed to get user",
			zap.Error(err),
			zap.Int64("user_id", id),
		)
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &u, nil
}

// GetPreferences retrieves the notification preferences of a user
func (r *Repository) GetPreferences(ctx context.Context, userID int64) (*NotificationPreference, error) {
	query := `
		SELECT user_id, email, sms, whatsapp
		FROM notification_preferences
		WHERE user_id = $1
	`

	var p NotificationPreference
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&p.UserID,
		&p.Email,
		&p.SMS,
		&p.WhatsApp,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("preferences for user %d: %w", userID, ErrNotFound)
	}

	if err != nil {
		r.logger.Error("failed to get preferences",
			zap.Error(err),
			zap.Int64("user_id", userID),
		)
		return nil, fmt.Errorf("query preferences: %w", err)
	}

	return &p, nil
}
