package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed request is replayed from cache.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while a request is being processed.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates the same idempotency key is still in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult is the cached outcome of a notification request.
type IdempotencyResult struct {
	EnvelopeID string   `json:"envelope_id"`
	Queues     []string `json:"queues"`
	StatusCode int      `json:"status_code"`
	CreatedAt  int64    `json:"created_at"`
}

// IdempotencyService deduplicates notification requests so a client retry
// does not enqueue the same message twice.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(scope, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, idempotencyKey)
}

// Check retrieves a cached result for an idempotency key.
// Returns (nil, nil) if key doesn't exist, (result, nil) if found,
// or ErrDuplicateRequest if the key is currently being processed.
func (s *IdempotencyService) Check(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(scope, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("scope", scope),
		zap.String("envelope_id", result.EnvelopeID),
	)

	return &result, nil
}

// Store saves the result of a successfully processed request.
func (s *IdempotencyService) Store(ctx context.Context, scope, idempotencyKey string, result *IdempotencyResult, ttl time.Duration) error {
	key := s.buildKey(scope, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires an idempotency lock using SET NX.
// Returns true if lock acquired, false if key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, idempotencyKey string) (bool, error) {
	key := s.buildKey(scope, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// Release drops a reservation so a failed request can be retried with the
// same key.
func (s *IdempotencyService) Release(ctx context.Context, scope, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(scope, idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns a cached result if one exists, otherwise reserves
// the key. Returns nil, nil when the caller holds the reservation.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
