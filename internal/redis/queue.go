package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lalithlochan/nimbus-relay/internal/queue"
)

// Lists are written on the left and read from the right, so every key is
// FIFO. This matches the producers and delivery workers that share the
// same keys.

var (
	_ queue.Store       = (*Client)(nil)
	_ queue.DepthReader = (*Client)(nil)
)

// Pop removes the oldest entry of a list (RPOP). It does not block.
func (c *Client) Pop(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis rpop %s failed: %w", key, err)
	}
	return val, true, nil
}

// Push appends an entry to a list (LPUSH).
func (c *Client) Push(ctx context.Context, key, value string) error {
	if err := c.rdb.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("redis lpush %s failed: %w", key, err)
	}
	return nil
}

// Requeue returns an entry to the read end of a list (RPUSH) so the next
// Pop sees it first.
func (c *Client) Requeue(ctx context.Context, key, value string) error {
	if err := c.rdb.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("redis rpush %s failed: %w", key, err)
	}
	return nil
}

// Len returns the length of a list (LLEN).
func (c *Client) Len(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s failed: %w", key, err)
	}
	return n, nil
}
