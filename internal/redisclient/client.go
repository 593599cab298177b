package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SeenEvent checks whether a webhook event id is inside the idempotency TTL.
func (c *Client) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("webhook:event:%s", eventID)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// MarkEvent records a webhook event id with a bounded TTL. Called only after
// the order has been handed off to the pipeline.
func (c *Client) MarkEvent(ctx context.Context, eventID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("webhook:event:%s", eventID), 1, ttl).Err()
}

// GetChannelAvailability reads the cached available-to-sell figure for a
// variant/channel pair. The second return is false on a cache miss.
func (c *Client) GetChannelAvailability(ctx context.Context, variantID int64, channel string) (int, bool, error) {
	val, err := c.rdb.Get(ctx, availabilityKey(variantID, channel)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt availability cache entry: %w", err)
	}
	return n, true, nil
}

// SetChannelAvailability caches an available-to-sell figure with a short TTL.
func (c *Client) SetChannelAvailability(ctx context.Context, variantID int64, channel string, available int, ttl time.Duration) error {
	return c.rdb.Set(ctx, availabilityKey(variantID, channel), available, ttl).Err()
}

// InvalidateChannelAvailability drops every cached figure for a variant,
// called after ledger mutations so storefront reads converge quickly.
func (c *Client) InvalidateChannelAvailability(ctx context.Context, variantID int64) error {
	iter := c.rdb.Scan(ctx, 0, fmt.Sprintf("ats:%d:*", variantID), 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func availabilityKey(variantID int64, channel string) string {
	return fmt.Sprintf("ats:%d:%s", variantID, channel)
}
