package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const statusKeyPrefix = "provreq:"

// Client wraps the Redis client with our custom methods
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// CacheRequestStatus stores a serialized provisioning status response. Status
// polling is the hottest read path; a short TTL keeps it off Postgres without
// serving stale terminal states for long.
func (c *Client) CacheRequestStatus(ctx context.Context, trackingID string, payload []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, statusKeyPrefix+trackingID, payload, ttl).Err()
}

// GetRequestStatus returns a cached status response, or redis.Nil when absent.
func (c *Client) GetRequestStatus(ctx context.Context, trackingID string) ([]byte, error) {
	return c.rdb.Get(ctx, statusKeyPrefix+trackingID).Bytes()
}

// InvalidateRequestStatus drops the cached status after a state change.
func (c *Client) InvalidateRequestStatus(ctx context.Context, trackingID string) error {
	return c.rdb.Del(ctx, statusKeyPrefix+trackingID).Err()
}

// IsCacheMiss reports whether err is a cache miss rather than a failure.
func IsCacheMiss(err error) bool {
	return err == redis.Nil
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}
