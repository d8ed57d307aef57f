package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrMiss is returned by Get when the key does not exist
var ErrMiss = errors.New("key not found")

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrMiss
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// SetNX stores a value with TTL only if the key does not exist
func (c *Client) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

// Del removes keys
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// WindowResult is the state of a fixed window after a check
type WindowResult struct {
	Allowed bool
	Count   int64
	TTL     time.Duration
}

// fixedWindow counts only admitted requests; the key expires one window after the first
// admitted request, which starts the next window.
var fixedWindow = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local ttl = redis.call('PTTL', KEYS[1])
if current > 0 and ttl == -1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
if current >= tonumber(ARGV[2]) then
	return {current, ttl, 0}
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1]), 1}
`)

// CheckFixedWindow admits a request if fewer than limit have been admitted in the
// current window for key
func (c *Client) CheckFixedWindow(ctx context.Context, key string, limit int, window time.Duration) (*WindowResult, error) {
	res, err := fixedWindow.Run(ctx, c.client, []string{key}, window.Milliseconds(), limit).Slice()
	if err != nil {
		return nil, err
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected rate limit reply: %v", res)
	}

	count, _ := res[0].(int64)
	ttl, _ := res[1].(int64)
	allowed, _ := res[2].(int64)

	return &WindowResult{
		Allowed: allowed == 1,
		Count:   count,
		TTL:     time.Duration(ttl) * time.Millisecond,
	}, nil
}
