// Package replay remembers completed outcomes by idempotency key so a retried request is
// answered without running or billing it twice.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kyegomez/KosmosX-API/internal/shared/redis"
)

var (
	// ErrMiss is returned when nothing is stored under the key
	ErrMiss = errors.New("replay entry not found")
	// ErrPending is returned while the request holding the key has not finished
	ErrPending = errors.New("replay entry pending")
	// ErrMismatch is returned when the key was claimed for a different request body
	ErrMismatch = errors.New("idempotency key reused with a different request")
)

// entry is the stored form. A pending entry marks a claimed key whose request is
// still running.
type entry struct {
	Fingerprint string          `json:"fingerprint"`
	Pending     bool            `json:"pending,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
}

type backend interface {
	get(ctx context.Context, key string) ([]byte, error)
	set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	del(ctx context.Context, key string) error
}

type Cache struct {
	store    backend
	ttl      time.Duration
	claimTTL time.Duration
}

// NewRedis stores entries in Redis, shared by all replicas. Completed entries live for
// ttl; a claim that is never completed or released expires after claimTTL.
func NewRedis(client *redis.Client, ttl, claimTTL time.Duration) *Cache {
	return &Cache{store: redisBackend{client: client}, ttl: ttl, claimTTL: claimTTL}
}

// NewMemory stores entries in process memory
func NewMemory(ttl, claimTTL time.Duration) *Cache {
	return &Cache{store: memoryBackend{cache: gocache.New(ttl, 2*ttl)}, ttl: ttl, claimTTL: claimTTL}
}

// Fingerprint digests a request body so a reused key can be told apart from a retry
func Fingerprint(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint request: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// generateKey scopes the idempotency key to the account
func generateKey(identity, idempotencyKey string) string {
	hash := sha256.Sum256([]byte(identity + ":" + idempotencyKey))
	return "replay:" + hex.EncodeToString(hash[:])
}

// Claim marks the key as taken by a request with the given fingerprint. It returns
// false when the key is already claimed or completed.
func (c *Cache) Claim(ctx context.Context, identity, idempotencyKey, fingerprint string) (bool, error) {
	data, err := json.Marshal(entry{Fingerprint: fingerprint, Pending: true})
	if err != nil {
		return false, fmt.Errorf("failed to serialize replay claim: %w", err)
	}
	return c.store.add(ctx, generateKey(identity, idempotencyKey), data, c.claimTTL)
}

// Get decodes the completed entry into dst. It returns ErrMismatch when the key belongs
// to another request body and ErrPending while that request is still running.
func (c *Cache) Get(ctx context.Context, identity, idempotencyKey, fingerprint string, dst any) error {
	data, err := c.store.get(ctx, generateKey(identity, idempotencyKey))
	if err != nil {
		return err
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("failed to deserialize replay entry: %w", err)
	}
	if e.Fingerprint != fingerprint {
		return ErrMismatch
	}
	if e.Pending {
		return ErrPending
	}

	if err := json.Unmarshal(e.Value, dst); err != nil {
		return fmt.Errorf("failed to deserialize replay entry: %w", err)
	}
	return nil
}

// Complete stores v under the account's idempotency key, replacing the claim
func (c *Cache) Complete(ctx context.Context, identity, idempotencyKey, fingerprint string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize replay entry: %w", err)
	}
	data, err := json.Marshal(entry{Fingerprint: fingerprint, Value: value})
	if err != nil {
		return fmt.Errorf("failed to serialize replay entry: %w", err)
	}

	return c.store.set(ctx, generateKey(identity, idempotencyKey), data, c.ttl)
}

// Release drops a claim so a retry of a failed request can run again
func (c *Cache) Release(ctx context.Context, identity, idempotencyKey string) error {
	return c.store.del(ctx, generateKey(identity, idempotencyKey))
}

type redisBackend struct {
	client *redis.Client
}

func (b redisBackend) get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.client.Get(ctx, key)
	if errors.Is(err, redis.ErrMiss) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

func (b redisBackend) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, string(value), ttl)
}

func (b redisBackend) add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, string(value), ttl)
}

func (b redisBackend) del(ctx context.Context, key string) error {
	return b.client.Del(ctx, key)
}

type memoryBackend struct {
	cache *gocache.Cache
}

func (b memoryBackend) get(_ context.Context, key string) ([]byte, error) {
	v, ok := b.cache.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	return v.([]byte), nil
}

func (b memoryBackend) set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.cache.Set(key, value, ttl)
	return nil
}

func (b memoryBackend) add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := b.cache.Add(key, value, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (b memoryBackend) del(_ context.Context, key string) error {
	b.cache.Delete(key)
	return nil
}
