package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/kyegomez/KosmosX-API/internal/shared/redis"
)

type testEntry struct {
	RequestID string `json:"request_id"`
	Charged   int64  `json:"charged"`
}

func testCache(t *testing.T, c *Cache) {
	t.Helper()
	ctx := context.Background()

	var got testEntry
	if err := c.Get(ctx, "alice", "k1", "fp", &got); !errors.Is(err, ErrMiss) {
		t.Fatalf("Expected ErrMiss, got %v", err)
	}

	claimed, err := c.Claim(ctx, "alice", "k1", "fp")
	if err != nil || !claimed {
		t.Fatalf("Expected first claim to succeed: %v %v", claimed, err)
	}
	if claimed, _ := c.Claim(ctx, "alice", "k1", "fp"); claimed {
		t.Fatal("Second claim should fail while the first is held")
	}
	if err := c.Get(ctx, "alice", "k1", "fp", &got); !errors.Is(err, ErrPending) {
		t.Errorf("Expected ErrPending, got %v", err)
	}

	if err := c.Complete(ctx, "alice", "k1", "fp", testEntry{RequestID: "r1", Charged: 100}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := c.Get(ctx, "alice", "k1", "fp", &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RequestID != "r1" || got.Charged != 100 {
		t.Errorf("Unexpected entry: %+v", got)
	}
	if err := c.Get(ctx, "alice", "k1", "other", &got); !errors.Is(err, ErrMismatch) {
		t.Errorf("Expected ErrMismatch for a different body, got %v", err)
	}

	// keys are scoped per account
	if err := c.Get(ctx, "bob", "k1", "fp", &got); !errors.Is(err, ErrMiss) {
		t.Errorf("Expected ErrMiss for another account, got %v", err)
	}

	claimed, _ = c.Claim(ctx, "alice", "k2", "fp")
	if !claimed {
		t.Fatal("Expected claim on a fresh key")
	}
	if err := c.Release(ctx, "alice", "k2"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if claimed, _ := c.Claim(ctx, "alice", "k2", "fp"); !claimed {
		t.Error("Released key should be claimable again")
	}
}

func testConcurrentClaims(t *testing.T, c *Cache) {
	t.Helper()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := c.Claim(context.Background(), "alice", "race", "fp"); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("Expected exactly one claim to win, got %d", wins.Load())
	}
}

func TestMemoryCache(t *testing.T) {
	testCache(t, NewMemory(time.Minute, time.Minute))
	testConcurrentClaims(t, NewMemory(time.Minute, time.Minute))
}

func TestMemoryCache_Expires(t *testing.T) {
	c := NewMemory(20*time.Millisecond, 20*time.Millisecond)
	ctx := context.Background()

	if _, err := c.Claim(ctx, "alice", "k1", "fp"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// an abandoned claim lapses
	if claimed, _ := c.Claim(ctx, "alice", "k1", "fp"); !claimed {
		t.Fatal("Expected expired claim to be claimable")
	}
	if err := c.Complete(ctx, "alice", "k1", "fp", testEntry{RequestID: "r1"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	var got testEntry
	if err := c.Get(ctx, "alice", "k1", "fp", &got); !errors.Is(err, ErrMiss) {
		t.Errorf("Expected entry to expire, got %v", err)
	}
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.New(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer client.Close()

	testCache(t, NewRedis(client, time.Minute, 30*time.Second))
	testConcurrentClaims(t, NewRedis(client, time.Minute, 30*time.Second))

	if ttl := mr.TTL(generateKey("alice", "k1")); ttl <= 30*time.Second {
		t.Errorf("Expected completed entry to use the replay TTL, got %s", ttl)
	}
	if ttl := mr.TTL(generateKey("alice", "race")); ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("Expected pending claim to use the claim TTL, got %s", ttl)
	}

	mr.FastForward(31 * time.Second)
	if claimed, _ := NewRedis(client, time.Minute, 30*time.Second).Claim(context.Background(), "alice", "race", "fp"); !claimed {
		t.Error("Expected abandoned claim to lapse")
	}
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint(map[string]string{"text": "hello"})
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	b, _ := Fingerprint(map[string]string{"text": "hello"})
	c, _ := Fingerprint(map[string]string{"text": "world"})

	if a != b || a == c {
		t.Errorf("Expected equal bodies to match and different bodies to differ: %s %s %s", a, b, c)
	}
}
