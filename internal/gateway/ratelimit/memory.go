package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

type window struct {
	start time.Time
	count int
}

// MemoryLimiter keeps fixed windows in process memory. Suitable for a single replica.
type MemoryLimiter struct {
	mu       sync.Mutex
	windows  *cache.Cache
	limit    int
	interval time.Duration
	now      func() time.Time
}

// NewMemoryLimiter allows limit requests per interval per identity
func NewMemoryLimiter(limit int, interval time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		windows:  cache.New(interval, 2*interval),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// CheckAndIncrement admits the request if the identity's current window has room.
// A window starts on the first request after the previous one expired.
func (l *MemoryLimiter) CheckAndIncrement(_ context.Context, identity string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var w *window
	if v, ok := l.windows.Get(identity); ok {
		w = v.(*window)
	}
	if w == nil || !now.Before(w.start.Add(l.interval)) {
		w = &window{start: now}
		l.windows.Set(identity, w, l.interval)
	}

	resetIn := w.start.Add(l.interval).Sub(now)
	if w.count >= l.limit {
		return Decision{Allowed: false, Limit: l.limit, Remaining: 0, RetryAfter: resetIn}, nil
	}

	w.count++
	return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - w.count}, nil
}
