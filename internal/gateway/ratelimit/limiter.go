// Package ratelimit bounds how often an account may call the model.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects a request for an account identity
type Limiter interface {
	CheckAndIncrement(ctx context.Context, identity string) (Decision, error)
}
