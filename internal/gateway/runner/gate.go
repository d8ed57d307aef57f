package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kyegomez/KosmosX-API/internal/shared/models"
)

// Gate serializes calls to a runner that can only serve one generation at a time
type Gate struct {
	runner       Runner
	slot         chan struct{}
	queueTimeout time.Duration
	hardTimeout  time.Duration
	waiting      atomic.Int64
	busy         atomic.Bool
}

// NewGate wraps runner with a single slot. Callers wait at most queueTimeout for the
// slot; a dispatched call is bounded by hardTimeout.
func NewGate(runner Runner, queueTimeout, hardTimeout time.Duration) *Gate {
	return &Gate{
		runner:       runner,
		slot:         make(chan struct{}, 1),
		queueTimeout: queueTimeout,
		hardTimeout:  hardTimeout,
	}
}

// Name returns the wrapped runner's name
func (g *Gate) Name() string {
	return g.runner.Name()
}

// QueueDepth is the number of callers waiting for the slot
func (g *Gate) QueueDepth() int {
	return int(g.waiting.Load())
}

// Busy reports whether a generation is in flight
func (g *Gate) Busy() bool {
	return g.busy.Load()
}

// Health passes through to the runner
func (g *Gate) Health(ctx context.Context) error {
	return g.runner.Health(ctx)
}

// Generate waits for the slot, then runs one generation. Once dispatched, the call is
// not cancelled by ctx; only the hard timeout ends it early.
func (g *Gate) Generate(ctx context.Context, p models.Payload) (*models.GenerationResult, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.hardTimeout)
	defer cancel()

	start := time.Now()
	result, err := g.runner.Generate(runCtx, p)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		log.Warn().Dur("elapsed", time.Since(start)).Str("runner", g.runner.Name()).Msg("Generation exceeded hard timeout")
		return nil, ErrGenerationTimeout
	}
	return result, err
}

func (g *Gate) acquire(ctx context.Context) error {
	g.waiting.Add(1)
	defer g.waiting.Add(-1)

	timer := time.NewTimer(g.queueTimeout)
	defer timer.Stop()

	select {
	case g.slot <- struct{}{}:
		g.busy.Store(true)
		return nil
	case <-timer.C:
		return ErrQueueTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrQueueTimeout
		}
		return ctx.Err()
	}
}

func (g *Gate) release() {
	g.busy.Store(false)
	<-g.slot
}
