// Package inference drives one predict request from API key to billed result.
package inference

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kyegomez/KosmosX-API/internal/gateway/metering"
	"github.com/kyegomez/KosmosX-API/internal/gateway/metrics"
	"github.com/kyegomez/KosmosX-API/internal/gateway/ratelimit"
	"github.com/kyegomez/KosmosX-API/internal/gateway/replay"
	"github.com/kyegomez/KosmosX-API/internal/gateway/runner"
	"github.com/kyegomez/KosmosX-API/internal/shared/apperr"
	"github.com/kyegomez/KosmosX-API/internal/shared/models"
)

const (
	maxImages    = 16
	maxTextBytes = 64 << 10

	replayPoll = 50 * time.Millisecond
)

// State is a step of the request lifecycle
type State string

const (
	StateReceived      State = "received"
	StateAuthenticated State = "authenticated"
	StateRateChecked   State = "rate_checked"
	StateDispatched    State = "dispatched"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Authorizer resolves an API key. *auth.Authenticator implements it.
type Authorizer interface {
	Authorize(ctx context.Context, apiKey string) (*models.Account, error)
}

// Toucher records account activity. *credentials.Store implements it.
type Toucher interface {
	Touch(identity string)
}

// Usage is the billing side of an outcome
type Usage struct {
	Category  models.Category `json:"category,omitempty"`
	Estimated int64           `json:"estimated"`
	Charged   int64           `json:"charged"`
}

// Outcome is the terminal record of a predict request
type Outcome struct {
	RequestID string                   `json:"request_id"`
	State     State                    `json:"state"`
	Reason    apperr.Kind              `json:"reason,omitempty"`
	Result    *models.GenerationResult `json:"result,omitempty"`
	Usage     Usage                    `json:"usage"`
	LatencyMs int64                    `json:"latency_ms"`
	Replayed  bool                     `json:"replayed,omitempty"`

	Identity  string             `json:"-"`
	RateLimit ratelimit.Decision `json:"-"`
	Err       error              `json:"-"`
}

type Gateway struct {
	auth    Authorizer
	limiter ratelimit.Limiter
	meter   *metering.Meter
	runner  runner.Runner
	touch   Toucher
	replays *replay.Cache
	metrics *metrics.Metrics
}

// NewGateway wires the request pipeline. replays may be nil to disable idempotent replay.
func NewGateway(
	auth Authorizer,
	limiter ratelimit.Limiter,
	meter *metering.Meter,
	r runner.Runner,
	touch Toucher,
	replays *replay.Cache,
	m *metrics.Metrics,
) *Gateway {
	return &Gateway{
		auth:    auth,
		limiter: limiter,
		meter:   meter,
		runner:  r,
		touch:   touch,
		replays: replays,
		metrics: m,
	}
}

// Authorize resolves apiKey without dispatching anything
func (g *Gateway) Authorize(ctx context.Context, apiKey string) (*models.Account, error) {
	return g.auth.Authorize(ctx, apiKey)
}

// Predict authenticates, rate checks, dispatches and bills one request. The outcome is
// always returned; err is set when the outcome is Failed.
func (g *Gateway) Predict(ctx context.Context, apiKey string, req *models.InferenceRequest) (*Outcome, error) {
	start := time.Now()
	req.ID = uuid.NewString()
	req.ReceivedAt = start
	out := &Outcome{RequestID: req.ID, State: StateReceived}

	account, err := g.auth.Authorize(ctx, apiKey)
	if err != nil {
		return g.fail(out, start, err)
	}
	out.State = StateAuthenticated
	out.Identity = account.Identity
	req.Identity = account.Identity

	if err := validate(req.Payload); err != nil {
		return g.fail(out, start, err)
	}

	if g.replays != nil && req.IdempotencyKey != "" {
		cached, fingerprint, err := g.claimReplay(ctx, account.Identity, req)
		if err != nil {
			return g.fail(out, start, err)
		}
		if cached != nil {
			g.metrics.ObserveReplay()
			log.Info().
				Str("request_id", out.RequestID).
				Str("replay_of", cached.RequestID).
				Str("identity", account.Identity).
				Msg("Predict replayed")
			return cached, nil
		}
		if fingerprint != "" {
			defer func() {
				g.settleReplay(context.WithoutCancel(ctx), account.Identity, req.IdempotencyKey, fingerprint, out)
			}()
		}
	}

	decision, err := g.limiter.CheckAndIncrement(ctx, account.Identity)
	if err != nil {
		log.Warn().Err(err).Str("identity", account.Identity).Msg("Rate limiter failed, allowing request")
		decision = ratelimit.Decision{Allowed: true}
	}
	out.RateLimit = decision
	if !decision.Allowed {
		return g.fail(out, start, apperr.RateLimited(decision.RetryAfter))
	}
	out.State = StateRateChecked

	estimate := g.meter.Estimate(req.Payload)
	req.EstimatedCost = estimate.Units
	out.Usage = Usage{Category: estimate.Category, Estimated: estimate.Units}

	out.State = StateDispatched
	dispatched := time.Now()
	result, err := g.runner.Generate(ctx, req.Payload)
	if err != nil {
		g.metrics.ObserveRunner(g.runner.Name(), "error", time.Since(dispatched))
		return g.fail(out, start, runnerError(err))
	}
	g.metrics.ObserveRunner(g.runner.Name(), "ok", time.Since(dispatched))

	// the generation already happened; bill it even if the client went away
	billCtx := context.WithoutCancel(ctx)
	actual := g.meter.Actual(req.Payload, result)
	charged, err := g.meter.Charge(billCtx, account.Identity, actual.Category, actual.Units)
	if err != nil {
		log.Error().Err(err).Str("request_id", out.RequestID).Str("identity", account.Identity).Msg("Failed to record usage")
		if apperr.KindOf(err) == apperr.KindNotFound {
			err = apperr.InvalidKey()
		}
		return g.fail(out, start, err)
	}
	req.ActualCost = charged
	g.metrics.ObserveCharge(string(actual.Category), charged)

	out.State = StateCompleted
	out.Result = result
	out.Usage.Charged = charged
	out.LatencyMs = time.Since(start).Milliseconds()

	g.touch.Touch(account.Identity)
	g.metrics.ObserveRequest(string(out.State), "none")

	log.Info().
		Str("request_id", out.RequestID).
		Str("identity", account.Identity).
		Str("category", string(actual.Category)).
		Int64("estimated", req.EstimatedCost).
		Int64("charged", req.ActualCost).
		Int64("latency_ms", out.LatencyMs).
		Msg("Predict completed")

	return out, nil
}

func (g *Gateway) fail(out *Outcome, start time.Time, err error) (*Outcome, error) {
	e := apperr.As(err)

	out.Reason = e.Kind
	out.Err = e
	out.State = StateFailed
	out.LatencyMs = time.Since(start).Milliseconds()
	g.metrics.ObserveRequest(string(out.State), string(e.Kind))

	event := log.Info()
	if e.Status() >= 500 {
		event = log.Warn().Err(e)
	}
	event.
		Str("request_id", out.RequestID).
		Str("identity", out.Identity).
		Str("reason", string(e.Kind)).
		Int64("latency_ms", out.LatencyMs).
		Msg("Predict failed")

	return out, e
}

// claimReplay takes the idempotency key for req, or returns the outcome of the earlier
// request that holds it once that request finishes. An empty fingerprint means the key
// could not be claimed and the request runs without replay protection.
func (g *Gateway) claimReplay(ctx context.Context, identity string, req *models.InferenceRequest) (*Outcome, string, error) {
	fingerprint, err := replay.Fingerprint(req.Payload)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, "failed to fingerprint request", err)
	}

	for {
		claimed, err := g.replays.Claim(ctx, identity, req.IdempotencyKey, fingerprint)
		if err != nil {
			log.Warn().Err(err).Str("identity", identity).Msg("Replay claim failed")
			return nil, "", nil
		}
		if claimed {
			return nil, fingerprint, nil
		}

		var cached Outcome
		err = g.replays.Get(ctx, identity, req.IdempotencyKey, fingerprint, &cached)
		switch {
		case err == nil:
			cached.Replayed = true
			cached.Identity = identity
			return &cached, "", nil
		case errors.Is(err, replay.ErrMismatch):
			return nil, "", apperr.Validation("idempotency key was already used for a different request")
		case errors.Is(err, replay.ErrPending), errors.Is(err, replay.ErrMiss):
			// still running, or released between the claim and the lookup
		default:
			log.Warn().Err(err).Str("identity", identity).Msg("Replay lookup failed")
			return nil, "", nil
		}

		timer := time.NewTimer(replayPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, "", apperr.Wrap(apperr.KindTimeout, "request with this idempotency key is still running", ctx.Err())
		case <-timer.C:
		}
	}
}

// settleReplay stores a completed outcome under its claim, or releases the claim so a
// retry of a failed request runs again
func (g *Gateway) settleReplay(ctx context.Context, identity, key, fingerprint string, out *Outcome) {
	if out.State != StateCompleted {
		if err := g.replays.Release(ctx, identity, key); err != nil {
			log.Warn().Err(err).Str("identity", identity).Msg("Failed to release replay claim")
		}
		return
	}
	if err := g.replays.Complete(ctx, identity, key, fingerprint, out); err != nil {
		log.Warn().Err(err).Str("identity", identity).Msg("Failed to store replay entry")
	}
}

// validate requires exactly one of text or images
func validate(p models.Payload) error {
	hasText := strings.TrimSpace(p.Text) != ""

	switch {
	case hasText && p.IsImage():
		return apperr.Validation("provide either text or images, not both")
	case !hasText && !p.IsImage():
		return apperr.Validation("text or images is required")
	case len(p.Text) > maxTextBytes:
		return apperr.Validation("text is too long")
	case len(p.Images) > maxImages:
		return apperr.Validation("too many images")
	}

	for _, img := range p.Images {
		if strings.TrimSpace(img) == "" {
			return apperr.Validation("image references must not be empty")
		}
	}
	return nil
}

// runnerError maps dispatch failures to Timeout or ModelError
func runnerError(err error) error {
	var runnerErr *runner.Error

	switch {
	case runner.IsTimeout(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.KindTimeout, "model runner timed out", err)
	case errors.Is(err, runner.ErrUnavailable):
		return apperr.Wrap(apperr.KindModelError, "model runner unavailable", err)
	case errors.As(err, &runnerErr):
		return apperr.Wrap(apperr.KindModelError, runnerErr.Message, err)
	default:
		return apperr.Wrap(apperr.KindModelError, "model runner failed", err)
	}
}

// Report is an account's accumulated usage priced at current rates
type Report struct {
	Identity string                    `json:"identity"`
	Usage    map[models.Category]int64 `json:"usage"`
	CostUSD  float64                   `json:"cost_usd"`
	Invoice  metering.Invoice          `json:"-"`
}

// UsageReport authenticates apiKey and returns the account's usage snapshot
func (g *Gateway) UsageReport(ctx context.Context, apiKey string) (*Report, error) {
	account, err := g.auth.Authorize(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	usage, err := g.meter.UsageSnapshot(ctx, account.Identity)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.InvalidKey()
		}
		return nil, err
	}

	invoice := g.meter.Bill(usage)
	return &Report{Identity: account.Identity, Usage: usage, CostUSD: invoice.TotalUSD, Invoice: invoice}, nil
}
