package handlers

import (
	"context"
	"net/http"

	"github.com/kyegomez/KosmosX-API/internal/gateway/billing"
	"github.com/kyegomez/KosmosX-API/internal/gateway/inference"
	"github.com/kyegomez/KosmosX-API/internal/gateway/metering"
	"github.com/kyegomez/KosmosX-API/internal/gateway/runner"
)

// CheckoutCreator opens a payment session. *billing.Checkout implements it.
type CheckoutCreator interface {
	Create(ctx context.Context, identity string, invoice metering.Invoice) (*billing.Session, error)
}

type UsageHandler struct {
	gateway  *inference.Gateway
	checkout CheckoutCreator
}

// NewUsageHandler creates the usage handler. checkout may be nil when Stripe is not
// configured.
func NewUsageHandler(gateway *inference.Gateway, checkout CheckoutCreator) *UsageHandler {
	return &UsageHandler{gateway: gateway, checkout: checkout}
}

// HandleUsage handles GET /usage
func (h *UsageHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	report, err := h.gateway.UsageReport(r.Context(), r.Header.Get(apiKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// HandleCheckout handles POST /checkout
func (h *UsageHandler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	report, err := h.gateway.UsageReport(r.Context(), r.Header.Get(apiKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}

	session, err := h.checkout.Create(r.Context(), report.Identity, report.Invoice)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

type HealthHandler struct {
	runner runner.Runner
}

func NewHealthHandler(r runner.Runner) *HealthHandler {
	return &HealthHandler{runner: r}
}

// HandleHealth handles GET /health
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// HandleReady handles GET /ready, which fails while the runner is unreachable or loading
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.runner.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "runner": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "runner": h.runner.Name()})
}
