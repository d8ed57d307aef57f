package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes holds everything the router serves. Metrics may be nil. TrustProxy takes the
// client address from forwarding headers and must only be set behind a proxy that
// overwrites them.
type Routes struct {
	Middleware *Middleware
	Predict    *PredictHandler
	Accounts   *AccountHandler
	Usage      *UsageHandler
	Health     *HealthHandler
	Metrics    http.Handler
	TrustProxy bool
}

// NewRouter builds the chi router for the gateway
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if rt.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.StripSlashes)
	r.Use(rt.Middleware.AccessLogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(rt.Middleware.CORSMiddleware)

	r.Get("/health", rt.Health.HandleHealth)
	r.Get("/ready", rt.Health.HandleReady)
	if rt.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.Metrics)
	}

	r.Post("/predict", rt.Predict.HandlePredict)
	r.Post("/completion", rt.Predict.HandlePredict)
	r.Get("/usage", rt.Usage.HandleUsage)
	if rt.Usage.checkout != nil {
		r.Post("/checkout", rt.Usage.HandleCheckout)
	}

	r.Group(func(r chi.Router) {
		r.Use(rt.Middleware.AddressLimitMiddleware)
		r.Post("/register", rt.Accounts.HandleRegister)
		r.Post("/rotate_api_key", rt.Accounts.HandleRotate)
		r.Post("/delete_account", rt.Accounts.HandleDelete)
	})

	return r
}
