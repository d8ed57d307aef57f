package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kyegomez/KosmosX-API/internal/gateway/auth"
	"github.com/kyegomez/KosmosX-API/internal/gateway/billing"
	"github.com/kyegomez/KosmosX-API/internal/gateway/credentials"
	"github.com/kyegomez/KosmosX-API/internal/gateway/handlers"
	"github.com/kyegomez/KosmosX-API/internal/gateway/inference"
	"github.com/kyegomez/KosmosX-API/internal/gateway/metering"
	"github.com/kyegomez/KosmosX-API/internal/gateway/metrics"
	"github.com/kyegomez/KosmosX-API/internal/gateway/ratelimit"
	"github.com/kyegomez/KosmosX-API/internal/gateway/replay"
	"github.com/kyegomez/KosmosX-API/internal/gateway/runner"
	"github.com/kyegomez/KosmosX-API/internal/shared/config"
	"github.com/kyegomez/KosmosX-API/internal/shared/database"
	"github.com/kyegomez/KosmosX-API/internal/shared/keylock"
	"github.com/kyegomez/KosmosX-API/internal/shared/logging"
	"github.com/kyegomez/KosmosX-API/internal/shared/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info", "console")
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("Starting Kosmos inference gateway")

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxRetries)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Str("dialect", db.Dialect()).Msg("Connected to account database")

	// Initialize Redis when configured; otherwise limits and replays stay in process
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()
		log.Info().Msg("Connected to Redis")
	}

	// longest a predict request can take: a full queue wait plus a full generation
	requestBudget := cfg.RunnerQueueTimeout + cfg.RunnerTimeout + 10*time.Second

	var limiter ratelimit.Limiter
	var replays *replay.Cache
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow)
		replays = replay.NewRedis(redisClient, cfg.ReplayTTL, requestBudget)
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
		replays = replay.NewMemory(cfg.ReplayTTL, requestBudget)
	}

	// Accounts and metering share per-identity locks
	locks := keylock.New()
	store, err := credentials.NewStore(db, locks, cfg.BcryptCost, cfg.TouchWorkers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential store")
	}
	defer store.Close()

	rates := metering.Rates{TextPer1K: cfg.TextPricePer1K, PerImage: cfg.ImagePrice}
	if cfg.PricingFile != "" {
		rates, err = metering.LoadRates(cfg.PricingFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load pricing")
		}
	}
	meter := metering.NewMeter(db, locks, rates)
	if cfg.PricingFile != "" {
		if err := metering.WatchRates(ctx, cfg.PricingFile, meter); err != nil {
			log.Warn().Err(err).Msg("Pricing hot reload disabled")
		}
	}
	log.Info().Float64("text_per_1k", rates.TextPer1K).Float64("per_image", rates.PerImage).Msg("Pricing loaded")

	// Initialize model runner
	var backend runner.Runner
	switch cfg.RunnerKind {
	case "openai":
		backend = runner.NewOpenAIRunner(cfg.RunnerURL, cfg.RunnerAPIKey, cfg.RunnerModel)
	default:
		backend = runner.NewHTTPRunner(runner.HTTPConfig{
			BaseURL:    cfg.RunnerURL,
			APIKey:     cfg.RunnerAPIKey,
			Model:      cfg.RunnerModel,
			Checkpoint: cfg.ModelPath,
			Timeout:    cfg.RunnerTimeout,
		})
	}
	gate := runner.NewGate(backend, cfg.RunnerQueueTimeout, cfg.RunnerTimeout)
	log.Info().Str("runner", backend.Name()).Str("url", cfg.RunnerURL).Msg("Initialized model runner")

	m := metrics.New(gate.QueueDepth)
	gateway := inference.NewGateway(auth.NewAuthenticator(store), limiter, meter, gate, store, replays, m)

	var checkout handlers.CheckoutCreator
	if cfg.StripeAPIKey != "" {
		c, err := billing.NewCheckout(cfg.StripeAPIKey, cfg.StripeSuccessURL, cfg.StripeCancelURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Stripe checkout")
		}
		checkout = c
		log.Info().Msg("Stripe checkout enabled")
	}

	router := handlers.NewRouter(handlers.Routes{
		Middleware: handlers.NewMiddleware(ratelimit.NewAddressLimiter(cfg.AccountRatePerMinute)),
		Predict:    handlers.NewPredictHandler(gateway),
		Accounts:   handlers.NewAccountHandler(store, m),
		Usage:      handlers.NewUsageHandler(gateway, checkout),
		Health:     handlers.NewHealthHandler(gate),
		Metrics:    m.Handler(),
		TrustProxy: cfg.TrustProxy,
	})

	// HTTP server; writes must outlive a queued plus a full generation
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      requestBudget,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), requestBudget)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Server stopped")
}
