package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"

	"payrecon/internal/archive"
	"payrecon/internal/common/api"
	"payrecon/internal/common/database"
	"payrecon/internal/common/middleware"
	"payrecon/internal/common/nats"
	"payrecon/internal/dispatch"
	"payrecon/internal/idempotency"
	"payrecon/internal/notify"
	"payrecon/internal/payments"
	opsapi "payrecon/internal/payments/api"
	"payrecon/internal/payments/resolver"
	"payrecon/internal/payments/store"
	"payrecon/internal/provider"
	"payrecon/internal/reconcile"
	"payrecon/internal/signature"
	"payrecon/internal/webhook"
)

// Config holds service configuration
type Config struct {
	Port         int               `envconfig:"PAYRECON_PORT" default:"8090" validate:"min=1,max=65535"`
	Environment  string            `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel     string            `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat    string            `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json text"`
	OpsAPIKeys   map[string]string `envconfig:"OPS_API_KEYS"`
	ShutdownWait time.Duration     `envconfig:"SHUTDOWN_TIMEOUT" default:"30s" validate:"gt=0"`

	Database    database.Config
	NATS        nats.Config
	Idempotency idempotency.Config
	Provider    provider.Config
	Webhook     webhook.Config
	Reconcile   reconcile.Config
	Dispatch    dispatch.Config
	Archive     archive.Config
}

func loadConfig() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("processing config: %w", err)
	}
	return cfg, validateConfig(cfg)
}

func validateConfig(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	// Deliveries replayed by the provider within a reconciliation window must
	// still hit the dedup gate.
	if cfg.Idempotency.TTL <= cfg.Reconcile.Lookback {
		return fmt.Errorf("invalid config: IDEMPOTENCY_TTL (%s) must exceed RECONCILE_LOOKBACK (%s)",
			cfg.Idempotency.TTL, cfg.Reconcile.Lookback)
	}
	if cfg.Environment == "production" && cfg.Webhook.AllowSandbox {
		return errors.New("invalid config: WEBHOOK_ALLOW_SANDBOX must be false in production")
	}
	if cfg.Environment == "production" && len(cfg.OpsAPIKeys) == 0 {
		return errors.New("invalid config: OPS_API_KEYS is required in production")
	}
	return nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cancel, cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg Config, logger *slog.Logger) error {
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(cfg.Database.URL, logger); err != nil {
			return err
		}
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := idempotency.NewClient(ctx, cfg.Idempotency, logger)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	nc, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	if _, err := nc.EnsureStream(ctx, nats.StreamConfig{
		Name:     cfg.NATS.Stream,
		Subjects: []string{"payrecon.>", "invoice.generate.requested"},
		MaxAge:   cfg.NATS.StreamMaxAge,
	}); err != nil {
		return err
	}

	// Leaves
	paymentStore := store.New(db)
	idem := idempotency.NewStore(rdb, cfg.Idempotency, logger)
	providerClient := provider.NewClient(cfg.Provider, logger)
	verifier := signature.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.AllowSandbox, logger)

	// Side effects
	notifier := notify.NewDispatcher(notify.NewNATSTransport(nc, cfg.NATS.RequestTimeout), paymentStore, logger)
	effects := dispatch.New(nats.NewPublisher(nc, logger), notifier, paymentStore, cfg.Dispatch, logger)

	// State machine and its callers
	service := payments.NewService(paymentStore, effects, logger)
	chain := resolver.NewDefaultChain(paymentStore, providerClient, cfg.Provider.PlatformAccessToken, logger)
	router := webhook.NewRouter(chain, service, idem, cfg.Idempotency.LockTTL, logger)
	webhookHandler := webhook.NewHandler(verifier, idem, router, cfg.Idempotency.TTL, cfg.Webhook, logger)

	var archiver reconcile.Archiver
	if cfg.Archive.Enabled() {
		a, err := archive.NewS3(ctx, cfg.Archive, logger)
		if err != nil {
			return err
		}
		archiver = a
	}
	reconciler := reconcile.New(paymentStore, providerClient, service, idem, archiver,
		cfg.Provider.PlatformAccessToken, cfg.Reconcile, logger)

	opsHandler := opsapi.NewHandler(paymentStore, service, reconciler)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))

	r.Get("/health", healthHandler(db, rdb, nc))
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Mount("/webhooks/provider", webhookHandler.Routes())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.OperatorAuth(cfg.OpsAPIKeys))
		r.Use(middleware.MaxBodySize(1 << 20))
		r.Mount("/", opsHandler.Routes())
	})

	if len(cfg.OpsAPIKeys) == 0 {
		logger.Warn("OPS_API_KEYS is empty, operations API is unauthenticated")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Webhook.Timeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.Reconcile.Enabled {
		go reconciler.Start(ctx)
	}

	go func() {
		logger.Info("starting payrecon service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	waitOrTimeout(shutdownCtx, logger, "reconciliation run", reconciler.Wait)
	waitOrTimeout(shutdownCtx, logger, "side effects", effects.Wait)

	logger.Info("server stopped")
	return nil
}

func healthHandler(db *database.DB, rdb *redis.Client, nc *nats.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]error{
			"database": db.HealthCheck(r.Context()),
			"redis":    rdb.Ping(r.Context()).Err(),
			"nats":     nc.HealthCheck(),
		}
		for name, err := range checks {
			if err != nil {
				api.ServiceUnavailable(w, name+" unavailable")
				return
			}
		}
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func waitOrTimeout(ctx context.Context, logger *slog.Logger, what string, wait func()) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("shutdown timed out waiting", "for", what)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
