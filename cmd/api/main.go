package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/storefront-shop/api/internal/di"
	"github.com/storefront-shop/api/internal/handlers"
	"github.com/storefront-shop/api/internal/platform/config"
	"github.com/storefront-shop/api/internal/platform/idempotency"
	"github.com/storefront-shop/api/internal/platform/observability"
	"github.com/storefront-shop/api/internal/platform/requestctx"
	"github.com/storefront-shop/api/internal/platform/secrets"
	"github.com/storefront-shop/api/internal/services"
)

const (
	paymentAttemptLimit  = 10
	paymentAttemptWindow = time.Minute
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	lookup, err := config.Lookup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment: %v\n", err)
		os.Exit(1)
	}
	env := func(key string) string {
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}

	baseLogger, err := observability.NewLogger(env("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, env)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets("Stripe.SecretKey", "Stripe.WebhookSecret"),
	)
	if err != nil {
		var validation *config.ValidationError
		var missing *config.MissingSecretsError
		switch {
		case errors.As(err, &validation):
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		case errors.As(err, &missing):
			logger.Fatal("required secrets missing", zap.Strings("secrets", missing.RedactedNames()))
		default:
			logger.Fatal("failed to load configuration", zap.Error(err))
		}
	}

	otel.SetTextMapPropagator(observability.Propagator())

	build := services.BuildInfo{
		Version:     firstNonEmpty(env("APP_VERSION"), "dev"),
		CommitSHA:   env("COMMIT_SHA"),
		Environment: cfg.Environment,
		StartedAt:   startedAt,
	}

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(logger),
		di.WithBuildInfo(build),
	)
	if err != nil {
		logger.Fatal("failed to build dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go idempotency.RunCleanup(cleanupCtx, container.Idempotency, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))

	idempotencyMiddleware := idempotency.Middleware(container.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthSystemService(container.Services.System),
	)
	cartHandlers := handlers.NewCartHandlers(container.Authenticator, container.Services.Cart)
	orderHandlers := handlers.NewOrderHandlers(container.Authenticator, container.Services.Orders,
		handlers.WithOrderIdempotency(idempotencyMiddleware),
	)
	paymentHandlers := handlers.NewPaymentHandlers(container.Authenticator, container.Services.Payments,
		handlers.WithPaymentIdempotency(idempotencyMiddleware),
		handlers.WithPaymentRateLimit(paymentAttemptLimit, paymentAttemptWindow, nil),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLogger(logger),
			observability.Trace(),
			observability.RequestLogger(),
			observability.Recovery(logger),
			container.Metrics.Middleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMetricsHandler(container.Metrics.Handler()),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", server.Addr), zap.String("environment", cfg.Environment), zap.String("version", build.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	case <-shutdown:
		logger.Info("shutdown signal received; draining requests")
	}

	cleanupCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env func(string) string) (*secrets.Fetcher, error) {
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(env("GOOGLE_CLOUD_PROJECT")),
	}
	if path := env("SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if ttl, err := time.ParseDuration(env("SECRET_CACHE_TTL")); err == nil && ttl > 0 {
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentials := env("GOOGLE_APPLICATION_CREDENTIALS"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
