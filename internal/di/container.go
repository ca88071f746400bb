package di

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/storefront-shop/api/internal/payments"
	"github.com/storefront-shop/api/internal/platform/auth"
	"github.com/storefront-shop/api/internal/platform/config"
	"github.com/storefront-shop/api/internal/platform/events"
	"github.com/storefront-shop/api/internal/platform/idempotency"
	pmysql "github.com/storefront-shop/api/internal/platform/mysql"
	"github.com/storefront-shop/api/internal/platform/observability"
	"github.com/storefront-shop/api/internal/repositories"
	mysqlrepo "github.com/storefront-shop/api/internal/repositories/mysql"
	"github.com/storefront-shop/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Cart     services.CartService
	Orders   services.OrderService
	Counters services.CounterService
	Payments services.PaymentService
	System   services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config        config.Config
	Repositories  repositories.Registry
	Services      Services
	Authenticator *auth.Authenticator
	Idempotency   idempotency.Store
	Metrics       *observability.Metrics

	closers []func(context.Context) error
}

type containerOptions struct {
	logger    *zap.Logger
	build     services.BuildInfo
	registry  repositories.Registry
	provider  payments.Provider
	publisher services.OrderEventPublisher
	store     idempotency.Store
	metrics   *observability.Metrics
	verifier  auth.TokenVerifier
}

// Option overrides a dependency NewContainer would otherwise build from configuration.
type Option func(*containerOptions)

// WithLogger sets the process logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) { o.logger = logger }
}

// WithBuildInfo sets the metadata reported by the health endpoints.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *containerOptions) { o.build = info }
}

// WithRegistry injects a repository registry instead of opening MySQL.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) { o.registry = reg }
}

// WithPaymentProvider injects the payment provider instead of building the Stripe client.
func WithPaymentProvider(provider payments.Provider) Option {
	return func(o *containerOptions) { o.provider = provider }
}

// WithEventPublisher injects the order event publisher instead of the configured backend.
func WithEventPublisher(publisher services.OrderEventPublisher) Option {
	return func(o *containerOptions) { o.publisher = publisher }
}

// WithIdempotencyStore injects the idempotency store instead of Redis or memory.
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(o *containerOptions) { o.store = store }
}

// WithMetrics injects the metrics collectors.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *containerOptions) { o.metrics = metrics }
}

// WithTokenVerifier injects the bearer token verifier.
func WithTokenVerifier(verifier auth.TokenVerifier) Option {
	return func(o *containerOptions) { o.verifier = verifier }
}

// NewContainer constructs the runtime dependencies. Anything not injected through opts is built from cfg;
// resources opened here are released by Close, also when construction fails half way.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (_ *Container, err error) {
	options := containerOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{Config: cfg, Metrics: options.metrics}
	if c.Metrics == nil {
		c.Metrics = observability.NewMetrics()
	}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	var checks []repositories.DependencyCheck
	c.Idempotency = options.store
	if c.Idempotency == nil {
		store, check, err := c.buildIdempotencyStore(cfg.Idempotency)
		if err != nil {
			return nil, err
		}
		c.Idempotency = store
		if check != nil {
			checks = append(checks, *check)
		}
	}

	c.Repositories = options.registry
	if c.Repositories == nil {
		reg, err := c.buildRegistry(ctx, cfg.Database, logger, checks)
		if err != nil {
			return nil, err
		}
		c.Repositories = reg
	}

	publisher := options.publisher
	if publisher == nil {
		publisher, err = c.buildPublisher(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	provider := options.provider
	if provider == nil {
		provider, err = payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Timeout:       cfg.Stripe.Timeout,
			Logger:        observability.EventLogger(logger.Named("stripe")),
		})
		if err != nil {
			return nil, fmt.Errorf("di: payment provider: %w", err)
		}
	}

	c.Services, err = buildServices(c.Repositories, cfg, serviceDeps{
		logger:    logger,
		build:     options.build,
		provider:  provider,
		publisher: publisher,
		metrics:   c.Metrics,
		ledger:    eventLedger(c.Idempotency),
	})
	if err != nil {
		return nil, err
	}

	verifier := options.verifier
	if verifier == nil {
		verifier, err = buildVerifier(cfg.Auth, logger)
		if err != nil {
			return nil, err
		}
	}
	c.Authenticator = auth.NewAuthenticator(verifier, c.Repositories.Users())

	return c, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Container) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

func (c *Container) buildIdempotencyStore(cfg config.IdempotencyConfig) (idempotency.Store, *repositories.DependencyCheck, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return idempotency.NewMemoryStore(), nil, nil
	}
	client, err := idempotency.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("di: %w", err)
	}
	c.onClose(func(context.Context) error { return client.Close() })

	store, err := idempotency.NewRedisStore(client)
	if err != nil {
		return nil, nil, fmt.Errorf("di: %w", err)
	}
	return store, &repositories.DependencyCheck{Name: "redis", Optional: true, Check: store.Ping}, nil
}

func (c *Container) buildRegistry(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger, checks []repositories.DependencyCheck) (repositories.Registry, error) {
	provider, err := pmysql.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("di: %w", err)
	}
	if cfg.AutoMigrate {
		if err := provider.Migrate(ctx); err != nil {
			_ = provider.Close(ctx)
			return nil, fmt.Errorf("di: %w", err)
		}
		logger.Info("database schema migrated")
	}
	reg, err := mysqlrepo.NewRegistry(provider, checks...)
	if err != nil {
		_ = provider.Close(ctx)
		return nil, fmt.Errorf("di: %w", err)
	}
	return reg, nil
}

func (c *Container) buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.OrderEventPublisher, error) {
	switch cfg.Events.Backend {
	case config.EventsBackendPubSub:
		var clientOpts []option.ClientOption
		if cfg.Secrets.CredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Secrets.CredentialsFile))
		}
		client, err := pubsub.NewClient(ctx, cfg.Events.PubSubProjectID, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("di: pubsub client: %w", err)
		}
		c.onClose(func(context.Context) error { return client.Close() })

		publisher, err := events.NewPubSubPublisher(client.Topic(cfg.Events.PubSubTopic))
		if err != nil {
			return nil, fmt.Errorf("di: %w", err)
		}
		c.onClose(func(context.Context) error {
			publisher.Stop()
			return nil
		})
		logger.Info("order events publish to pubsub", zap.String("topic", cfg.Events.PubSubTopic))
		return publisher, nil
	case config.EventsBackendRabbitMQ:
		publisher, err := events.DialRabbitMQ(cfg.Events.RabbitMQURL, cfg.Events.RabbitMQExchange)
		if err != nil {
			return nil, fmt.Errorf("di: %w", err)
		}
		c.onClose(func(context.Context) error { return publisher.Close() })
		logger.Info("order events publish to rabbitmq", zap.String("exchange", cfg.Events.RabbitMQExchange))
		return publisher, nil
	default:
		return events.Noop{}, nil
	}
}

type serviceDeps struct {
	logger    *zap.Logger
	build     services.BuildInfo
	provider  payments.Provider
	publisher services.OrderEventPublisher
	metrics   services.OrderMetrics
	ledger    services.ProcessedEventStore
}

func buildServices(reg repositories.Registry, cfg config.Config, deps serviceDeps) (Services, error) {
	var svc Services

	counters, err := services.NewCounterService(services.CounterServiceDeps{
		Repository:  reg.Counters(),
		Orders:      reg.Orders(),
		Location:    cfg.Orders.Location(),
		MaxSequence: cfg.Orders.DailySequenceMax,
	})
	if err != nil {
		return svc, fmt.Errorf("di: %w", err)
	}
	svc.Counters = counters

	svc.Cart, err = services.NewCartService(services.CartServiceDeps{
		Carts:      reg.Carts(),
		Products:   reg.Products(),
		UnitOfWork: reg,
		Logger:     observability.EventLogger(deps.logger.Named("cart")),
	})
	if err != nil {
		return svc, fmt.Errorf("di: %w", err)
	}

	svc.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders:         reg.Orders(),
		Carts:          reg.Carts(),
		Products:       reg.Products(),
		Addresses:      reg.Addresses(),
		Counters:       counters,
		UnitOfWork:     reg,
		Payments:       deps.provider,
		Events:         deps.publisher,
		Metrics:        deps.metrics,
		Logger:         observability.EventLogger(deps.logger.Named("orders")),
		CreateAttempts: cfg.Orders.CreateAttempts,
	})
	if err != nil {
		return svc, fmt.Errorf("di: %w", err)
	}

	svc.Payments, err = services.NewPaymentService(services.PaymentServiceDeps{
		Orders:          reg.Orders(),
		Provider:        deps.provider,
		Events:          deps.publisher,
		Metrics:         deps.metrics,
		ProcessedEvents: deps.ledger,
		Currency:        cfg.Stripe.Currency,
		Logger:          observability.EventLogger(deps.logger.Named("payments")),
	})
	if err != nil {
		return svc, fmt.Errorf("di: %w", err)
	}

	build := deps.build
	if build.Environment == "" {
		build.Environment = cfg.Environment
	}
	svc.System, err = services.NewSystemService(services.SystemServiceDeps{
		Health: reg.Health(),
		Build:  build,
	})
	if err != nil {
		return svc, fmt.Errorf("di: %w", err)
	}

	return svc, nil
}

func buildVerifier(cfg config.AuthConfig, logger *zap.Logger) (auth.TokenVerifier, error) {
	var opts []auth.VerifierOption
	if cfg.Issuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.Issuer))
	}
	if cfg.JWKSURL != "" {
		opts = append(opts, auth.WithJWKS(auth.NewJWKSCache(cfg.JWKSURL, auth.WithJWKSLogger(logger.Named("jwks")))))
	}
	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, opts...)
	if err != nil {
		return nil, fmt.Errorf("di: token verifier: %w", err)
	}
	return verifier, nil
}

// eventLedger returns the store as a webhook event ledger when it can remember event ids.
func eventLedger(store idempotency.Store) services.ProcessedEventStore {
	if ledger, ok := store.(idempotency.EventLedger); ok {
		return ledger
	}
	return nil
}
