package di

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/storefront-shop/api/internal/platform/config"
	"github.com/storefront-shop/api/internal/platform/events"
	"github.com/storefront-shop/api/internal/platform/idempotency"
	pmysql "github.com/storefront-shop/api/internal/platform/mysql"
	mysqlrepo "github.com/storefront-shop/api/internal/repositories/mysql"
	"github.com/storefront-shop/api/internal/services"
)

func testConfig() config.Config {
	return config.Config{
		Environment: "test",
		Stripe: config.StripeConfig{
			SecretKey:     "sk_test_123",
			WebhookSecret: "whsec_123",
			Currency:      "zar",
			Timeout:       time.Second,
		},
		Auth: config.AuthConfig{JWTSecret: "secret"},
		Orders: config.OrdersConfig{
			NumberTimeZone:   "UTC",
			CreateAttempts:   3,
			DailySequenceMax: 99999,
		},
		Events: config.EventsConfig{Backend: config.EventsBackendNone},
	}
}

func TestNewContainerWiresServices(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()

	reg, err := mysqlrepo.NewRegistry(pmysql.NewProviderFromDB(db))
	require.NoError(t, err)

	container, err := NewContainer(context.Background(), testConfig(),
		WithRegistry(reg),
		WithBuildInfo(services.BuildInfo{Version: "1.2.3"}),
	)
	require.NoError(t, err)

	require.NotNil(t, container.Services.Cart)
	require.NotNil(t, container.Services.Orders)
	require.NotNil(t, container.Services.Counters)
	require.NotNil(t, container.Services.Payments)
	require.NotNil(t, container.Services.System)
	require.NotNil(t, container.Authenticator)
	require.NotNil(t, container.Metrics)
	require.IsType(t, &idempotency.MemoryStore{}, container.Idempotency)
	require.NotNil(t, eventLedger(container.Idempotency))

	require.NoError(t, container.Close(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewContainerRejectsMissingStripeSecret(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()

	reg, err := mysqlrepo.NewRegistry(pmysql.NewProviderFromDB(db))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Stripe.WebhookSecret = ""
	_, err = NewContainer(context.Background(), cfg, WithRegistry(reg))
	require.ErrorContains(t, err, "webhook secret is required")
	require.NoError(t, mock.ExpectationsWereMet(), "registry should be closed on failure")
}

func TestBuildPublisherDefaultsToNoop(t *testing.T) {
	c := &Container{}
	publisher, err := c.buildPublisher(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	require.IsType(t, events.Noop{}, publisher)
	require.Empty(t, c.closers)
}

func TestBuildIdempotencyStoreUsesRedisWhenConfigured(t *testing.T) {
	c := &Container{}
	store, check, err := c.buildIdempotencyStore(config.IdempotencyConfig{RedisURL: "redis://localhost:6379/0"})
	require.NoError(t, err)
	require.IsType(t, &idempotency.RedisStore{}, store)
	require.NotNil(t, check)
	require.Equal(t, "redis", check.Name)
	require.True(t, check.Optional)
	require.Len(t, c.closers, 1)
	require.NoError(t, c.Close(context.Background()))

	_, _, err = (&Container{}).buildIdempotencyStore(config.IdempotencyConfig{RedisURL: "://bad"})
	require.Error(t, err)
}
