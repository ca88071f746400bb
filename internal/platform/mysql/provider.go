package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/storefront-shop/api/internal/platform/config"
)

const defaultPingTimeout = 5 * time.Second

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("mysql: provider is closed")

// Provider owns the shared connection pool and hands out the transaction-aware executor.
type Provider struct {
	db          *sql.DB
	pingTimeout time.Duration
	closed      atomic.Bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithPingTimeout overrides the timeout used when verifying connectivity.
func WithPingTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.pingTimeout = timeout
		}
	}
}

// NewProvider opens a pool using the supplied configuration and verifies connectivity.
func NewProvider(ctx context.Context, cfg config.DatabaseConfig, opts ...ProviderOption) (*Provider, error) {
	driverCfg, err := driverConfig(cfg)
	if err != nil {
		return nil, err
	}
	connector, err := mysqldriver.NewConnector(driverCfg)
	if err != nil {
		return nil, fmt.Errorf("mysql: create connector: %w", err)
	}

	db := sql.OpenDB(connector)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	provider := NewProviderFromDB(db, opts...)
	if err := provider.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return provider, nil
}

// NewProviderFromDB wraps an existing pool. Tests use it with go-sqlmock.
func NewProviderFromDB(db *sql.DB, opts ...ProviderOption) *Provider {
	provider := &Provider{db: db, pingTimeout: defaultPingTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

func driverConfig(cfg config.DatabaseConfig) (*mysqldriver.Config, error) {
	var driverCfg *mysqldriver.Config
	if cfg.DSN != "" {
		parsed, err := mysqldriver.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("mysql: parse dsn: %w", err)
		}
		driverCfg = parsed
	} else {
		driverCfg = mysqldriver.NewConfig()
		driverCfg.User = cfg.User
		driverCfg.Passwd = cfg.Password
		driverCfg.Net = "tcp"
		driverCfg.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		driverCfg.DBName = cfg.Name
	}
	driverCfg.ParseTime = true
	driverCfg.Loc = time.UTC
	if driverCfg.Params == nil {
		driverCfg.Params = map[string]string{}
	}
	if _, ok := driverCfg.Params["time_zone"]; !ok {
		driverCfg.Params["time_zone"] = "'+00:00'"
	}
	return driverCfg, nil
}

// DB exposes the underlying pool.
func (p *Provider) DB() *sql.DB {
	return p.db
}

// Ping verifies that the database is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProviderClosed
	}
	if p.pingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.pingTimeout)
		defer cancel()
	}
	return WrapError("ping", p.db.PingContext(ctx))
}

// Close releases the pool. The Provider cannot be reused afterwards.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- p.db.Close()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
