package mysql

import (
	"context"
	"errors"
	"fmt"

	pmysql "github.com/storefront-shop/api/internal/platform/mysql"
	"github.com/storefront-shop/api/internal/repositories"
)

// Registry wires the MySQL repositories around one provider and exposes its transactions.
type Registry struct {
	provider  *pmysql.Provider
	users     *UserRepository
	addresses *AddressRepository
	products  *ProductRepository
	carts     *CartRepository
	orders    *OrderRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository. Extra dependency checks are added to the database ping for /readyz.
func NewRegistry(provider *pmysql.Provider, checks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("mysql registry: provider is required")
	}

	reg := &Registry{provider: provider}
	reg.users, _ = NewUserRepository(provider)
	reg.addresses, _ = NewAddressRepository(provider)
	reg.products, _ = NewProductRepository(provider)
	reg.carts, _ = NewCartRepository(provider)
	reg.orders, _ = NewOrderRepository(provider)
	reg.counters, _ = NewCounterRepository(provider)

	all := append([]repositories.DependencyCheck{{Name: "mysql", Check: provider.Ping}}, checks...)
	health, err := repositories.NewProbeHealthRepository(all)
	if err != nil {
		return nil, fmt.Errorf("mysql registry: %w", err)
	}
	reg.health = health
	return reg, nil
}

func (r *Registry) Users() repositories.UserRepository        { return r.users }
func (r *Registry) Addresses() repositories.AddressRepository { return r.addresses }
func (r *Registry) Products() repositories.ProductRepository  { return r.products }
func (r *Registry) Carts() repositories.CartRepository        { return r.carts }
func (r *Registry) Orders() repositories.OrderRepository      { return r.orders }
func (r *Registry) Counters() repositories.CounterRepository  { return r.counters }
func (r *Registry) Health() repositories.HealthRepository     { return r.health }

// RunInTx implements repositories.UnitOfWork.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunInTx(ctx, fn)
}

// Close releases the connection pool.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
