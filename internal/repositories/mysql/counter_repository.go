package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pmysql "github.com/storefront-shop/api/internal/platform/mysql"
	"github.com/storefront-shop/api/internal/repositories"
)

// CounterRepository implements repositories.CounterRepository on the order_counters table.
// The upsert takes the row lock, so callers inside a transaction hold the sequence until commit.
type CounterRepository struct {
	provider *pmysql.Provider
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository constructs a MySQL-backed counter repository.
func NewCounterRepository(provider *pmysql.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires mysql provider")
	}
	return &CounterRepository{provider: provider}, nil
}

// Next advances the counter by cfg.Step from max(current, cfg.Floor) and returns the new value.
func (r *CounterRepository) Next(ctx context.Context, counterID string, cfg repositories.CounterConfig) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	if cfg.Step < 0 || cfg.Floor < 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput,
			fmt.Sprintf("step and floor must not be negative, got %d/%d", cfg.Step, cfg.Floor), nil)
	}
	step := cfg.Step
	if step == 0 {
		step = 1
	}

	const query = `INSERT INTO order_counters (counter_id, value) VALUES (?, LAST_INSERT_ID(?))
		ON DUPLICATE KEY UPDATE value = LAST_INSERT_ID(GREATEST(value, ?) + ?)`
	res, err := r.provider.Executor(ctx).ExecContext(ctx, query, id, cfg.Floor+step, cfg.Floor, step)
	if err != nil {
		return 0, pmysql.WrapError("counters.next", err)
	}
	value, err := res.LastInsertId()
	if err != nil {
		return 0, pmysql.WrapError("counters.next", err)
	}

	if cfg.MaxValue != nil && value > *cfg.MaxValue {
		counterErr := repositories.NewCounterError(repositories.CounterErrorExhausted,
			fmt.Sprintf("counter %s exceeded max value %d", id, *cfg.MaxValue), nil)
		counterErr.Op = "counters.next"
		return 0, counterErr
	}
	return value, nil
}
