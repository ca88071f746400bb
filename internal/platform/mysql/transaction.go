package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Executor is the subset of *sql.DB and *sql.Tx used by repositories.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// TxFunc is executed within a transaction. Repositories called with ctx join it.
type TxFunc func(ctx context.Context) error

// TxOption customises transaction behaviour.
type TxOption func(*sql.TxOptions)

// WithIsolation overrides the isolation level.
func WithIsolation(level sql.IsolationLevel) TxOption {
	return func(opts *sql.TxOptions) {
		opts.Isolation = level
	}
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*sql.Tx)
	return ok
}

// Executor returns the transaction bound to ctx, or the pool when there is none.
func (p *Provider) Executor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return p.db
}

// RunInTx runs fn inside a READ COMMITTED transaction. Nested calls join the outer transaction.
// Any error or panic from fn rolls back; the panic is re-raised after rollback.
func (p *Provider) RunInTx(ctx context.Context, fn TxFunc, opts ...TxOption) (err error) {
	if fn == nil {
		return errors.New("mysql: transaction function is nil")
	}
	if p.closed.Load() {
		return ErrProviderClosed
	}
	if InTx(ctx) {
		return fn(ctx)
	}

	txOpts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	for _, opt := range opts {
		if opt != nil {
			opt(txOpts)
		}
	}

	tx, err := p.db.BeginTx(ctx, txOpts)
	if err != nil {
		return WrapError("transaction.begin", err)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			_ = tx.Rollback()
			panic(recovered)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return WrapError("transaction.commit", err)
	}
	return nil
}
