package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	txKey       contextKey = "db_tx"
	txActiveKey contextKey = "db_tx_active"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Tx is a unit of work opened by a TxBeginner.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxBeginner opens a transaction and returns a context that carries it.
// Repositories read the transaction back out of that context.
type TxBeginner interface {
	Begin(ctx context.Context) (context.Context, Tx, error)
}

// InTx reports whether ctx already carries an open transaction started by WithinTx.
func InTx(ctx context.Context) bool {
	active, _ := ctx.Value(txActiveKey).(bool)
	return active
}

// WithinTx runs fn inside a transaction. When ctx already carries one, fn
// joins it and the outermost caller decides commit or rollback. Any error
// from fn rolls back every write made through the transaction context.
func WithinTx(ctx context.Context, b TxBeginner, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	txCtx, tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txCtx = context.WithValue(txCtx, txActiveKey, true)

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// PoolTxBeginner opens pgx transactions on a connection pool.
type PoolTxBeginner struct {
	pool *pgxpool.Pool
}

func NewPoolTxBeginner(pool *pgxpool.Pool) *PoolTxBeginner {
	return &PoolTxBeginner{pool: pool}
}

// Begin implements TxBeginner.
func (b *PoolTxBeginner) Begin(ctx context.Context) (context.Context, Tx, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return ctx, nil, err
	}
	return context.WithValue(ctx, txKey, tx), tx, nil
}

// TxFromContext returns the pgx transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// Conn returns the transaction carried by ctx, falling back to the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}
