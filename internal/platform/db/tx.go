package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Beginner starts a transaction. Satisfied by *pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxRunner runs fn inside a unit of work. Repositories called with the
// context passed to fn take part in the same transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

// TxFromContext returns the transaction carried by ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// WithTxContext returns a copy of ctx carrying tx.
func WithTxContext(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// Conn returns the transaction in ctx if there is one, otherwise fallback.
func Conn(ctx context.Context, fallback Querier) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return fallback
}

type pgTxRunner struct {
	pool Beginner
}

// NewTxRunner returns a TxRunner backed by pool. A call nested inside an
// existing transaction becomes a savepoint.
func NewTxRunner(pool Beginner) TxRunner {
	return &pgTxRunner{pool: pool}
}

func (r *pgTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if outer := TxFromContext(ctx); outer != nil {
		tx, err = outer.Begin(ctx)
	} else {
		tx, err = r.pool.Begin(ctx)
	}
	if err != nil {
		return Classify("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithTxContext(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return Classify("commit transaction", err)
	}
	return nil
}

// Savepoint runs fn inside a savepoint of the transaction carried by ctx so
// that a failure inside fn rolls back only fn's writes. Without an enclosing
// transaction fn runs directly. A panic in fn is converted to an error after
// the savepoint is rolled back.
func Savepoint(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	outer := TxFromContext(ctx)
	if outer == nil {
		return protect(func() error { return fn(ctx) })
	}
	sp, err := outer.Begin(ctx)
	if err != nil {
		return Classify("begin savepoint", err)
	}
	if err = protect(func() error { return fn(WithTxContext(ctx, sp)) }); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	if err = sp.Commit(ctx); err != nil {
		_ = sp.Rollback(ctx)
		return Classify("release savepoint", err)
	}
	return nil
}

func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// NoTx runs fn directly. Used by callers and tests with no database.
type NoTx struct{}

func (NoTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
