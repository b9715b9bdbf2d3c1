// Package store persists all control-plane state in Postgres. Every query
// is tenant-scoped; cross-tenant reads are structurally impossible because
// each statement filters on tenant_id.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/baseliner/backend/internal/core"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx, so repository methods
// run standalone or inside a caller-owned transaction.
type Querier interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

// Store is the repository root.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for transaction control.
func (s *Store) DB() *sqlx.DB { return s.db }

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return s.withTxOpts(ctx, nil, fn)
}

// WithReadTx runs fn in a read-only repeatable-read transaction. Policy
// compilation uses this to observe a consistent snapshot.
func (s *Store) WithReadTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return s.withTxOpts(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, fn)
}

func (s *Store) withTxOpts(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// notFound converts sql.ErrNoRows into a resource.not_found domain error.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return core.Ef(core.KindNotFound, "%s not found", what)
	}
	return err
}
