// Package store is the typed gateway to the destination database. It owns
// the timestamp-protected upserts, sync-run and object-run bookkeeping,
// advisory locks, and the account lifecycle.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Querier is the subset of pgxpool.Pool the gateway needs. pgxmock's pool
// satisfies it as well, which is what the package tests run against.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store provides typed access to the destination schema.
type Store struct {
	db     Querier
	pool   *pgxpool.Pool // nil in tests; pins connections for advisory locks
	schema string
	// maxConcurrentWrites bounds in-flight statements per upsert batch.
	maxConcurrentWrites int
	logger              *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithMaxConcurrentWrites overrides the per-batch statement fan-out.
func WithMaxConcurrentWrites(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxConcurrentWrites = n
		}
	}
}

// New creates a Store on top of a pgx connection pool.
func New(pool *pgxpool.Pool, schema string, logger *zap.Logger, opts ...Option) *Store {
	s := newStore(pool, schema, logger, opts...)
	s.pool = pool
	return s
}

// NewWithQuerier creates a Store over a bare Querier. Advisory locks fall
// back to the shared Querier instead of a pinned connection; production
// code should use New.
func NewWithQuerier(db Querier, schema string, logger *zap.Logger, opts ...Option) *Store {
	return newStore(db, schema, logger, opts...)
}

func newStore(db Querier, schema string, logger *zap.Logger, opts ...Option) *Store {
	if schema == "" {
		schema = "stripe"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:                  db,
		schema:              schema,
		maxConcurrentWrites: 5,
		logger:              logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// table returns the quoted, schema-qualified identifier for a table name.
func (s *Store) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// Internal bookkeeping tables.
const (
	tableSyncRuns        = "_sync_runs"
	tableObjectRuns      = "_sync_obj_runs"
	tableManagedWebhooks = "_managed_webhooks"
	tableAccounts        = "accounts"
)
