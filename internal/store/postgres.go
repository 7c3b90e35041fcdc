package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"thread-orchestrator/internal/errs"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres. The pool connects lazily; call
// Ping to verify reachability.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.New(errs.KindInvalidConfiguration, "store.New", fmt.Sprintf("parse postgres dsn: %v", err))
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabaseConnectionFailed, "connect postgres", "", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool to the queue and credential stores.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping runs a trivial query so readiness reflects the database, not just the pool.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return errs.Wrap(errs.KindDatabaseConnectionFailed, "ping postgres", "", err)
	}
	return nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
