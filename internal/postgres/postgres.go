// Package postgres is the production Store. It leans on Postgres for
// the hard guarantees: inet columns give numeric address ordering,
// transaction-scoped advisory locks implement the named distributed
// lock (released on commit, rollback, or connection death), and
// lock_timeout bounds every acquisition.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hexa-net/ipamd/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgLockNotAvailable is SQLSTATE 55P03, raised when lock_timeout
// expires while waiting on an advisory lock or row lock.
const pgLockNotAvailable = "55P03"

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

func (s *Store) Update(ctx context.Context, fn func(tx domain.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{}, fn)
}

func (s *Store) View(ctx context.Context, fn func(tx domain.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, fn func(tx domain.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback(ctx)

	if opts.AccessMode != pgx.ReadOnly {
		timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, timeout); err != nil {
			return mapErr(err)
		}
	}

	wrapped := &pgTx{tx: tx, readonly: opts.AccessMode == pgx.ReadOnly}
	if err := fn(wrapped); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

type pgTx struct {
	tx       pgx.Tx
	readonly bool
}

// Lock takes transaction-scoped advisory locks on the hashed keys, in
// sorted order so concurrent multi-key holders cannot deadlock.
func (t *pgTx) Lock(ctx context.Context, keys ...string) error {
	ks := append([]string(nil), keys...)
	sort.Strings(ks)
	for _, k := range ks {
		if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", k); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

// mapErr folds driver errors into the core taxonomy. Anything not
// recognized wraps ErrStore.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable:
			return fmt.Errorf("%w: %s", domain.ErrLockTimeout, pgErr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrLockTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrStore, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
