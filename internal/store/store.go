// Package store is the current-state store: the authoritative, transactional
// record of device and interface status, alert rules, active problems and
// scheduler bookkeeping. Everything the UI hot path reads lives here; the
// time-series backend is never consulted for "is it down now".
package store

import (
	_ "embed"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStaleWrite indicates a compare-and-set write lost to a newer update.
	ErrStaleWrite = errors.New("store: stale write dropped")
)

// leaderLockKey identifies the scheduler singleton advisory lock. Arbitrary
// but must be stable across versions.
const leaderLockKey = 0x666c6565746d6f6e // "fleetmon"

// Store wraps a pgx pool with the engine's query surface.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Options tunes pool sizing. Zero values fall back to pgx defaults.
type Options struct {
	MaxConns         int32
	MinConns         int32
	StatementTimeout time.Duration
	CheckoutTimeout  time.Duration
}

// New dials Postgres and returns a ready Store. The statement timeout is
// applied as a connection runtime parameter so no query can outlive it.
func New(ctx context.Context, dbURL string, opts Options, log zerolog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse db url: %w", err)
	}

	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = opts.MinConns
	}

	statementTimeout := opts.StatementTimeout
	if statementTimeout == 0 {
		statementTimeout = 30 * time.Second
	}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["statement_timeout"] =
		fmt.Sprintf("%d", statementTimeout/time.Millisecond)
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "fleetmon"

	// Exceeding the pool cap must surface as an error, not silent blocking.
	checkout := opts.CheckoutTimeout
	if checkout == 0 {
		checkout = 30 * time.Second
	}
	poolConfig.ConnConfig.ConnectTimeout = checkout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{pool: pool, log: log}, nil
}

// Init applies the embedded schema. All statements are idempotent so this
// runs on every startup.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Healthy reports whether the database answers a trivial query.
func (s *Store) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx) == nil
}

// AcquireLeaderLock takes the scheduler singleton advisory lock on a
// dedicated connection. The returned release func must be called on
// shutdown; the lock also falls away if the session dies.
func (s *Store) AcquireLeaderLock(ctx context.Context) (release func(), acquired bool, err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("store: acquire conn for leader lock: %w", err)
	}

	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, int64(leaderLockKey)).Scan(&got); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("store: leader lock: %w", err)
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		// Best effort; the session close releases the lock regardless.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, int64(leaderLockKey))
		conn.Release()
	}
	return release, true, nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
