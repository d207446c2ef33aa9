// Package dbpool provides PostgreSQL connection pool management for the
// ledger, job queue and LISTEN/NOTIFY bridge.
package dbpool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
)

// Pool wraps a pgxpool.Pool. The underlying pool is unexported so stores go
// through the timeout and tenant-context helpers in internal/store.
type Pool struct {
	pool *pgxpool.Pool
}

const (
	// apiConns is reserved for request handlers; each background worker
	// gets one more and the LISTEN/NOTIFY bridge holds a dedicated one.
	apiConns = 20

	statementTimeout = 30 * time.Second

	// A database that is still starting gets this long to accept connections.
	connectAttempts = 6
	connectBase     = 500 * time.Millisecond
)

// NewPool creates a pool sized for the given number of background workers
// and waits, with backoff, until the database answers a ping.
func NewPool(ctx context.Context, databaseURL string, workers int) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	cfg.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprint(statementTimeout.Milliseconds())
	cfg.ConnConfig.RuntimeParams["application_name"] = "custodian"
	cfg.ConnConfig.Tracer = newQueryTracer()

	cfg.MaxConns = int32(apiConns + max(workers, 0) + 1) //nolint:gosec // small, bounded by config validation.
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	backoff := retry.WithMaxRetries(connectAttempts, retry.NewExponential(connectBase))
	if err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		return retry.RetryableError(pool.Ping(ctx))
	}); err != nil {
		pool.Close()

		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Pool{pool: pool}, nil
}

// Acquire returns a connection from the pool.
func (p *Pool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	return p.pool.Acquire(ctx)
}

// Exec executes a query that doesn't return rows.
func (p *Pool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return p.pool.Exec(ctx, sql, arguments...)
}

// Query executes a query that returns rows.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns at most one row.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

// Begin starts a read-write transaction.
func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	return p.pool.Begin(ctx)
}

// BeginTx starts a transaction with the given options.
func (p *Pool) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) { //nolint:gocritic // matching pgxpool.Pool signature.
	return p.pool.BeginTx(ctx, txOptions)
}

// Ping verifies the pool can reach the database.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// HealthCheck runs a trivial query so readiness reflects a usable
// connection, not only a reachable socket.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var one int
	if err := p.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check query: %w", err)
	}

	return nil
}

// ConnString returns the connection string used to create the pool.
func (p *Pool) ConnString() string {
	return p.pool.Config().ConnString()
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.pool.Close()
}
