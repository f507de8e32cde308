package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"       // mysql driver
	_ "github.com/jackc/pgx/v5/stdlib"       // pgx as database/sql driver
	_ "github.com/microsoft/go-mssqldb"      // sqlserver driver
	"golang.org/x/sync/semaphore"

	"datagate/internal/config"
	"datagate/internal/gateway"
)

// Querier is implemented by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Pool wraps one backend connection pool with its dialect and a concurrency
// gate. The gate caps in-flight statements at the pool size so a burst of
// requests queues briefly instead of piling up on the driver.
type Pool struct {
	DB      *sql.DB
	Dialect *Dialect

	deps gateway.Dependencies
	sem  *semaphore.Weighted
	wait time.Duration
}

// PoolOptions tunes sizing and admission behavior.
type PoolOptions struct {
	MaxConns int
	// AcquireWait bounds how long a request waits for a connection slot
	// before it is rejected as busy.
	AcquireWait time.Duration
}

// NewPool opens a connection pool for the configured data source.
func NewPool(ctx context.Context, deps gateway.Dependencies, ds config.DataSource, opts PoolOptions) (*Pool, error) {
	dialect, err := DialectFor(ds.DatabaseType)
	if err != nil {
		return nil, gateway.InitializationError(err.Error(), err)
	}

	db, err := sql.Open(dialect.DriverName, ds.ConnectionString)
	if err != nil {
		return nil, gateway.InitializationError("open database", err)
	}

	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, gateway.InitializationError("ping database", err)
	}

	wait := opts.AcquireWait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	deps.Logger.Info().
		Str("kind", string(ds.DatabaseType)).
		Int("max_conns", maxConns).
		Msg("database pool ready")

	return &Pool{
		DB:      db,
		Dialect: dialect,
		deps:    deps,
		sem:     semaphore.NewWeighted(int64(maxConns)),
		wait:    wait,
	}, nil
}

// acquire claims one statement slot or fails with a busy error.
func (p *Pool) acquire(ctx context.Context) (release func(), err error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.wait)
	defer cancel()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, gateway.ServiceBusy("database pool is saturated, retry later")
	}
	return func() { p.sem.Release(1) }, nil
}

// Close drains the pool, waiting up to grace for in-flight statements.
func (p *Pool) Close(grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := p.sem.Acquire(ctx, int64(p.cap())); err != nil {
		p.deps.Logger.Warn().Msg("pool drain timed out, closing anyway")
	}
	p.DB.Close()
}

func (p *Pool) cap() int {
	stats := p.DB.Stats()
	if stats.MaxOpenConnections > 0 {
		return stats.MaxOpenConnections
	}
	return 1
}

// MapError classifies a driver error through the pool's dialect.
func (p *Pool) MapError(err error) error {
	if err == nil {
		return nil
	}
	return p.Dialect.MapError(err)
}

// Ping verifies connectivity, used by the health endpoint.
func (p *Pool) Ping(ctx context.Context) error {
	if err := p.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
