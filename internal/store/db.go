package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PoolOptions sizes the connection pool. Query evaluation fans out across
// workers, so MaxOpenConns should be at least the worker count.
type PoolOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open connects to Postgres through the pgx stdlib driver.
func Open(ctx context.Context, databaseURL string, opts ...PoolOptions) (*sql.DB, error) {
	pool := PoolOptions{MaxOpenConns: 20, MaxIdleConns: 10}
	if len(opts) > 0 {
		if opts[0].MaxOpenConns > 0 {
			pool.MaxOpenConns = opts[0].MaxOpenConns
		}
		if opts[0].MaxIdleConns > 0 {
			pool.MaxIdleConns = opts[0].MaxIdleConns
		}
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetMaxOpenConns(pool.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
