package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"niyya/api/internal/common"
)

// PoolOptions sizes the connection pool; zero fields take the defaults.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Ping attempts before giving up, one second apart.
	ConnectAttempts int
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 20
	}
	if o.MaxIdleConns <= 0 || o.MaxIdleConns > o.MaxOpenConns {
		o.MaxIdleConns = min(10, o.MaxOpenConns)
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 30 * time.Minute
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 1
	}
	return o
}

// Open connects through the pgx stdlib driver and waits for the server to
// answer a ping. A database that never answers yields
// common.ErrBackendUnavailable.
func Open(ctx context.Context, databaseURL string, opts PoolOptions) (*sql.DB, error) {
	opts = opts.withDefaults()
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetMaxOpenConns(opts.MaxOpenConns)

	if err := ping(ctx, db, opts.ConnectAttempts); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func ping(ctx context.Context, db *sql.DB, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("ping db: %w: %v", common.ErrBackendUnavailable, ctx.Err())
			case <-time.After(time.Second):
			}
		}
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("ping db: %w: %v", common.ErrBackendUnavailable, err)
}
