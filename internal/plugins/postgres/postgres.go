package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chatsync/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// New opens the pgx-backed pool, applies the pool limits that are set and
// pings once.
func New(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	tunePool(db, cfg)
	if err := HealthCheck(db, cfg.PingTimeout)(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func tunePool(db *sql.DB, cfg config.PostgresConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// HealthCheck returns a probe suitable for the health endpoint.
func HealthCheck(db *sql.DB, timeout time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
		return nil
	}
}
