// Package database provides connection setup for MariaDB and Redis.
// Both connections are created once at startup and shared across the
// application via dependency injection. This package owns the connection
// lifecycle (open, configure pool, ping, close).
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// MariaDB driver -- imported for side effect of registering the driver.
	_ "github.com/go-sql-driver/mysql"
	"github.com/sethvargo/go-retry"

	"github.com/keyxmakerx/buildboard/internal/config"
)

// pingAttempts bounds how long startup waits for MariaDB.
const pingAttempts = 10

// NewMariaDB creates a new MariaDB connection pool for the audit log,
// configured with the settings from the provided config. It pings the
// database to verify connectivity before returning.
func NewMariaDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening mariadb connection: %w", err)
	}

	// Configure connection pool settings to prevent connection exhaustion
	// and stale connections under load.
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := pingWithBackoff(ctx, "mariadb", db.PingContext); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// pingWithBackoff retries ping with exponential backoff capped at 30s. The
// service may still be starting when the app container launches; waiting
// avoids crash-loop restarts during Docker Compose cold-starts.
func pingWithBackoff(ctx context.Context, name string, ping func(context.Context) error) error {
	b := retry.NewExponential(time.Second)
	b = retry.WithCappedDuration(30*time.Second, b)
	b = retry.WithMaxRetries(pingAttempts-1, b)

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := ping(pingCtx); err != nil {
			if attempt < pingAttempts {
				slog.Warn(name+" not ready, retrying...",
					slog.Int("attempt", attempt),
					slog.Int("max_retries", pingAttempts),
					slog.Any("error", err),
				)
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pinging %s after %d attempts: %w", name, attempt, err)
	}
	return nil
}
