package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/buildboard/internal/config"
)

// redisDialTimeout keeps a missing Redis from holding up startup; the app
// runs without it.
const redisDialTimeout = 2 * time.Second

// NewRedis builds the Redis client behind feature flags and the state
// replay ledger, then pings it.
//
// Only a malformed URL returns a nil client. When the ping fails the client
// is returned together with the error so the caller can run degraded;
// go-redis reconnects on its own once the server comes back.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if opts.DialTimeout == 0 || opts.DialTimeout > redisDialTimeout {
		opts.DialTimeout = redisDialTimeout
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, fmt.Errorf("pinging redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}
