package oauthstate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ledgerKeyPrefix is the Redis key prefix for consumed state values. Values
// are stored hashed; the raw state never reaches Redis.
const ledgerKeyPrefix = "oauthstate:used:"

// RedisLedger implements Ledger with SETNX keys that expire after TTL, the
// longest time a state cookie can live.
type RedisLedger struct {
	rdb *redis.Client
}

// NewRedisLedger creates a ledger on the shared Redis client.
func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb}
}

// MarkUsed implements Ledger.
func (l *RedisLedger) MarkUsed(ctx context.Context, state string) (bool, error) {
	sum := sha256.Sum256([]byte(state))
	key := ledgerKeyPrefix + hex.EncodeToString(sum[:])

	first, err := l.rdb.SetNX(ctx, key, 1, TTL).Result()
	if err != nil {
		return false, fmt.Errorf("recording oauth state in Redis: %w", err)
	}
	return first, nil
}
