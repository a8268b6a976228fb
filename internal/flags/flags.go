// Package flags reads boolean feature flags from Redis. A client whose Redis
// connection failed at startup runs Degraded and answers every question from
// the fixed defaults in FLAG_DEFAULTS.
package flags

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/buildboard/internal/apperror"
)

// PlatformEnabled gates the chat login routes.
const PlatformEnabled = "enable-platform"

// keyPrefix is the Redis key prefix for flag values.
const keyPrefix = "flag:"

// readTimeout bounds a single flag read so a slow Redis never stalls a
// request.
const readTimeout = 250 * time.Millisecond

// State is the client's connection state, fixed at construction.
type State int

const (
	Ready State = iota
	Degraded
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "degraded"
}

// ErrDegraded is returned by writes on a client without Redis.
var ErrDegraded = errors.New("feature flags: redis unavailable")

// Client answers flag queries.
type Client struct {
	rdb      *redis.Client
	state    State
	defaults map[string]bool
}

// ParseDefaults reads "name=bool" pairs separated by commas. Blank entries
// are skipped.
func ParseDefaults(raw string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("flag default %q is not name=bool", part)
		}
		on, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("flag default %q: %w", part, err)
		}
		out[strings.TrimSpace(name)] = on
	}
	return out, nil
}

// New pings Redis and returns a Ready client, or a Degraded one when rdb is
// nil or unreachable.
func New(ctx context.Context, rdb *redis.Client, defaults map[string]bool) *Client {
	c := &Client{rdb: rdb, state: Degraded, defaults: defaults}
	if c.defaults == nil {
		c.defaults = map[string]bool{}
	}
	if rdb == nil {
		slog.Warn("feature flags running on defaults: no redis client")
		return c
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Warn("feature flags running on defaults", slog.Any("error", err))
		return c
	}
	c.state = Ready
	return c
}

// State reports whether the client reads Redis.
func (c *Client) State() State { return c.state }

// IsEnabled returns the flag's value. Missing keys, unparsable values and
// Redis errors all fall back to the default, which is false for unknown
// flags.
func (c *Client) IsEnabled(ctx context.Context, name string) bool {
	def := c.defaults[name]
	if c.state == Degraded {
		return def
	}

	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	raw, err := c.rdb.Get(readCtx, keyPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return def
	}
	if err != nil {
		slog.Warn("reading feature flag failed",
			slog.String("flag", name),
			slog.Any("error", err),
		)
		return def
	}

	on, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("feature flag has invalid value",
			slog.String("flag", name),
			slog.String("value", raw),
		)
		return def
	}
	return on
}

// Set stores a flag value. It fails on a Degraded client.
func (c *Client) Set(ctx context.Context, name string, on bool) error {
	if c.state == Degraded {
		return fmt.Errorf("setting flag %s: %w", name, ErrDegraded)
	}
	if err := c.rdb.Set(ctx, keyPrefix+name, strconv.FormatBool(on), 0).Err(); err != nil {
		return fmt.Errorf("setting flag %s: %w", name, err)
	}
	return nil
}

// Gate returns middleware that answers 404 while the flag is off, so a
// disabled surface looks like it does not exist.
func (c *Client) Gate(name string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if !c.IsEnabled(ctx.Request().Context(), name) {
				return apperror.NewNotFound("page not found")
			}
			return next(ctx)
		}
	}
}
