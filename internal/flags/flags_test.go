package flags

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyxmakerx/buildboard/internal/apperror"
)

func newReady(t *testing.T, defaults map[string]bool) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	c := New(context.Background(), rdb, defaults)
	require.Equal(t, Ready, c.State())
	return c, mr
}

func TestParseDefaults(t *testing.T) {
	got, err := ParseDefaults(" enable-platform=true, beta=0 ,,")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"enable-platform": true, "beta": false}, got)

	_, err = ParseDefaults("enable-platform")
	assert.Error(t, err)
	_, err = ParseDefaults("enable-platform=maybe")
	assert.Error(t, err)

	empty, err := ParseDefaults("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestIsEnabled_ReadsRedis(t *testing.T) {
	c, mr := newReady(t, map[string]bool{PlatformEnabled: true})
	ctx := context.Background()

	// Unset keys use the default.
	assert.True(t, c.IsEnabled(ctx, PlatformEnabled))
	assert.False(t, c.IsEnabled(ctx, "unknown"))

	require.NoError(t, mr.Set("flag:"+PlatformEnabled, "false"))
	assert.False(t, c.IsEnabled(ctx, PlatformEnabled))

	require.NoError(t, c.Set(ctx, "unknown", true))
	assert.True(t, c.IsEnabled(ctx, "unknown"))
	got, err := mr.Get("flag:unknown")
	require.NoError(t, err)
	assert.Equal(t, "true", got)
}

func TestIsEnabled_InvalidValueFallsBack(t *testing.T) {
	c, mr := newReady(t, map[string]bool{PlatformEnabled: true})
	require.NoError(t, mr.Set("flag:"+PlatformEnabled, "sometimes"))
	assert.True(t, c.IsEnabled(context.Background(), PlatformEnabled))
}

func TestIsEnabled_RedisErrorFallsBack(t *testing.T) {
	c, mr := newReady(t, map[string]bool{PlatformEnabled: true})
	require.NoError(t, mr.Set("flag:"+PlatformEnabled, "false"))

	mr.SetError("LOADING")
	assert.True(t, c.IsEnabled(context.Background(), PlatformEnabled))
}

func TestNew_Degraded(t *testing.T) {
	c := New(context.Background(), nil, map[string]bool{PlatformEnabled: true})
	assert.Equal(t, Degraded, c.State())
	assert.True(t, c.IsEnabled(context.Background(), PlatformEnabled))
	assert.ErrorIs(t, c.Set(context.Background(), PlatformEnabled, false), ErrDegraded)

	// A client whose server is gone at startup also degrades.
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	c = New(context.Background(), rdb, nil)
	assert.Equal(t, Degraded, c.State())
	assert.False(t, c.IsEnabled(context.Background(), PlatformEnabled))
}

func TestGate(t *testing.T) {
	c, mr := newReady(t, map[string]bool{PlatformEnabled: true})
	e := echo.New()
	ok := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }
	h := c.Gate(PlatformEnabled)(ok)

	rec := httptest.NewRecorder()
	err := h(e.NewContext(httptest.NewRequest(http.MethodGet, "/oauth/slack/start", nil), rec))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.NoError(t, mr.Set("flag:"+PlatformEnabled, "false"))
	err = h(e.NewContext(httptest.NewRequest(http.MethodGet, "/oauth/slack/start", nil), httptest.NewRecorder()))
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusNotFound, appErr.Code)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "degraded", Degraded.String())
}
