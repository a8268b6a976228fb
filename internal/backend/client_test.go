package backend

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func TestDo_SendsTokenVerbatimAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "/users", r.URL.Path)

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "a@example.org", in["email"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u1"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", Token: "s3cret", Retry: fastRetry()})

	var out struct {
		ID string `json:"id"`
	}
	err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/users",
		Body:   map[string]string{"email": "a@example.org"},
		Header: http.Header{"Idempotency-Key": []string{"key-1"}},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "u1", out.ID)
}

func TestDo_EmptyBodyWithOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: fastRetry()})
	var out map[string]any
	require.NoError(t, c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/x"}, &out))
	assert.Nil(t, out)
}

func TestDo_StatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		sentinel error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, apperror.ErrAccountConflict},
		{http.StatusInternalServerError, apperror.ErrBackendUnavailable},
		{http.StatusBadGateway, apperror.ErrBackendUnavailable},
		{http.StatusBadRequest, apperror.ErrUpstreamRejected},
		{http.StatusUnauthorized, apperror.ErrUpstreamRejected},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL, Retry: fastRetry()})
			err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/users/1"}, nil)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, int32(1), calls.Load(), "completed exchanges are never retried")

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.Status)
		})
	}
}

func TestDo_TransportFailureRetriedThenUnavailable(t *testing.T) {
	// Grab a free port and close it so every dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var retries int
	p := fastRetry()
	p.OnRetry = func(int, time.Duration, error) { retries++ }

	c := New(Config{BaseURL: "http://" + addr, Retry: p})
	err = c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/users/1"}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrBackendUnavailable)
	assert.Equal(t, apperror.KindBackendUnavailable, apperror.KindOf(err))
	assert.Equal(t, 2, retries)
}

func TestDo_InvalidJSONIsBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: fastRetry()})
	var out map[string]any
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/users/1"}, &out)
	assert.ErrorIs(t, err, apperror.ErrBackendUnavailable)
}

func TestIsNotFoundAndConflict(t *testing.T) {
	assert.True(t, IsNotFound(&StatusError{Status: 404}))
	assert.False(t, IsNotFound(&StatusError{Status: 409}))
	assert.True(t, IsConflict(&StatusError{Status: 409}))
	assert.False(t, IsConflict(nil))
}

func TestDo_NoTokenNoAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Header["Authorization"]
		assert.False(t, ok)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: fastRetry()})
	require.NoError(t, c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/users/u1"}, nil))
}
