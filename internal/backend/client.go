// Package backend is the HTTP transport to the backend record store, the
// external service that owns account records. It adds the configured
// Authorization header, JSON encoding, retry of transport failures and a status
// classification shared by every repository built on top of it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/retry"
)

// maxErrorBody caps how much of an error response is kept for logs.
const maxErrorBody = 2048

var tracer = otel.Tracer("github.com/keyxmakerx/buildboard/internal/backend")

// ErrNotFound is the class of a 404 from the store.
var ErrNotFound = errors.New("backend: record not found")

// Config holds the store location and credentials.
type Config struct {
	// BaseURL is the store root, e.g. "https://api.example.org".
	BaseURL string

	// Token is the bearer token sent on every request.
	Token string

	// Timeout bounds each attempt (default 10s).
	Timeout time.Duration

	// Retry is the policy for transport failures.
	Retry retry.Policy

	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// Client talks to the backend record store. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   retry.Policy
}

// New creates a store client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    hc,
		retry:   cfg.Retry,
	}
}

// StatusError is a completed exchange with a non-2xx answer.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s %s: status %d", e.Method, e.Path, e.Status)
}

// Unwrap maps the status to the error taxonomy: 404 → ErrNotFound,
// 409 → apperror.ErrAccountConflict, 5xx → apperror.ErrBackendUnavailable,
// anything else → apperror.ErrUpstreamRejected.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusConflict:
		return apperror.ErrAccountConflict
	case e.Status >= 500:
		return apperror.ErrBackendUnavailable
	default:
		return apperror.ErrUpstreamRejected
	}
}

// IsNotFound reports whether err is a 404 from the store.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a 409 from the store.
func IsConflict(err error) bool { return errors.Is(err, apperror.ErrAccountConflict) }

// Request describes one call.
type Request struct {
	Method string
	Path   string
	Body   any
	Header http.Header
}

// Do sends req and decodes a 2xx JSON body into out (when out is non-nil
// and the body is non-empty). Transport failures are retried; once the
// budget is spent the error wraps apperror.ErrBackendUnavailable.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	ctx, span := tracer.Start(ctx, "backend "+req.Method, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("backend.path", req.Path))
	defer span.End()

	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encoding backend request: %w", err)
		}
	}

	body, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.attempt(ctx, req, payload)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend call failed")
		if errors.Is(err, apperror.ErrUpstreamUnavailable) {
			return fmt.Errorf("%w: %w", apperror.ErrBackendUnavailable, err)
		}
		return err
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding %s %s: %v", apperror.ErrBackendUnavailable, req.Method, req.Path, err)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, req Request, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, reader)
	if err != nil {
		return nil, fmt.Errorf("building backend request: %w", err)
	}
	// The token is the whole header value, scheme included.
	if c.token != "" {
		httpReq.Header.Set("Authorization", c.token)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading backend response: %w", apperror.ErrTransientNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &StatusError{Method: req.Method, Path: req.Path, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
