// Package retry wraps outbound calls to flaky upstreams in a bounded,
// linear-backoff retry loop. Only transport failures are retried: an HTTP
// exchange that completed with a non-success status is a definite answer
// from the upstream and retrying it (e.g. "code already used") would repeat
// side effects downstream.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"

	"github.com/keyxmakerx/buildboard/internal/apperror"
)

const (
	// DefaultMaxAttempts is the total number of attempts, first call included.
	DefaultMaxAttempts = 4

	// DefaultBaseDelay is the unit of the linear backoff.
	DefaultBaseDelay = 500 * time.Millisecond
)

// Policy configures a retry loop. The zero value is not useful; start from
// Default.
type Policy struct {
	// MaxAttempts is the total number of attempts (>= 1).
	MaxAttempts int

	// BaseDelay is multiplied by the retry number: the wait before the
	// second attempt is 1*BaseDelay, before the third 2*BaseDelay, and so on.
	BaseDelay time.Duration

	// OnRetry, if set, is called before each wait with the attempt that just
	// failed, the delay about to be slept and the failure.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Default returns the policy used for the identity provider and the
// backend record store: 4 attempts, 500ms linear backoff.
func Default() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
}

// Delay returns the wait before the given attempt (attempt >= 2).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	return time.Duration(attempt-1) * p.BaseDelay
}

// backoff builds a go-retry Backoff producing p.Delay for attempts 2..Max.
func (p Policy) backoff(failed *int, lastErr *error) goretry.Backoff {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	linear := goretry.BackoffFunc(func() (time.Duration, bool) {
		next := *failed + 1
		delay := p.Delay(next)
		if p.OnRetry != nil {
			p.OnRetry(*failed, delay, *lastErr)
		}
		return delay, false
	})

	return goretry.WithMaxRetries(uint64(maxAttempts-1), linear)
}

// Do runs op until it succeeds, fails with a non-transient error, the
// attempt budget is spent, or ctx is done. Exhaustion returns an error
// wrapping both apperror.ErrUpstreamUnavailable and the last failure.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		result  T
		zero    T
		attempt int
		lastErr error
	)

	err := goretry.Do(ctx, p.backoff(&attempt, &lastErr), func(ctx context.Context) error {
		attempt++
		v, err := op(ctx)
		if err == nil {
			result = v
			return nil
		}
		lastErr = err
		if IsTransient(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return result, nil
	}

	// A cancelled caller is not an upstream outage.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempt, ctxErr)
	}

	if IsTransient(err) {
		return zero, fmt.Errorf("%w after %d attempts: %w", apperror.ErrUpstreamUnavailable, attempt, err)
	}
	return zero, err
}

// IsTransient reports whether err is a transport-level failure: connection
// refused or reset, a timeout, a truncated response, or any error
// explicitly marked with apperror.ErrTransientNetwork. Upstream rejections,
// OAuth token endpoint errors and cancellation are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperror.ErrUpstreamRejected) ||
		errors.Is(err, context.Canceled) {
		return false
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return false
	}

	if errors.Is(err, apperror.ErrTransientNetwork) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// *url.Error and *net.OpError both satisfy net.Error; anything the HTTP
	// client failed to deliver lands here.
	var netErr net.Error
	return errors.As(err, &netErr)
}
