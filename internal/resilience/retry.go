package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
)

// StatusCoder is implemented by errors carrying an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// Retryable reports whether err is a transient failure worth retrying:
// 5xx, 429, timeouts, connection resets and deadline expiry.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if code := StatusOf(err); code != 0 {
		return code == http.StatusTooManyRequests || code >= 500
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// IsAuth reports whether err is a 401/403 from the upstream.
func IsAuth(err error) bool {
	code := StatusOf(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsRateLimited reports whether err is a 429 from the upstream.
func IsRateLimited(err error) bool {
	return StatusOf(err) == http.StatusTooManyRequests
}

// RetryPolicy retries retryable failures with exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	Min        time.Duration
	Max        time.Duration
	Factor     float64
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor, Jitter: true}
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !Retryable(err) {
			return err
		}
		t := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
