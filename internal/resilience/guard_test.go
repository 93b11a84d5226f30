package resilience

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("http %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func fastConfig() Config {
	return Config{
		MinInterval:      time.Millisecond,
		FailureThreshold: 5,
		Cooldown:         time.Minute,
		MaxRetries:       2,
		RetryMin:         time.Millisecond,
		RetryMax:         2 * time.Millisecond,
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(statusErr(http.StatusServiceUnavailable)))
	assert.True(t, Retryable(statusErr(http.StatusTooManyRequests)))
	assert.True(t, Retryable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, Retryable(statusErr(http.StatusBadRequest)))
	assert.False(t, Retryable(statusErr(http.StatusForbidden)))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(ErrCircuitOpen))
	assert.True(t, IsAuth(fmt.Errorf("quotes: %w", statusErr(401))))
	assert.True(t, IsRateLimited(statusErr(429)))
}

func TestGuard_RetriesTransientFailures(t *testing.T) {
	g := NewGuard(fastConfig())
	calls := 0
	err := g.Call(context.Background(), EndpointLTP, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return statusErr(http.StatusBadGateway)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "two retries after the first attempt")
	assert.Equal(t, 0, g.Breaker(EndpointLTP).State().ConsecutiveFailures)
}

func TestGuard_DoesNotRetryClientErrors(t *testing.T) {
	g := NewGuard(fastConfig())
	calls := 0
	err := g.Call(context.Background(), EndpointQuotes, func(ctx context.Context) error {
		calls++
		return statusErr(http.StatusBadRequest)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, g.Breaker(EndpointQuotes).State().ConsecutiveFailures)
}

func TestGuard_RetriesCountOnceAgainstBreaker(t *testing.T) {
	g := NewGuard(fastConfig())
	calls := 0
	fail := func(ctx context.Context) error {
		calls++
		return statusErr(http.StatusInternalServerError)
	}
	for i := 0; i < 4; i++ {
		g.Call(context.Background(), EndpointOHLC, fail)
	}
	assert.Equal(t, 12, calls)
	assert.Equal(t, StatusClosed, g.Breaker(EndpointOHLC).CurrentStatus())

	g.Call(context.Background(), EndpointOHLC, fail)
	assert.Equal(t, StatusOpen, g.Breaker(EndpointOHLC).CurrentStatus())

	err := g.Call(context.Background(), EndpointOHLC, fail)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 15, calls, "open breaker must short-circuit")
	assert.True(t, g.RateLimited())
}

func TestGuard_KeysAreIndependent(t *testing.T) {
	g := NewGuard(fastConfig())
	for i := 0; i < 5; i++ {
		g.Call(context.Background(), EndpointHistory, func(ctx context.Context) error {
			return statusErr(http.StatusBadRequest)
		})
	}
	assert.Equal(t, StatusOpen, g.Breaker(EndpointHistory).CurrentStatus())

	err := g.Call(context.Background(), EndpointLTP, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	states := g.States()
	assert.Equal(t, StatusClosed, states[EndpointLTP].Status)
	assert.Equal(t, StatusOpen, states[EndpointHistory].Status)
}

func TestGuard_OnStateChangeReportsKey(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 1
	g := NewGuard(cfg)
	var got []string
	g.OnStateChange = func(key string, from, to Status) {
		got = append(got, key+":"+to.String())
	}
	g.Call(context.Background(), EndpointQuotes, func(ctx context.Context) error {
		return statusErr(http.StatusNotFound)
	})
	assert.Equal(t, []string{"quotes:OPEN"}, got)
}

func TestLimiter_EnforcesIntervalPerKey(t *testing.T) {
	l := NewLimiter(50*time.Millisecond, 0)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "a"))
	require.NoError(t, l.Wait(ctx, "b"))
	assert.Less(t, time.Since(start), 40*time.Millisecond, "different keys must not wait on each other")

	require.NoError(t, l.Wait(ctx, "a"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestLimiter_HonoursDeadline(t *testing.T) {
	l := NewLimiter(time.Hour, 0)
	require.NoError(t, l.Wait(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
