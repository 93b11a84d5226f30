package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	sent []Alert
	err  error
}

func (c *captureNotifier) Send(_ context.Context, a Alert) error {
	c.sent = append(c.sent, a)
	return c.err
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "quotefeed", slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "auth failed", Message: "401", Key: "auth"})
	require.NoError(t, err)

	assert.Equal(t, "quotefeed", got["service"])
	assert.Equal(t, "CRITICAL", got["level"])
	assert.Equal(t, "auth failed", got["title"])
	assert.Equal(t, "auth", got["key"])
	assert.NotEmpty(t, got["ts"])
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "svc", nil)
	n.retry.Min, n.retry.Max = time.Millisecond, time.Millisecond
	require.NoError(t, n.Send(context.Background(), Alert{Title: "x"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookNotifier_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, "svc", nil).Send(context.Background(), Alert{Title: "x"})
	assert.ErrorContains(t, err, "unexpected status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &captureNotifier{}
	bad := &captureNotifier{err: errors.New("down")}
	err := Multi{ok, bad, NewLogNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))}.Send(context.Background(), Alert{Title: "t"})
	assert.ErrorContains(t, err, "down")
	assert.Len(t, ok.sent, 1)
	assert.Len(t, bad.sent, 1)
}

func TestThrottled_SuppressesRepeatsWithinWindow(t *testing.T) {
	inner := &captureNotifier{}
	th := NewThrottled(inner, time.Minute)
	now := time.Unix(1700000000, 0)
	th.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, th.Send(ctx, Alert{Title: "open", Key: "breaker:quotes"}))
	require.NoError(t, th.Send(ctx, Alert{Title: "open", Key: "breaker:quotes"}))
	require.NoError(t, th.Send(ctx, Alert{Title: "open", Key: "breaker:ltp"}))
	require.NoError(t, th.Send(ctx, Alert{Title: "unkeyed"}))
	require.NoError(t, th.Send(ctx, Alert{Title: "unkeyed"}))
	assert.Len(t, inner.sent, 4)

	now = now.Add(2 * time.Minute)
	require.NoError(t, th.Send(ctx, Alert{Title: "open", Key: "breaker:quotes"}))
	assert.Len(t, inner.sent, 5)
}
