package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed/internal/stream"
)

// flakyVenue accepts sockets while up and answers 503 otherwise.
type flakyVenue struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	up       atomic.Bool
	dials    atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFlakyVenue(t *testing.T) *flakyVenue {
	t.Helper()
	v := &flakyVenue{}
	v.up.Store(true)
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.dials.Add(1)
		if !v.up.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		conn, err := v.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		v.mu.Lock()
		v.conns = append(v.conns, conn)
		v.mu.Unlock()
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *flakyVenue) url() string { return "ws" + strings.TrimPrefix(v.srv.URL, "http") }

// goDown refuses new dials and drops every open socket.
func (v *flakyVenue) goDown() {
	v.up.Store(false)
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.conns {
		c.Close()
	}
	v.conns = nil
}

func TestStreaming_RestartAfterReconnectCapWithRealSession(t *testing.T) {
	venue := newFlakyVenue(t)
	sess := stream.New(stream.Config{
		URL:                  venue.url(),
		MaxReconnectAttempts: 1,
		ReconnectBase:        time.Millisecond,
		ReconnectMax:         2 * time.Millisecond,
	}, "feed", stream.Deps{Logger: discard})
	p := New(Config{}, Deps{Auth: &fakeAuth{access: "x"}, Quotes: &fakeQuotes{}, Stream: sess, Logger: discard})
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.StartStreaming(ctx))
	require.True(t, p.Health(ctx).Streaming)

	venue.goDown()
	require.Eventually(t, func() bool { return !sess.Status().Running }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, p.Health(ctx).Streaming, "health follows the session")

	venue.up.Store(true)
	before := venue.dials.Load()
	require.NoError(t, p.StartStreaming(ctx))
	assert.Greater(t, venue.dials.Load(), before)
	assert.Eventually(t, func() bool {
		st := sess.Status()
		return st.Running && st.Connected
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, p.Health(ctx).Streaming)
}
