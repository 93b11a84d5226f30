package redis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed/internal/model"
	"quotefeed/internal/resilience"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect(Config{Addr: mr.Addr()}, discard)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestQuoteStore_SetGet(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewQuoteStore(client, 0)
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

	require.NoError(t, s.Set(ctx, []model.CacheEntry{
		{Token: 2885, LastPrice: 2456.35, ObservedAt: now},
		{Token: 1594, LastPrice: 1570.1, ObservedAt: now},
	}))

	assert.Equal(t, DefaultQuoteTTL, mr.TTL("ltp:2885"))

	got, err := s.Get(ctx, []model.Token{2885, 1594, 42})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2456.35, got[2885].LastPrice)
	assert.True(t, got[1594].ObservedAt.Equal(now))
	_, present := got[42]
	assert.False(t, present)
}

func TestQuoteStore_ExpiresAfterTTL(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewQuoteStore(client, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, []model.CacheEntry{{Token: 1, LastPrice: 10, ObservedAt: time.Now()}}))
	mr.FastForward(11 * time.Second)

	got, err := s.Get(ctx, []model.Token{1})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuoteStore_SkipsCorruptValues(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewQuoteStore(client, 0)
	mr.Set("ltp:9", "not-json")

	got, err := s.Get(context.Background(), []model.Token{9})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBufferedStore_BuffersWhileOpenAndFlushesOnClose(t *testing.T) {
	mr, client := newTestClient(t)
	cb := resilience.NewBreaker(1, 20*time.Millisecond)
	bs := NewBufferedStore(NewQuoteStore(client, time.Minute), cb, 0, discard)
	flushed := make(chan int, 1)
	bs.OnFlush = func(n int) { flushed <- n }
	ctx := context.Background()

	// Trip the breaker with a failing read.
	cb.Execute(func() error { return errors.New("redis down") })
	require.Equal(t, resilience.StatusOpen, cb.CurrentStatus())

	require.NoError(t, bs.Set(ctx, []model.CacheEntry{{Token: 5, LastPrice: 1, ObservedAt: time.Now()}}))
	require.NoError(t, bs.Set(ctx, []model.CacheEntry{{Token: 5, LastPrice: 2, ObservedAt: time.Now()}}))
	assert.Equal(t, 1, bs.PendingCount(), "latest entry per token is kept")
	assert.False(t, mr.Exists("ltp:5"))

	_, err := bs.Get(ctx, []model.Token{5})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)

	time.Sleep(30 * time.Millisecond)
	_, err = bs.Get(ctx, []model.Token{5}) // trial closes the breaker
	require.NoError(t, err)

	select {
	case n := <-flushed:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("buffered writes were not flushed")
	}

	raw, err := mr.Get("ltp:5")
	require.NoError(t, err)
	var e model.CacheEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	assert.Equal(t, 2.0, e.LastPrice)
	assert.Equal(t, 0, bs.PendingCount())
}

func TestBufferedStore_FlushKeepsNewerRemoteValue(t *testing.T) {
	mr, client := newTestClient(t)
	cb := resilience.NewBreaker(1, 20*time.Millisecond)
	qs := NewQuoteStore(client, time.Minute)
	bs := NewBufferedStore(qs, cb, 0, discard)
	flushed := make(chan int, 1)
	bs.OnFlush = func(n int) { flushed <- n }
	ctx := context.Background()
	t0 := time.Now()

	cb.Execute(func() error { return errors.New("redis down") })
	require.NoError(t, bs.Set(ctx, []model.CacheEntry{
		{Token: 5, LastPrice: 1, ObservedAt: t0},
		{Token: 6, LastPrice: 3, ObservedAt: t0},
	}))
	// Another writer stored a fresher price for 5 while we were open.
	require.NoError(t, qs.Set(ctx, []model.CacheEntry{{Token: 5, LastPrice: 9, ObservedAt: t0.Add(time.Second)}}))

	time.Sleep(30 * time.Millisecond)
	_, err := bs.Get(ctx, []model.Token{5})
	require.NoError(t, err)

	select {
	case n := <-flushed:
		assert.Equal(t, 1, n, "only the entry without a newer remote value is flushed")
	case <-time.After(2 * time.Second):
		t.Fatal("buffered writes were not flushed")
	}

	got, err := qs.Get(ctx, []model.Token{5, 6})
	require.NoError(t, err)
	assert.Equal(t, 9.0, got[5].LastPrice)
	assert.Equal(t, 3.0, got[6].LastPrice)
	assert.True(t, mr.Exists("ltp:6"))
}

func TestBufferedStore_LiveWriteSupersedesBuffer(t *testing.T) {
	_, client := newTestClient(t)
	bs := NewBufferedStore(NewQuoteStore(client, time.Minute), resilience.NewBreaker(3, time.Minute), 0, discard)
	ctx := context.Background()
	t0 := time.Now()

	bs.bufferWrite([]model.CacheEntry{
		{Token: 5, LastPrice: 1, ObservedAt: t0},
		{Token: 6, LastPrice: 2, ObservedAt: t0.Add(time.Second)},
	})
	require.NoError(t, bs.Set(ctx, []model.CacheEntry{
		{Token: 5, LastPrice: 4, ObservedAt: t0.Add(time.Second)},
		{Token: 6, LastPrice: 5, ObservedAt: t0},
	}))
	assert.Equal(t, 1, bs.PendingCount(), "an older live write keeps the newer buffered entry")
}

func TestTickPublisher_PublishesAndStreams(t *testing.T) {
	mr, client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := TickChannel("NSE_EQ", 2885)
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	_, err := sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	p := NewTickPublisher(client, discard)
	go p.Run(ctx)
	p.Publish(ctx, model.Tick{Token: 2885, SegmentCode: "NSE_EQ", Kind: model.TickLTP, LastPrice: 2456.35})

	select {
	case msg := <-sub.Channel():
		var got model.Tick
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, 2456.35, got.LastPrice)
	case <-time.After(2 * time.Second):
		t.Fatal("tick was not published")
	}

	require.Eventually(t, func() bool {
		entries, err := mr.Stream("tick:NSE_EQ:2885")
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTickPublisher_DropsWhenFull(t *testing.T) {
	_, client := newTestClient(t)
	p := NewTickPublisher(client, discard)
	p.ch = make(chan model.Tick, 1)
	drops := 0
	p.OnDrop = func() { drops++ }

	p.Publish(context.Background(), model.Tick{Token: 1})
	p.Publish(context.Background(), model.Tick{Token: 2})
	assert.Equal(t, 1, drops)
}
