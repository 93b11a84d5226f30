package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed/internal/model"
)

type recordingSubscriber struct {
	subscribed   map[model.Token]bool
	calls        [][]model.Token
	modes        []model.Mode
	unsubscribed [][]model.Token
}

func (r *recordingSubscriber) Subscribed(t model.Token) bool { return r.subscribed[t] }

func (r *recordingSubscriber) Subscribe(_ context.Context, tokens []model.Token, mode model.Mode) (SubscribeResult, error) {
	r.calls = append(r.calls, tokens)
	r.modes = append(r.modes, mode)
	for _, t := range tokens {
		r.subscribed[t] = true
	}
	return SubscribeResult{Accepted: tokens}, nil
}

func (r *recordingSubscriber) Unsubscribe(_ context.Context, tokens []model.Token) error {
	r.unsubscribed = append(r.unsubscribed, tokens)
	for _, t := range tokens {
		delete(r.subscribed, t)
	}
	return nil
}

func TestHotset_BoundedAndRecentFirst(t *testing.T) {
	h := NewHotset(3, &recordingSubscriber{}, discard)
	h.Touch(1, 2, 3)
	h.Touch(4)
	h.Touch(2)
	assert.Equal(t, []model.Token{2, 4, 3}, h.Tokens())
}

func TestHotset_WarmSubscribesMissingInLTP(t *testing.T) {
	sub := &recordingSubscriber{subscribed: map[model.Token]bool{2: true}}
	h := NewHotset(0, sub, discard)
	var warmed int
	h.OnWarm = func(n int) { warmed = n }

	h.Touch(1, 2, 3)
	res := h.Warm(context.Background())

	assert.Equal(t, []model.Token{3, 1}, res.Accepted)
	require.Len(t, sub.calls, 1)
	assert.Equal(t, model.ModeLTP, sub.modes[0])
	assert.Equal(t, 2, warmed)

	// Everything is subscribed now, so the next pass is a no-op.
	h.Warm(context.Background())
	assert.Len(t, sub.calls, 1)
}

func TestHotset_RunWarmsWithSession(t *testing.T) {
	v := newVenue(t)
	s := New(fastConfig(v.url()), "tok", Deps{Resolver: equities(7, 8), Logger: discard})
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))

	h := NewHotset(DefaultHotsetSize, s, discard)
	h.Touch(7, 8, 9)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool { return ackedCount(s) == 2 }, 2*time.Second, 10*time.Millisecond)
	for _, sub := range s.Subscriptions() {
		assert.Equal(t, model.ModeLTP, sub.Mode)
	}
}

func TestHotset_RetiresOnlyItsOwnColdTokens(t *testing.T) {
	sub := &recordingSubscriber{subscribed: map[model.Token]bool{2: true}}
	h := NewHotset(2, sub, discard)

	h.Touch(1, 2)
	h.Warm(context.Background())
	assert.Equal(t, []model.Token{1}, h.Owned(), "2 was subscribed explicitly")

	h.Touch(3, 4) // evicts 1 and 2
	res := h.Warm(context.Background())
	require.Len(t, sub.unsubscribed, 1)
	assert.Equal(t, []model.Token{1}, sub.unsubscribed[0])
	assert.True(t, sub.subscribed[2], "explicit subscription survives eviction")
	assert.ElementsMatch(t, []model.Token{3, 4}, res.Accepted)
	assert.Equal(t, []model.Token{3, 4}, h.Owned())
}

func TestHotset_ReleaseKeepsTokenSubscribed(t *testing.T) {
	sub := &recordingSubscriber{subscribed: map[model.Token]bool{}}
	h := NewHotset(1, sub, discard)

	h.Touch(5)
	h.Warm(context.Background())
	h.Release(5)
	assert.Empty(t, h.Owned())

	h.Touch(6)
	h.Warm(context.Background())
	assert.Empty(t, sub.unsubscribed)
	assert.True(t, sub.subscribed[5])
}

func TestHotset_EvictionFreesSessionSlots(t *testing.T) {
	tokens := make([]model.Token, 1001)
	for i := range tokens {
		tokens[i] = model.Token(i + 1)
	}
	s := New(Config{URL: "ws://127.0.0.1:1", MaxSubscriptions: 1000}, "tok",
		Deps{Resolver: equities(tokens...), Logger: discard})
	h := NewHotset(800, s, discard)
	ctx := context.Background()

	h.Touch(tokens[:800]...)
	h.Warm(ctx)
	h.Touch(tokens[800:1000]...)
	h.Warm(ctx)
	assert.Equal(t, 800, s.Status().Subscriptions)
	assert.False(t, s.Subscribed(1), "cold hotset token unsubscribed")

	res, err := s.Subscribe(ctx, []model.Token{1001}, model.ModeFull)
	require.NoError(t, err)
	assert.Equal(t, []model.Token{1001}, res.Accepted)
	assert.Empty(t, res.Dropped)
}
