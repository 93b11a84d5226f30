package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"quotefeed/internal/model"
)

// DefaultHotsetSize bounds the recency set of requested tokens.
const DefaultHotsetSize = 800

// Subscriber is the part of a Session the hotset drives.
type Subscriber interface {
	Subscribed(token model.Token) bool
	Subscribe(ctx context.Context, tokens []model.Token, mode model.Mode) (SubscribeResult, error)
	Unsubscribe(ctx context.Context, tokens []model.Token) error
}

// Hotset remembers the most recently requested tokens and keeps them
// subscribed in LTP mode so their cache entries stay warm. Tokens it
// subscribed itself are unsubscribed once they leave the recency set;
// explicit subscriptions are never touched.
type Hotset struct {
	recent *lru.Cache[model.Token, struct{}]
	sub    Subscriber
	log    *slog.Logger

	// mu serialises Warm and Release.
	mu    sync.Mutex
	owned map[model.Token]struct{}

	// OnWarm is called with the number of tokens each Warm subscribed.
	OnWarm func(n int)
}

// NewHotset creates a hotset of size tokens that subscribes through sub.
func NewHotset(size int, sub Subscriber, logger *slog.Logger) *Hotset {
	if size <= 0 {
		size = DefaultHotsetSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	recent, _ := lru.New[model.Token, struct{}](size)
	return &Hotset{recent: recent, sub: sub, log: logger, owned: make(map[model.Token]struct{})}
}

// Touch marks tokens as recently requested.
func (h *Hotset) Touch(tokens ...model.Token) {
	for _, t := range tokens {
		h.recent.Add(t, struct{}{})
	}
}

// Tokens returns the set, most recent first.
func (h *Hotset) Tokens() []model.Token {
	keys := h.recent.Keys()
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys
}

// Release hands tokens over to an explicit subscription so the hotset no
// longer unsubscribes them when they go cold. Call it before subscribing.
func (h *Hotset) Release(tokens ...model.Token) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range tokens {
		delete(h.owned, t)
	}
}

// Owned returns the tokens the hotset subscribed itself, ascending.
func (h *Hotset) Owned() []model.Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedTokens(h.owned)
}

// Warm unsubscribes the hotset's own tokens that went cold, then subscribes
// every hot token that is not subscribed yet.
func (h *Hotset) Warm(ctx context.Context) SubscribeResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.retire(ctx)

	var missing []model.Token
	for _, t := range h.Tokens() {
		if !h.sub.Subscribed(t) {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return SubscribeResult{}
	}
	res, err := h.sub.Subscribe(ctx, missing, model.ModeLTP)
	if err != nil {
		h.log.Warn("hotset warm failed", "tokens", len(missing), "error", err)
		return res
	}
	for _, t := range res.Accepted {
		h.owned[t] = struct{}{}
	}
	if h.OnWarm != nil {
		h.OnWarm(len(res.Accepted))
	}
	h.log.Debug("hotset warmed", "accepted", len(res.Accepted), "unresolved", len(res.Unresolved), "dropped", len(res.Dropped))
	return res
}

// retire unsubscribes owned tokens evicted from the recency set. Caller
// holds h.mu.
func (h *Hotset) retire(ctx context.Context) {
	cold := make(map[model.Token]struct{})
	for t := range h.owned {
		if !h.recent.Contains(t) {
			cold[t] = struct{}{}
		}
	}
	if len(cold) == 0 {
		return
	}
	tokens := sortedTokens(cold)
	for _, t := range tokens {
		delete(h.owned, t)
	}
	if err := h.sub.Unsubscribe(ctx, tokens); err != nil {
		h.log.Warn("hotset retire failed", "tokens", len(tokens), "error", err)
		return
	}
	h.log.Debug("hotset retired cold tokens", "tokens", len(tokens))
}

func sortedTokens(set map[model.Token]struct{}) []model.Token {
	out := make([]model.Token, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run warms the set every interval until ctx ends.
func (h *Hotset) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Warm(ctx)
		}
	}
}
