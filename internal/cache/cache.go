// Package cache is the two-tier last-price cache: a bounded in-process LRU
// in front of a shared remote store, with stale-while-revalidate and a
// per-token in-flight guard on background refreshes.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"quotefeed/internal/model"
)

// Remote is the shared cache tier.
type Remote interface {
	Get(ctx context.Context, tokens []model.Token) (map[model.Token]model.CacheEntry, error)
	Set(ctx context.Context, entries []model.CacheEntry) error
}

// RefreshFunc fetches fresh prices for tokens and stores them itself.
type RefreshFunc func(ctx context.Context, tokens []model.Token)

// Config tunes the cache layer.
type Config struct {
	LocalCapacity  int           `yaml:"local_capacity"`
	FreshTTL       time.Duration `yaml:"fresh_ttl"`
	StaleWindow    time.Duration `yaml:"stale_window"`
	RemoteTimeout  time.Duration `yaml:"remote_timeout"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LocalCapacity:  20000,
		FreshTTL:       5 * time.Second,
		StaleWindow:    5 * time.Second,
		RemoteTimeout:  250 * time.Millisecond,
		RefreshTimeout: 10 * time.Second,
	}
}

// Lookup is the result of reading a set of tokens.
type Lookup struct {
	Fresh   map[model.Token]model.CacheEntry
	Stale   map[model.Token]model.CacheEntry
	Missing []model.Token
}

// Stats counts lookups by outcome.
type Stats struct {
	OnHit   func(tier string, n int)
	OnStale func(n int)
	OnMiss  func(n int)
}

// Layer is the cache layer.
type Layer struct {
	cfg    Config
	local  *lru.Cache[model.Token, model.CacheEntry]
	remote Remote
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inflight map[model.Token]struct{}
	wg       sync.WaitGroup

	Stats Stats
}

// New creates a Layer. remote may be nil for a local-only cache.
func New(cfg Config, remote Remote, logger *slog.Logger) *Layer {
	def := DefaultConfig()
	if cfg.LocalCapacity <= 0 {
		cfg.LocalCapacity = def.LocalCapacity
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = def.RemoteTimeout
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	local, _ := lru.New[model.Token, model.CacheEntry](cfg.LocalCapacity)
	return &Layer{
		cfg:      cfg,
		local:    local,
		remote:   remote,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[model.Token]struct{}),
	}
}

// classify reports whether e is fresh, stale-servable, or expired.
func (l *Layer) classify(e model.CacheEntry, now time.Time) (fresh, stale bool) {
	age := e.Age(now)
	switch {
	case age <= l.cfg.FreshTTL:
		return true, false
	case age <= l.cfg.FreshTTL+l.cfg.StaleWindow:
		return false, true
	}
	return false, false
}

// Lookup reads tokens: local fresh first, then the remote tier (backfilling
// local), and finally reports stale and missing tokens.
func (l *Layer) Lookup(ctx context.Context, tokens []model.Token) Lookup {
	res := Lookup{
		Fresh: make(map[model.Token]model.CacheEntry, len(tokens)),
		Stale: make(map[model.Token]model.CacheEntry),
	}
	now := l.now()

	var remoteAsk []model.Token
	for _, t := range tokens {
		if e, ok := l.local.Get(t); ok {
			if fresh, _ := l.classify(e, now); fresh {
				res.Fresh[t] = e
				continue
			}
		}
		remoteAsk = append(remoteAsk, t)
	}
	if n := len(res.Fresh); n > 0 && l.Stats.OnHit != nil {
		l.Stats.OnHit("local", n)
	}

	var remoteHits map[model.Token]model.CacheEntry
	if len(remoteAsk) > 0 && l.remote != nil {
		rctx, cancel := context.WithTimeout(ctx, l.cfg.RemoteTimeout)
		var err error
		remoteHits, err = l.remote.Get(rctx, remoteAsk)
		cancel()
		if err != nil {
			l.logger.Debug("remote cache read failed", "tokens", len(remoteAsk), "error", err)
			remoteHits = nil
		}
	}

	remoteFresh := 0
	for _, t := range remoteAsk {
		best, have := l.local.Peek(t)
		if e, ok := remoteHits[t]; ok && (!have || e.ObservedAt.After(best.ObservedAt)) {
			best, have = e, true
			l.local.Add(t, e)
		}
		if !have {
			res.Missing = append(res.Missing, t)
			continue
		}
		fresh, stale := l.classify(best, now)
		switch {
		case fresh:
			res.Fresh[t] = best
			remoteFresh++
		case stale:
			res.Stale[t] = best
		default:
			res.Missing = append(res.Missing, t)
		}
	}

	if remoteFresh > 0 && l.Stats.OnHit != nil {
		l.Stats.OnHit("remote", remoteFresh)
	}
	if n := len(res.Stale); n > 0 && l.Stats.OnStale != nil {
		l.Stats.OnStale(n)
	}
	if n := len(res.Missing); n > 0 && l.Stats.OnMiss != nil {
		l.Stats.OnMiss(n)
	}
	return res
}

// Store writes entries with a valid price to both tiers.
func (l *Layer) Store(ctx context.Context, entries []model.CacheEntry) {
	valid := entries[:0:0]
	for _, e := range entries {
		if model.ValidPrice(e.LastPrice) == nil {
			continue
		}
		if old, ok := l.local.Peek(e.Token); ok && old.ObservedAt.After(e.ObservedAt) {
			continue
		}
		l.local.Add(e.Token, e)
		valid = append(valid, e)
	}
	if len(valid) == 0 || l.remote == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, l.cfg.RemoteTimeout)
	defer cancel()
	if err := l.remote.Set(rctx, valid); err != nil {
		l.logger.Debug("remote cache write failed", "entries", len(valid), "error", err)
	}
}

// StorePrice is a one-entry Store stamped with the current time.
func (l *Layer) StorePrice(ctx context.Context, token model.Token, price float64) {
	l.Store(ctx, []model.CacheEntry{{Token: token, LastPrice: price, ObservedAt: l.now()}})
}

// Revalidate starts one background refresh for the tokens not already
// being refreshed. It returns the tokens it claimed; concurrent callers
// asking for the same token get nothing back for it.
func (l *Layer) Revalidate(tokens []model.Token, refresh RefreshFunc) []model.Token {
	l.mu.Lock()
	claimed := make([]model.Token, 0, len(tokens))
	for _, t := range tokens {
		if _, busy := l.inflight[t]; busy {
			continue
		}
		l.inflight[t] = struct{}{}
		claimed = append(claimed, t)
	}
	l.mu.Unlock()
	if len(claimed) == 0 {
		return nil
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			for _, t := range claimed {
				delete(l.inflight, t)
			}
			l.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.RefreshTimeout)
		defer cancel()
		refresh(ctx, claimed)
	}()
	return claimed
}

// InFlight reports how many tokens are currently being refreshed.
func (l *Layer) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

// Wait blocks until background refreshes started so far have finished.
func (l *Layer) Wait() { l.wg.Wait() }

// Len returns the number of tokens in the local tier.
func (l *Layer) Len() int { return l.local.Len() }
