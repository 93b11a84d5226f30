// Package quotes orchestrates REST quote requests: routing key resolution,
// cache reads, upstream batching under the per-endpoint guard, and the
// LTP fallback for quotes that come back without a price.
package quotes

import (
	"context"
	"log/slog"
	"time"

	"quotefeed/internal/cache"
	"quotefeed/internal/model"
	"quotefeed/internal/resilience"
	"quotefeed/pkg/marketapi"
)

// Upstream is the venue REST API.
type Upstream interface {
	Quotes(ctx context.Context, mode string, keys []string) (map[string]marketapi.QuoteData, error)
	History(ctx context.Context, r marketapi.HistoryRequest) ([]marketapi.Candle, error)
}

// Resolver maps tokens to routing keys, reporting the ones it cannot resolve.
type Resolver interface {
	Keys(ctx context.Context, tokens []model.Token) ([]model.RoutingKey, []model.Token)
}

// Hotset records recently requested tokens.
type Hotset interface {
	Touch(tokens ...model.Token)
}

// Archive stores historical candles locally.
type Archive interface {
	SaveCandles(ctx context.Context, key model.RoutingKey, resolution string, candles []model.Candle) error
	ReadCandles(ctx context.Context, key model.RoutingKey, resolution string, from, to time.Time) ([]model.Candle, error)
}

// LTPOptions controls cache use in GetLTP.
type LTPOptions struct {
	BypassCache       bool // skip the cache and always ask upstream
	BackgroundRefresh bool // serve stale entries and refresh them in the background
}

// Config tunes the orchestrator.
type Config struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchWindow  time.Duration `yaml:"batch_window"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    marketapi.MaxQuoteKeys,
		BatchWindow:  cache.DefaultBatchWindow,
		BatchTimeout: 30 * time.Second,
	}
}

// Orchestrator serves quote, LTP, OHLC and history requests.
type Orchestrator struct {
	cfg      Config
	resolver Resolver
	upstream Upstream
	guard    *resilience.Guard
	cache    *cache.Layer
	batcher  *cache.Batcher
	archive  Archive
	hotset   Hotset
	logger   *slog.Logger
	now      func() time.Time

	// OnAuthFailure is called when the upstream rejects our credentials.
	OnAuthFailure func(err error)
}

// Deps are the orchestrator's collaborators. Archive and Hotset are optional.
type Deps struct {
	Resolver Resolver
	Upstream Upstream
	Guard    *resilience.Guard
	Cache    *cache.Layer
	Archive  Archive
	Hotset   Hotset
	Logger   *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config, d Deps) *Orchestrator {
	if cfg.BatchSize <= 0 || cfg.BatchSize > marketapi.MaxQuoteKeys {
		cfg.BatchSize = marketapi.MaxQuoteKeys
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:      cfg,
		resolver: d.Resolver,
		upstream: d.Upstream,
		guard:    d.Guard,
		cache:    d.Cache,
		archive:  d.Archive,
		hotset:   d.Hotset,
		logger:   d.Logger,
		now:      time.Now,
	}
	o.batcher = cache.NewBatcher(cfg.BatchWindow, cfg.BatchTimeout, o.fetchPairs)
	return o
}

// Batcher exposes the pair-mode aggregator, e.g. to attach metrics hooks.
func (o *Orchestrator) Batcher() *cache.Batcher { return o.batcher }

// GetQuote returns full quotes (price, OHLC, volume) for tokens.
func (o *Orchestrator) GetQuote(ctx context.Context, tokens []model.Token) map[model.Token]model.Quote {
	return o.getWithFallback(ctx, tokens, resilience.EndpointQuotes, marketapi.ModeFull)
}

// GetOHLC returns OHLC and price for tokens.
func (o *Orchestrator) GetOHLC(ctx context.Context, tokens []model.Token) map[model.Token]model.Quote {
	return o.getWithFallback(ctx, tokens, resilience.EndpointOHLC, marketapi.ModeOHLC)
}

func (o *Orchestrator) getWithFallback(ctx context.Context, tokens []model.Token, endpoint, mode string) map[model.Token]model.Quote {
	out := emptyResult(tokens)
	keys := o.resolve(ctx, tokens)
	if len(keys) == 0 {
		return out
	}

	got := o.fetch(ctx, endpoint, mode, keys)
	var noPrice []model.RoutingKey
	for _, k := range keys {
		q, ok := got[k.Token]
		if ok {
			out[k.Token] = q
		}
		if !q.HasPrice() {
			noPrice = append(noPrice, k)
		}
	}

	if len(noPrice) > 0 {
		ltp := o.fetch(ctx, resilience.EndpointLTP, marketapi.ModeLTP, noPrice)
		for _, k := range noPrice {
			if q, ok := ltp[k.Token]; ok && q.HasPrice() {
				cur := out[k.Token]
				cur.LastPrice = q.LastPrice
				out[k.Token] = cur
			}
		}
	}

	o.storePrices(ctx, out)
	return out
}

// GetLTP returns last prices for tokens, consulting the cache first unless
// opts.BypassCache is set.
func (o *Orchestrator) GetLTP(ctx context.Context, tokens []model.Token, opts LTPOptions) map[model.Token]model.Quote {
	out := emptyResult(tokens)
	keys := o.resolve(ctx, tokens)
	if len(keys) == 0 {
		return out
	}

	need := keys
	if !opts.BypassCache && o.cache != nil {
		byToken := make(map[model.Token]model.RoutingKey, len(keys))
		resolved := make([]model.Token, len(keys))
		for i, k := range keys {
			byToken[k.Token] = k
			resolved[i] = k.Token
		}

		look := o.cache.Lookup(ctx, resolved)
		need = need[:0:0]
		var stale []model.Token
		for _, k := range keys {
			if e, ok := look.Fresh[k.Token]; ok {
				out[k.Token] = model.Quote{LastPrice: model.ValidPrice(e.LastPrice)}
				continue
			}
			if e, ok := look.Stale[k.Token]; ok && opts.BackgroundRefresh {
				out[k.Token] = model.Quote{LastPrice: model.ValidPrice(e.LastPrice)}
				stale = append(stale, k.Token)
				continue
			}
			need = append(need, k)
		}

		if len(stale) > 0 {
			o.cache.Revalidate(stale, func(ctx context.Context, toks []model.Token) {
				ks := make([]model.RoutingKey, 0, len(toks))
				for _, t := range toks {
					ks = append(ks, byToken[t])
				}
				o.storePrices(ctx, o.fetch(ctx, resilience.EndpointLTP, marketapi.ModeLTP, ks))
			})
		}
	}
	if len(need) == 0 {
		return out
	}

	got := o.fetch(ctx, resilience.EndpointLTP, marketapi.ModeLTP, need)
	for _, k := range need {
		if q, ok := got[k.Token]; ok {
			out[k.Token] = model.Quote{LastPrice: q.LastPrice}
		}
	}
	o.storePrices(ctx, got)
	return out
}

// GetLTPPairs returns last prices keyed by "SEGMENT-TOKEN" pairs. Concurrent
// callers within one batch window share a single upstream request.
// Malformed pairs come back with a nil price.
func (o *Orchestrator) GetLTPPairs(ctx context.Context, pairs []string) map[string]model.Quote {
	out := make(map[string]model.Quote, len(pairs))
	// Results are keyed by the caller's spelling, which may differ from the
	// canonical key ("NSE_EQ-02885" for "NSE_EQ-2885").
	raw := make(map[model.RoutingKey][]string, len(pairs))
	keys := make([]model.RoutingKey, 0, len(pairs))
	for _, p := range pairs {
		out[p] = model.Quote{}
		k, ok := model.ParseRoutingKey(p)
		if !ok {
			o.logger.Debug("malformed pair", "pair", p)
			continue
		}
		if _, seen := raw[k]; !seen {
			keys = append(keys, k)
		}
		raw[k] = append(raw[k], p)
	}
	if len(keys) == 0 {
		return out
	}

	tokens := make([]model.Token, len(keys))
	for i, k := range keys {
		tokens[i] = k.Token
	}
	o.touch(tokens)

	got, err := o.batcher.Do(ctx, keys)
	if err != nil {
		o.logger.Debug("pair lookup abandoned", "pairs", len(keys), "error", err)
		return out
	}
	for _, k := range keys {
		q, ok := got[k.String()]
		if !ok {
			continue
		}
		for _, p := range raw[k] {
			out[p] = q
		}
	}
	return out
}

// fetchPairs is the batcher's merged upstream call.
func (o *Orchestrator) fetchPairs(ctx context.Context, keys []model.RoutingKey) (map[string]model.Quote, error) {
	got := o.fetch(ctx, resilience.EndpointLTP, marketapi.ModeLTP, keys)
	o.storePrices(ctx, got)
	out := make(map[string]model.Quote, len(got))
	for _, k := range keys {
		if q, ok := got[k.Token]; ok {
			out[k.String()] = q
		}
	}
	return out, nil
}

// fetch calls the upstream in batches of at most cfg.BatchSize keys.
// Failed batches are logged and contribute nothing.
func (o *Orchestrator) fetch(ctx context.Context, endpoint, mode string, keys []model.RoutingKey) map[model.Token]model.Quote {
	out := make(map[model.Token]model.Quote, len(keys))
	for start := 0; start < len(keys); start += o.cfg.BatchSize {
		end := start + o.cfg.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]
		strs := make([]string, len(batch))
		for i, k := range batch {
			strs[i] = k.String()
		}

		var res map[string]marketapi.QuoteData
		err := o.guard.Call(ctx, endpoint, func(ctx context.Context) error {
			var err error
			res, err = o.upstream.Quotes(ctx, mode, strs)
			return err
		})
		if err != nil {
			o.upstreamFailed(endpoint, len(batch), err)
			continue
		}
		for _, k := range batch {
			if d, ok := res[k.String()]; ok {
				out[k.Token] = toQuote(d)
			}
		}
	}
	return out
}

func (o *Orchestrator) upstreamFailed(endpoint string, n int, err error) {
	o.logger.Warn("upstream request failed", "endpoint", endpoint, "keys", n, "error", err)
	if resilience.IsAuth(err) && o.OnAuthFailure != nil {
		o.OnAuthFailure(err)
	}
}

func (o *Orchestrator) resolve(ctx context.Context, tokens []model.Token) []model.RoutingKey {
	o.touch(tokens)
	keys, unresolved := o.resolver.Keys(ctx, tokens)
	if len(unresolved) > 0 {
		o.logger.Debug("skipping unresolved tokens", "count", len(unresolved))
	}
	return keys
}

func (o *Orchestrator) touch(tokens []model.Token) {
	if o.hotset != nil && len(tokens) > 0 {
		o.hotset.Touch(tokens...)
	}
}

func (o *Orchestrator) storePrices(ctx context.Context, quotes map[model.Token]model.Quote) {
	if o.cache == nil || len(quotes) == 0 {
		return
	}
	now := o.now()
	entries := make([]model.CacheEntry, 0, len(quotes))
	for t, q := range quotes {
		if q.LastPrice != nil {
			entries = append(entries, model.CacheEntry{Token: t, LastPrice: *q.LastPrice, ObservedAt: now})
		}
	}
	o.cache.Store(ctx, entries)
}

func emptyResult(tokens []model.Token) map[model.Token]model.Quote {
	out := make(map[model.Token]model.Quote, len(tokens))
	for _, t := range tokens {
		out[t] = model.Quote{}
	}
	return out
}

func toQuote(d marketapi.QuoteData) model.Quote {
	var q model.Quote
	if d.LastPrice != nil {
		q.LastPrice = model.ValidPrice(*d.LastPrice)
	}
	if d.OHLC != nil {
		q.OHLC = &model.OHLC{Open: d.OHLC.Open, High: d.OHLC.High, Low: d.OHLC.Low, Close: d.OHLC.Close}
	}
	if d.Volume != nil {
		v := *d.Volume
		q.Volume = &v
	}
	return q
}
