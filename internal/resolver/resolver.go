// Package resolver maps instrument tokens to their venue segment through an
// ordered chain of catalog sources. Tokens no source can resolve are left
// out of the result; a segment is never defaulted.
package resolver

import (
	"context"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"quotefeed/internal/model"
)

// Source looks up raw segment strings for tokens.
// Returned strings are normalised by the resolver.
type Source interface {
	Name() string
	Lookup(ctx context.Context, tokens []model.Token) (map[model.Token]string, error)
}

// Keyword sets, checked in this order. Commodity and currency come first so
// strings like "MCX_FO" or "CDS_FO" are not taken for derivatives.
var segmentKeywords = []struct {
	seg      model.Segment
	keywords []string
}{
	{model.SegmentCommodity, []string{"MCX", "NCDEX", "NCX", "COMM"}},
	{model.SegmentCurrency, []string{"CDS", "CDE", "CUR", "FX"}},
	{model.SegmentDerivatives, []string{"FUT", "FO", "OPT", "DERIV"}},
	{model.SegmentEquity, []string{"EQ", "CM", "CASH", "NSE", "BSE"}},
}

// NormalizeSegment maps a raw catalog segment string to a Segment.
func NormalizeSegment(raw string) (model.Segment, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	for _, set := range segmentKeywords {
		for _, kw := range set.keywords {
			if strings.Contains(s, kw) {
				return set.seg, true
			}
		}
	}
	return "", false
}

// Coverage reports how many tokens each source resolved for one call.
type Coverage struct {
	Requested int
	Resolved  int
	BySource  map[string]int
}

// Resolver resolves tokens through its sources in order.
type Resolver struct {
	sources []Source
	memo    *lru.Cache[model.Token, model.Segment]
	logger  *slog.Logger

	// OnCoverage is called after every Resolve with non-empty input.
	OnCoverage func(Coverage)
}

// New creates a Resolver. memoSize bounds the cache of resolved tokens;
// 0 disables it.
func New(logger *slog.Logger, memoSize int, sources ...Source) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{sources: sources, logger: logger}
	if memoSize > 0 {
		r.memo, _ = lru.New[model.Token, model.Segment](memoSize)
	}
	return r
}

// Resolve returns the segment of every token it can resolve.
func (r *Resolver) Resolve(ctx context.Context, tokens []model.Token) map[model.Token]model.Segment {
	out := make(map[model.Token]model.Segment, len(tokens))
	if len(tokens) == 0 {
		return out
	}
	cov := Coverage{BySource: make(map[string]int)}

	pending := make([]model.Token, 0, len(tokens))
	seen := make(map[model.Token]struct{}, len(tokens))
	for _, t := range tokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if r.memo != nil {
			if seg, ok := r.memo.Get(t); ok {
				out[t] = seg
				cov.BySource["memo"]++
				continue
			}
		}
		pending = append(pending, t)
	}
	cov.Requested = len(seen)

	for _, src := range r.sources {
		if len(pending) == 0 {
			break
		}
		if ctx.Err() != nil {
			break
		}
		found, err := src.Lookup(ctx, pending)
		if err != nil {
			r.logger.Warn("resolver source failed", "source", src.Name(), "tokens", len(pending), "error", err)
			continue
		}

		next := pending[:0]
		for _, t := range pending {
			raw, ok := found[t]
			if !ok {
				next = append(next, t)
				continue
			}
			seg, ok := NormalizeSegment(raw)
			if !ok {
				r.logger.Debug("unrecognised segment", "source", src.Name(), "token", t, "raw", raw)
				next = append(next, t)
				continue
			}
			out[t] = seg
			cov.BySource[src.Name()]++
			if r.memo != nil {
				r.memo.Add(t, seg)
			}
		}
		pending = next
	}

	cov.Resolved = len(out)
	if len(pending) > 0 {
		r.logger.Info("tokens unresolved",
			"requested", cov.Requested,
			"resolved", cov.Resolved,
			"unresolved", len(pending),
		)
	}
	if r.OnCoverage != nil {
		r.OnCoverage(cov)
	}
	return out
}

// Keys resolves tokens and returns routing keys in input order, with
// unresolved tokens listed separately.
func (r *Resolver) Keys(ctx context.Context, tokens []model.Token) (keys []model.RoutingKey, unresolved []model.Token) {
	segs := r.Resolve(ctx, tokens)
	seen := make(map[model.Token]struct{}, len(tokens))
	for _, t := range tokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if seg, ok := segs[t]; ok {
			keys = append(keys, model.RoutingKey{Segment: seg, Token: t})
		} else {
			unresolved = append(unresolved, t)
		}
	}
	return keys, unresolved
}

// Forget drops tokens from the memo, e.g. after a catalog reload.
func (r *Resolver) Forget(tokens ...model.Token) {
	if r.memo == nil {
		return
	}
	if len(tokens) == 0 {
		r.memo.Purge()
		return
	}
	for _, t := range tokens {
		r.memo.Remove(t)
	}
}
