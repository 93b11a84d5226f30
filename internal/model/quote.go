package model

import (
	"encoding/json"
	"math"
	"time"
)

// OHLC holds a session's open/high/low/close prices.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Quote is the per-token result of a quote, LTP or OHLC request.
// A nil LastPrice means the price is unknown.
type Quote struct {
	LastPrice *float64 `json:"last_price"`
	OHLC      *OHLC    `json:"ohlc"`
	Volume    *int64   `json:"volume"`
}

// HasPrice reports whether the quote carries a usable last price.
func (q Quote) HasPrice() bool { return q.LastPrice != nil }

// ValidPrice returns &v when v is finite and strictly positive, nil otherwise.
func ValidPrice(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return nil
	}
	return &v
}

// CacheEntry is the cached last price of one token.
type CacheEntry struct {
	Token      Token     `json:"token"`
	LastPrice  float64   `json:"last_price"`
	ObservedAt time.Time `json:"observed_at"`
}

// Age returns how old the entry is at now.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.ObservedAt)
}

// JSON returns the JSON-encoded entry (ignoring errors for hot-path usage).
func (e *CacheEntry) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
