package model

import (
	"encoding/json"
	"time"
)

// Candle is one historical OHLCV bar.
type Candle struct {
	TS     time.Time `json:"ts"` // bar start time (UTC)
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
