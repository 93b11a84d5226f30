package model

import (
	"encoding/json"
	"time"
)

// TickKind is the payload variant a tick was decoded from.
type TickKind string

const (
	TickLTP   TickKind = "LTP"   // 22-byte record
	TickOHLCV TickKind = "OHLCV" // 62-byte record
	TickFull  TickKind = "FULL"  // 266-byte record
)

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int32   `json:"quantity"`
	Orders   int32   `json:"orders"`
}

// Depth holds the top five bid and ask levels.
type Depth struct {
	Buy  [5]DepthLevel `json:"buy"`
	Sell [5]DepthLevel `json:"sell"`
}

// Tick is one decoded streaming record. Fields absent from the
// record's variant are nil.
type Tick struct {
	Token       Token    `json:"token"`
	Segment     Segment  `json:"segment,omitempty"`
	SegmentCode string   `json:"segment_code"`
	Kind        TickKind `json:"kind"`
	LastPrice   float64  `json:"last_price"`

	LastTradeTime *time.Time `json:"last_trade_time,omitempty"`
	OHLC          *OHLC      `json:"ohlc,omitempty"`
	Volume        *int64     `json:"volume,omitempty"`

	LastUpdateTime *time.Time `json:"last_update_time,omitempty"`
	LastTradeQty   *int64     `json:"last_trade_qty,omitempty"`
	AvgTradePrice  *float64   `json:"avg_trade_price,omitempty"`
	TotalBuyQty    *int64     `json:"total_buy_qty,omitempty"`
	TotalSellQty   *int64     `json:"total_sell_qty,omitempty"`
	OpenInterest   *int64     `json:"open_interest,omitempty"`
	Depth          *Depth     `json:"depth,omitempty"`

	// Set by the receiving session, never by the decoder.
	ReceivedAt time.Time `json:"received_at"`
}

// Key returns "<segment code>:<token>".
func (t *Tick) Key() string {
	return t.SegmentCode + ":" + t.Token.String()
}

// JSON returns the JSON-encoded tick (ignoring errors for hot-path usage).
func (t *Tick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
