package model

import "time"

// Instrument represents a tradeable instrument from the venue catalog.
type Instrument struct {
	Token          Token      `json:"token"`
	Segment        Segment    `json:"segment"`
	Exchange       string     `json:"exchange"` // raw venue exchange string, e.g. "NSE", "NFO", "MCX"
	TradingSymbol  string     `json:"trading_symbol"`
	Name           string     `json:"name"`
	InstrumentType string     `json:"instrument_type"` // EQ, FUT, CE, PE
	LotSize        int        `json:"lot_size"`
	TickSize       float64    `json:"tick_size"`
	Expiry         *time.Time `json:"expiry,omitempty"`
	Strike         float64    `json:"strike,omitempty"`
}

// RoutingKey returns the instrument's venue routing key.
func (i *Instrument) RoutingKey() RoutingKey {
	return RoutingKey{Segment: i.Segment, Token: i.Token}
}

// InstrumentFilter narrows a catalog listing. Zero fields match everything.
type InstrumentFilter struct {
	Segment        Segment
	Exchange       string
	InstrumentType string
	SymbolPrefix   string
	Limit          int
}
