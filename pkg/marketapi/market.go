package marketapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// OHLC is the venue's session OHLC block.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// QuoteData is one instrument's quote. Fields the mode does not carry are nil.
type QuoteData struct {
	LastPrice *float64 `json:"last_price"`
	OHLC      *OHLC    `json:"ohlc,omitempty"`
	Volume    *int64   `json:"volume,omitempty"`
}

// Quotes fetches quotes for up to MaxQuoteKeys "SEGMENT-TOKEN" keys.
// The result is keyed by the same strings; keys the venue did not return
// are absent.
func (c *Client) Quotes(ctx context.Context, mode string, keys []string) (map[string]QuoteData, error) {
	if len(keys) == 0 {
		return map[string]QuoteData{}, nil
	}
	if len(keys) > MaxQuoteKeys {
		return nil, fmt.Errorf("quotes: %d keys exceeds cap of %d", len(keys), MaxQuoteKeys)
	}
	q := url.Values{}
	for _, k := range keys {
		q.Add("q", k)
	}
	q.Set("mode", mode)

	out := map[string]QuoteData{}
	if err := c.doRequest(ctx, http.MethodGet, "data.quotes", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HistoryRequest selects a candle range. From and To are epoch seconds.
type HistoryRequest struct {
	Exchange   string // segment wire code, e.g. "NSE_EQ"
	Token      string
	From       int64
	To         int64
	Resolution string // 1,3,5,10,15,30,60,D,W,M
}

// Candle is one bar as returned by the venue.
type Candle struct {
	TS     int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// UnmarshalJSON decodes the venue's [ts, o, h, l, c, v] array form.
func (cd *Candle) UnmarshalJSON(b []byte) error {
	var arr []json.Number
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	if len(arr) < 5 {
		return fmt.Errorf("candle: want at least 5 fields, got %d", len(arr))
	}
	var err error
	if cd.TS, err = arr[0].Int64(); err != nil {
		f, ferr := arr[0].Float64()
		if ferr != nil {
			return fmt.Errorf("candle ts: %w", err)
		}
		cd.TS = int64(f)
	}
	vals := []*float64{&cd.Open, &cd.High, &cd.Low, &cd.Close}
	for i, dst := range vals {
		if *dst, err = arr[i+1].Float64(); err != nil {
			return fmt.Errorf("candle field %d: %w", i+1, err)
		}
	}
	if len(arr) > 5 {
		v, err := arr[5].Float64()
		if err != nil {
			return fmt.Errorf("candle volume: %w", err)
		}
		cd.Volume = int64(v)
	}
	return nil
}

// MarshalJSON encodes the [ts, o, h, l, c, v] array form.
func (cd Candle) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{cd.TS, cd.Open, cd.High, cd.Low, cd.Close, cd.Volume})
}

type historyData struct {
	Candles []Candle `json:"candles"`
}

// History fetches candles for one instrument.
func (c *Client) History(ctx context.Context, r HistoryRequest) ([]Candle, error) {
	q := url.Values{}
	q.Set("exchange", r.Exchange)
	q.Set("token", r.Token)
	q.Set("from", strconv.FormatInt(r.From, 10))
	q.Set("to", strconv.FormatInt(r.To, 10))
	q.Set("resolution", r.Resolution)

	var out historyData
	if err := c.doRequest(ctx, http.MethodGet, "data.history", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Candles, nil
}
