package main

import (
	"math/rand"
	"sync"
	"time"

	"quotefeed/internal/model"
	"quotefeed/pkg/marketapi"
)

// Starting prices in rupees for well-known tokens.
var defaultPrices = map[model.Token]float64{
	2885:     2450.50, // RELIANCE
	1594:     1510.00, // INFY
	99926000: 25660.00,
	99926009: 55120.00,
}

// instrumentState is one simulated instrument's session.
type instrumentState struct {
	price  float64
	ohlc   model.OHLC
	volume int64
}

// market is a random-walk price simulator keyed by routing key.
type market struct {
	mu    sync.Mutex
	rng   *rand.Rand
	state map[model.RoutingKey]*instrumentState
}

func newMarket(seed int64) *market {
	return &market{
		rng:   rand.New(rand.NewSource(seed)),
		state: make(map[model.RoutingKey]*instrumentState),
	}
}

func startPrice(t model.Token) float64 {
	if p, ok := defaultPrices[t]; ok {
		return p
	}
	return 100 + float64(t%9000)
}

func (m *market) get(key model.RoutingKey) *instrumentState {
	st, ok := m.state[key]
	if !ok {
		p := startPrice(key.Token)
		st = &instrumentState{price: p, ohlc: model.OHLC{Open: p, High: p, Low: p, Close: p}}
		m.state[key] = st
	}
	return st
}

// step moves key's price by up to ±0.1% and returns the new state.
func (m *market) step(key model.RoutingKey) instrumentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(key)
	pct := (m.rng.Float64()*0.2 - 0.1) / 100
	st.price = roundTick(st.price * (1 + pct))
	if st.price < 0.05 {
		st.price = 0.05
	}
	if st.price > st.ohlc.High {
		st.ohlc.High = st.price
	}
	if st.price < st.ohlc.Low {
		st.ohlc.Low = st.price
	}
	st.volume += int64(m.rng.Intn(100) + 1)
	return *st
}

// snapshot returns key's state without moving it.
func (m *market) snapshot(key model.RoutingKey) instrumentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.get(key)
}

// tick builds the streaming record for key in mode.
func (m *market) tick(key model.RoutingKey, mode model.Mode, now time.Time) model.Tick {
	st := m.step(key)
	t := model.Tick{
		Token:       key.Token,
		Segment:     key.Segment,
		SegmentCode: key.Segment.Code(),
		Kind:        model.TickLTP,
		LastPrice:   st.price,
	}
	if mode == model.ModeLTP {
		return t
	}
	t.Kind = model.TickOHLCV
	ohlc, vol := st.ohlc, st.volume
	t.OHLC, t.Volume, t.LastTradeTime = &ohlc, &vol, &now
	if mode == model.ModeOHLCV {
		return t
	}

	t.Kind = model.TickFull
	qty, atp := int64(1+key.Token%50), roundTick((ohlc.High+ohlc.Low+st.price)/3)
	var depth model.Depth
	var buy, sell int64
	for i := range depth.Buy {
		off := float64(i+1) * 0.05
		depth.Buy[i] = model.DepthLevel{Price: roundTick(st.price - off), Quantity: int32(10 * (i + 1)), Orders: int32(i + 1)}
		depth.Sell[i] = model.DepthLevel{Price: roundTick(st.price + off), Quantity: int32(12 * (i + 1)), Orders: int32(i + 2)}
		buy += int64(depth.Buy[i].Quantity)
		sell += int64(depth.Sell[i].Quantity)
	}
	oi := int64(0)
	if key.Segment == model.SegmentDerivatives || key.Segment == model.SegmentCommodity {
		oi = 1000 + vol
	}
	t.LastUpdateTime, t.LastTradeQty, t.AvgTradePrice = &now, &qty, &atp
	t.TotalBuyQty, t.TotalSellQty, t.OpenInterest, t.Depth = &buy, &sell, &oi, &depth
	return t
}

// roundTick rounds to the 0.05 price tick.
func roundTick(p float64) float64 {
	return float64(int64(p*20+0.5)) / 20
}

// history builds candles from a walk seeded by the token, so repeated
// requests for one range agree.
func history(key model.RoutingKey, from, to time.Time, step time.Duration, max int) []marketapi.Candle {
	rng := rand.New(rand.NewSource(int64(key.Token)))
	price := startPrice(key.Token)
	out := []marketapi.Candle{}
	for ts := from.Truncate(step); !ts.After(to) && len(out) < max; ts = ts.Add(step) {
		if ts.Before(from) {
			continue
		}
		open := price
		hi, lo := open, open
		for i := 0; i < 4; i++ {
			price = roundTick(price * (1 + (rng.Float64()*0.4-0.2)/100))
			if price > hi {
				hi = price
			}
			if price < lo {
				lo = price
			}
		}
		out = append(out, marketapi.Candle{TS: ts.Unix(), Open: open, High: hi, Low: lo, Close: price, Volume: int64(rng.Intn(5000) + 100)})
	}
	return out
}
