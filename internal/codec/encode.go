package codec

import (
	"math"
	"time"

	"quotefeed/internal/model"
)

// EncodeRecord serialises t as a bare record payload (no length prefix).
// The variant is chosen by t.Kind.
func EncodeRecord(t model.Tick) []byte {
	n := LTPLen
	switch t.Kind {
	case model.TickOHLCV:
		n = OHLCVLen
	case model.TickFull:
		n = FullLen
	}
	w := writer{buf: make([]byte, n)}

	code := t.SegmentCode
	if code == "" {
		code = t.Segment.Code()
	}
	w.ascii(code, segmentLen)
	w.u32(uint32(t.Token))
	w.f64(t.LastPrice)
	if n == LTPLen {
		return w.buf
	}

	w.u32(uint32(unixOrZero(t.LastTradeTime)))
	var ohlc model.OHLC
	if t.OHLC != nil {
		ohlc = *t.OHLC
	}
	w.f64(ohlc.Open)
	w.f64(ohlc.High)
	w.f64(ohlc.Low)
	w.f64(ohlc.Close)
	w.u32(uint32(int32(deref(t.Volume))))
	if n == OHLCVLen {
		return w.buf
	}

	w.u32(uint32(unixOrZero(t.LastUpdateTime)))
	w.u64(uint64(deref(t.LastTradeQty)))
	atp := 0.0
	if t.AvgTradePrice != nil {
		atp = *t.AvgTradePrice
	}
	w.f64(atp)
	w.u64(uint64(deref(t.TotalBuyQty)))
	w.u64(uint64(deref(t.TotalSellQty)))
	w.u64(uint64(deref(t.OpenInterest)))
	var depth model.Depth
	if t.Depth != nil {
		depth = *t.Depth
	}
	for _, l := range depth.Buy {
		w.level(l)
	}
	for _, l := range depth.Sell {
		w.level(l)
	}
	return w.buf
}

// EncodeFrame joins records into one frame, each with its uint16 length
// prefix, optionally preceded by the uint16 record count header.
func EncodeFrame(records [][]byte, withHeader bool) []byte {
	size := 0
	for _, r := range records {
		size += 2 + len(r)
	}
	if withHeader {
		size += 2
	}
	out := make([]byte, 0, size)
	if withHeader {
		out = le.AppendUint16(out, uint16(len(records)))
	}
	for _, r := range records {
		out = le.AppendUint16(out, uint16(len(r)))
		out = append(out, r...)
	}
	return out
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

type writer struct {
	buf []byte
	off int
}

func (w *writer) ascii(s string, n int) {
	copy(w.buf[w.off:w.off+n], s)
	w.off += n
}

func (w *writer) u32(v uint32) {
	le.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *writer) u64(v uint64) {
	le.PutUint64(w.buf[w.off:], v)
	w.off += 8
}

func (w *writer) f64(v float64) { w.u64(math.Float64bits(v)) }

func (w *writer) level(l model.DepthLevel) {
	w.f64(l.Price)
	w.u32(uint32(l.Quantity))
	w.u32(uint32(l.Orders))
}
