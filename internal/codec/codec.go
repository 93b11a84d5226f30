// Package codec decodes the venue's binary streaming frames into ticks.
//
// A frame is either a 2-byte little-endian record count followed by
// length-prefixed records, or bare length-prefixed records. Every record
// is uint16 length + payload, and the payload length selects the variant:
//
//	 22 bytes  LTP    segment[10] token u32 ltp f64
//	 62 bytes  OHLCV  + ltt i32, open/high/low/close f64, volume i32
//	266 bytes  FULL   + lut i32, ltq i64, atp f64, tbq i64, tsq i64, oi i64,
//	                    5 buy levels, 5 sell levels (price f64, qty i32, orders i32)
package codec

import (
	"encoding/binary"
	"log/slog"
	"math"
	"time"

	"quotefeed/internal/model"
)

const (
	LTPLen   = 22
	OHLCVLen = 62
	FullLen  = 266

	maxHeaderCount = 2000
	segmentLen     = 10
	depthLevelLen  = 16
	depthLevels    = 5
)

var le = binary.LittleEndian

// Decoder turns binary frames into ticks. The zero value is usable.
type Decoder struct {
	Logger *slog.Logger

	// OnDrop is called once per record that could not be decoded.
	OnDrop func(reason string, length int)
}

// NewDecoder returns a Decoder logging through logger.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{Logger: logger}
}

// Decode is a shorthand for (&Decoder{}).Decode(frame).
func Decode(frame []byte) []model.Tick {
	var d Decoder
	return d.Decode(frame)
}

// Decode parses every record in frame. Malformed records are dropped;
// Decode never panics and never fails the whole frame.
func (d *Decoder) Decode(frame []byte) []model.Tick {
	if len(frame) < 2 {
		if len(frame) > 0 {
			d.drop("short frame", len(frame))
		}
		return nil
	}

	off := 0
	limit := -1
	if n, ok := headerCount(frame); ok {
		off = 2
		limit = n
	}

	ticks := make([]model.Tick, 0, 4)
	for read := 0; off+2 <= len(frame) && (limit < 0 || read < limit); read++ {
		n := int(le.Uint16(frame[off:]))
		off += 2
		if off+n > len(frame) {
			d.drop("record overruns frame", n)
			return ticks
		}
		if t, ok := d.decodeRecord(frame[off : off+n]); ok {
			ticks = append(ticks, t)
		}
		off += n
	}
	if off < len(frame) && limit < 0 {
		d.drop("trailing bytes", len(frame)-off)
	}
	return ticks
}

// headerCount reports whether frame starts with a plausible record count:
// 1..2000 and every counted length-prefixed record fits in the frame.
func headerCount(frame []byte) (int, bool) {
	count := int(le.Uint16(frame))
	if count < 1 || count > maxHeaderCount {
		return 0, false
	}
	off := 2
	for i := 0; i < count; i++ {
		if off+2 > len(frame) {
			return 0, false
		}
		off += 2 + int(le.Uint16(frame[off:]))
		if off > len(frame) {
			return 0, false
		}
	}
	return count, true
}

func (d *Decoder) decodeRecord(p []byte) (model.Tick, bool) {
	switch len(p) {
	case LTPLen, OHLCVLen, FullLen:
	default:
		d.drop("unknown record length", len(p))
		return model.Tick{}, false
	}

	r := reader{buf: p}
	var t model.Tick
	t.SegmentCode = r.ascii(segmentLen)
	t.Segment, _ = model.SegmentFromCode(t.SegmentCode)
	t.Token = model.Token(r.u32())
	t.LastPrice = r.f64()
	t.Kind = model.TickLTP
	if len(p) == LTPLen {
		return t, true
	}

	ltt := epoch(r.i32())
	ohlc := model.OHLC{Open: r.f64(), High: r.f64(), Low: r.f64(), Close: r.f64()}
	vol := int64(r.i32())
	t.LastTradeTime = &ltt
	t.OHLC = &ohlc
	t.Volume = &vol
	t.Kind = model.TickOHLCV
	if len(p) == OHLCVLen {
		return t, true
	}

	lut := epoch(r.i32())
	ltq := r.i64()
	atp := r.f64()
	tbq := r.i64()
	tsq := r.i64()
	oi := r.i64()
	t.LastUpdateTime = &lut
	t.LastTradeQty = &ltq
	t.AvgTradePrice = &atp
	t.TotalBuyQty = &tbq
	t.TotalSellQty = &tsq
	t.OpenInterest = &oi

	var depth model.Depth
	for i := 0; i < depthLevels; i++ {
		depth.Buy[i] = r.level()
	}
	for i := 0; i < depthLevels; i++ {
		depth.Sell[i] = r.level()
	}
	t.Depth = &depth
	t.Kind = model.TickFull
	return t, true
}

func (d *Decoder) drop(reason string, n int) {
	if d.Logger != nil {
		d.Logger.Warn("tick record dropped", "reason", reason, "len", n)
	}
	if d.OnDrop != nil {
		d.OnDrop(reason, n)
	}
}

func epoch(sec int32) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}

// reader walks a record that decodeRecord has already length-checked.
type reader struct {
	buf []byte
	off int
}

func (r *reader) ascii(n int) string {
	b := r.buf[r.off : r.off+n]
	r.off += n
	end := 0
	for end < len(b) && b[end] != 0 {
		end++
	}
	return string(b[:end])
}

func (r *reader) u32() uint32 {
	v := le.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) i64() int64 {
	v := int64(le.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}

func (r *reader) f64() float64 {
	v := math.Float64frombits(le.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}

func (r *reader) level() model.DepthLevel {
	return model.DepthLevel{Price: r.f64(), Quantity: r.i32(), Orders: r.i32()}
}
