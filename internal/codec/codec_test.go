package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed/internal/model"
)

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }
func ts(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

func fullTick() model.Tick {
	depth := model.Depth{}
	for i := 0; i < 5; i++ {
		depth.Buy[i] = model.DepthLevel{Price: 100 - float64(i)*0.05, Quantity: int32(10 * (i + 1)), Orders: int32(i + 1)}
		depth.Sell[i] = model.DepthLevel{Price: 100.05 + float64(i)*0.05, Quantity: int32(20 * (i + 1)), Orders: int32(i + 2)}
	}
	return model.Tick{
		Token:          35001,
		Segment:        model.SegmentDerivatives,
		SegmentCode:    "NSE_FO",
		Kind:           model.TickFull,
		LastPrice:      100.0,
		LastTradeTime:  ts(1700000000),
		OHLC:           &model.OHLC{Open: 98.5, High: 101.25, Low: 97.75, Close: 99.5},
		Volume:         i64(123456),
		LastUpdateTime: ts(1700000001),
		LastTradeQty:   i64(75),
		AvgTradePrice:  f64(99.87),
		TotalBuyQty:    i64(900000),
		TotalSellQty:   i64(850000),
		OpenInterest:   i64(4200000),
		Depth:          &depth,
	}
}

func TestDecode_LTPRoundTrip(t *testing.T) {
	in := model.Tick{Token: 2885, Segment: model.SegmentEquity, SegmentCode: "NSE_EQ", Kind: model.TickLTP, LastPrice: 2456.35}
	rec := EncodeRecord(in)
	require.Len(t, rec, LTPLen)

	ticks := Decode(EncodeFrame([][]byte{rec}, false))
	require.Len(t, ticks, 1)
	got := ticks[0]
	assert.Equal(t, in, got)
	assert.Nil(t, got.OHLC, "22-byte record must not carry OHLC")
	assert.Nil(t, got.Depth, "22-byte record must not carry depth")
	assert.Nil(t, got.Volume)
}

func TestDecode_OHLCVRoundTrip(t *testing.T) {
	in := model.Tick{
		Token:         234230,
		Segment:       model.SegmentCommodity,
		SegmentCode:   "MCX_FO",
		Kind:          model.TickOHLCV,
		LastPrice:     71234.5,
		LastTradeTime: ts(1700000123),
		OHLC:          &model.OHLC{Open: 71000, High: 71500, Low: 70900, Close: 71100},
		Volume:        i64(4321),
	}
	rec := EncodeRecord(in)
	require.Len(t, rec, OHLCVLen)

	ticks := Decode(EncodeFrame([][]byte{rec}, true))
	require.Len(t, ticks, 1)
	assert.Equal(t, in, ticks[0])
	assert.Nil(t, ticks[0].Depth)
}

func TestDecode_FullRoundTrip(t *testing.T) {
	in := fullTick()
	rec := EncodeRecord(in)
	require.Len(t, rec, FullLen)

	ticks := Decode(EncodeFrame([][]byte{rec}, true))
	require.Len(t, ticks, 1)
	got := ticks[0]
	assert.Equal(t, in, got)
	require.NotNil(t, got.Depth)
	assert.Len(t, got.Depth.Buy, 5)
	assert.Len(t, got.Depth.Sell, 5)
}

func TestDecode_HeaderAndBareAgree(t *testing.T) {
	recs := [][]byte{
		EncodeRecord(model.Tick{Token: 1, SegmentCode: "NSE_EQ", Kind: model.TickLTP, LastPrice: 10}),
		EncodeRecord(fullTick()),
		EncodeRecord(model.Tick{Token: 3, SegmentCode: "NSE_CD", Kind: model.TickLTP, LastPrice: 83.1}),
	}
	withHeader := Decode(EncodeFrame(recs, true))
	bare := Decode(EncodeFrame(recs, false))
	require.Len(t, withHeader, 3)
	assert.Equal(t, withHeader, bare)
	assert.Equal(t, model.SegmentCurrency, bare[2].Segment)
}

func TestDecode_IsPure(t *testing.T) {
	frame := EncodeFrame([][]byte{EncodeRecord(fullTick())}, true)
	assert.Equal(t, Decode(frame), Decode(frame))
}

func TestDecode_DropsUnknownLength(t *testing.T) {
	var drops []int
	d := &Decoder{OnDrop: func(reason string, n int) { drops = append(drops, n) }}

	good := EncodeRecord(model.Tick{Token: 7, SegmentCode: "NSE_EQ", Kind: model.TickLTP, LastPrice: 1})
	odd := make([]byte, 30)
	for i := range odd {
		odd[i] = 'A'
	}
	ticks := d.Decode(EncodeFrame([][]byte{odd, good}, false))

	require.Len(t, ticks, 1, "the valid record after a malformed one must still decode")
	assert.Equal(t, model.Token(7), ticks[0].Token)
	assert.Equal(t, []int{30}, drops)
}

func TestDecode_TruncatedFrameDoesNotPanic(t *testing.T) {
	frame := EncodeFrame([][]byte{EncodeRecord(fullTick())}, false)
	for cut := 0; cut < len(frame); cut++ {
		assert.NotPanics(t, func() { Decode(frame[:cut]) })
	}
	assert.Empty(t, Decode(frame[:100]))
}

func TestDecode_UnknownSegmentCodeKeepsRawCode(t *testing.T) {
	rec := EncodeRecord(model.Tick{Token: 9, SegmentCode: "BSE_EQ", Kind: model.TickLTP, LastPrice: 5})
	ticks := Decode(EncodeFrame([][]byte{rec}, false))
	require.Len(t, ticks, 1)
	assert.Equal(t, "BSE_EQ", ticks[0].SegmentCode)
	assert.Equal(t, model.Segment(""), ticks[0].Segment)
}
