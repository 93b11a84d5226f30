package quotes

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed/internal/model"
	"quotefeed/pkg/marketapi"
)

// memArchive is an in-memory Archive.
type memArchive struct {
	saved map[string][]model.Candle
}

func (a *memArchive) SaveCandles(_ context.Context, key model.RoutingKey, res string, c []model.Candle) error {
	if a.saved == nil {
		a.saved = make(map[string][]model.Candle)
	}
	a.saved[key.String()+"/"+res] = c
	return nil
}

func (a *memArchive) ReadCandles(_ context.Context, key model.RoutingKey, res string, from, to time.Time) ([]model.Candle, error) {
	var out []model.Candle
	for _, c := range a.saved[key.String()+"/"+res] {
		if !c.TS.Before(from) && !c.TS.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestResolution(t *testing.T) {
	cases := map[string]string{"1m": "1", "5m": "5", "1h": "60", "1d": "D", "day": "D", "1w": "W", "1M": "M", "15": "15"}
	for in, want := range cases {
		got, ok := Resolution(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := Resolution("7m")
	assert.False(t, ok)
}

func TestGetHistoricalData_MapsRequest(t *testing.T) {
	h := newHarness(t)
	h.up.history = []marketapi.Candle{
		{TS: 1704067200, Open: 21700, High: 21850, Low: 21650, Close: 21800, Volume: 100},
	}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	got, err := h.o.GetHistoricalData(context.Background(), 35001, from, to, "1d")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].TS.Equal(from))
	assert.Equal(t, 21800.0, got[0].Close)

	require.Len(t, h.up.histReqs, 1)
	assert.Equal(t, marketapi.HistoryRequest{
		Exchange: "NSE_FO", Token: "35001", From: 1704067200, To: 1704153600, Resolution: "D",
	}, h.up.histReqs[0])
}

func TestGetHistoricalData_ValidatesInput(t *testing.T) {
	h := newHarness(t)
	now := time.Now()

	_, err := h.o.GetHistoricalData(context.Background(), 2885, now.Add(-time.Hour), now, "7m")
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = h.o.GetHistoricalData(context.Background(), 2885, now, now.Add(-time.Hour), "1m")
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.Empty(t, h.up.histReqs)
}

func TestGetHistoricalData_UnresolvedTokenIsEmpty(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	got, err := h.o.GetHistoricalData(context.Background(), 424242, now.Add(-time.Hour), now, "1m")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, h.up.histReqs)
}

func TestGetHistoricalData_ArchivesAndFallsBack(t *testing.T) {
	h := newHarness(t)
	archive := &memArchive{}
	h.o.archive = archive
	h.up.history = []marketapi.Candle{
		{TS: 1704067200, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{TS: 1704067260, Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 12},
	}
	from := time.Unix(1704067200, 0)
	to := time.Unix(1704067260, 0)

	first, err := h.o.GetHistoricalData(context.Background(), 2885, from, to, "1m")
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Len(t, archive.saved["NSE_EQ-2885/1"], 2)

	h.up.err = statusErr(http.StatusBadGateway)
	second, err := h.o.GetHistoricalData(context.Background(), 2885, from, to, "1m")
	require.NoError(t, err, "upstream failure is not a caller error")
	assert.Equal(t, first, second)
}
