package markethours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"quotefeed/internal/model"
)

func at(y int, mo time.Month, d, h, m int) time.Time {
	return time.Date(y, mo, d, h, m, 0, 0, IST)
}

func TestIsOpen_PerSegment(t *testing.T) {
	c := New()
	wed := at(2026, time.October, 14, 16, 0) // Wednesday, after equity close

	assert.False(t, c.IsOpen(model.SegmentEquity, wed))
	assert.True(t, c.IsOpen(model.SegmentCurrency, wed))
	assert.True(t, c.IsOpen(model.SegmentCommodity, wed))
	assert.True(t, c.AnyOpen(wed))

	assert.True(t, c.IsOpen(model.SegmentEquity, at(2026, time.October, 14, 9, 15)))
	assert.False(t, c.IsOpen(model.SegmentEquity, at(2026, time.October, 14, 15, 30)))
	assert.False(t, c.IsOpen(model.Segment("UNKNOWN"), wed))
}

func TestIsOpen_WeekendAndHoliday(t *testing.T) {
	c := New()
	assert.False(t, c.AnyOpen(at(2026, time.October, 17, 11, 0)), "Saturday")
	assert.False(t, c.AnyOpen(at(2026, time.October, 2, 11, 0)), "Gandhi Jayanti")

	c.AddHoliday(at(2026, time.October, 15, 0, 0))
	assert.False(t, c.IsOpen(model.SegmentEquity, at(2026, time.October, 15, 11, 0)))
}

func TestIsOpen_ConvertsFromUTC(t *testing.T) {
	c := New()
	// 04:00 UTC is 09:30 IST.
	assert.True(t, c.IsOpen(model.SegmentEquity, time.Date(2026, time.October, 14, 4, 0, 0, 0, time.UTC)))
}

func TestNextOpen(t *testing.T) {
	c := New()
	// Friday evening rolls to Monday.
	next := c.NextOpen(model.SegmentEquity, at(2026, time.October, 16, 18, 0))
	assert.Equal(t, at(2026, time.October, 19, 9, 15), next)

	// Before the bell on a trading day returns today's open.
	next = c.NextOpen(model.SegmentCommodity, at(2026, time.October, 14, 8, 0))
	assert.Equal(t, at(2026, time.October, 14, 9, 0), next)

	// Monday Oct 19 is a trading day but Oct 20 (Dussehra) is not.
	next = c.NextOpen(model.SegmentEquity, at(2026, time.October, 19, 16, 0))
	assert.Equal(t, at(2026, time.October, 21, 9, 15), next)

	assert.True(t, c.NextOpen(model.Segment("X"), time.Now()).IsZero())
}

func TestStatusString(t *testing.T) {
	c := New()
	assert.Equal(t, "EQUITY open, closes in 1h30m", c.StatusString(model.SegmentEquity, at(2026, time.October, 14, 14, 0)))
	assert.Contains(t, c.StatusString(model.SegmentEquity, at(2026, time.October, 16, 18, 0)), "opens Mon 09:15")
}
