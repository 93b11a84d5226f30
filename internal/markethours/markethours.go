// Package markethours answers whether a venue segment is trading at a given
// instant. All sessions are expressed in IST.
package markethours

import (
	"fmt"
	"time"

	"quotefeed/internal/model"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Window is one segment's daily session, in minutes after midnight IST.
type Window struct {
	Open  int
	Close int
}

func hm(h, m int) int { return h*60 + m }

// DefaultWindows are the regular sessions per segment.
var DefaultWindows = map[model.Segment]Window{
	model.SegmentEquity:      {Open: hm(9, 15), Close: hm(15, 30)},
	model.SegmentDerivatives: {Open: hm(9, 15), Close: hm(15, 30)},
	model.SegmentCurrency:    {Open: hm(9, 0), Close: hm(17, 0)},
	model.SegmentCommodity:   {Open: hm(9, 0), Close: hm(23, 30)},
}

// Calendar combines segment windows with the holiday list.
type Calendar struct {
	windows  map[model.Segment]Window
	holidays map[string]bool
}

// New returns a Calendar with DefaultWindows and the built-in holidays.
func New() *Calendar {
	c := &Calendar{
		windows:  make(map[model.Segment]Window, len(DefaultWindows)),
		holidays: make(map[string]bool, len(holidays)),
	}
	for seg, w := range DefaultWindows {
		c.windows[seg] = w
	}
	for _, d := range holidays {
		c.holidays[d] = true
	}
	return c
}

// AddHoliday marks the IST calendar date of t as closed for every segment.
func (c *Calendar) AddHoliday(t time.Time) {
	c.holidays[dateKey(t)] = true
}

// IsHoliday reports whether t's IST date is a trading holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	return c.holidays[dateKey(t)]
}

// IsTradingDay reports whether t is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd != time.Saturday && wd != time.Sunday && !c.IsHoliday(t)
}

// IsOpen reports whether seg is inside its session at t.
func (c *Calendar) IsOpen(seg model.Segment, t time.Time) bool {
	w, ok := c.windows[seg]
	if !ok || !c.IsTradingDay(t) {
		return false
	}
	ist := t.In(IST)
	m := ist.Hour()*60 + ist.Minute()
	return m >= w.Open && m < w.Close
}

// AnyOpen reports whether at least one segment is trading at t.
func (c *Calendar) AnyOpen(t time.Time) bool {
	for seg := range c.windows {
		if c.IsOpen(seg, t) {
			return true
		}
	}
	return false
}

// NextOpen returns the next session start for seg at or after t.
// Returns the zero time if seg is unknown.
func (c *Calendar) NextOpen(seg model.Segment, t time.Time) time.Time {
	w, ok := c.windows[seg]
	if !ok {
		return time.Time{}
	}
	ist := t.In(IST)
	day := time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, IST)
	for i := 0; i < 15; i++ { // weekends plus the longest holiday run
		open := day.Add(time.Duration(w.Open) * time.Minute)
		if c.IsTradingDay(day) && !open.Before(ist) {
			return open
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

// StatusString returns a human-readable status for seg.
func (c *Calendar) StatusString(seg model.Segment, t time.Time) string {
	if c.IsOpen(seg, t) {
		w := c.windows[seg]
		ist := t.In(IST)
		closeAt := time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, IST).Add(time.Duration(w.Close) * time.Minute)
		return fmt.Sprintf("%s open, closes in %s", seg, fmtDur(closeAt.Sub(ist)))
	}
	next := c.NextOpen(seg, t)
	if next.IsZero() {
		return fmt.Sprintf("%s closed", seg)
	}
	return fmt.Sprintf("%s closed, opens %s %s (%s)",
		seg, next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

func dateKey(t time.Time) string {
	return t.In(IST).Format("2006-01-02")
}
