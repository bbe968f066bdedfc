// Package engine drives the per-cycle decision loop: market-hours gating,
// snapshot freshness checks, exit processing, entry processing, and
// notification, on a fixed schedule with one in-flight cycle per owner.
package engine

import (
	"fmt"
	"time"
)

// MarketCalendar answers whether the market is open at a given instant. The
// trading window is a single daily session on weekdays, minus a configured
// holiday set.
type MarketCalendar struct {
	loc      *time.Location
	openMin  int // minutes from midnight
	closeMin int
	holidays map[string]bool // "2006-01-02" in loc
}

// NewMarketCalendar builds a calendar for the given timezone, session times
// in "HH:MM" form, and holiday dates in "2006-01-02" form.
func NewMarketCalendar(timezone, openTime, closeTime string, holidays []string) (*MarketCalendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("engine: load timezone %q: %w", timezone, err)
	}
	openMin, err := parseClock(openTime)
	if err != nil {
		return nil, fmt.Errorf("engine: open time: %w", err)
	}
	closeMin, err := parseClock(closeTime)
	if err != nil {
		return nil, fmt.Errorf("engine: close time: %w", err)
	}
	if closeMin <= openMin {
		return nil, fmt.Errorf("engine: close time %s not after open time %s", closeTime, openTime)
	}

	hset := make(map[string]bool, len(holidays))
	for _, d := range holidays {
		if _, err := time.ParseInLocation("2006-01-02", d, loc); err != nil {
			return nil, fmt.Errorf("engine: holiday %q: %w", d, err)
		}
		hset[d] = true
	}

	return &MarketCalendar{
		loc:      loc,
		openMin:  openMin,
		closeMin: closeMin,
		holidays: hset,
	}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// IsOpen reports whether the market is open at t. The session boundary is
// inclusive on both ends.
func (c *MarketCalendar) IsOpen(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if c.holidays[local.Format("2006-01-02")] {
		return false
	}
	min := local.Hour()*60 + local.Minute()
	return min >= c.openMin && min <= c.closeMin
}

// Location returns the market's timezone.
func (c *MarketCalendar) Location() *time.Location {
	return c.loc
}

// NextOpen returns the next instant the market opens at or after t. Used for
// log messages and scheduler idling only, so second precision is enough.
func (c *MarketCalendar) NextOpen(t time.Time) time.Time {
	local := t.In(c.loc)
	for i := 0; i < 14; i++ {
		day := local.AddDate(0, 0, i)
		open := time.Date(day.Year(), day.Month(), day.Day(), c.openMin/60, c.openMin%60, 0, 0, c.loc)
		if i == 0 && !local.Before(open) {
			continue
		}
		if open.Weekday() == time.Saturday || open.Weekday() == time.Sunday {
			continue
		}
		if c.holidays[open.Format("2006-01-02")] {
			continue
		}
		return open
	}
	// Two weeks of consecutive holidays would be a config error.
	return local.AddDate(0, 0, 14)
}
