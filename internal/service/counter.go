// Package service contains the decision services that sit between the
// strategy layer and the stores: position lifecycle, risk checks, and exit
// evaluation. Services hold no business state beyond in-process counters;
// everything durable lives behind the domain store interfaces.
package service

import (
	"sync"
	"time"
)

// TradeCounter counts entries per owner per trading day. The count is
// in-process and resets lazily at local midnight; the database remains the
// source of truth across restarts, so the counter only needs to be
// conservative within one process lifetime.
type TradeCounter struct {
	mu     sync.Mutex
	loc    *time.Location
	day    string
	counts map[string]int
	now    func() time.Time
}

// NewTradeCounter creates a counter that rolls over at midnight in loc.
func NewTradeCounter(loc *time.Location) *TradeCounter {
	return &TradeCounter{
		loc:    loc,
		counts: map[string]int{},
		now:    time.Now,
	}
}

func (c *TradeCounter) rollover() {
	day := c.now().In(c.loc).Format("2006-01-02")
	if day != c.day {
		c.day = day
		c.counts = map[string]int{}
	}
}

// Record increments the owner's trade count for today.
func (c *TradeCounter) Record(ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	c.counts[ownerID]++
}

// Count returns the owner's trade count for today.
func (c *TradeCounter) Count(ownerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	return c.counts[ownerID]
}

// Seed sets the owner's count for today, used after loading today's trades
// from the store at startup.
func (c *TradeCounter) Seed(ownerID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	c.counts[ownerID] = n
}
