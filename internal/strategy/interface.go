// Package strategy contains the entry-signal strategies and the engine that
// runs them over a score snapshot. Strategies are pure: they read a snapshot
// row plus cycle context and return a signal, never touching stores or the
// gateway.
package strategy

import (
	"time"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// Context carries the per-cycle information strategies need to evaluate a
// snapshot row. It is built once per cycle by the orchestrator.
type Context struct {
	OwnerID      string
	ScoreVersion string
	// Snapshot is the full snapshot under evaluation, for strategies that
	// need cross-row lookups (leader-follower reads the leader's row).
	Snapshot domain.Snapshot
	// Held marks symbols with an open position; strategies never propose them.
	Held map[string]bool
	// TradedToday marks symbols already traded today (entries and exits).
	TradedToday map[string]bool
	Now         time.Time
}

// Excluded reports whether the symbol must not be proposed this cycle.
func (c Context) Excluded(symbol string) bool {
	return c.Held[symbol] || c.TradedToday[symbol]
}

// Strategy is the contract every entry strategy implements. Each concrete
// strategy documents its confidence bands: three non-overlapping ranges that
// map to BUY, HOLD, and SKIP.
type Strategy interface {
	// Name returns the strategy identifier used as the position's strategy tag.
	Name() string
	// Priority is the static rank used when two strategies propose the same
	// symbol; higher wins.
	Priority() int
	// MaxPositions caps concurrent positions attributed to this strategy.
	MaxPositions() int
	// FilterCandidates returns the snapshot rows worth evaluating, excluding
	// anything the context rules out.
	FilterCandidates(snap domain.Snapshot, sctx Context) []domain.SnapshotRow
	// Evaluate scores one candidate row and returns a signal whose Action is
	// BUY, HOLD, or SKIP according to the strategy's confidence bands.
	Evaluate(row domain.SnapshotRow, sctx Context) domain.Signal
}
