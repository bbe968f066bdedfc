package domain

import (
	"sort"
	"time"
)

// SnapshotRow is one symbol's worth of scoring data in a snapshot.
type SnapshotRow struct {
	Symbol        string
	Name          string
	Price         float64
	Volume        int64
	VolumeRatio   float64 // today's volume vs trailing average
	TradingAmount float64
	ChangePct     float64
	SignalTags    []string
	Scores        map[string]float64 // keyed by score version, e.g. "v1", "v2"
}

// HasTag reports whether the row carries the given free-text signal tag.
func (r SnapshotRow) HasTag(tag string) bool {
	for _, t := range r.SignalTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Score returns the row's score for the given version, or 0 when absent.
func (r SnapshotRow) Score(version string) float64 {
	return r.Scores[version]
}

// Snapshot is one timestamped batch of per-symbol scoring data published by
// the external scorer. The engine treats it as read-only.
type Snapshot struct {
	FetchedAt time.Time
	Rows      map[string]SnapshotRow // keyed by symbol
}

// Age returns how old the snapshot is relative to now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Row returns the row for symbol and whether it exists.
func (s Snapshot) Row(symbol string) (SnapshotRow, bool) {
	r, ok := s.Rows[symbol]
	return r, ok
}

// Symbols returns all symbols present in the snapshot in sorted order, so
// callers that iterate rows produce the same candidate order every run.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Rows))
	for sym := range s.Rows {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
