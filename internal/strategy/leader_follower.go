package strategy

import (
	"fmt"
	"log/slog"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// Confidence bands for LeaderFollower.
const (
	followerBuyBand  = 0.60
	followerHoldBand = 0.30
)

// LeaderFollowerConfig holds the correlation tunables on top of the common
// strategy params.
type LeaderFollowerConfig struct {
	Params
	// MinLeadPct is the minimum daily change the leader must show before a
	// follower setup is considered.
	MinLeadPct float64
	// MinGapPct is the minimum lag (leader change minus follower change)
	// required; a follower that already moved has nothing left to catch up.
	MinGapPct float64
	// ReversalFloor suppresses signals when the leader's change falls below
	// it: a leader rolling over invalidates the catch-up thesis.
	ReversalFloor float64
}

// LeaderFollower buys a lagging symbol after its correlated leader has
// already moved. Unlike the other strategies it needs two rows per decision,
// so candidate filtering looks the leader up in the same snapshot.
type LeaderFollower struct {
	cfg    LeaderFollowerConfig
	table  *CorrelationTable
	logger *slog.Logger
}

// NewLeaderFollower creates a LeaderFollower strategy backed by the given
// correlation table.
func NewLeaderFollower(cfg LeaderFollowerConfig, table *CorrelationTable, logger *slog.Logger) *LeaderFollower {
	return &LeaderFollower{
		cfg:    cfg,
		table:  table,
		logger: logger.With(slog.String("strategy", "leader_follower")),
	}
}

// Name returns the strategy identifier.
func (s *LeaderFollower) Name() string { return "leader_follower" }

// Priority returns the configured static priority.
func (s *LeaderFollower) Priority() int { return s.cfg.Priority }

// MaxPositions returns the concurrent position cap for this strategy.
func (s *LeaderFollower) MaxPositions() int { return s.cfg.MaxPositions }

// leaderRow resolves the follower's leader in the snapshot. Returns false
// when the symbol has no correlation entry or the leader is absent from the
// snapshot.
func (s *LeaderFollower) leaderRow(snap domain.Snapshot, follower string) (CorrelationPair, domain.SnapshotRow, bool) {
	pair, ok := s.table.LeaderOf(follower)
	if !ok {
		return CorrelationPair{}, domain.SnapshotRow{}, false
	}
	leader, ok := snap.Row(pair.Leader)
	if !ok {
		return CorrelationPair{}, domain.SnapshotRow{}, false
	}
	return pair, leader, true
}

// FilterCandidates keeps followers whose leader has moved at least MinLeadPct,
// who lag the leader by at least MinGapPct, and whose own score qualifies.
// A leader trading below the reversal floor drops the follower entirely.
func (s *LeaderFollower) FilterCandidates(snap domain.Snapshot, sctx Context) []domain.SnapshotRow {
	var out []domain.SnapshotRow
	for _, sym := range snap.Symbols() {
		row := snap.Rows[sym]
		if sctx.Excluded(row.Symbol) {
			continue
		}
		if row.Score(sctx.ScoreVersion) < s.cfg.MinScore {
			continue
		}
		_, leader, ok := s.leaderRow(snap, row.Symbol)
		if !ok {
			continue
		}
		if leader.ChangePct < s.cfg.MinLeadPct {
			continue
		}
		if leader.ChangePct-row.ChangePct < s.cfg.MinGapPct {
			continue
		}
		// Leader reversal: the gap stops being an opportunity once the
		// leader itself is coming off.
		if leader.ChangePct < s.cfg.ReversalFloor {
			continue
		}
		out = append(out, row)
	}
	return out
}

// Evaluate weighs the leader's strength, the remaining gap, and correlation
// strength, then maps confidence onto the BUY/HOLD/SKIP bands.
func (s *LeaderFollower) Evaluate(row domain.SnapshotRow, sctx Context) domain.Signal {
	score := row.Score(sctx.ScoreVersion)

	signal := domain.Signal{
		Symbol:    row.Symbol,
		Name:      row.Name,
		Action:    domain.ActionSkip,
		Score:     score,
		Price:     row.Price,
		Strategy:  s.Name(),
		Priority:  s.cfg.Priority,
		CreatedAt: sctx.Now,
	}

	pair, leader, ok := s.leaderRow(sctx.Snapshot, row.Symbol)
	if !ok {
		signal.Reasons = []string{"no leader in snapshot"}
		return signal
	}
	if leader.ChangePct < s.cfg.ReversalFloor {
		signal.Reasons = []string{fmt.Sprintf("leader %s reversed (%.2f%%)", pair.Leader, leader.ChangePct)}
		return signal
	}

	var reasons []string
	confidence := 0.0

	// Leader strength: up to 0.35 from MinLeadPct to 3x that.
	if s.cfg.MinLeadPct > 0 {
		leadSpan := s.cfg.MinLeadPct * 2
		confidence += 0.35 * clamp01((leader.ChangePct-s.cfg.MinLeadPct)/leadSpan)
	}
	reasons = append(reasons, fmt.Sprintf("leader %s +%.2f%%", pair.Leader, leader.ChangePct))

	// Remaining gap: up to 0.35 from MinGapPct to 3x that.
	gap := leader.ChangePct - row.ChangePct
	if s.cfg.MinGapPct > 0 {
		gapSpan := s.cfg.MinGapPct * 2
		confidence += 0.35 * clamp01((gap-s.cfg.MinGapPct)/gapSpan)
	}
	reasons = append(reasons, fmt.Sprintf("gap %.2f%%", gap))

	// Correlation strength: up to 0.30 scaled by the table's pair strength.
	confidence += 0.30 * clamp01(pair.Strength)
	reasons = append(reasons, fmt.Sprintf("correlation %.2f", pair.Strength))

	confidence = clamp01(confidence)

	switch {
	case confidence >= followerBuyBand:
		signal.Action = domain.ActionBuy
	case confidence >= followerHoldBand:
		signal.Action = domain.ActionHold
	}
	signal.Confidence = confidence
	signal.Reasons = reasons
	return signal
}
