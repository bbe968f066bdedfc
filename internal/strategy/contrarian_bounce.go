package strategy

import (
	"fmt"
	"log/slog"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// Confidence bands for ContrarianBounce: BUY >= 0.65, HOLD in [0.35, 0.65),
// SKIP below 0.35. Non-overlapping by construction.
const (
	bounceBuyBand  = 0.65
	bounceHoldBand = 0.35
)

// Tags the scorer attaches to oversold setups.
const (
	tagOversold      = "oversold"
	tagSupportLevel  = "support_level"
	tagSellingClimax = "selling_climax"
)

// ContrarianBounce buys symbols that have sold off sharply while their score
// holds up, betting on a short-lived rebound. Its change band is negative:
// MinChangePct is the deepest acceptable drop, MaxChangePct the shallowest.
type ContrarianBounce struct {
	params Params
	logger *slog.Logger
}

// NewContrarianBounce creates a ContrarianBounce strategy with the given tunables.
func NewContrarianBounce(params Params, logger *slog.Logger) *ContrarianBounce {
	return &ContrarianBounce{
		params: params,
		logger: logger.With(slog.String("strategy", "contrarian_bounce")),
	}
}

// Name returns the strategy identifier.
func (s *ContrarianBounce) Name() string { return "contrarian_bounce" }

// Priority returns the configured static priority.
func (s *ContrarianBounce) Priority() int { return s.params.Priority }

// MaxPositions returns the concurrent position cap for this strategy.
func (s *ContrarianBounce) MaxPositions() int { return s.params.MaxPositions }

// FilterCandidates keeps rows that fell into the configured drop band with a
// score that is still above the strategy floor. A collapsing score disqualifies
// the bounce thesis: the drop is then information, not opportunity.
func (s *ContrarianBounce) FilterCandidates(snap domain.Snapshot, sctx Context) []domain.SnapshotRow {
	var out []domain.SnapshotRow
	for _, sym := range snap.Symbols() {
		row := snap.Rows[sym]
		if sctx.Excluded(row.Symbol) {
			continue
		}
		if row.ChangePct < s.params.MinChangePct || row.ChangePct > s.params.MaxChangePct {
			continue
		}
		if row.Score(sctx.ScoreVersion) < s.params.MinScore {
			continue
		}
		if row.VolumeRatio < s.params.MinVolumeRatio {
			continue
		}
		out = append(out, row)
	}
	return out
}

// Evaluate accumulates confidence from drop depth, score resilience, and
// capitulation tags, then maps it onto the BUY/HOLD/SKIP bands.
func (s *ContrarianBounce) Evaluate(row domain.SnapshotRow, sctx Context) domain.Signal {
	score := row.Score(sctx.ScoreVersion)

	var reasons []string
	confidence := 0.0

	// Drop depth: deeper inside the band earns more, up to 0.40.
	band := s.params.MaxChangePct - s.params.MinChangePct
	if band > 0 {
		depth := (s.params.MaxChangePct - row.ChangePct) / band
		confidence += 0.40 * clamp01(depth)
	}
	reasons = append(reasons, fmt.Sprintf("drop %.1f%%", row.ChangePct))

	// Score resilience: up to 0.40 for a score from the floor to 100.
	if span := 100 - s.params.MinScore; span > 0 {
		confidence += 0.40 * clamp01((score-s.params.MinScore)/span)
	}
	reasons = append(reasons, fmt.Sprintf("score %.1f held (%s)", score, sctx.ScoreVersion))

	// Capitulation tags: 0.10 each, capped at 0.20.
	tagBonus := 0.0
	for _, tag := range []string{tagOversold, tagSupportLevel, tagSellingClimax} {
		if row.HasTag(tag) {
			tagBonus += 0.10
			reasons = append(reasons, "tag:"+tag)
		}
	}
	if tagBonus > 0.20 {
		tagBonus = 0.20
	}
	confidence += tagBonus

	confidence = clamp01(confidence)

	action := domain.ActionSkip
	switch {
	case confidence >= bounceBuyBand:
		action = domain.ActionBuy
	case confidence >= bounceHoldBand:
		action = domain.ActionHold
	}

	return domain.Signal{
		Symbol:     row.Symbol,
		Name:       row.Name,
		Action:     action,
		Score:      score,
		Confidence: confidence,
		Price:      row.Price,
		Reasons:    reasons,
		Strategy:   s.Name(),
		Priority:   s.params.Priority,
		CreatedAt:  sctx.Now,
	}
}
