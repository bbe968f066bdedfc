package strategy

import (
	"fmt"
	"log/slog"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// Confidence bands for TrendFollowing. The three bands are non-overlapping:
// BUY at or above buyBand, HOLD between holdBand and buyBand, SKIP below
// holdBand.
const (
	trendBuyBand  = 0.70
	trendHoldBand = 0.40
)

// Signal tags the external scorer attaches to momentum names. Tag text is
// part of the snapshot contract.
const (
	tagMomentum      = "momentum"
	tagVolumeSurge   = "volume_surge"
	tagNewHigh       = "new_high"
	tagInstitutional = "institutional_buying"
)

// TrendFollowing buys symbols whose score, daily change, and volume confirm
// an established move. It is the highest-priority strategy by default: when
// momentum and a bounce setup collide on one symbol, momentum wins.
type TrendFollowing struct {
	params Params
	logger *slog.Logger
}

// NewTrendFollowing creates a TrendFollowing strategy with the given tunables.
func NewTrendFollowing(params Params, logger *slog.Logger) *TrendFollowing {
	return &TrendFollowing{
		params: params,
		logger: logger.With(slog.String("strategy", "trend_following")),
	}
}

// Name returns the strategy identifier.
func (s *TrendFollowing) Name() string { return "trend_following" }

// Priority returns the configured static priority.
func (s *TrendFollowing) Priority() int { return s.params.Priority }

// MaxPositions returns the concurrent position cap for this strategy.
func (s *TrendFollowing) MaxPositions() int { return s.params.MaxPositions }

// FilterCandidates keeps rows with a qualifying score, a daily change inside
// the configured band (up, but not parabolic), and confirming volume.
func (s *TrendFollowing) FilterCandidates(snap domain.Snapshot, sctx Context) []domain.SnapshotRow {
	var out []domain.SnapshotRow
	for _, sym := range snap.Symbols() {
		row := snap.Rows[sym]
		if sctx.Excluded(row.Symbol) {
			continue
		}
		if row.Score(sctx.ScoreVersion) < s.params.MinScore {
			continue
		}
		if row.ChangePct < s.params.MinChangePct || row.ChangePct > s.params.MaxChangePct {
			continue
		}
		if row.VolumeRatio < s.params.MinVolumeRatio {
			continue
		}
		out = append(out, row)
	}
	return out
}

// Evaluate accumulates confidence from score strength, confirming tags, and
// volume, then maps it onto the BUY/HOLD/SKIP bands.
func (s *TrendFollowing) Evaluate(row domain.SnapshotRow, sctx Context) domain.Signal {
	score := row.Score(sctx.ScoreVersion)

	var reasons []string
	confidence := 0.0

	// Score strength: up to 0.45 for a score from MinScore to 100.
	if span := 100 - s.params.MinScore; span > 0 {
		confidence += 0.45 * clamp01((score-s.params.MinScore)/span)
	}
	reasons = append(reasons, fmt.Sprintf("score %.1f (%s)", score, sctx.ScoreVersion))

	// Confirming tags: 0.10 each, capped at 0.30.
	tagBonus := 0.0
	for _, tag := range []string{tagMomentum, tagVolumeSurge, tagNewHigh, tagInstitutional} {
		if row.HasTag(tag) {
			tagBonus += 0.10
			reasons = append(reasons, "tag:"+tag)
		}
	}
	if tagBonus > 0.30 {
		tagBonus = 0.30
	}
	confidence += tagBonus

	// Volume confirmation: up to 0.25 from MinVolumeRatio to 3x that.
	if s.params.MinVolumeRatio > 0 {
		volSpan := s.params.MinVolumeRatio * 2
		confidence += 0.25 * clamp01((row.VolumeRatio-s.params.MinVolumeRatio)/volSpan)
		reasons = append(reasons, fmt.Sprintf("volume ratio %.2f", row.VolumeRatio))
	}

	confidence = clamp01(confidence)

	action := domain.ActionSkip
	switch {
	case confidence >= trendBuyBand:
		action = domain.ActionBuy
	case confidence >= trendHoldBand:
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

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
