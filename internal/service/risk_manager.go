package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// RiskManager applies the per-owner guardrails: daily trade budget, stop-loss
// and take-profit arithmetic, and entry candidate filtering. It is stateless
// per call except for the shared daily trade counter.
type RiskManager struct {
	limits    domain.TradingLimits
	counter   *TradeCounter
	blacklist domain.DayBlacklist
	logger    *slog.Logger
}

// NewRiskManager creates a RiskManager with the given limits.
func NewRiskManager(limits domain.TradingLimits, counter *TradeCounter, blacklist domain.DayBlacklist, logger *slog.Logger) *RiskManager {
	return &RiskManager{
		limits:    limits,
		counter:   counter,
		blacklist: blacklist,
		logger:    logger.With(slog.String("component", "risk_manager")),
	}
}

// CanTrade reports whether the owner has daily trade budget left.
func (r *RiskManager) CanTrade(ownerID string) (bool, string) {
	if n := r.counter.Count(ownerID); n >= r.limits.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade limit reached (%d/%d)", n, r.limits.MaxDailyTrades)
	}
	return true, ""
}

// RecordTrade counts one entry against the owner's daily budget.
func (r *RiskManager) RecordTrade(ownerID string) {
	r.counter.Record(ownerID)
}

// CheckStopLoss reports whether the loss rate has reached the configured
// stop-loss threshold. The boundary is inclusive: a rate of exactly
// -StopLossPct triggers.
func (r *RiskManager) CheckStopLoss(entryPrice, currentPrice float64) (bool, float64) {
	if entryPrice <= 0 {
		return false, 0
	}
	rate := (currentPrice - entryPrice) / entryPrice
	return rate <= -r.limits.StopLossPct, rate
}

// CheckTakeProfit reports whether the gain rate has reached the configured
// take-profit threshold. When no threshold is configured the check is
// disabled and always returns false; exits are then signal driven.
func (r *RiskManager) CheckTakeProfit(entryPrice, currentPrice float64) (bool, float64) {
	if entryPrice <= 0 {
		return false, 0
	}
	rate := (currentPrice - entryPrice) / entryPrice
	if r.limits.TakeProfitPct == nil {
		return false, rate
	}
	return rate >= *r.limits.TakeProfitPct, rate
}

// ValidateBuySignal applies the per-candidate entry checks in order:
// holdings capacity, minimum score, minimum volume ratio, then overheat
// suppression. Returns the first violated reason.
func (r *RiskManager) ValidateBuySignal(sig domain.Signal, row domain.SnapshotRow, currentHoldings int) (bool, string) {
	if currentHoldings >= r.limits.MaxHoldings {
		return false, fmt.Sprintf("holdings at capacity (%d/%d)", currentHoldings, r.limits.MaxHoldings)
	}
	if sig.Score < r.limits.MinEntryScore {
		return false, fmt.Sprintf("score %.1f below minimum %.1f", sig.Score, r.limits.MinEntryScore)
	}
	if row.VolumeRatio < r.limits.MinVolumeRatio {
		return false, fmt.Sprintf("volume ratio %.2f below minimum %.2f", row.VolumeRatio, r.limits.MinVolumeRatio)
	}
	if r.limits.OverheatChangePct > 0 && row.ChangePct >= r.limits.OverheatChangePct {
		return false, fmt.Sprintf("overheated, up %.1f%% on the day", row.ChangePct)
	}
	return true, ""
}

// FilterBuyCandidates narrows ranked signals to the entries actually allowed
// this cycle: held symbols and same-day blacklisted symbols are removed,
// then each remaining candidate is validated until the open-slot budget
// (maxHoldings minus current holdings) is filled.
func (r *RiskManager) FilterBuyCandidates(ctx context.Context, ownerID string, signals []domain.Signal, snap domain.Snapshot, held map[string]bool) []domain.Signal {
	budget := r.limits.MaxHoldings - len(held)
	if budget <= 0 {
		return nil
	}

	filtered := make([]domain.Signal, 0, budget)
	for _, sig := range signals {
		if len(filtered) >= budget {
			break
		}
		if held[sig.Symbol] {
			continue
		}
		blocked, err := r.blacklist.Contains(ctx, ownerID, sig.Symbol)
		if err != nil {
			// Fail closed: an unknown blacklist state must not let a
			// just-exited symbol back in.
			r.logger.Warn("blacklist lookup failed, skipping candidate",
				slog.String("symbol", sig.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		if blocked {
			r.logger.Debug("candidate blacklisted for the day",
				slog.String("symbol", sig.Symbol),
			)
			continue
		}

		row, _ := snap.Row(sig.Symbol)
		ok, reason := r.ValidateBuySignal(sig, row, len(held)+len(filtered))
		if !ok {
			r.logger.Debug("candidate rejected",
				slog.String("symbol", sig.Symbol),
				slog.String("reason", reason),
			)
			continue
		}
		filtered = append(filtered, sig)
	}
	return filtered
}

// Limits exposes the configured trading limits.
func (r *RiskManager) Limits() domain.TradingLimits {
	return r.limits
}
