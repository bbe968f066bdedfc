package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// reversalConfirmCount is how many consecutive worsening score observations
// trend-following requires before a score exit fires. Single-tick score noise
// must not flush an intact trend position.
const reversalConfirmCount = 2

// ExitOutcome is the result of executing one exit decision.
type ExitOutcome struct {
	Decision domain.ExitDecision
	Position domain.Position
	PnL      float64
	PnLRate  float64
	DryRun   bool
}

// ExitManager evaluates open positions against current prices and scores and
// executes the resulting exits. Rules run in fixed priority order; price
// protection (target, stop, trailing) always precedes time and score rules.
type ExitManager struct {
	positions *PositionManager
	prices    domain.PriceCache
	blacklist domain.DayBlacklist
	logger    *slog.Logger

	// scoreStreaks counts consecutive score-exit observations per position,
	// for strategies that demand confirmation before a score exit.
	mu           sync.Mutex
	scoreStreaks map[string]int
}

// NewExitManager creates an ExitManager over the position manager.
func NewExitManager(positions *PositionManager, prices domain.PriceCache, blacklist domain.DayBlacklist, logger *slog.Logger) *ExitManager {
	return &ExitManager{
		positions:    positions,
		prices:       prices,
		blacklist:    blacklist,
		logger:       logger.With(slog.String("component", "exit_manager")),
		scoreStreaks: map[string]int{},
	}
}

// CheckExitCondition evaluates the exit rules in fixed priority order and
// returns the first rule that fires:
//
//  1. price at or above target
//  2. price at or below stop
//  3. trailing stop set and price at or below it
//  4. max hold deadline reached
//  5. score dropped more than the strategy's exit drop below entry, or
//     below the configured hold floor
//
// currentScore is optional; pass nil when the symbol or the configured score
// version is absent from the snapshot and rule 5 is skipped.
func (e *ExitManager) CheckExitCondition(pos domain.Position, currentPrice float64, currentScore *float64, now time.Time) (bool, domain.ExitReason) {
	if currentPrice >= pos.TargetPrice {
		return true, domain.ExitReasonTarget
	}
	if currentPrice <= pos.StopPrice {
		return true, domain.ExitReasonStop
	}
	if pos.TrailingStop != nil && currentPrice <= *pos.TrailingStop {
		return true, domain.ExitReasonTrailing
	}
	if !now.Before(pos.MaxHoldUntil) {
		return true, domain.ExitReasonTime
	}
	if currentScore != nil && e.scoreExit(pos, *currentScore) {
		return true, domain.ExitReasonScore
	}
	return false, ""
}

// scoreExit applies rule 5. A breach is either a drop of ScoreExitDrop below
// the entry score or a score under the MinHoldScore floor. Trend-following
// overrides it with a stricter reversal check: the breach must be observed on
// consecutive evaluations before the exit fires.
func (e *ExitManager) scoreExit(pos domain.Position, currentScore float64) bool {
	drop := e.positions.Multipliers(pos.Strategy).ScoreExitDrop
	breached := currentScore < pos.EntryScore-drop
	if floor := e.positions.limits.MinHoldScore; floor > 0 && currentScore < floor {
		breached = true
	}

	if pos.Strategy != "trend_following" {
		return breached
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !breached {
		delete(e.scoreStreaks, pos.ID)
		return false
	}
	e.scoreStreaks[pos.ID]++
	return e.scoreStreaks[pos.ID] >= reversalConfirmCount
}

// CheckAllPositions evaluates every open position of the owner. Trailing
// stops are updated first so a freshly raised stop is evaluated in the same
// pass. Positions with no available price are skipped this cycle; missing
// data never forces an exit.
func (e *ExitManager) CheckAllPositions(ctx context.Context, ownerID string, snap domain.Snapshot, scoreVersion string) ([]domain.ExitDecision, error) {
	open, err := e.positions.GetOpenPositions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("service: check positions %s: %w", ownerID, err)
	}
	if len(open) == 0 {
		return nil, nil
	}

	symbols := make([]string, 0, len(open))
	for _, pos := range open {
		symbols = append(symbols, pos.Symbol)
	}
	ticks, err := e.prices.GetPrices(ctx, symbols)
	if err != nil {
		e.logger.Warn("price cache unavailable, falling back to snapshot prices",
			slog.String("error", err.Error()),
		)
		ticks = nil
	}

	now := time.Now()
	var decisions []domain.ExitDecision
	for _, pos := range open {
		price, ok := ticks[pos.Symbol]
		if !ok {
			if row, found := snap.Row(pos.Symbol); found {
				price = row.Price
			} else {
				e.logger.Debug("no price for position, skipping this cycle",
					slog.String("symbol", pos.Symbol),
					slog.String("position_id", pos.ID),
				)
				continue
			}
		}

		if updated, err := e.positions.UpdateTrailingStop(ctx, pos, price); err != nil {
			e.logger.Warn("trailing update failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		} else {
			pos.TrailingStop = updated
		}

		// Rule 5 needs a real observation: a row without the configured score
		// version yields nil, not zero, so missing data can never force an exit.
		var score *float64
		if row, found := snap.Row(pos.Symbol); found {
			if s, ok := row.Scores[scoreVersion]; ok {
				score = &s
			}
		}

		if exit, reason := e.CheckExitCondition(pos, price, score, now); exit {
			decisions = append(decisions, domain.ExitDecision{
				Position:     pos,
				CurrentPrice: price,
				Reason:       reason,
			})
		}
	}
	return decisions, nil
}

// ExecuteExits submits a sell order for each decision and closes the
// position on fill. A gateway failure leaves the position open for the next
// cycle; there is no retry loop here. In dry-run mode outcomes are simulated
// and nothing is mutated.
func (e *ExitManager) ExecuteExits(ctx context.Context, decisions []domain.ExitDecision, gateway domain.OrderGateway, dryRun bool) []ExitOutcome {
	outcomes := make([]ExitOutcome, 0, len(decisions))
	for _, dec := range decisions {
		pos := dec.Position
		pnl, rate := pos.PnLAt(dec.CurrentPrice)

		if dryRun {
			e.logger.Info("dry run: would exit",
				slog.String("symbol", pos.Symbol),
				slog.String("reason", string(dec.Reason)),
				slog.Float64("price", dec.CurrentPrice),
				slog.Float64("pnl", pnl),
			)
			outcomes = append(outcomes, ExitOutcome{Decision: dec, Position: pos, PnL: pnl, PnLRate: rate, DryRun: true})
			continue
		}

		result, err := gateway.PlaceOrder(ctx, domain.OrderRequest{
			OwnerID:  pos.OwnerID,
			Symbol:   pos.Symbol,
			Side:     domain.OrderSideSell,
			Quantity: pos.Quantity,
			Price:    dec.CurrentPrice,
			Type:     domain.OrderTypeMarket,
		})
		if err != nil || !result.Success {
			msg := result.Message
			if err != nil {
				msg = err.Error()
			}
			e.logger.Warn("exit order failed, position stays open",
				slog.String("symbol", pos.Symbol),
				slog.String("reason", string(dec.Reason)),
				slog.String("error", msg),
			)
			continue
		}

		exitPrice := result.FilledPrice
		if exitPrice <= 0 {
			exitPrice = dec.CurrentPrice
		}
		closed, err := e.positions.ClosePosition(ctx, pos.ID, exitPrice, dec.Reason)
		if err != nil && !errors.Is(err, domain.ErrPositionClosed) {
			e.logger.Error("order filled but close failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		e.mu.Lock()
		delete(e.scoreStreaks, pos.ID)
		e.mu.Unlock()

		if e.blacklist != nil {
			if err := e.blacklist.Add(ctx, pos.OwnerID, pos.Symbol); err != nil {
				e.logger.Warn("blacklist add failed",
					slog.String("symbol", pos.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}

		pnl, rate = closed.PnLAt(exitPrice)
		outcomes = append(outcomes, ExitOutcome{Decision: dec, Position: closed, PnL: pnl, PnLRate: rate})
	}
	return outcomes
}
