package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/stockpilot/stockpilot/internal/domain"
	"github.com/stockpilot/stockpilot/internal/notify"
	"github.com/stockpilot/stockpilot/internal/service"
	"github.com/stockpilot/stockpilot/internal/strategy"
)

// cycleState names the steps of one decision cycle, in execution order.
type cycleState string

const (
	stateIdle          cycleState = "idle"
	stateCheckingHours cycleState = "checking_hours"
	stateLoading       cycleState = "loading_snapshot"
	stateExits         cycleState = "processing_exits"
	stateEntries       cycleState = "processing_entries"
	stateNotifying     cycleState = "notifying"
	stateAborted       cycleState = "aborted"
)

// Options are the orchestrator's per-process tunables.
type Options struct {
	ScoreVersion     string
	CapitalPerSymbol float64
	SnapshotMaxAge   time.Duration
	CycleDeadline    time.Duration
	// DryRun evaluates and logs every decision without touching the gateway
	// or the position store on the entry side, and simulates exits.
	DryRun bool
	// DisableEntries runs the exit side only. Monitor mode sets this so an
	// operator can wind a book down without opening anything new.
	DisableEntries bool
}

// Orchestrator drives one owner's decision cycle through its state machine:
// market-hours gate, snapshot load and freshness check, exit processing,
// entry processing, then notification. Exits always complete before entries
// so a freed slot is usable in the same cycle.
type Orchestrator struct {
	calendar  *MarketCalendar
	snapshots domain.SnapshotSource
	engine    *strategy.Engine
	risk      *service.RiskManager
	positions *service.PositionManager
	exits     *service.ExitManager
	gateway   domain.OrderGateway
	blacklist domain.DayBlacklist
	notifier  *notify.Notifier
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator wires the cycle driver.
func NewOrchestrator(
	calendar *MarketCalendar,
	snapshots domain.SnapshotSource,
	engine *strategy.Engine,
	risk *service.RiskManager,
	positions *service.PositionManager,
	exits *service.ExitManager,
	gateway domain.OrderGateway,
	blacklist domain.DayBlacklist,
	notifier *notify.Notifier,
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		calendar:  calendar,
		snapshots: snapshots,
		engine:    engine,
		risk:      risk,
		positions: positions,
		exits:     exits,
		gateway:   gateway,
		blacklist: blacklist,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With(slog.String("component", "orchestrator")),
		now:       time.Now,
	}
}

// RunCycle executes one full decision cycle for the owner. The returned
// CycleResult is always populated, including on aborted cycles; the error is
// non-nil only for aborts (market closed is a skip, not an abort).
func (o *Orchestrator) RunCycle(ctx context.Context, ownerID string) (domain.CycleResult, error) {
	if o.opts.CycleDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.CycleDeadline)
		defer cancel()
	}

	res := domain.CycleResult{
		OwnerID:   ownerID,
		CycleID:   uuid.NewString(),
		DryRun:    o.opts.DryRun,
		StartedAt: o.now(),
	}
	logger := o.logger.With(
		slog.String("owner_id", ownerID),
		slog.String("cycle_id", res.CycleID),
	)

	// CHECKING_HOURS. Dry-run mode ignores the calendar so strategies can be
	// exercised off-hours.
	o.transition(logger, stateIdle, stateCheckingHours)
	if !o.calendar.IsOpen(res.StartedAt) && !o.opts.DryRun {
		res.Skipped = "market closed"
		res.FinishedAt = o.now()
		logger.Debug("market closed, skipping cycle",
			slog.Time("next_open", o.calendar.NextOpen(res.StartedAt)),
		)
		return res, nil
	}

	// LOADING_SNAPSHOT. Stale data must never drive order placement.
	o.transition(logger, stateCheckingHours, stateLoading)
	snap, err := o.snapshots.Latest(ctx)
	if err != nil {
		return o.abort(logger, res, fmt.Errorf("engine: load snapshot: %w", err))
	}
	if age := snap.Age(res.StartedAt); age > o.opts.SnapshotMaxAge {
		return o.abort(logger, res, fmt.Errorf("engine: snapshot age %s exceeds %s: %w",
			age.Round(time.Second), o.opts.SnapshotMaxAge, domain.ErrStaleSnapshot))
	}

	// PROCESSING_EXITS.
	o.transition(logger, stateLoading, stateExits)
	o.processExits(ctx, logger, ownerID, snap, &res)

	// PROCESSING_ENTRIES. Open positions are re-read after exits so freed
	// slots count.
	o.transition(logger, stateExits, stateEntries)
	if !o.opts.DisableEntries {
		o.processEntries(ctx, logger, ownerID, snap, &res)
	}

	// NOTIFYING. Best effort; a delivery failure never rolls back a trade.
	o.transition(logger, stateEntries, stateNotifying)
	res.FinishedAt = o.now()
	if o.notifier != nil {
		if err := o.notifier.CycleReport(ctx, res); err != nil {
			logger.Warn("cycle report delivery failed", slog.String("error", err.Error()))
		}
	}

	o.transition(logger, stateNotifying, stateIdle)
	return res, nil
}

func (o *Orchestrator) transition(logger *slog.Logger, from, to cycleState) {
	logger.Debug("state transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

func (o *Orchestrator) abort(logger *slog.Logger, res domain.CycleResult, err error) (domain.CycleResult, error) {
	res.Skipped = err.Error()
	res.FinishedAt = o.now()
	logger.Warn("cycle aborted", slog.String("error", err.Error()))
	o.transition(logger, stateLoading, stateAborted)
	return res, err
}

func (o *Orchestrator) processExits(ctx context.Context, logger *slog.Logger, ownerID string, snap domain.Snapshot, res *domain.CycleResult) {
	decisions, err := o.exits.CheckAllPositions(ctx, ownerID, snap, o.opts.ScoreVersion)
	if err != nil {
		// Exit evaluation failing must not block entries for symbols with no
		// open positions; record and move on.
		res.Errors = append(res.Errors, err.Error())
		logger.Error("exit evaluation failed", slog.String("error", err.Error()))
		return
	}
	if len(decisions) == 0 {
		return
	}

	outcomes := o.exits.ExecuteExits(ctx, decisions, o.gateway, o.opts.DryRun)
	for _, out := range outcomes {
		res.SellCount++
		res.SellAmount += out.Decision.CurrentPrice * float64(out.Position.Quantity)
		res.RealizedProfit += out.PnL
		if !out.DryRun && o.notifier != nil {
			if err := o.notifier.TradeReport(ctx, out.Position); err != nil {
				logger.Warn("trade report delivery failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (o *Orchestrator) processEntries(ctx context.Context, logger *slog.Logger, ownerID string, snap domain.Snapshot, res *domain.CycleResult) {
	open, err := o.positions.GetOpenPositions(ctx, ownerID)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		logger.Error("loading open positions failed", slog.String("error", err.Error()))
		return
	}
	held := make(map[string]bool, len(open))
	for _, pos := range open {
		held[pos.Symbol] = true
	}

	traded := map[string]bool{}
	if symbols, err := o.blacklist.Symbols(ctx, ownerID); err == nil {
		for _, s := range symbols {
			traded[s] = true
		}
	} else {
		logger.Warn("blacklist read failed", slog.String("error", err.Error()))
	}

	sctx := strategy.Context{
		OwnerID:      ownerID,
		ScoreVersion: o.opts.ScoreVersion,
		Snapshot:     snap,
		Held:         held,
		TradedToday:  traded,
		Now:          res.StartedAt,
	}

	perStrategy := o.engine.EvaluateAll(snap, sctx)
	best := o.engine.GetBestSignals(perStrategy)
	candidates := o.risk.FilterBuyCandidates(ctx, ownerID, best, snap, held)

	for _, sig := range candidates {
		if ok, reason := o.risk.CanTrade(ownerID); !ok {
			logger.Info("entry budget exhausted", slog.String("reason", reason))
			break
		}
		if err := o.positions.CheckPositionLimits(ctx, ownerID, sig.Strategy); err != nil {
			logger.Debug("position limits reject entry",
				slog.String("symbol", sig.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}

		qty := int64(math.Floor(o.opts.CapitalPerSymbol / sig.Price))
		if qty <= 0 {
			logger.Debug("capital per symbol below one share",
				slog.String("symbol", sig.Symbol),
				slog.Float64("price", sig.Price),
			)
			continue
		}

		if o.opts.DryRun {
			logger.Info("dry run: would enter",
				slog.String("symbol", sig.Symbol),
				slog.String("strategy", sig.Strategy),
				slog.Int64("quantity", qty),
				slog.Float64("price", sig.Price),
			)
			res.BuyCount++
			res.BuyAmount += sig.Price * float64(qty)
			continue
		}

		result, err := o.gateway.PlaceOrder(ctx, domain.OrderRequest{
			OwnerID:  ownerID,
			Symbol:   sig.Symbol,
			Side:     domain.OrderSideBuy,
			Quantity: qty,
			Price:    sig.Price,
			Type:     domain.OrderTypeMarket,
		})
		if err != nil || !result.Success {
			msg := result.Message
			if err != nil {
				msg = err.Error()
			}
			res.Errors = append(res.Errors, fmt.Sprintf("buy %s: %s", sig.Symbol, msg))
			logger.Warn("entry order failed",
				slog.String("symbol", sig.Symbol),
				slog.String("error", msg),
			)
			continue
		}

		fillPrice := result.FilledPrice
		if fillPrice <= 0 {
			fillPrice = sig.Price
		}
		row, _ := snap.Row(sig.Symbol)
		pos, err := o.positions.OpenPosition(ctx, service.OpenRequest{
			OwnerID:    ownerID,
			Symbol:     sig.Symbol,
			Strategy:   sig.Strategy,
			EntryPrice: fillPrice,
			Quantity:   qty,
			EntryScore: sig.Score,
			EntryATR:   estimateATR(row),
			OpenedAt:   o.now(),
		})
		if err != nil {
			// The order filled but the record failed; reconciliation picks
			// this up on the next startup pass.
			res.Errors = append(res.Errors, fmt.Sprintf("record %s: %v", sig.Symbol, err))
			logger.Error("order filled but position record failed",
				slog.String("symbol", sig.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}

		res.BuyCount++
		res.BuyAmount += fillPrice * float64(qty)
		held[sig.Symbol] = true
		if o.notifier != nil {
			if err := o.notifier.TradeReport(ctx, pos); err != nil {
				logger.Warn("trade report delivery failed", slog.String("error", err.Error()))
			}
		}
	}
}

// estimateATR derives a coarse volatility estimate from the day's range. The
// snapshot carries no true ATR; the day's absolute move relative to price is
// the best available proxy, and the exit-price floor covers quiet days.
func estimateATR(row domain.SnapshotRow) float64 {
	return row.Price * math.Abs(row.ChangePct) / 100
}
