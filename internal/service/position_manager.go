package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// atrFloorPct substitutes a volatility estimate when the supplied ATR is
// missing or degenerate. Derived from entry price so exit distances never
// collapse to zero.
const atrFloorPct = 0.03

// ExitPrices are the ATR-derived price levels computed at entry time.
type ExitPrices struct {
	Target             float64
	Stop               float64
	TrailingActivation float64
}

// CalculateExitPrices derives target, stop, and trailing-activation prices
// from the entry price and ATR. An ATR of zero or below is replaced by
// entryPrice x 3% so the bounds stay strictly ordered around the entry.
func CalculateExitPrices(entryPrice, atr float64, mult domain.StrategyMultipliers) ExitPrices {
	if atr <= 0 {
		atr = entryPrice * atrFloorPct
	}
	return ExitPrices{
		Target:             entryPrice + atr*mult.Target,
		Stop:               entryPrice - atr*mult.Stop,
		TrailingActivation: entryPrice + atr*mult.Trailing,
	}
}

// OpenRequest carries everything needed to record a filled entry.
type OpenRequest struct {
	OwnerID    string
	Symbol     string
	Strategy   string
	EntryPrice float64
	Quantity   int64
	EntryScore float64
	EntryATR   float64
	OpenedAt   time.Time
}

// PositionManager is the single writer for the position store. All mutations
// go through it; other components read through its query methods.
type PositionManager struct {
	store       domain.PositionStore
	audit       domain.AuditStore
	multipliers map[string]domain.StrategyMultipliers
	limits      domain.TradingLimits
	counter     *TradeCounter
	logger      *slog.Logger

	// openMu serializes OpenPosition per (owner, symbol). The database's
	// partial unique index is the backstop; this keeps the common path free
	// of constraint-violation noise.
	openMu   sync.Mutex
	openKeys map[string]*sync.Mutex
}

// NewPositionManager creates a PositionManager over the given store.
func NewPositionManager(
	store domain.PositionStore,
	audit domain.AuditStore,
	multipliers map[string]domain.StrategyMultipliers,
	limits domain.TradingLimits,
	counter *TradeCounter,
	logger *slog.Logger,
) *PositionManager {
	return &PositionManager{
		store:       store,
		audit:       audit,
		multipliers: multipliers,
		limits:      limits,
		counter:     counter,
		logger:      logger.With(slog.String("component", "position_manager")),
		openKeys:    map[string]*sync.Mutex{},
	}
}

// Multipliers returns the configured multipliers for the strategy tag, or a
// conservative default set when the tag is unknown (possible after a config
// change with positions still open under the old name).
func (m *PositionManager) Multipliers(strategy string) domain.StrategyMultipliers {
	if mult, ok := m.multipliers[strategy]; ok {
		return mult
	}
	return domain.StrategyMultipliers{
		Target:        1.0,
		Stop:          1.0,
		Trailing:      1.0,
		TrailingPct:   atrFloorPct,
		MaxHoldDays:   1,
		MaxPositions:  1,
		ScoreExitDrop: 20,
	}
}

func (m *PositionManager) keyLock(ownerID, symbol string) *sync.Mutex {
	m.openMu.Lock()
	defer m.openMu.Unlock()
	key := ownerID + "\x00" + symbol
	mu, ok := m.openKeys[key]
	if !ok {
		mu = &sync.Mutex{}
		m.openKeys[key] = mu
	}
	return mu
}

// OpenPosition records a filled entry. It fails with ErrDuplicatePosition
// when an open position already exists for (owner, symbol); the check runs
// under a per-key lock and the store's unique constraint catches any writer
// in another process.
func (m *PositionManager) OpenPosition(ctx context.Context, req OpenRequest) (domain.Position, error) {
	mu := m.keyLock(req.OwnerID, req.Symbol)
	mu.Lock()
	defer mu.Unlock()

	if _, err := m.store.GetOpenBySymbol(ctx, req.OwnerID, req.Symbol); err == nil {
		return domain.Position{}, fmt.Errorf("service: open %s/%s: %w", req.OwnerID, req.Symbol, domain.ErrDuplicatePosition)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Position{}, fmt.Errorf("service: open %s/%s: %w", req.OwnerID, req.Symbol, err)
	}

	mult := m.Multipliers(req.Strategy)
	prices := CalculateExitPrices(req.EntryPrice, req.EntryATR, mult)

	openedAt := req.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now()
	}

	pos := domain.Position{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		Symbol:       req.Symbol,
		Strategy:     req.Strategy,
		EntryPrice:   req.EntryPrice,
		Quantity:     req.Quantity,
		EntryScore:   req.EntryScore,
		EntryATR:     req.EntryATR,
		TargetPrice:  prices.Target,
		StopPrice:    prices.Stop,
		TrailingHigh: req.EntryPrice,
		Status:       domain.PositionStatusOpen,
		OpenedAt:     openedAt,
		MaxHoldUntil: openedAt.AddDate(0, 0, mult.MaxHoldDays),
	}

	if err := m.store.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("service: open %s/%s: %w", req.OwnerID, req.Symbol, err)
	}

	m.counter.Record(req.OwnerID)
	m.auditLog(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"owner_id":    pos.OwnerID,
		"symbol":      pos.Symbol,
		"strategy":    pos.Strategy,
		"entry_price": pos.EntryPrice,
		"quantity":    pos.Quantity,
		"target":      pos.TargetPrice,
		"stop":        pos.StopPrice,
	})
	m.logger.Info("position opened",
		slog.String("owner_id", pos.OwnerID),
		slog.String("symbol", pos.Symbol),
		slog.String("strategy", pos.Strategy),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Int64("quantity", pos.Quantity),
	)
	return pos, nil
}

// UpdateTrailingStop raises the trailing stop when currentPrice sets a new
// high-water mark above the activation level. The stop only ever moves up;
// a candidate at or below the stored stop is a no-op returning the stored
// value.
func (m *PositionManager) UpdateTrailingStop(ctx context.Context, pos domain.Position, currentPrice float64) (*float64, error) {
	mult := m.Multipliers(pos.Strategy)
	prices := CalculateExitPrices(pos.EntryPrice, pos.EntryATR, mult)

	if currentPrice < prices.TrailingActivation {
		return pos.TrailingStop, nil
	}

	high := pos.TrailingHigh
	if currentPrice > high {
		high = currentPrice
	}
	candidate := high * (1 - mult.TrailingPct)

	if pos.TrailingStop != nil && candidate <= *pos.TrailingStop {
		return pos.TrailingStop, nil
	}

	// The store repeats the monotonicity check in its WHERE clause, so a
	// concurrent raise cannot be undone here.
	if err := m.store.UpdateTrailing(ctx, pos.ID, candidate, high); err != nil {
		return pos.TrailingStop, fmt.Errorf("service: trailing %s: %w", pos.ID, err)
	}

	m.logger.Debug("trailing stop raised",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("trailing_stop", candidate),
		slog.Float64("trailing_high", high),
	)
	return &candidate, nil
}

// ClosePosition transitions the position to closed and records realized P&L.
// Closing an already-closed position succeeds without re-mutating.
func (m *PositionManager) ClosePosition(ctx context.Context, positionID string, exitPrice float64, reason domain.ExitReason) (domain.Position, error) {
	pos, err := m.store.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("service: close %s: %w", positionID, err)
	}
	if !pos.IsOpen() {
		return pos, nil
	}

	pnl, rate := pos.PnLAt(exitPrice)
	closedAt := time.Now()

	err = m.store.Close(ctx, positionID, exitPrice, reason, pnl, rate, closedAt)
	if errors.Is(err, domain.ErrPositionClosed) {
		// Lost a race with another closer; the position is closed, which is
		// what the caller asked for.
		return m.store.GetByID(ctx, positionID)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("service: close %s: %w", positionID, err)
	}

	pos.Status = domain.PositionStatusClosed
	pos.ClosedAt = &closedAt
	pos.ClosePrice = &exitPrice
	pos.CloseReason = &reason
	pos.RealizedPnL = &pnl
	pos.RealizedRate = &rate

	m.auditLog(ctx, "position_closed", map[string]any{
		"position_id": pos.ID,
		"owner_id":    pos.OwnerID,
		"symbol":      pos.Symbol,
		"reason":      string(reason),
		"exit_price":  exitPrice,
		"pnl":         pnl,
		"pnl_rate":    rate,
	})
	m.logger.Info("position closed",
		slog.String("owner_id", pos.OwnerID),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("pnl", pnl),
	)
	return pos, nil
}

// CheckPositionLimits reports whether a new entry for the strategy is
// currently allowed. Checks run strategy cap first, then total holdings,
// then the daily trade limit.
func (m *PositionManager) CheckPositionLimits(ctx context.Context, ownerID, strategy string) error {
	open, err := m.store.GetOpen(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("service: limits %s: %w", ownerID, err)
	}

	byStrategy := 0
	for _, pos := range open {
		if pos.Strategy == strategy {
			byStrategy++
		}
	}
	if max := m.Multipliers(strategy).MaxPositions; byStrategy >= max {
		return fmt.Errorf("service: strategy %s at position cap %d", strategy, max)
	}
	if len(open) >= m.limits.MaxHoldings {
		return fmt.Errorf("service: owner %s at holdings cap %d", ownerID, m.limits.MaxHoldings)
	}
	if m.counter.Count(ownerID) >= m.limits.MaxDailyTrades {
		return fmt.Errorf("service: owner %s at daily trade cap %d: %w", ownerID, m.limits.MaxDailyTrades, domain.ErrDailyLimit)
	}
	return nil
}

// GetOpenPositions returns the owner's open positions.
func (m *PositionManager) GetOpenPositions(ctx context.Context, ownerID string) ([]domain.Position, error) {
	return m.store.GetOpen(ctx, ownerID)
}

// GetPosition returns one position by id.
func (m *PositionManager) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	return m.store.GetByID(ctx, id)
}

// ListClosed returns closed position history.
func (m *PositionManager) ListClosed(ctx context.Context, ownerID string, opts domain.ListOpts) ([]domain.Position, error) {
	return m.store.ListClosed(ctx, ownerID, opts)
}

// GetPerformanceSummary aggregates closed-position results since the given
// time.
func (m *PositionManager) GetPerformanceSummary(ctx context.Context, ownerID string, since time.Time) (domain.PerformanceSummary, error) {
	return m.store.Performance(ctx, ownerID, since)
}

// ReconcileHoldings compares the store's open positions against the broker's
// reported holdings and closes positions the broker no longer holds (sold
// outside the engine) as manual exits at the current price.
func (m *PositionManager) ReconcileHoldings(ctx context.Context, ownerID string, gateway domain.OrderGateway) error {
	open, err := m.store.GetOpen(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("service: reconcile %s: %w", ownerID, err)
	}
	if len(open) == 0 {
		return nil
	}

	holdings, err := gateway.GetOpenHoldings(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("service: reconcile %s: %w", ownerID, err)
	}
	held := make(map[string]domain.Holding, len(holdings))
	for _, h := range holdings {
		held[h.Symbol] = h
	}

	for _, pos := range open {
		if h, ok := held[pos.Symbol]; ok && h.Quantity > 0 {
			continue
		}
		price, err := gateway.GetCurrentPrice(ctx, pos.Symbol)
		if err != nil {
			// Without a price the realized P&L would be fiction; try again
			// next reconciliation.
			m.logger.Warn("reconcile: no price for externally sold position",
				slog.String("symbol", pos.Symbol),
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, err := m.ClosePosition(ctx, pos.ID, price, domain.ExitReasonManual); err != nil {
			m.logger.Error("reconcile: close failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.logger.Info("reconciled externally sold position",
			slog.String("owner_id", ownerID),
			slog.String("symbol", pos.Symbol),
		)
	}
	return nil
}

func (m *PositionManager) auditLog(ctx context.Context, event string, detail map[string]any) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(ctx, event, detail); err != nil {
		m.logger.Warn("audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
