package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockpilot/stockpilot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMultipliers() map[string]domain.StrategyMultipliers {
	return map[string]domain.StrategyMultipliers{
		"trend_following": {
			Target:        1.5,
			Stop:          0.8,
			Trailing:      1.0,
			TrailingPct:   0.03,
			MaxHoldDays:   5,
			MaxPositions:  3,
			ScoreExitDrop: 15,
		},
		"contrarian_bounce": {
			Target:        1.2,
			Stop:          0.6,
			Trailing:      0.8,
			TrailingPct:   0.02,
			MaxHoldDays:   2,
			MaxPositions:  2,
			ScoreExitDrop: 10,
		},
	}
}

func testLimits() domain.TradingLimits {
	return domain.TradingLimits{
		CapitalPerSymbol:  1_000_000,
		StopLossPct:       0.07,
		MaxDailyTrades:    10,
		MaxHoldings:       5,
		MinEntryScore:     60,
		MinVolumeRatio:    1.0,
		OverheatChangePct: 25,
	}
}

func newTestPositionManager(t *testing.T) (*PositionManager, *memPositionStore, *memAuditStore) {
	t.Helper()
	store := newMemPositionStore()
	audit := &memAuditStore{}
	counter := NewTradeCounter(time.UTC)
	pm := NewPositionManager(store, audit, testMultipliers(), testLimits(), counter, testLogger())
	return pm, store, audit
}

func TestCalculateExitPrices(t *testing.T) {
	mult := domain.StrategyMultipliers{Target: 1.5, Stop: 0.8, Trailing: 1.0}

	prices := CalculateExitPrices(10_000, 200, mult)
	assert.InDelta(t, 10_300, prices.Target, 1e-9)
	assert.InDelta(t, 9_840, prices.Stop, 1e-9)
	assert.InDelta(t, 10_200, prices.TrailingActivation, 1e-9)
}

func TestCalculateExitPricesATRFloor(t *testing.T) {
	mult := domain.StrategyMultipliers{Target: 1.5, Stop: 0.8, Trailing: 1.0}

	for _, atr := range []float64{0, -5} {
		prices := CalculateExitPrices(10_000, atr, mult)
		// Floor substitutes 3% of entry, here 300.
		assert.InDelta(t, 10_450, prices.Target, 1e-9)
		assert.InDelta(t, 9_760, prices.Stop, 1e-9)
	}

	// A small but positive ATR is used as-is, never floored up.
	prices := CalculateExitPrices(10_000, 10, mult)
	assert.InDelta(t, 10_015, prices.Target, 1e-9)
}

func TestOpenPositionDerivesExitLevels(t *testing.T) {
	pm, _, audit := newTestPositionManager(t)
	ctx := context.Background()

	pos, err := pm.OpenPosition(ctx, OpenRequest{
		OwnerID:    "acct-1",
		Symbol:     "005930",
		Strategy:   "trend_following",
		EntryPrice: 10_000,
		Quantity:   100,
		EntryScore: 82,
		EntryATR:   200,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, pos.ID)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.InDelta(t, 10_300, pos.TargetPrice, 1e-9)
	assert.InDelta(t, 9_840, pos.StopPrice, 1e-9)
	assert.Nil(t, pos.TrailingStop)
	assert.InDelta(t, 10_000, pos.TrailingHigh, 1e-9)
	assert.Equal(t, pos.OpenedAt.AddDate(0, 0, 5), pos.MaxHoldUntil)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "position_opened", audit.entries[0].Event)
}

func TestOpenPositionRejectsDuplicate(t *testing.T) {
	pm, _, _ := newTestPositionManager(t)
	ctx := context.Background()

	req := OpenRequest{
		OwnerID:    "acct-1",
		Symbol:     "005930",
		Strategy:   "trend_following",
		EntryPrice: 10_000,
		Quantity:   100,
		EntryScore: 82,
		EntryATR:   200,
	}
	_, err := pm.OpenPosition(ctx, req)
	require.NoError(t, err)

	_, err = pm.OpenPosition(ctx, req)
	assert.ErrorIs(t, err, domain.ErrDuplicatePosition)
}

func TestOpenPositionConcurrentSingleWinner(t *testing.T) {
	pm, store, _ := newTestPositionManager(t)
	ctx := context.Background()

	const goroutines = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pm.OpenPosition(ctx, OpenRequest{
				OwnerID:    "acct-1",
				Symbol:     "005930",
				Strategy:   "trend_following",
				EntryPrice: 10_000,
				Quantity:   10,
				EntryScore: 75,
				EntryATR:   150,
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	open, err := store.GetOpen(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestUpdateTrailingStop(t *testing.T) {
	pm, store, _ := newTestPositionManager(t)
	ctx := context.Background()

	pos, err := pm.OpenPosition(ctx, OpenRequest{
		OwnerID:    "acct-1",
		Symbol:     "005930",
		Strategy:   "trend_following",
		EntryPrice: 10_000,
		Quantity:   100,
		EntryScore: 82,
		EntryATR:   200,
	})
	require.NoError(t, err)

	// Below the activation level (10,200) nothing changes.
	stop, err := pm.UpdateTrailingStop(ctx, pos, 10_100)
	require.NoError(t, err)
	assert.Nil(t, stop)

	// Above activation, stop goes to high x (1 - 3%).
	stop, err = pm.UpdateTrailingStop(ctx, pos, 10_500)
	require.NoError(t, err)
	require.NotNil(t, stop)
	assert.InDelta(t, 10_500*0.97, *stop, 1e-9)

	// A lower price never lowers an existing stop.
	pos, err = store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	stop, err = pm.UpdateTrailingStop(ctx, pos, 10_250)
	require.NoError(t, err)
	require.NotNil(t, stop)
	assert.InDelta(t, 10_500*0.97, *stop, 1e-9)

	// A new high raises it again.
	pos, err = store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	stop, err = pm.UpdateTrailingStop(ctx, pos, 11_000)
	require.NoError(t, err)
	require.NotNil(t, stop)
	assert.InDelta(t, 11_000*0.97, *stop, 1e-9)
}

func TestClosePositionIdempotent(t *testing.T) {
	pm, _, audit := newTestPositionManager(t)
	ctx := context.Background()

	pos, err := pm.OpenPosition(ctx, OpenRequest{
		OwnerID:    "acct-1",
		Symbol:     "005930",
		Strategy:   "trend_following",
		EntryPrice: 10_000,
		Quantity:   100,
		EntryScore: 82,
		EntryATR:   200,
	})
	require.NoError(t, err)

	closed, err := pm.ClosePosition(ctx, pos.ID, 10_300, domain.ExitReasonTarget)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, closed.Status)
	require.NotNil(t, closed.RealizedPnL)
	assert.InDelta(t, 30_000, *closed.RealizedPnL, 1e-9)
	require.NotNil(t, closed.RealizedRate)
	assert.InDelta(t, 0.03, *closed.RealizedRate, 1e-9)

	// Second close succeeds without changing anything.
	again, err := pm.ClosePosition(ctx, pos.ID, 9_000, domain.ExitReasonStop)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, again.Status)
	require.NotNil(t, again.ClosePrice)
	assert.InDelta(t, 10_300, *again.ClosePrice, 1e-9)
	require.NotNil(t, again.CloseReason)
	assert.Equal(t, domain.ExitReasonTarget, *again.CloseReason)

	// One open, one close audit event; the replay adds nothing.
	assert.Len(t, audit.entries, 2)
}

func TestCheckPositionLimits(t *testing.T) {
	pm, _, _ := newTestPositionManager(t)
	ctx := context.Background()

	open := func(symbol, strategy string) {
		t.Helper()
		_, err := pm.OpenPosition(ctx, OpenRequest{
			OwnerID:    "acct-1",
			Symbol:     symbol,
			Strategy:   strategy,
			EntryPrice: 10_000,
			Quantity:   10,
			EntryScore: 80,
			EntryATR:   100,
		})
		require.NoError(t, err)
	}

	require.NoError(t, pm.CheckPositionLimits(ctx, "acct-1", "contrarian_bounce"))

	// contrarian_bounce caps at 2 concurrent positions.
	open("000001", "contrarian_bounce")
	open("000002", "contrarian_bounce")
	err := pm.CheckPositionLimits(ctx, "acct-1", "contrarian_bounce")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrDailyLimit)

	// A different strategy is still allowed.
	require.NoError(t, pm.CheckPositionLimits(ctx, "acct-1", "trend_following"))

	// Fill total holdings (cap 5).
	open("000003", "trend_following")
	open("000004", "trend_following")
	open("000005", "trend_following")
	err = pm.CheckPositionLimits(ctx, "acct-1", "trend_following")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrDailyLimit)
}

func TestCheckPositionLimitsDailyCap(t *testing.T) {
	store := newMemPositionStore()
	counter := NewTradeCounter(time.UTC)
	limits := testLimits()
	limits.MaxDailyTrades = 2
	pm := NewPositionManager(store, nil, testMultipliers(), limits, counter, testLogger())
	ctx := context.Background()

	counter.Seed("acct-1", 2)
	err := pm.CheckPositionLimits(ctx, "acct-1", "trend_following")
	assert.ErrorIs(t, err, domain.ErrDailyLimit)
}

func TestReconcileHoldingsClosesExternallySold(t *testing.T) {
	pm, store, _ := newTestPositionManager(t)
	ctx := context.Background()

	kept, err := pm.OpenPosition(ctx, OpenRequest{
		OwnerID: "acct-1", Symbol: "005930", Strategy: "trend_following",
		EntryPrice: 10_000, Quantity: 10, EntryScore: 80, EntryATR: 100,
	})
	require.NoError(t, err)
	sold, err := pm.OpenPosition(ctx, OpenRequest{
		OwnerID: "acct-1", Symbol: "000660", Strategy: "trend_following",
		EntryPrice: 50_000, Quantity: 5, EntryScore: 75, EntryATR: 500,
	})
	require.NoError(t, err)

	gw := &reconcileGateway{
		stubGateway: stubGateway{prices: map[string]float64{"000660": 52_000}},
		holdings:    []domain.Holding{{Symbol: "005930", Quantity: 10, AvgPrice: 10_000}},
	}
	require.NoError(t, pm.ReconcileHoldings(ctx, "acct-1", gw))

	p, err := store.GetByID(ctx, kept.ID)
	require.NoError(t, err)
	assert.True(t, p.IsOpen())

	p, err = store.GetByID(ctx, sold.ID)
	require.NoError(t, err)
	assert.False(t, p.IsOpen())
	require.NotNil(t, p.CloseReason)
	assert.Equal(t, domain.ExitReasonManual, *p.CloseReason)
	require.NotNil(t, p.ClosePrice)
	assert.InDelta(t, 52_000, *p.ClosePrice, 1e-9)
}

// reconcileGateway reports a fixed holdings list.
type reconcileGateway struct {
	stubGateway
	holdings []domain.Holding
}

func (g *reconcileGateway) GetOpenHoldings(_ context.Context, _ string) ([]domain.Holding, error) {
	return g.holdings, nil
}
