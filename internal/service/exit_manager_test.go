package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockpilot/stockpilot/internal/domain"
)

func newTestExitManager(t *testing.T) (*ExitManager, *PositionManager, *memPositionStore, *stubPriceCache, *stubBlacklist) {
	t.Helper()
	pm, store, _ := newTestPositionManager(t)
	prices := &stubPriceCache{}
	blacklist := &stubBlacklist{}
	em := NewExitManager(pm, prices, blacklist, testLogger())
	return em, pm, store, prices, blacklist
}

func openTestPosition(t *testing.T, pm *PositionManager, symbol, strategy string) domain.Position {
	t.Helper()
	pos, err := pm.OpenPosition(context.Background(), OpenRequest{
		OwnerID:    "acct-1",
		Symbol:     symbol,
		Strategy:   strategy,
		EntryPrice: 10_000,
		Quantity:   100,
		EntryScore: 80,
		EntryATR:   200,
	})
	require.NoError(t, err)
	return pos
}

func TestCheckExitConditionPriority(t *testing.T) {
	em, pm, _, _, _ := newTestExitManager(t)
	pos := openTestPosition(t, pm, "005930", "trend_following")
	// target 10,300 / stop 9,840
	now := time.Now()

	trailing := 10_400.0
	pos.TrailingStop = &trailing

	// Target outranks trailing even when both are breached.
	exit, reason := em.CheckExitCondition(pos, 10_350, nil, now)
	require.True(t, exit)
	assert.Equal(t, domain.ExitReasonTarget, reason)

	exit, reason = em.CheckExitCondition(pos, 9_800, nil, now)
	require.True(t, exit)
	assert.Equal(t, domain.ExitReasonStop, reason)

	exit, reason = em.CheckExitCondition(pos, 10_000, nil, now)
	require.True(t, exit)
	assert.Equal(t, domain.ExitReasonTrailing, reason)

	pos.TrailingStop = nil
	exit, _ = em.CheckExitCondition(pos, 10_000, nil, now)
	assert.False(t, exit)
}

func TestCheckExitConditionBoundaries(t *testing.T) {
	em, pm, _, _, _ := newTestExitManager(t)
	pos := openTestPosition(t, pm, "005930", "contrarian_bounce")
	now := time.Now()

	// Exactly at target triggers.
	exit, reason := em.CheckExitCondition(pos, pos.TargetPrice, nil, now)
	require.True(t, exit)
	assert.Equal(t, domain.ExitReasonTarget, reason)

	// Exactly at stop triggers.
	exit, reason = em.CheckExitCondition(pos, pos.StopPrice, nil, now)
	require.True(t, exit)
	assert.Equal(t, domain.ExitReasonStop, reason)

	// Strictly inside the band does not.
	exit, _ = em.CheckExitCondition(pos, (pos.TargetPrice+pos.StopPrice)/2, nil, now)
	assert.False(t, exit)
}

func TestCheckExitConditionTime(t *testing.T) {
	em, pm, _, _, _ := newTestExitManager(t)
	pos := openTestPosition(t, pm, "005930", "trend_following")

	exit, _ := em.CheckExitCondition(pos, 10_000, nil, pos.MaxHoldUntil.Add(-time.Minute))
	assert.False(t, exit)

	exit, reason := em.CheckExitCondition(pos, 10_000, nil, pos.MaxHoldUntil)
	require.True(t, exit)
	assert.Equal(t, domain.ExitReasonTime, reason)
}

func TestScoreExitPlainStrategy(t *testing.T) {
	em, pm, _, _, _ := newTestExitManager(t)
	// contrarian_bounce fires on the first breach (drop threshold 10).
	pos := openTestPosition(t, pm, "005930", "contrarian_bounce")
	now := time.Now()

	score := 71.0 // entry 80, drop 9: holds
	exit, _ := em.CheckExitCondition(pos, 10_000, &score, now)
	assert.False(t, exit)

	score = 69.0 // drop 11: fires immediately
	exit, reason := em.CheckExitCondition(pos, 10_000, &score, now)
	require.True(t, exit)
	assert.Equal(t, domain.ExitReasonScore, reason)
}

func TestScoreExitTrendNeedsConfirmation(t *testing.T) {
	em, pm, _, _, _ := newTestExitManager(t)
	// trend_following requires the breach on consecutive observations.
	pos := openTestPosition(t, pm, "005930", "trend_following")
	now := time.Now()

	low := 60.0 // entry 80, drop threshold 15

	exit, _ := em.CheckExitCondition(pos, 10_000, &low, now)
	assert.False(t, exit, "first breach observation must not exit")

	exit, reason := em.CheckExitCondition(pos, 10_000, &low, now)
	require.True(t, exit, "second consecutive breach must exit")
	assert.Equal(t, domain.ExitReasonScore, reason)
}

func TestScoreExitTrendStreakResets(t *testing.T) {
	em, pm, _, _, _ := newTestExitManager(t)
	pos := openTestPosition(t, pm, "005930", "trend_following")
	now := time.Now()

	low, ok := 60.0, 78.0

	exit, _ := em.CheckExitCondition(pos, 10_000, &low, now)
	assert.False(t, exit)

	// Recovery clears the streak.
	exit, _ = em.CheckExitCondition(pos, 10_000, &ok, now)
	assert.False(t, exit)

	// The next breach starts counting from one again.
	exit, _ = em.CheckExitCondition(pos, 10_000, &low, now)
	assert.False(t, exit)
	exit, _ = em.CheckExitCondition(pos, 10_000, &low, now)
	assert.True(t, exit)
}

func TestScoreExitHoldFloor(t *testing.T) {
	store := newMemPositionStore()
	limits := testLimits()
	limits.MinHoldScore = 75
	pm := NewPositionManager(store, &memAuditStore{}, testMultipliers(), limits, NewTradeCounter(time.UTC), testLogger())
	em := NewExitManager(pm, &stubPriceCache{}, &stubBlacklist{}, testLogger())

	// entry score 80, bounce drop threshold 70, hold floor 75
	pos := openTestPosition(t, pm, "005930", "contrarian_bounce")
	now := time.Now()

	score := 77.0 // above both the floor and the drop threshold
	exit, _ := em.CheckExitCondition(pos, 10_000, &score, now)
	assert.False(t, exit)

	score = 72.0 // above the drop threshold but under the floor
	exit, reason := em.CheckExitCondition(pos, 10_000, &score, now)
	require.True(t, exit)
	assert.Equal(t, domain.ExitReasonScore, reason)
}

func TestCheckAllPositionsSkipsWithoutPrice(t *testing.T) {
	em, pm, _, prices, _ := newTestExitManager(t)
	ctx := context.Background()

	openTestPosition(t, pm, "005930", "trend_following")
	priced := openTestPosition(t, pm, "000660", "trend_following")

	// Only 000660 has a tick, and it breaches the target; the snapshot has
	// neither symbol, so 005930 is skipped entirely.
	require.NoError(t, prices.SetPrice(ctx, "000660", 10_350, time.Now()))

	decisions, err := em.CheckAllPositions(ctx, "acct-1", domain.Snapshot{}, "v1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, priced.ID, decisions[0].Position.ID)
	assert.Equal(t, domain.ExitReasonTarget, decisions[0].Reason)
}

func TestCheckAllPositionsSnapshotPriceFallback(t *testing.T) {
	em, pm, _, _, _ := newTestExitManager(t)
	ctx := context.Background()

	pos := openTestPosition(t, pm, "005930", "trend_following")

	snap := domain.Snapshot{
		FetchedAt: time.Now(),
		Rows: map[string]domain.SnapshotRow{
			"005930": {Symbol: "005930", Price: 9_800, Scores: map[string]float64{"v1": 75}},
		},
	}

	decisions, err := em.CheckAllPositions(ctx, "acct-1", snap, "v1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, pos.ID, decisions[0].Position.ID)
	assert.Equal(t, domain.ExitReasonStop, decisions[0].Reason)
	assert.InDelta(t, 9_800, decisions[0].CurrentPrice, 1e-9)
}

func TestCheckAllPositionsIgnoresMissingScoreVersion(t *testing.T) {
	em, pm, _, _, _ := newTestExitManager(t)
	ctx := context.Background()

	pos := openTestPosition(t, pm, "005930", "contrarian_bounce")

	// The row is priced inside the target/stop band but carries only a v2
	// score. Evaluating under v1 must hold the position rather than treat
	// the absent version as a score of zero.
	snap := domain.Snapshot{
		FetchedAt: time.Now(),
		Rows: map[string]domain.SnapshotRow{
			"005930": {Symbol: "005930", Price: 10_050, Scores: map[string]float64{"v2": 65}},
		},
	}

	decisions, err := em.CheckAllPositions(ctx, "acct-1", snap, "v1")
	require.NoError(t, err)
	assert.Empty(t, decisions, "absent score version must not read as zero")

	// The same row under its own version is a real observation: 65 breaches
	// the bounce drop threshold (entry 80, drop 10).
	decisions, err = em.CheckAllPositions(ctx, "acct-1", snap, "v2")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, pos.ID, decisions[0].Position.ID)
	assert.Equal(t, domain.ExitReasonScore, decisions[0].Reason)
}

func TestExecuteExitsClosesAndBlacklists(t *testing.T) {
	em, pm, store, _, blacklist := newTestExitManager(t)
	ctx := context.Background()

	pos := openTestPosition(t, pm, "005930", "trend_following")
	gw := &stubGateway{}

	outcomes := em.ExecuteExits(ctx, []domain.ExitDecision{{
		Position:     pos,
		CurrentPrice: 10_350,
		Reason:       domain.ExitReasonTarget,
	}}, gw, false)

	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].DryRun)
	assert.InDelta(t, 35_000, outcomes[0].PnL, 1e-9)

	stored, err := store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsOpen())

	blocked, err := blacklist.Contains(ctx, "acct-1", "005930")
	require.NoError(t, err)
	assert.True(t, blocked)

	orders := gw.placed()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderSideSell, orders[0].Side)
	assert.Equal(t, domain.OrderTypeMarket, orders[0].Type)
	assert.Equal(t, int64(100), orders[0].Quantity)
}

func TestExecuteExitsGatewayFailureLeavesOpen(t *testing.T) {
	em, pm, store, _, blacklist := newTestExitManager(t)
	ctx := context.Background()

	pos := openTestPosition(t, pm, "005930", "trend_following")
	gw := &stubGateway{fail: true, failMsg: "exchange rejected"}

	outcomes := em.ExecuteExits(ctx, []domain.ExitDecision{{
		Position:     pos,
		CurrentPrice: 10_350,
		Reason:       domain.ExitReasonTarget,
	}}, gw, false)

	assert.Empty(t, outcomes)

	stored, err := store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOpen(), "failed sell must leave the position open")

	blocked, err := blacklist.Contains(ctx, "acct-1", "005930")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestExecuteExitsDryRun(t *testing.T) {
	em, pm, store, _, blacklist := newTestExitManager(t)
	ctx := context.Background()

	pos := openTestPosition(t, pm, "005930", "trend_following")
	gw := &stubGateway{}

	outcomes := em.ExecuteExits(ctx, []domain.ExitDecision{{
		Position:     pos,
		CurrentPrice: 10_350,
		Reason:       domain.ExitReasonTarget,
	}}, gw, true)

	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].DryRun)
	assert.InDelta(t, 35_000, outcomes[0].PnL, 1e-9)

	assert.Empty(t, gw.placed(), "dry run must not place orders")
	stored, err := store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOpen())

	blocked, err := blacklist.Contains(ctx, "acct-1", "005930")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestExecuteExitsUsesFilledPrice(t *testing.T) {
	em, pm, store, _, _ := newTestExitManager(t)
	ctx := context.Background()

	pos := openTestPosition(t, pm, "005930", "trend_following")
	gw := &fillGateway{fillPrice: 10_320}

	outcomes := em.ExecuteExits(ctx, []domain.ExitDecision{{
		Position:     pos,
		CurrentPrice: 10_350,
		Reason:       domain.ExitReasonTarget,
	}}, gw, false)

	require.Len(t, outcomes, 1)
	assert.InDelta(t, 32_000, outcomes[0].PnL, 1e-9)

	stored, err := store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ClosePrice)
	assert.InDelta(t, 10_320, *stored.ClosePrice, 1e-9)
}

// fillGateway fills every order at a fixed price.
type fillGateway struct {
	stubGateway
	fillPrice float64
}

func (g *fillGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	res, err := g.stubGateway.PlaceOrder(ctx, req)
	if err != nil {
		return res, err
	}
	res.FilledPrice = g.fillPrice
	return res, nil
}
