package paper

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

// stubPrices serves fixed tick prices.
type stubPrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

var _ domain.PriceCache = (*stubPrices)(nil)

func (c *stubPrices) SetPrice(_ context.Context, symbol string, price float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices == nil {
		c.prices = map[string]float64{}
	}
	c.prices[symbol] = price
	return nil
}

func (c *stubPrices) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func (c *stubPrices) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]float64{}
	for _, s := range symbols {
		if p, ok := c.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

// stubSnapshots serves one fixed snapshot.
type stubSnapshots struct {
	snap domain.Snapshot
}

var _ domain.SnapshotSource = (*stubSnapshots)(nil)

func (s *stubSnapshots) Latest(_ context.Context) (domain.Snapshot, error) {
	return s.snap, nil
}

func newTestGateway(opts Options) (*Gateway, *stubPrices) {
	prices := &stubPrices{}
	snaps := &stubSnapshots{snap: domain.Snapshot{
		FetchedAt: time.Now(),
		Rows: map[string]domain.SnapshotRow{
			"SNAP": {Symbol: "SNAP", Price: 5_000},
		},
	}}
	return New(prices, snaps, opts, testLogger()), prices
}

func TestPlaceOrderAppliesSlippage(t *testing.T) {
	g, _ := newTestGateway(Options{SlippagePct: 0.001})
	ctx := context.Background()

	res, err := g.PlaceOrder(ctx, domain.OrderRequest{
		OwnerID:  "acct-1",
		Symbol:   "AAA",
		Side:     domain.OrderSideBuy,
		Quantity: 10,
		Price:    10_000,
		Type:     domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.InDelta(t, 10_010, res.FilledPrice, 1e-9, "buys fill above the reference")

	res, err = g.PlaceOrder(ctx, domain.OrderRequest{
		OwnerID:  "acct-1",
		Symbol:   "AAA",
		Side:     domain.OrderSideSell,
		Quantity: 10,
		Price:    10_000,
		Type:     domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.InDelta(t, 9_990, res.FilledPrice, 1e-9, "sells fill below the reference")
}

func TestPlaceOrderTracksHoldings(t *testing.T) {
	g, _ := newTestGateway(Options{})
	ctx := context.Background()

	_, err := g.PlaceOrder(ctx, domain.OrderRequest{
		OwnerID: "acct-1", Symbol: "AAA", Side: domain.OrderSideBuy, Quantity: 10, Price: 1_000,
	})
	require.NoError(t, err)
	_, err = g.PlaceOrder(ctx, domain.OrderRequest{
		OwnerID: "acct-1", Symbol: "AAA", Side: domain.OrderSideBuy, Quantity: 10, Price: 2_000,
	})
	require.NoError(t, err)

	holdings, err := g.GetOpenHoldings(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, int64(20), holdings[0].Quantity)
	assert.InDelta(t, 1_500, holdings[0].AvgPrice, 1e-9)

	// Partial sell leaves the remainder.
	_, err = g.PlaceOrder(ctx, domain.OrderRequest{
		OwnerID: "acct-1", Symbol: "AAA", Side: domain.OrderSideSell, Quantity: 15, Price: 2_000,
	})
	require.NoError(t, err)
	holdings, err = g.GetOpenHoldings(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, int64(5), holdings[0].Quantity)
}

func TestPlaceOrderRejectsOversell(t *testing.T) {
	g, _ := newTestGateway(Options{})
	ctx := context.Background()

	_, err := g.PlaceOrder(ctx, domain.OrderRequest{
		OwnerID: "acct-1", Symbol: "AAA", Side: domain.OrderSideSell, Quantity: 1, Price: 1_000,
	})
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
}

func TestPlaceOrderRejectsNonPositiveQuantity(t *testing.T) {
	g, _ := newTestGateway(Options{})
	_, err := g.PlaceOrder(context.Background(), domain.OrderRequest{
		OwnerID: "acct-1", Symbol: "AAA", Side: domain.OrderSideBuy, Quantity: 0, Price: 1_000,
	})
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
}

func TestPlaceOrderEnforcesCashBudget(t *testing.T) {
	g, _ := newTestGateway(Options{InitialCash: 10_000})
	ctx := context.Background()

	_, err := g.PlaceOrder(ctx, domain.OrderRequest{
		OwnerID: "acct-1", Symbol: "AAA", Side: domain.OrderSideBuy, Quantity: 8, Price: 1_000,
	})
	require.NoError(t, err)
	assert.InDelta(t, 2_000, g.Cash("acct-1"), 1e-9)

	_, err = g.PlaceOrder(ctx, domain.OrderRequest{
		OwnerID: "acct-1", Symbol: "BBB", Side: domain.OrderSideBuy, Quantity: 3, Price: 1_000,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// Selling replenishes.
	_, err = g.PlaceOrder(ctx, domain.OrderRequest{
		OwnerID: "acct-1", Symbol: "AAA", Side: domain.OrderSideSell, Quantity: 8, Price: 1_000,
	})
	require.NoError(t, err)
	assert.InDelta(t, 10_000, g.Cash("acct-1"), 1e-9)
}

func TestGetCurrentPriceTickThenSnapshot(t *testing.T) {
	g, prices := newTestGateway(Options{})
	ctx := context.Background()

	// No tick: snapshot fallback.
	p, err := g.GetCurrentPrice(ctx, "SNAP")
	require.NoError(t, err)
	assert.InDelta(t, 5_000, p, 1e-9)

	// Tick wins once present.
	require.NoError(t, prices.SetPrice(ctx, "SNAP", 5_100, time.Now()))
	p, err = g.GetCurrentPrice(ctx, "SNAP")
	require.NoError(t, err)
	assert.InDelta(t, 5_100, p, 1e-9)

	_, err = g.GetCurrentPrice(ctx, "MISSING")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInjectedFailures(t *testing.T) {
	g, _ := newTestGateway(Options{FailureRate: 1})

	res, err := g.PlaceOrder(context.Background(), domain.OrderRequest{
		OwnerID: "acct-1", Symbol: "AAA", Side: domain.OrderSideBuy, Quantity: 1, Price: 1_000,
	})
	require.NoError(t, err, "injected failures are order rejections, not transport errors")
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Message)
}
