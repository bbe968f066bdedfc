// Package paper implements an in-memory broker gateway for paper trading.
// Orders fill instantly at the last known price with configurable slippage,
// and a failure rate can be injected to exercise the engine's failure paths.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// Options tune fill behavior.
type Options struct {
	// SlippagePct moves fills against the order, e.g. 0.001 fills buys 0.1%
	// above and sells 0.1% below the reference price.
	SlippagePct float64
	// FailureRate in [0,1] rejects that fraction of orders at random.
	FailureRate float64
	// InitialCash per owner; zero means unlimited.
	InitialCash float64
}

// Gateway is a simulated broker. Prices come from the tick cache with the
// snapshot as fallback, the same sources the engine itself reads.
type Gateway struct {
	prices    domain.PriceCache
	snapshots domain.SnapshotSource
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	cash     map[string]float64
	holdings map[string]map[string]domain.Holding // owner -> symbol -> holding
	rng      *rand.Rand
}

var _ domain.OrderGateway = (*Gateway)(nil)

// New creates a paper gateway.
func New(prices domain.PriceCache, snapshots domain.SnapshotSource, opts Options, logger *slog.Logger) *Gateway {
	return &Gateway{
		prices:    prices,
		snapshots: snapshots,
		opts:      opts,
		logger:    logger.With(slog.String("component", "paper_gateway")),
		cash:      map[string]float64{},
		holdings:  map[string]map[string]domain.Holding{},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GetCurrentPrice returns the latest tick for the symbol, falling back to
// the snapshot row.
func (g *Gateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if price, _, err := g.prices.GetPrice(ctx, symbol); err == nil && price > 0 {
		return price, nil
	}
	snap, err := g.snapshots.Latest(ctx)
	if err != nil {
		return 0, fmt.Errorf("paper: price %s: %w", symbol, err)
	}
	row, ok := snap.Row(symbol)
	if !ok {
		return 0, fmt.Errorf("paper: price %s: %w", symbol, domain.ErrNotFound)
	}
	return row.Price, nil
}

// PlaceOrder fills the order at the reference price adjusted by slippage.
// Market and limit orders fill alike; the simulation has no book.
func (g *Gateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Quantity <= 0 {
		return domain.OrderResult{Message: "quantity must be positive"}, domain.ErrOrderRejected
	}

	g.mu.Lock()
	injectFail := g.opts.FailureRate > 0 && g.rng.Float64() < g.opts.FailureRate
	g.mu.Unlock()
	if injectFail {
		g.logger.Debug("injected order failure",
			slog.String("symbol", req.Symbol),
			slog.String("side", string(req.Side)),
		)
		return domain.OrderResult{Message: "injected failure"}, nil
	}

	ref := req.Price
	if ref <= 0 {
		var err error
		if ref, err = g.GetCurrentPrice(ctx, req.Symbol); err != nil {
			return domain.OrderResult{}, err
		}
	}

	fill := ref
	switch req.Side {
	case domain.OrderSideBuy:
		fill = ref * (1 + g.opts.SlippagePct)
	case domain.OrderSideSell:
		fill = ref * (1 - g.opts.SlippagePct)
	default:
		return domain.OrderResult{Message: "unknown side"}, domain.ErrOrderRejected
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if req.Side == domain.OrderSideBuy && g.opts.InitialCash > 0 {
		if _, ok := g.cash[req.OwnerID]; !ok {
			g.cash[req.OwnerID] = g.opts.InitialCash
		}
		cost := fill * float64(req.Quantity)
		if cost > g.cash[req.OwnerID] {
			return domain.OrderResult{Message: "insufficient cash"}, fmt.Errorf("paper: buy %s: %w", req.Symbol, domain.ErrInsufficientFunds)
		}
		g.cash[req.OwnerID] -= cost
	}

	book := g.holdings[req.OwnerID]
	if book == nil {
		book = map[string]domain.Holding{}
		g.holdings[req.OwnerID] = book
	}

	switch req.Side {
	case domain.OrderSideBuy:
		h := book[req.Symbol]
		total := float64(h.Quantity)*h.AvgPrice + float64(req.Quantity)*fill
		h.Symbol = req.Symbol
		h.Quantity += req.Quantity
		h.AvgPrice = total / float64(h.Quantity)
		book[req.Symbol] = h
	case domain.OrderSideSell:
		h, ok := book[req.Symbol]
		if !ok || h.Quantity < req.Quantity {
			return domain.OrderResult{Message: "nothing to sell"}, domain.ErrOrderRejected
		}
		h.Quantity -= req.Quantity
		if h.Quantity == 0 {
			delete(book, req.Symbol)
		} else {
			book[req.Symbol] = h
		}
		if g.opts.InitialCash > 0 {
			g.cash[req.OwnerID] += fill * float64(req.Quantity)
		}
	}

	g.logger.Info("paper fill",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Int64("quantity", req.Quantity),
		slog.Float64("price", fill),
	)
	return domain.OrderResult{
		Success:     true,
		OrderID:     uuid.NewString(),
		FilledPrice: fill,
	}, nil
}

// GetOpenHoldings returns the simulated holdings for the owner.
func (g *Gateway) GetOpenHoldings(_ context.Context, ownerID string) ([]domain.Holding, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	book := g.holdings[ownerID]
	out := make([]domain.Holding, 0, len(book))
	for _, h := range book {
		out = append(out, h)
	}
	return out, nil
}

// Cash returns the owner's remaining simulated cash; zero when unlimited.
func (g *Gateway) Cash(ownerID string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cash[ownerID]
}
