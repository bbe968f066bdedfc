package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/stockpilot/stockpilot/internal/domain"
	"github.com/stockpilot/stockpilot/internal/strategy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is a minimal in-memory PositionStore for orchestrator tests.
type memStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func newMemStore() *memStore {
	return &memStore{positions: map[string]domain.Position{}}
}

var _ domain.PositionStore = (*memStore)(nil)

func (s *memStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.OwnerID == pos.OwnerID && p.Symbol == pos.Symbol && p.Status == domain.PositionStatusOpen {
			return domain.ErrDuplicatePosition
		}
	}
	s.positions[pos.ID] = pos
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memStore) GetOpen(_ context.Context, ownerID string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.OwnerID == ownerID && p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) GetOpenBySymbol(_ context.Context, ownerID, symbol string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.OwnerID == ownerID && p.Symbol == symbol && p.Status == domain.PositionStatusOpen {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (s *memStore) UpdateTrailing(_ context.Context, id string, trailingStop, trailingHigh float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != domain.PositionStatusOpen {
		return nil
	}
	if p.TrailingStop != nil && trailingStop <= *p.TrailingStop {
		return nil
	}
	p.TrailingStop = &trailingStop
	if trailingHigh > p.TrailingHigh {
		p.TrailingHigh = trailingHigh
	}
	s.positions[id] = p
	return nil
}

func (s *memStore) Close(_ context.Context, id string, closePrice float64, reason domain.ExitReason, pnl, rate float64, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != domain.PositionStatusOpen {
		return domain.ErrPositionClosed
	}
	p.Status = domain.PositionStatusClosed
	p.ClosedAt = &closedAt
	p.ClosePrice = &closePrice
	p.CloseReason = &reason
	p.RealizedPnL = &pnl
	p.RealizedRate = &rate
	s.positions[id] = p
	return nil
}

func (s *memStore) ListClosed(_ context.Context, ownerID string, _ domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.OwnerID == ownerID && p.Status == domain.PositionStatusClosed {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) CountOpenedSince(_ context.Context, ownerID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.positions {
		if p.OwnerID == ownerID && !p.OpenedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) Performance(_ context.Context, _ string, _ time.Time) (domain.PerformanceSummary, error) {
	return domain.PerformanceSummary{}, nil
}

// memPrices is an in-memory PriceCache.
type memPrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

var _ domain.PriceCache = (*memPrices)(nil)

func (c *memPrices) SetPrice(_ context.Context, symbol string, price float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices == nil {
		c.prices = map[string]float64{}
	}
	c.prices[symbol] = price
	return nil
}

func (c *memPrices) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func (c *memPrices) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
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

// memBlacklist is an in-memory DayBlacklist.
type memBlacklist struct {
	mu      sync.Mutex
	entries map[string]bool
}

var _ domain.DayBlacklist = (*memBlacklist)(nil)

func (b *memBlacklist) Add(_ context.Context, ownerID, symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.entries == nil {
		b.entries = map[string]bool{}
	}
	b.entries[ownerID+":"+symbol] = true
	return nil
}

func (b *memBlacklist) Contains(_ context.Context, ownerID, symbol string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[ownerID+":"+symbol], nil
}

func (b *memBlacklist) Symbols(_ context.Context, ownerID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	prefix := ownerID + ":"
	for k, ok := range b.entries {
		if ok && len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	return out, nil
}

// recordingGateway captures orders in submission order.
type recordingGateway struct {
	mu     sync.Mutex
	orders []domain.OrderRequest
	fail   bool
}

var _ domain.OrderGateway = (*recordingGateway)(nil)

func (g *recordingGateway) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, req)
	if g.fail {
		return domain.OrderResult{Success: false, Message: "rejected"}, nil
	}
	return domain.OrderResult{Success: true, OrderID: "ord", FilledPrice: req.Price}, nil
}

func (g *recordingGateway) GetCurrentPrice(_ context.Context, _ string) (float64, error) {
	return 0, domain.ErrNotFound
}

func (g *recordingGateway) GetOpenHoldings(_ context.Context, _ string) ([]domain.Holding, error) {
	return nil, nil
}

func (g *recordingGateway) placed() []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.OrderRequest(nil), g.orders...)
}

// stubSnapshots serves one scripted snapshot and counts reads.
type stubSnapshots struct {
	mu    sync.Mutex
	snap  domain.Snapshot
	err   error
	calls int
}

var _ domain.SnapshotSource = (*stubSnapshots)(nil)

func (s *stubSnapshots) Latest(_ context.Context) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.snap, s.err
}

func (s *stubSnapshots) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubLocks hands out locks unconditionally or refuses them all.
type stubLocks struct {
	mu   sync.Mutex
	held bool
	keys []string
}

var _ domain.LockManager = (*stubLocks)(nil)

func (l *stubLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	if l.held {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

// scriptedStrategy buys the configured symbols at fixed confidence.
type scriptedStrategy struct {
	name     string
	priority int
	max      int
	buys     map[string]float64 // symbol -> confidence
}

var _ strategy.Strategy = (*scriptedStrategy)(nil)

func (f *scriptedStrategy) Name() string      { return f.name }
func (f *scriptedStrategy) Priority() int     { return f.priority }
func (f *scriptedStrategy) MaxPositions() int { return f.max }

func (f *scriptedStrategy) FilterCandidates(snap domain.Snapshot, sctx strategy.Context) []domain.SnapshotRow {
	var out []domain.SnapshotRow
	for sym := range f.buys {
		if row, ok := snap.Row(sym); ok && !sctx.Excluded(sym) {
			out = append(out, row)
		}
	}
	return out
}

func (f *scriptedStrategy) Evaluate(row domain.SnapshotRow, sctx strategy.Context) domain.Signal {
	return domain.Signal{
		Symbol:     row.Symbol,
		Action:     domain.ActionBuy,
		Score:      row.Score(sctx.ScoreVersion),
		Confidence: f.buys[row.Symbol],
		Price:      row.Price,
		Strategy:   f.name,
		Priority:   f.priority,
		CreatedAt:  sctx.Now,
	}
}
