package service

import (
	"context"
	"sync"
	"time"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// memPositionStore is an in-memory PositionStore with the same invariant
// behavior as the Postgres implementation: one open position per
// (owner, symbol), monotonic trailing stops, close-once semantics.
type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: map[string]domain.Position{}}
}

var _ domain.PositionStore = (*memPositionStore)(nil)

func (s *memPositionStore) Create(_ context.Context, pos domain.Position) error {
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

func (s *memPositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositionStore) GetOpen(_ context.Context, ownerID string) ([]domain.Position, error) {
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

func (s *memPositionStore) GetOpenBySymbol(_ context.Context, ownerID, symbol string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.OwnerID == ownerID && p.Symbol == symbol && p.Status == domain.PositionStatusOpen {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (s *memPositionStore) UpdateTrailing(_ context.Context, id string, trailingStop, trailingHigh float64) error {
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

func (s *memPositionStore) Close(_ context.Context, id string, closePrice float64, reason domain.ExitReason, pnl, rate float64, closedAt time.Time) error {
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

func (s *memPositionStore) ListClosed(_ context.Context, ownerID string, _ domain.ListOpts) ([]domain.Position, error) {
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

func (s *memPositionStore) CountOpenedSince(_ context.Context, ownerID string, since time.Time) (int, error) {
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

func (s *memPositionStore) Performance(_ context.Context, ownerID string, since time.Time) (domain.PerformanceSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum domain.PerformanceSummary
	wins := 0
	for _, p := range s.positions {
		if p.OwnerID != ownerID || p.Status != domain.PositionStatusClosed || p.ClosedAt == nil || p.ClosedAt.Before(since) {
			continue
		}
		sum.TotalTrades++
		if p.RealizedPnL != nil {
			sum.TotalPnL += *p.RealizedPnL
			if *p.RealizedPnL > 0 {
				wins++
			}
		}
		if p.RealizedRate != nil {
			sum.AvgPnLRate += *p.RealizedRate
		}
	}
	if sum.TotalTrades > 0 {
		sum.WinRate = float64(wins) / float64(sum.TotalTrades)
		sum.AvgPnLRate /= float64(sum.TotalTrades)
	}
	return sum, nil
}

// memAuditStore records audit events in memory.
type memAuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

var _ domain.AuditStore = (*memAuditStore)(nil)

func (s *memAuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *memAuditStore) ListBefore(_ context.Context, cutoff time.Time, _ int) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memAuditStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var deleted int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return deleted, nil
}

// stubPriceCache serves a fixed price map. Symbols absent from the map
// return domain.ErrNotFound.
type stubPriceCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

var _ domain.PriceCache = (*stubPriceCache)(nil)

func (c *stubPriceCache) SetPrice(_ context.Context, symbol string, price float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices == nil {
		c.prices = map[string]float64{}
	}
	c.prices[symbol] = price
	return nil
}

func (c *stubPriceCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func (c *stubPriceCache) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
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

// stubBlacklist is an in-memory DayBlacklist.
type stubBlacklist struct {
	mu      sync.Mutex
	entries map[string]bool // owner+symbol
}

var _ domain.DayBlacklist = (*stubBlacklist)(nil)

func (b *stubBlacklist) key(ownerID, symbol string) string { return ownerID + ":" + symbol }

func (b *stubBlacklist) Add(_ context.Context, ownerID, symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.entries == nil {
		b.entries = map[string]bool{}
	}
	b.entries[b.key(ownerID, symbol)] = true
	return nil
}

func (b *stubBlacklist) Contains(_ context.Context, ownerID, symbol string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[b.key(ownerID, symbol)], nil
}

func (b *stubBlacklist) Symbols(_ context.Context, ownerID string) ([]string, error) {
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

// stubGateway records orders and answers with a scripted result.
type stubGateway struct {
	mu      sync.Mutex
	orders  []domain.OrderRequest
	fail    bool
	failMsg string
	prices  map[string]float64
}

var _ domain.OrderGateway = (*stubGateway)(nil)

func (g *stubGateway) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, req)
	if g.fail {
		return domain.OrderResult{Success: false, Message: g.failMsg}, nil
	}
	return domain.OrderResult{Success: true, OrderID: "ord-1", FilledPrice: req.Price}, nil
}

func (g *stubGateway) GetCurrentPrice(_ context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.prices[symbol]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return p, nil
}

func (g *stubGateway) GetOpenHoldings(_ context.Context, _ string) ([]domain.Holding, error) {
	return nil, nil
}

func (g *stubGateway) placed() []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.OrderRequest(nil), g.orders...)
}
