package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest tick prices. The websocket
// feed writes it; exit evaluation reads it between snapshot refreshes.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// SnapshotCache holds the most recent score snapshot published by the
// external scorer.
type SnapshotCache interface {
	Set(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context) (Snapshot, error)
}

// DayBlacklist tracks symbols that must not be re-entered until the next
// trading day (anti round-trip after a same-day exit). Entries expire at the
// next local midnight.
type DayBlacklist interface {
	Add(ctx context.Context, ownerID, symbol string) error
	Contains(ctx context.Context, ownerID, symbol string) (bool, error)
	Symbols(ctx context.Context, ownerID string) ([]string, error)
}

// LockManager provides locking across processes. Acquire returns ErrLockHeld
// when the lock is already taken.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
