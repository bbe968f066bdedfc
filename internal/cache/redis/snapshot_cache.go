package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockpilot/stockpilot/internal/domain"
)

const snapshotKey = "snapshot:latest"

// snapshotRowJSON is the wire form of one snapshot row. The external scorer
// publishes the same shape, so field names are part of the contract.
type snapshotRowJSON struct {
	Symbol        string             `json:"symbol"`
	Name          string             `json:"name"`
	Price         float64            `json:"price"`
	Volume        int64              `json:"volume"`
	VolumeRatio   float64            `json:"volume_ratio"`
	TradingAmount float64            `json:"trading_amount"`
	ChangePct     float64            `json:"change_pct"`
	SignalTags    []string           `json:"signal_tags"`
	Scores        map[string]float64 `json:"scores"`
}

type snapshotJSON struct {
	FetchedAt time.Time         `json:"fetched_at"`
	Rows      []snapshotRowJSON `json:"rows"`
}

// SnapshotCache implements domain.SnapshotCache using a single Redis key
// holding the latest published snapshot as JSON.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache. A non-zero ttl bounds how long a
// stale snapshot lingers after the scorer stops publishing.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying(), ttl: ttl}
}

// Set stores the snapshot as the latest published batch.
func (sc *SnapshotCache) Set(ctx context.Context, snap domain.Snapshot) error {
	doc := snapshotJSON{FetchedAt: snap.FetchedAt}
	for _, row := range snap.Rows {
		doc.Rows = append(doc.Rows, snapshotRowJSON(row))
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot: %w", err)
	}
	if err := sc.rdb.Set(ctx, snapshotKey, payload, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot: %w", err)
	}
	return nil
}

// Get returns the latest published snapshot, or domain.ErrNotFound when none
// has been published yet.
func (sc *SnapshotCache) Get(ctx context.Context) (domain.Snapshot, error) {
	payload, err := sc.rdb.Get(ctx, snapshotKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Snapshot{}, domain.ErrNotFound
		}
		return domain.Snapshot{}, fmt.Errorf("redis: get snapshot: %w", err)
	}

	var doc snapshotJSON
	if err := json.Unmarshal(payload, &doc); err != nil {
		return domain.Snapshot{}, fmt.Errorf("redis: unmarshal snapshot: %w", err)
	}

	snap := domain.Snapshot{
		FetchedAt: doc.FetchedAt,
		Rows:      make(map[string]domain.SnapshotRow, len(doc.Rows)),
	}
	for _, row := range doc.Rows {
		snap.Rows[row.Symbol] = domain.SnapshotRow(row)
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
