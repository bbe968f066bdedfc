package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. Create must fail with
// ErrDuplicatePosition when an open position already exists for the same
// (owner, symbol); Close must be a no-op returning ErrPositionClosed when the
// row is already closed, so closing stays idempotent at the service layer.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetOpen(ctx context.Context, ownerID string) ([]Position, error)
	GetOpenBySymbol(ctx context.Context, ownerID, symbol string) (Position, error)
	UpdateTrailing(ctx context.Context, id string, trailingStop, trailingHigh float64) error
	Close(ctx context.Context, id string, closePrice float64, reason ExitReason, pnl, rate float64, closedAt time.Time) error
	ListClosed(ctx context.Context, ownerID string, opts ListOpts) ([]Position, error)
	// CountOpenedSince counts positions opened at or after since, regardless
	// of current status. Seeds the daily trade counter across restarts.
	CountOpenedSince(ctx context.Context, ownerID string, since time.Time) (int, error)
	Performance(ctx context.Context, ownerID string, since time.Time) (PerformanceSummary, error)
}

// AuditEntry is a single append-only audit row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of engine decisions.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
