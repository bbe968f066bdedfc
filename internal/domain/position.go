package domain

import "time"

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// ExitReason records why a position was closed. The values mirror the exit
// rule that fired, in the evaluation order used by the exit manager.
type ExitReason string

const (
	ExitReasonTarget   ExitReason = "target"
	ExitReasonStop     ExitReason = "stop"
	ExitReasonTrailing ExitReason = "trailing"
	ExitReasonTime     ExitReason = "time"
	ExitReasonScore    ExitReason = "score"
	ExitReasonManual   ExitReason = "manual"
)

// Position represents an open or historical trading position. At most one
// open position may exist per (OwnerID, Symbol) at any time.
type Position struct {
	ID           string
	OwnerID      string
	Symbol       string
	Strategy     string
	EntryPrice   float64
	Quantity     int64
	EntryScore   float64
	EntryATR     float64
	TargetPrice  float64
	StopPrice    float64
	TrailingStop *float64 // nil until trailing activates; never lowered once set
	TrailingHigh float64  // high-water mark for trailing recomputation
	Status       PositionStatus
	OpenedAt     time.Time
	MaxHoldUntil time.Time
	ClosedAt     *time.Time
	ClosePrice   *float64
	CloseReason  *ExitReason
	RealizedPnL  *float64
	RealizedRate *float64
}

// IsOpen reports whether the position is still open.
func (p Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// PnLAt returns the realized profit and rate the position would have when
// closed at exitPrice.
func (p Position) PnLAt(exitPrice float64) (pnl, rate float64) {
	pnl = (exitPrice - p.EntryPrice) * float64(p.Quantity)
	if p.EntryPrice > 0 {
		rate = (exitPrice - p.EntryPrice) / p.EntryPrice
	}
	return pnl, rate
}

// ExitDecision is the transient result of exit evaluation for one open
// position. It is produced by the exit manager and consumed within the same
// cycle; it is never persisted.
type ExitDecision struct {
	Position     Position
	CurrentPrice float64
	Reason       ExitReason
}

// PerformanceSummary aggregates closed-position history for an owner.
type PerformanceSummary struct {
	TotalTrades int
	WinRate     float64
	TotalPnL    float64
	AvgPnLRate  float64
}
