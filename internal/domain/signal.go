package domain

import "time"

// SignalAction is a strategy's proposed action for a candidate symbol.
type SignalAction string

const (
	ActionBuy  SignalAction = "buy"
	ActionHold SignalAction = "hold"
	ActionSkip SignalAction = "skip"
)

// Signal is emitted by a strategy for one snapshot row. Signals are transient:
// they live only for the cycle that produced them.
type Signal struct {
	Symbol     string
	Name       string
	Action     SignalAction
	Score      float64
	Confidence float64 // in [0,1]
	Price      float64
	Reasons    []string
	Strategy   string
	Priority   int // static strategy priority, higher wins symbol conflicts
	CreatedAt  time.Time
}

// CycleResult summarizes one orchestrator cycle for an owner.
type CycleResult struct {
	OwnerID        string
	CycleID        string
	DryRun         bool
	BuyCount       int
	SellCount      int
	BuyAmount      float64
	SellAmount     float64
	RealizedProfit float64
	Skipped        string // non-empty when the cycle ended without trading (market closed, stale data)
	Errors         []string
	StartedAt      time.Time
	FinishedAt     time.Time
}
