package domain

// TradingLimits holds the per-owner risk limits. The struct is populated from
// configuration at startup and treated as immutable for the life of a cycle.
type TradingLimits struct {
	// CapitalPerSymbol is the cash budget used to size a single entry.
	CapitalPerSymbol float64
	// StopLossPct is the loss rate at which a position must be cut, e.g. 0.07.
	StopLossPct float64
	// TakeProfitPct, when nil, disables fixed take-profit checks entirely;
	// exits are then driven by signals, targets, and trailing stops only.
	TakeProfitPct *float64
	// MaxDailyTrades caps entries per owner per trading day.
	MaxDailyTrades int
	// MaxHoldings caps concurrent open positions per owner.
	MaxHoldings int
	// MinEntryScore is the minimum snapshot score to enter.
	MinEntryScore float64
	// MinHoldScore is the score floor below which holding is reconsidered.
	MinHoldScore float64
	// MinVolumeRatio is the minimum volume ratio to enter.
	MinVolumeRatio float64
	// OverheatChangePct suppresses entries in symbols already up more than
	// this percent on the day. Tunable; the default is not a verified optimum.
	OverheatChangePct float64
}

// StrategyMultipliers are the ATR multipliers used to derive exit prices at
// entry time. Each strategy carries its own set.
type StrategyMultipliers struct {
	Target   float64
	Stop     float64
	Trailing float64
	// TrailingPct is the distance of the trailing stop below the high-water
	// mark once trailing is active, e.g. 0.03.
	TrailingPct float64
	// MaxHoldDays bounds how long a position may be held.
	MaxHoldDays int
	// MaxPositions caps concurrent positions attributed to this strategy.
	MaxPositions int
	// ScoreExitDrop is the points below entry score that triggers a
	// score-based exit.
	ScoreExitDrop float64
}
