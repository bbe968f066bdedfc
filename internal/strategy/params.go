package strategy

// Params holds the tunables shared by all entry strategies. Values come from
// configuration; strategies never hard-code thresholds.
type Params struct {
	Priority       int
	MaxPositions   int
	MinScore       float64
	MinChangePct   float64
	MaxChangePct   float64
	MinVolumeRatio float64
}
