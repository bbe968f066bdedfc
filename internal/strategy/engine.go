package strategy

import (
	"log/slog"
	"sort"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// Engine runs every registered strategy over a snapshot and merges their
// signals into a single ordered candidate list.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
}

// NewEngine creates an Engine over the given registry.
func NewEngine(registry *Registry, logger *slog.Logger) *Engine {
	return &Engine{
		registry: registry,
		logger:   logger.With(slog.String("component", "strategy_engine")),
	}
}

// EvaluateAll runs every strategy's filter and evaluation over the snapshot
// and returns a map of strategy name to its BUY signals, ranked
// strategy-locally by (confidence, score) descending and capped to the
// strategy's max concurrent positions. Symbols excluded by the context (held
// or already traded today) never reach evaluation.
func (e *Engine) EvaluateAll(snap domain.Snapshot, sctx Context) map[string][]domain.Signal {
	out := make(map[string][]domain.Signal)

	for _, strat := range e.registry.All() {
		var buys []domain.Signal
		for _, row := range strat.FilterCandidates(snap, sctx) {
			if sctx.Excluded(row.Symbol) {
				continue
			}
			sig := strat.Evaluate(row, sctx)
			if sig.Action != domain.ActionBuy {
				continue
			}
			buys = append(buys, sig)
		}

		sort.SliceStable(buys, func(i, j int) bool {
			if buys[i].Confidence != buys[j].Confidence {
				return buys[i].Confidence > buys[j].Confidence
			}
			return buys[i].Score > buys[j].Score
		})

		if max := strat.MaxPositions(); len(buys) > max {
			buys = buys[:max]
		}
		if len(buys) > 0 {
			out[strat.Name()] = buys
			e.logger.Debug("strategy produced signals",
				slog.String("strategy", strat.Name()),
				slog.Int("count", len(buys)),
			)
		}
	}

	return out
}

// GetBestSignals flattens the per-strategy signal lists, sorts them by
// (priority, confidence, score) descending, and deduplicates by symbol
// keeping only the highest-ranked entry. A symbol therefore never receives
// two simultaneous entry recommendations: ties in priority are broken by
// confidence, then score, then candidate order.
func (e *Engine) GetBestSignals(perStrategy map[string][]domain.Signal) []domain.Signal {
	var flat []domain.Signal
	// Iterate strategies in registry priority order so the final stable sort
	// preserves candidate order for full ties.
	for _, strat := range e.registry.All() {
		flat = append(flat, perStrategy[strat.Name()]...)
	}

	sort.SliceStable(flat, func(i, j int) bool {
		if flat[i].Priority != flat[j].Priority {
			return flat[i].Priority > flat[j].Priority
		}
		if flat[i].Confidence != flat[j].Confidence {
			return flat[i].Confidence > flat[j].Confidence
		}
		return flat[i].Score > flat[j].Score
	})

	seen := make(map[string]bool, len(flat))
	best := make([]domain.Signal, 0, len(flat))
	for _, sig := range flat {
		if seen[sig.Symbol] {
			continue
		}
		seen[sig.Symbol] = true
		best = append(best, sig)
	}
	return best
}
