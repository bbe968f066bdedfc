package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// CycleReport formats and delivers the end-of-cycle summary. A cycle that
// placed no orders and hit no errors is not worth a ping.
func (n *Notifier) CycleReport(ctx context.Context, res domain.CycleResult) error {
	if res.BuyCount == 0 && res.SellCount == 0 && len(res.Errors) == 0 && res.Skipped == "" {
		return nil
	}

	title := fmt.Sprintf("Cycle summary (%s)", res.OwnerID)
	if res.DryRun {
		title += " [dry run]"
	}

	var b strings.Builder
	if res.Skipped != "" {
		fmt.Fprintf(&b, "skipped: %s\n", res.Skipped)
	}
	fmt.Fprintf(&b, "buys: %d (%.0f)\n", res.BuyCount, res.BuyAmount)
	fmt.Fprintf(&b, "sells: %d (%.0f)\n", res.SellCount, res.SellAmount)
	fmt.Fprintf(&b, "realized: %+.0f\n", res.RealizedProfit)
	fmt.Fprintf(&b, "took: %s", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	for _, e := range res.Errors {
		fmt.Fprintf(&b, "\nerror: %s", e)
	}

	return n.Notify(ctx, EventCycle, title, b.String())
}

// TradeReport delivers a single open or close event.
func (n *Notifier) TradeReport(ctx context.Context, pos domain.Position) error {
	if pos.IsOpen() {
		title := fmt.Sprintf("Opened %s", pos.Symbol)
		msg := fmt.Sprintf("strategy: %s\nentry: %.0f x %d\ntarget: %.0f  stop: %.0f",
			pos.Strategy, pos.EntryPrice, pos.Quantity, pos.TargetPrice, pos.StopPrice)
		return n.Notify(ctx, EventTrade, title, msg)
	}

	reason := ""
	if pos.CloseReason != nil {
		reason = string(*pos.CloseReason)
	}
	pnl, rate := 0.0, 0.0
	if pos.RealizedPnL != nil {
		pnl = *pos.RealizedPnL
	}
	if pos.RealizedRate != nil {
		rate = *pos.RealizedRate
	}
	title := fmt.Sprintf("Closed %s (%s)", pos.Symbol, reason)
	msg := fmt.Sprintf("strategy: %s\npnl: %+.0f (%+.2f%%)", pos.Strategy, pnl, rate*100)
	return n.Notify(ctx, EventTrade, title, msg)
}
