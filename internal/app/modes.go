package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stockpilot/stockpilot/internal/archive"
	"github.com/stockpilot/stockpilot/internal/crypto"
	"github.com/stockpilot/stockpilot/internal/domain"
	"github.com/stockpilot/stockpilot/internal/engine"
	"github.com/stockpilot/stockpilot/internal/feed"
	"github.com/stockpilot/stockpilot/internal/gateway/broker"
	"github.com/stockpilot/stockpilot/internal/gateway/paper"
	"github.com/stockpilot/stockpilot/internal/notify"
	"github.com/stockpilot/stockpilot/internal/service"
)

// snapshotSource adapts the snapshot cache to the read-only contract the
// engine consumes. The external scorer writes the cache; the engine only
// ever reads the latest entry.
type snapshotSource struct {
	cache domain.SnapshotCache
}

func (s snapshotSource) Latest(ctx context.Context) (domain.Snapshot, error) {
	return s.cache.Get(ctx)
}

// TradeMode runs the live pipeline against the broker gateway.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:     a.cfg.Broker.AppSecret,
		EncryptedPath: a.cfg.Broker.EncryptedSecretPath,
		Password:      a.cfg.Broker.SecretPassword,
	})
	if err != nil {
		return fmt.Errorf("app: broker secret: %w", err)
	}

	gateway := broker.NewClient(broker.Config{
		Host:      a.cfg.Broker.Host,
		AppKey:    a.cfg.Broker.AppKey,
		AppSecret: secret,
		AccountNo: a.cfg.Broker.AccountNo,
	}, a.logger)

	return a.runPipeline(ctx, deps, gateway, engine.Options{
		ScoreVersion:     a.cfg.Strategy.ScoreVersion,
		CapitalPerSymbol: a.cfg.Limits.CapitalPerSymbol,
		SnapshotMaxAge:   a.cfg.Engine.SnapshotMaxAge.Duration,
		CycleDeadline:    a.cfg.Engine.CycleDeadline.Duration,
		DryRun:           a.cfg.Engine.DryRun,
	})
}

// PaperMode runs the full pipeline against the simulated gateway. Positions
// are recorded normally; only the fills are synthetic.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")

	gateway := paper.New(deps.PriceCache, snapshotSource{deps.SnapshotCache}, paper.Options{
		SlippagePct: 0.001,
	}, a.logger)

	return a.runPipeline(ctx, deps, gateway, engine.Options{
		ScoreVersion:     a.cfg.Strategy.ScoreVersion,
		CapitalPerSymbol: a.cfg.Limits.CapitalPerSymbol,
		SnapshotMaxAge:   a.cfg.Engine.SnapshotMaxAge.Duration,
		CycleDeadline:    a.cfg.Engine.CycleDeadline.Duration,
		DryRun:           a.cfg.Engine.DryRun,
	})
}

// MonitorMode manages exits for existing positions without opening new
// ones. Used to wind a book down or watch over a manual intervention.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	gateway := paper.New(deps.PriceCache, snapshotSource{deps.SnapshotCache}, paper.Options{}, a.logger)
	if a.cfg.Broker.Host != "" {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:     a.cfg.Broker.AppSecret,
			EncryptedPath: a.cfg.Broker.EncryptedSecretPath,
			Password:      a.cfg.Broker.SecretPassword,
		})
		if err != nil {
			return fmt.Errorf("app: broker secret: %w", err)
		}
		return a.runPipeline(ctx, deps, broker.NewClient(broker.Config{
			Host:      a.cfg.Broker.Host,
			AppKey:    a.cfg.Broker.AppKey,
			AppSecret: secret,
			AccountNo: a.cfg.Broker.AccountNo,
		}, a.logger), engine.Options{
			ScoreVersion:   a.cfg.Strategy.ScoreVersion,
			SnapshotMaxAge: a.cfg.Engine.SnapshotMaxAge.Duration,
			CycleDeadline:  a.cfg.Engine.CycleDeadline.Duration,
			DryRun:         a.cfg.Engine.DryRun,
			DisableEntries: true,
		})
	}

	return a.runPipeline(ctx, deps, gateway, engine.Options{
		ScoreVersion:   a.cfg.Strategy.ScoreVersion,
		SnapshotMaxAge: a.cfg.Engine.SnapshotMaxAge.Duration,
		CycleDeadline:  a.cfg.Engine.CycleDeadline.Duration,
		DryRun:         a.cfg.Engine.DryRun,
		DisableEntries: true,
	})
}

// runPipeline starts the scheduler, tick feed, correlation reload, and
// archive cron, then blocks until the context is cancelled.
func (a *App) runPipeline(ctx context.Context, deps *Dependencies, gateway domain.OrderGateway, opts engine.Options) error {
	orchestrator := engine.NewOrchestrator(
		deps.Calendar,
		snapshotSource{deps.SnapshotCache},
		deps.Engine,
		deps.Risk,
		deps.Positions,
		deps.Exits,
		gateway,
		deps.Blacklist,
		deps.Notifier,
		opts,
		a.logger,
	)

	scheduler := engine.NewScheduler(
		orchestrator,
		deps.LockManager,
		a.cfg.Engine.Owners,
		a.cfg.Engine.CycleInterval.Duration,
		a.cfg.Engine.OwnerLockTTL.Duration,
		a.logger,
	)

	seedTradeCounters(ctx, deps.PositionStore, deps.Counter, a.cfg.Engine.Owners, deps.Location, time.Now(), a.logger)

	if a.cfg.Engine.ReconcileOnStartup && !opts.DryRun {
		for _, owner := range a.cfg.Engine.Owners {
			if err := deps.Positions.ReconcileHoldings(ctx, owner, gateway); err != nil {
				a.logger.Warn("startup reconciliation failed",
					slog.String("owner_id", owner),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if err := deps.Notifier.NotifyAll(ctx, "stockpilot started",
		fmt.Sprintf("mode: %s\nowners: %d", a.cfg.Mode, len(a.cfg.Engine.Owners))); err != nil {
		a.logger.Warn("startup notification failed", slog.String("error", err.Error()))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	if a.cfg.Feed.Enabled && a.cfg.Feed.URL != "" {
		client := feed.NewClient(
			a.cfg.Feed.URL,
			deps.PriceCache,
			a.cfg.Feed.ReconnectMin.Duration,
			a.cfg.Feed.ReconnectMax.Duration,
			a.logger,
		)
		g.Go(func() error {
			return client.Run(ctx)
		})
		g.Go(func() error {
			return a.refreshFeedSubscriptions(ctx, client, deps)
		})
	}

	if deps.Correlates != nil && a.cfg.Strategy.LeaderFollower.ReloadInterval.Duration > 0 {
		g.Go(func() error {
			return a.reloadCorrelations(ctx, deps)
		})
	}

	if deps.Archiver != nil {
		runner := archive.NewRunner(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error {
			return runner.RunCron(ctx, a.cfg.Archive.Cron)
		})
	}

	err := g.Wait()
	if notifyErr := deps.Notifier.Notify(context.Background(), notify.EventShutdown,
		"stockpilot stopping", "scheduler exited"); notifyErr != nil {
		a.logger.Warn("shutdown notification failed", slog.String("error", notifyErr.Error()))
	}
	return err
}

// openedCountSource is the slice of the position store the counter seeding
// reads.
type openedCountSource interface {
	CountOpenedSince(ctx context.Context, ownerID string, since time.Time) (int, error)
}

// seedTradeCounters restores today's per-owner trade counts from the store so
// a mid-session restart cannot reset the daily cap. A failed count logs and
// leaves that owner at zero.
func seedTradeCounters(ctx context.Context, store openedCountSource, counter *service.TradeCounter, owners []string, loc *time.Location, now time.Time, logger *slog.Logger) {
	day := now.In(loc)
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	for _, owner := range owners {
		n, err := store.CountOpenedSince(ctx, owner, midnight)
		if err != nil {
			logger.Warn("trade counter seed failed, starting from zero",
				slog.String("owner_id", owner),
				slog.String("error", err.Error()),
			)
			continue
		}
		if n > 0 {
			counter.Seed(owner, n)
			logger.Info("trade counter seeded",
				slog.String("owner_id", owner),
				slog.Int("trades_today", n),
			)
		}
	}
}

// openPositionLister is the slice of the position manager the feed
// subscription reads.
type openPositionLister interface {
	GetOpenPositions(ctx context.Context, ownerID string) ([]domain.Position, error)
}

// feedSymbols collects the distinct open-position symbols across owners in
// sorted order. These are the symbols whose ticks exit evaluation needs
// between snapshot refreshes.
func feedSymbols(ctx context.Context, positions openPositionLister, owners []string, logger *slog.Logger) []string {
	seen := map[string]bool{}
	var symbols []string
	for _, owner := range owners {
		open, err := positions.GetOpenPositions(ctx, owner)
		if err != nil {
			logger.Warn("feed symbols: open positions unavailable",
				slog.String("owner_id", owner),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, pos := range open {
			if !seen[pos.Symbol] {
				seen[pos.Symbol] = true
				symbols = append(symbols, pos.Symbol)
			}
		}
	}
	sort.Strings(symbols)
	return symbols
}

// refreshFeedSubscriptions keeps the tick feed subscribed to the open
// positions' symbols, re-deriving the set once per cycle interval so entries
// and exits from the latest cycle take effect.
func (a *App) refreshFeedSubscriptions(ctx context.Context, client *feed.Client, deps *Dependencies) error {
	subscribe := func() {
		symbols := feedSymbols(ctx, deps.Positions, a.cfg.Engine.Owners, a.logger)
		if err := client.Subscribe(symbols); err != nil {
			a.logger.Warn("feed subscription failed", slog.String("error", err.Error()))
		}
	}
	subscribe()

	ticker := time.NewTicker(a.cfg.Engine.CycleInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			subscribe()
		}
	}
}

// reloadCorrelations refreshes the leader-follower table periodically so a
// retrained pair file takes effect without a restart.
func (a *App) reloadCorrelations(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Strategy.LeaderFollower.ReloadInterval.Duration
	path := a.cfg.Strategy.LeaderFollower.CorrelationPath

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := deps.Correlates.Reload(path); err != nil {
				a.logger.Warn("correlation table reload failed",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				continue
			}
			a.logger.Debug("correlation table reloaded",
				slog.Int("pairs", deps.Correlates.Len()),
			)
		}
	}
}
