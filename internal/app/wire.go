package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/stockpilot/stockpilot/internal/blob/s3"
	"github.com/stockpilot/stockpilot/internal/cache/redis"
	"github.com/stockpilot/stockpilot/internal/config"
	"github.com/stockpilot/stockpilot/internal/domain"
	"github.com/stockpilot/stockpilot/internal/engine"
	"github.com/stockpilot/stockpilot/internal/notify"
	"github.com/stockpilot/stockpilot/internal/service"
	"github.com/stockpilot/stockpilot/internal/store/postgres"
	"github.com/stockpilot/stockpilot/internal/strategy"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache    domain.PriceCache
	SnapshotCache domain.SnapshotCache
	Blacklist     domain.DayBlacklist
	LockManager   domain.LockManager

	// Services
	Counter    *service.TradeCounter
	Positions  *service.PositionManager
	Risk       *service.RiskManager
	Exits      *service.ExitManager
	Registry   *strategy.Registry
	Engine     *strategy.Engine
	Calendar   *engine.MarketCalendar
	Correlates *strategy.CorrelationTable

	// Archival (nil unless enabled)
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Market timezone
	Location *time.Location
}

// Wire constructs all dependency implementations from the configuration. The
// returned cleanup releases resources in reverse construction order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	calendar, err := engine.NewMarketCalendar(
		cfg.Market.Timezone, cfg.Market.OpenTime, cfg.Market.CloseTime, cfg.Market.Holidays,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: market calendar: %w", err)
	}
	deps.Calendar = calendar
	deps.Location = calendar.Location()

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	positionStore := postgres.NewPositionStore(pgClient.Pool())
	auditStore := postgres.NewAuditStore(pgClient.Pool())
	deps.PositionStore = positionStore
	deps.AuditStore = auditStore

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.SnapshotCache = redis.NewSnapshotCache(redisClient, cfg.Engine.SnapshotMaxAge.Duration*2)
	deps.Blacklist = redis.NewDayBlacklist(redisClient, deps.Location)
	deps.LockManager = redis.NewLockManager(redisClient)

	// --- Services ---
	deps.Counter = service.NewTradeCounter(deps.Location)
	limits := tradingLimits(cfg)
	deps.Positions = service.NewPositionManager(
		positionStore, auditStore,
		strategyMultipliers(cfg), limits,
		deps.Counter, logger,
	)
	deps.Risk = service.NewRiskManager(limits, deps.Counter, deps.Blacklist, logger)
	deps.Exits = service.NewExitManager(deps.Positions, deps.PriceCache, deps.Blacklist, logger)

	// --- Strategies ---
	registry, correlates, err := buildStrategies(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: strategies: %w", err)
	}
	deps.Registry = registry
	deps.Correlates = correlates
	deps.Engine = strategy.NewEngine(registry, logger)

	// --- Archival ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), positionStore, auditStore)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, []string{cfg.Notify.TelegramChatID}))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// tradingLimits projects the limits config onto the domain struct.
func tradingLimits(cfg *config.Config) domain.TradingLimits {
	return domain.TradingLimits{
		CapitalPerSymbol:  cfg.Limits.CapitalPerSymbol,
		StopLossPct:       cfg.Limits.StopLossPct,
		TakeProfitPct:     cfg.Limits.TakeProfitPct,
		MaxDailyTrades:    cfg.Limits.MaxDailyTrades,
		MaxHoldings:       cfg.Limits.MaxHoldings,
		MinEntryScore:     cfg.Limits.MinEntryScore,
		MinHoldScore:      cfg.Limits.MinHoldScore,
		MinVolumeRatio:    cfg.Limits.MinVolumeRatio,
		OverheatChangePct: cfg.Limits.OverheatChangePct,
	}
}

// multipliers projects strategy params onto the exit-price multipliers.
func multipliers(p config.StrategyParams) domain.StrategyMultipliers {
	return domain.StrategyMultipliers{
		Target:        p.TargetMult,
		Stop:          p.StopMult,
		Trailing:      p.TrailingMult,
		TrailingPct:   p.TrailingPct,
		MaxHoldDays:   p.MaxHoldDays,
		MaxPositions:  p.MaxPositions,
		ScoreExitDrop: p.ScoreExitDrop,
	}
}

// filterParams projects strategy params onto the candidate-filter tunables.
func filterParams(p config.StrategyParams) strategy.Params {
	return strategy.Params{
		Priority:       p.Priority,
		MaxPositions:   p.MaxPositions,
		MinScore:       p.MinScore,
		MinChangePct:   p.MinChangePct,
		MaxChangePct:   p.MaxChangePct,
		MinVolumeRatio: p.MinVolumeRatio,
	}
}

// strategyMultipliers keys the multipliers by strategy tag for the position
// manager.
func strategyMultipliers(cfg *config.Config) map[string]domain.StrategyMultipliers {
	return map[string]domain.StrategyMultipliers{
		"trend_following":   multipliers(cfg.Strategy.TrendFollowing),
		"contrarian_bounce": multipliers(cfg.Strategy.Bounce),
		"leader_follower":   multipliers(cfg.Strategy.LeaderFollower.StrategyParams),
	}
}

// buildStrategies registers every enabled strategy.
func buildStrategies(cfg *config.Config, logger *slog.Logger) (*strategy.Registry, *strategy.CorrelationTable, error) {
	registry := strategy.NewRegistry()

	if cfg.Strategy.TrendFollowing.Enabled {
		registry.Register(strategy.NewTrendFollowing(filterParams(cfg.Strategy.TrendFollowing), logger))
	}
	if cfg.Strategy.Bounce.Enabled {
		registry.Register(strategy.NewContrarianBounce(filterParams(cfg.Strategy.Bounce), logger))
	}

	var table *strategy.CorrelationTable
	if cfg.Strategy.LeaderFollower.Enabled {
		var err error
		table, err = strategy.LoadCorrelationTable(cfg.Strategy.LeaderFollower.CorrelationPath)
		if err != nil {
			return nil, nil, err
		}
		lf := strategy.LeaderFollowerConfig{
			Params:        filterParams(cfg.Strategy.LeaderFollower.StrategyParams),
			MinLeadPct:    cfg.Strategy.LeaderFollower.MinLeadPct,
			MinGapPct:     cfg.Strategy.LeaderFollower.MinGapPct,
			ReversalFloor: cfg.Strategy.LeaderFollower.ReversalFloor,
		}
		registry.Register(strategy.NewLeaderFollower(lf, table, logger))
	}

	return registry, table, nil
}
