// Package config defines the top-level configuration for the trading engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by STOCKPILOT_* environment variables.
type Config struct {
	Broker   BrokerConfig   `toml:"broker"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Feed     FeedConfig     `toml:"feed"`
	Market   MarketConfig   `toml:"market"`
	Engine   EngineConfig   `toml:"engine"`
	Limits   LimitsConfig   `toml:"limits"`
	Strategy StrategyConfig `toml:"strategy"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BrokerConfig holds broker gateway endpoints and credentials. The API secret
// may be supplied raw or as an encrypted file plus password.
type BrokerConfig struct {
	Host                string `toml:"host"`
	AppKey              string `toml:"app_key"`
	AppSecret           string `toml:"app_secret"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`
	AccountNo           string `toml:"account_no"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for cold archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FeedConfig holds the market-data websocket feed parameters.
type FeedConfig struct {
	Enabled      bool     `toml:"enabled"`
	URL          string   `toml:"url"`
	ReconnectMin duration `toml:"reconnect_min"`
	ReconnectMax duration `toml:"reconnect_max"`
}

// MarketConfig defines the trading window and calendar.
type MarketConfig struct {
	Timezone  string   `toml:"timezone"`
	OpenTime  string   `toml:"open_time"`  // "HH:MM"
	CloseTime string   `toml:"close_time"` // "HH:MM"
	Holidays  []string `toml:"holidays"`   // "2006-01-02" dates
}

// EngineConfig holds cycle scheduling parameters.
type EngineConfig struct {
	Owners             []string `toml:"owners"`
	CycleInterval      duration `toml:"cycle_interval"`
	CycleDeadline      duration `toml:"cycle_deadline"`
	SnapshotMaxAge     duration `toml:"snapshot_max_age"`
	OwnerLockTTL       duration `toml:"owner_lock_ttl"`
	ReconcileOnStartup bool     `toml:"reconcile_on_startup"`
	// DryRun evaluates and reports every decision without placing orders or
	// recording positions. Orthogonal to the paper/trade gateway choice.
	DryRun bool `toml:"dry_run"`
}

// LimitsConfig holds the per-owner trading limits.
type LimitsConfig struct {
	CapitalPerSymbol  float64  `toml:"capital_per_symbol"`
	StopLossPct       float64  `toml:"stop_loss_pct"`
	TakeProfitPct     *float64 `toml:"take_profit_pct"` // nil disables take-profit checks
	MaxDailyTrades    int      `toml:"max_daily_trades"`
	MaxHoldings       int      `toml:"max_holdings"`
	MinEntryScore     float64  `toml:"min_entry_score"`
	MinHoldScore      float64  `toml:"min_hold_score"`
	MinVolumeRatio    float64  `toml:"min_volume_ratio"`
	OverheatChangePct float64  `toml:"overheat_change_pct"`
}

// StrategyParams holds one strategy's tunables: ATR exit multipliers plus the
// filter thresholds specific to that strategy.
type StrategyParams struct {
	Enabled        bool    `toml:"enabled"`
	Priority       int     `toml:"priority"`
	TargetMult     float64 `toml:"target_mult"`
	StopMult       float64 `toml:"stop_mult"`
	TrailingMult   float64 `toml:"trailing_mult"`
	TrailingPct    float64 `toml:"trailing_pct"`
	MaxHoldDays    int     `toml:"max_hold_days"`
	MaxPositions   int     `toml:"max_positions"`
	ScoreExitDrop  float64 `toml:"score_exit_drop"`
	MinScore       float64 `toml:"min_score"`
	MinChangePct   float64 `toml:"min_change_pct"`
	MaxChangePct   float64 `toml:"max_change_pct"`
	MinVolumeRatio float64 `toml:"min_volume_ratio"`
}

// LeaderFollowerParams extends StrategyParams with correlation settings.
type LeaderFollowerParams struct {
	StrategyParams
	CorrelationPath string   `toml:"correlation_path"`
	ReloadInterval  duration `toml:"reload_interval"`
	MinLeadPct      float64  `toml:"min_lead_pct"`
	MinGapPct       float64  `toml:"min_gap_pct"`
	ReversalFloor   float64  `toml:"reversal_floor"`
}

// StrategyConfig groups all strategy tunables.
type StrategyConfig struct {
	ScoreVersion   string               `toml:"score_version"`
	TrendFollowing StrategyParams       `toml:"trend_following"`
	Bounce         StrategyParams       `toml:"bounce"`
	LeaderFollower LeaderFollowerParams `toml:"leader_follower"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "stockpilot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "stockpilot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Feed: FeedConfig{
			Enabled:      true,
			ReconnectMin: duration{time.Second},
			ReconnectMax: duration{30 * time.Second},
		},
		Market: MarketConfig{
			Timezone:  "Asia/Seoul",
			OpenTime:  "09:00",
			CloseTime: "15:30",
		},
		Engine: EngineConfig{
			CycleInterval:      duration{5 * time.Minute},
			CycleDeadline:      duration{2 * time.Minute},
			SnapshotMaxAge:     duration{15 * time.Minute},
			OwnerLockTTL:       duration{3 * time.Minute},
			ReconcileOnStartup: true,
		},
		Limits: LimitsConfig{
			CapitalPerSymbol:  1_000_000,
			StopLossPct:       0.07,
			MaxDailyTrades:    10,
			MaxHoldings:       5,
			MinEntryScore:     60,
			MinHoldScore:      40,
			MinVolumeRatio:    1.5,
			OverheatChangePct: 25.0,
		},
		Strategy: StrategyConfig{
			ScoreVersion: "v2",
			TrendFollowing: StrategyParams{
				Enabled:        true,
				Priority:       3,
				TargetMult:     1.5,
				StopMult:       0.8,
				TrailingMult:   1.0,
				TrailingPct:    0.03,
				MaxHoldDays:    5,
				MaxPositions:   3,
				ScoreExitDrop:  30,
				MinScore:       70,
				MinChangePct:   1.0,
				MaxChangePct:   15.0,
				MinVolumeRatio: 2.0,
			},
			Bounce: StrategyParams{
				Enabled:        true,
				Priority:       2,
				TargetMult:     1.2,
				StopMult:       0.7,
				TrailingMult:   0.8,
				TrailingPct:    0.025,
				MaxHoldDays:    3,
				MaxPositions:   2,
				ScoreExitDrop:  30,
				MinScore:       55,
				MinChangePct:   -12.0,
				MaxChangePct:   -3.0,
				MinVolumeRatio: 1.2,
			},
			LeaderFollower: LeaderFollowerParams{
				StrategyParams: StrategyParams{
					Enabled:        false,
					Priority:       1,
					TargetMult:     1.2,
					StopMult:       0.8,
					TrailingMult:   0.9,
					TrailingPct:    0.03,
					MaxHoldDays:    2,
					MaxPositions:   2,
					ScoreExitDrop:  30,
					MinScore:       50,
					MinVolumeRatio: 1.0,
				},
				ReloadInterval: duration{time.Hour},
				MinLeadPct:     5.0,
				MinGapPct:      3.0,
				ReversalFloor:  1.0,
			},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Cron:          "0 18 * * 1-5",
			RetentionDays: 90,
		},
		Notify: NotifyConfig{
			Events: []string{"trade", "cycle", "error"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found. A validation failure is
// fatal at startup; the engine never runs on a broken configuration.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Broker credentials are mandatory only when orders can reach a real
	// gateway.
	if strings.ToLower(c.Mode) == "trade" {
		if c.Broker.Host == "" {
			errs = append(errs, "broker: host must not be empty for mode trade")
		}
		if c.Broker.AppKey == "" {
			errs = append(errs, "broker: app_key must not be empty for mode trade")
		}
		if c.Broker.AppSecret == "" && c.Broker.EncryptedSecretPath == "" {
			errs = append(errs, "broker: either app_secret or encrypted_secret_path must be set for mode trade")
		}
		if c.Broker.EncryptedSecretPath != "" && c.Broker.SecretPassword == "" {
			errs = append(errs, "broker: secret_password is required when encrypted_secret_path is set")
		}
		if c.Broker.AccountNo == "" {
			errs = append(errs, "broker: account_no must not be empty for mode trade")
		}
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.Feed.Enabled && c.Feed.URL == "" {
		errs = append(errs, "feed: url must not be empty when feed is enabled")
	}

	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("market: unknown timezone %q", c.Market.Timezone))
	}
	if err := validClock(c.Market.OpenTime); err != nil {
		errs = append(errs, fmt.Sprintf("market: open_time: %v", err))
	}
	if err := validClock(c.Market.CloseTime); err != nil {
		errs = append(errs, fmt.Sprintf("market: close_time: %v", err))
	}
	for _, h := range c.Market.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			errs = append(errs, fmt.Sprintf("market: holiday %q is not a YYYY-MM-DD date", h))
		}
	}

	if len(c.Engine.Owners) == 0 {
		errs = append(errs, "engine: at least one owner must be configured")
	}
	if c.Engine.CycleInterval.Duration <= 0 {
		errs = append(errs, "engine: cycle_interval must be positive")
	}
	if c.Engine.CycleDeadline.Duration <= 0 {
		errs = append(errs, "engine: cycle_deadline must be positive")
	}
	if c.Engine.SnapshotMaxAge.Duration <= 0 {
		errs = append(errs, "engine: snapshot_max_age must be positive")
	}

	if c.Limits.CapitalPerSymbol <= 0 {
		errs = append(errs, "limits: capital_per_symbol must be > 0")
	}
	if c.Limits.StopLossPct <= 0 || c.Limits.StopLossPct >= 1 {
		errs = append(errs, "limits: stop_loss_pct must be in (0,1)")
	}
	if c.Limits.TakeProfitPct != nil && *c.Limits.TakeProfitPct <= 0 {
		errs = append(errs, "limits: take_profit_pct must be > 0 when set")
	}
	if c.Limits.MaxDailyTrades < 1 {
		errs = append(errs, "limits: max_daily_trades must be >= 1")
	}
	if c.Limits.MaxHoldings < 1 {
		errs = append(errs, "limits: max_holdings must be >= 1")
	}

	for name, p := range map[string]StrategyParams{
		"trend_following": c.Strategy.TrendFollowing,
		"bounce":          c.Strategy.Bounce,
		"leader_follower": c.Strategy.LeaderFollower.StrategyParams,
	} {
		if !p.Enabled {
			continue
		}
		if p.TargetMult <= 0 || p.StopMult <= 0 {
			errs = append(errs, fmt.Sprintf("strategy.%s: target_mult and stop_mult must be > 0", name))
		}
		if p.TrailingPct <= 0 || p.TrailingPct >= 1 {
			errs = append(errs, fmt.Sprintf("strategy.%s: trailing_pct must be in (0,1)", name))
		}
		if p.MaxHoldDays < 1 {
			errs = append(errs, fmt.Sprintf("strategy.%s: max_hold_days must be >= 1", name))
		}
		if p.MaxPositions < 1 {
			errs = append(errs, fmt.Sprintf("strategy.%s: max_positions must be >= 1", name))
		}
	}
	if c.Strategy.LeaderFollower.Enabled && c.Strategy.LeaderFollower.CorrelationPath == "" {
		errs = append(errs, "strategy.leader_follower: correlation_path must be set when enabled")
	}
	if c.Strategy.ScoreVersion == "" {
		errs = append(errs, "strategy: score_version must not be empty")
	}

	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if strings.TrimSpace(c.Archive.Cron) == "" {
			errs = append(errs, "archive: cron must not be empty when archive is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validClock checks an "HH:MM" wall-clock string.
func validClock(s string) error {
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("%q is not an HH:MM time", s)
	}
	return nil
}
