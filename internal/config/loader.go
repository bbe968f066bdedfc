package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies STOCKPILOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known STOCKPILOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This lets
// operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.Host, "STOCKPILOT_BROKER_HOST")
	setStr(&cfg.Broker.AppKey, "STOCKPILOT_BROKER_APP_KEY")
	setStr(&cfg.Broker.AppSecret, "STOCKPILOT_BROKER_APP_SECRET")
	setStr(&cfg.Broker.EncryptedSecretPath, "STOCKPILOT_BROKER_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Broker.SecretPassword, "STOCKPILOT_BROKER_SECRET_PASSWORD")
	setStr(&cfg.Broker.AccountNo, "STOCKPILOT_BROKER_ACCOUNT_NO")

	// ── Database ──
	setStr(&cfg.Database.DSN, "STOCKPILOT_DATABASE_DSN")
	setStr(&cfg.Database.Host, "STOCKPILOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "STOCKPILOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "STOCKPILOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "STOCKPILOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "STOCKPILOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "STOCKPILOT_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "STOCKPILOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "STOCKPILOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "STOCKPILOT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "STOCKPILOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STOCKPILOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STOCKPILOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STOCKPILOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STOCKPILOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STOCKPILOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "STOCKPILOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STOCKPILOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "STOCKPILOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "STOCKPILOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STOCKPILOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "STOCKPILOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "STOCKPILOT_S3_FORCE_PATH_STYLE")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "STOCKPILOT_FEED_ENABLED")
	setStr(&cfg.Feed.URL, "STOCKPILOT_FEED_URL")

	// ── Market ──
	setStr(&cfg.Market.Timezone, "STOCKPILOT_MARKET_TIMEZONE")
	setStr(&cfg.Market.OpenTime, "STOCKPILOT_MARKET_OPEN_TIME")
	setStr(&cfg.Market.CloseTime, "STOCKPILOT_MARKET_CLOSE_TIME")
	setStringSlice(&cfg.Market.Holidays, "STOCKPILOT_MARKET_HOLIDAYS")

	// ── Engine ──
	setStringSlice(&cfg.Engine.Owners, "STOCKPILOT_ENGINE_OWNERS")
	setDuration(&cfg.Engine.CycleInterval, "STOCKPILOT_ENGINE_CYCLE_INTERVAL")
	setDuration(&cfg.Engine.CycleDeadline, "STOCKPILOT_ENGINE_CYCLE_DEADLINE")
	setDuration(&cfg.Engine.SnapshotMaxAge, "STOCKPILOT_ENGINE_SNAPSHOT_MAX_AGE")
	setDuration(&cfg.Engine.OwnerLockTTL, "STOCKPILOT_ENGINE_OWNER_LOCK_TTL")

	// ── Limits ──
	setFloat64(&cfg.Limits.CapitalPerSymbol, "STOCKPILOT_LIMITS_CAPITAL_PER_SYMBOL")
	setFloat64(&cfg.Limits.StopLossPct, "STOCKPILOT_LIMITS_STOP_LOSS_PCT")
	setFloat64Ptr(&cfg.Limits.TakeProfitPct, "STOCKPILOT_LIMITS_TAKE_PROFIT_PCT")
	setInt(&cfg.Limits.MaxDailyTrades, "STOCKPILOT_LIMITS_MAX_DAILY_TRADES")
	setInt(&cfg.Limits.MaxHoldings, "STOCKPILOT_LIMITS_MAX_HOLDINGS")
	setFloat64(&cfg.Limits.MinEntryScore, "STOCKPILOT_LIMITS_MIN_ENTRY_SCORE")
	setFloat64(&cfg.Limits.MinHoldScore, "STOCKPILOT_LIMITS_MIN_HOLD_SCORE")
	setFloat64(&cfg.Limits.MinVolumeRatio, "STOCKPILOT_LIMITS_MIN_VOLUME_RATIO")
	setFloat64(&cfg.Limits.OverheatChangePct, "STOCKPILOT_LIMITS_OVERHEAT_CHANGE_PCT")

	// ── Strategy ──
	setStr(&cfg.Strategy.ScoreVersion, "STOCKPILOT_STRATEGY_SCORE_VERSION")
	setBool(&cfg.Strategy.TrendFollowing.Enabled, "STOCKPILOT_STRATEGY_TREND_FOLLOWING_ENABLED")
	setBool(&cfg.Strategy.Bounce.Enabled, "STOCKPILOT_STRATEGY_BOUNCE_ENABLED")
	setBool(&cfg.Strategy.LeaderFollower.Enabled, "STOCKPILOT_STRATEGY_LEADER_FOLLOWER_ENABLED")
	setStr(&cfg.Strategy.LeaderFollower.CorrelationPath, "STOCKPILOT_STRATEGY_LEADER_FOLLOWER_CORRELATION_PATH")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "STOCKPILOT_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "STOCKPILOT_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "STOCKPILOT_ARCHIVE_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "STOCKPILOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STOCKPILOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STOCKPILOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STOCKPILOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "STOCKPILOT_MODE")
	setStr(&cfg.LogLevel, "STOCKPILOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setFloat64Ptr(dst **float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = &f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
