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
// built-in defaults, applies ALLOCBOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known ALLOCBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Capital ──
	setStr(&cfg.Capital.Total, "ALLOCBOT_CAPITAL_TOTAL")
	setDuration(&cfg.Capital.ReservationTTL, "ALLOCBOT_CAPITAL_RESERVATION_TTL")
	setDuration(&cfg.Capital.SweepInterval, "ALLOCBOT_CAPITAL_SWEEP_INTERVAL")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.TickInterval, "ALLOCBOT_SCHEDULER_TICK_INTERVAL")
	setInt(&cfg.Scheduler.MaxConcurrent, "ALLOCBOT_SCHEDULER_MAX_CONCURRENT")
	setInt(&cfg.Scheduler.QueueCapacity, "ALLOCBOT_SCHEDULER_QUEUE_CAPACITY")
	setDuration(&cfg.Scheduler.MaxResidency, "ALLOCBOT_SCHEDULER_MAX_RESIDENCY")
	setStr(&cfg.Scheduler.DeniedPolicy, "ALLOCBOT_SCHEDULER_DENIED_POLICY")
	setDuration(&cfg.Scheduler.RequeueCooldown, "ALLOCBOT_SCHEDULER_REQUEUE_COOLDOWN")
	setInt(&cfg.Scheduler.MaxRequeues, "ALLOCBOT_SCHEDULER_MAX_REQUEUES")
	setDuration(&cfg.Scheduler.ExecutionTimeout, "ALLOCBOT_SCHEDULER_EXECUTION_TIMEOUT")

	// ── Scoring ──
	setFloat64(&cfg.Scoring.ProfitWeight, "ALLOCBOT_SCORING_PROFIT_WEIGHT")
	setFloat64(&cfg.Scoring.RiskWeight, "ALLOCBOT_SCORING_RISK_WEIGHT")
	setFloat64(&cfg.Scoring.CapitalEfficiencyWeight, "ALLOCBOT_SCORING_CAPITAL_EFFICIENCY_WEIGHT")
	setFloat64(&cfg.Scoring.StrategyBonusWeight, "ALLOCBOT_SCORING_STRATEGY_BONUS_WEIGHT")
	setInt(&cfg.Scoring.WindowSize, "ALLOCBOT_SCORING_WINDOW_SIZE")

	// ── Reweigh ──
	setBool(&cfg.Reweigh.Enabled, "ALLOCBOT_REWEIGH_ENABLED")
	setDuration(&cfg.Reweigh.Interval, "ALLOCBOT_REWEIGH_INTERVAL")
	setFloat64(&cfg.Reweigh.BaselineWinRate, "ALLOCBOT_REWEIGH_BASELINE_WIN_RATE")
	setFloat64(&cfg.Reweigh.Gain, "ALLOCBOT_REWEIGH_GAIN")
	setFloat64(&cfg.Reweigh.MinWeight, "ALLOCBOT_REWEIGH_MIN_WEIGHT")
	setFloat64(&cfg.Reweigh.MaxWeight, "ALLOCBOT_REWEIGH_MAX_WEIGHT")
	setInt64(&cfg.Reweigh.MinSamples, "ALLOCBOT_REWEIGH_MIN_SAMPLES")

	// ── Risk ──
	setStr(&cfg.Risk.MaxStrategyExposure, "ALLOCBOT_RISK_MAX_STRATEGY_EXPOSURE")
	setFloat64(&cfg.Risk.MaxLeverageRatio, "ALLOCBOT_RISK_MAX_LEVERAGE_RATIO")
	setFloat64(&cfg.Risk.PortfolioHeatLimit, "ALLOCBOT_RISK_PORTFOLIO_HEAT_LIMIT")
	setInt(&cfg.Risk.ConsecutiveLossLimit, "ALLOCBOT_RISK_CONSECUTIVE_LOSS_LIMIT")
	setStr(&cfg.Risk.MaxDrawdown, "ALLOCBOT_RISK_MAX_DRAWDOWN")
	setDuration(&cfg.Risk.BreakerCooldown, "ALLOCBOT_RISK_BREAKER_COOLDOWN")

	// ── Paper ──
	setDuration(&cfg.Paper.Latency, "ALLOCBOT_PAPER_LATENCY")
	setFloat64(&cfg.Paper.WinRate, "ALLOCBOT_PAPER_WIN_RATE")
	setDuration(&cfg.Paper.OpportunityInterval, "ALLOCBOT_PAPER_OPPORTUNITY_INTERVAL")
	setInt64(&cfg.Paper.Seed, "ALLOCBOT_PAPER_SEED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ALLOCBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ALLOCBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ALLOCBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ALLOCBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ALLOCBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ALLOCBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ALLOCBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ALLOCBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ALLOCBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ALLOCBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ALLOCBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ALLOCBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ALLOCBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ALLOCBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ALLOCBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ALLOCBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ALLOCBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ALLOCBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ALLOCBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ALLOCBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ALLOCBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ALLOCBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ALLOCBOT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ALLOCBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "ALLOCBOT_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "ALLOCBOT_ARCHIVE_CRON")
	setDuration(&cfg.Archive.StatusInterval, "ALLOCBOT_ARCHIVE_STATUS_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ALLOCBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ALLOCBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ALLOCBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ALLOCBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ALLOCBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ALLOCBOT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ALLOCBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ALLOCBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ALLOCBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ALLOCBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ALLOCBOT_MODE")
	setStr(&cfg.LogLevel, "ALLOCBOT_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
