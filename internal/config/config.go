// Package config defines the top-level configuration for the allocation
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ALLOCBOT_* environment variables.
type Config struct {
	Capital   CapitalConfig   `toml:"capital"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Scoring   ScoringConfig   `toml:"scoring"`
	Reweigh   ReweighConfig   `toml:"reweigh"`
	Risk      RiskConfig      `toml:"risk"`
	Paper     PaperConfig     `toml:"paper"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// CapitalConfig holds the capital pool parameters.
type CapitalConfig struct {
	// Total is the pool size in quote currency, as a decimal string.
	Total string `toml:"total"`
	// ReservationTTL bounds how long a reservation may stay live before the
	// expiry sweep reclaims it.
	ReservationTTL duration `toml:"reservation_ttl"`
	// SweepInterval is the background expiry-sweep period.
	SweepInterval duration `toml:"sweep_interval"`
}

// SchedulerConfig holds the decision-loop parameters.
type SchedulerConfig struct {
	TickInterval  duration `toml:"tick_interval"`
	MaxConcurrent int      `toml:"max_concurrent"`
	QueueCapacity int      `toml:"queue_capacity"`
	MaxResidency  duration `toml:"max_residency"`
	// DeniedPolicy is "requeue" or "drop".
	DeniedPolicy    string   `toml:"denied_policy"`
	RequeueCooldown duration `toml:"requeue_cooldown"`
	MaxRequeues     int      `toml:"max_requeues"`
	// ExecutionTimeout bounds how long a dispatched execution may stay
	// unresolved before it is counted as failed.
	ExecutionTimeout duration `toml:"execution_timeout"`
}

// ScoringConfig holds the scoring weights and the adaptive-feedback window.
type ScoringConfig struct {
	ProfitWeight            float64 `toml:"profit_weight"`
	RiskWeight              float64 `toml:"risk_weight"`
	CapitalEfficiencyWeight float64 `toml:"capital_efficiency_weight"`
	StrategyBonusWeight     float64 `toml:"strategy_bonus_weight"`
	// WindowSize is the number of recent results the rolling win rate is
	// computed over.
	WindowSize int `toml:"window_size"`
}

// ReweighConfig holds the adaptive-weight feedback parameters.
type ReweighConfig struct {
	Enabled         bool     `toml:"enabled"`
	Interval        duration `toml:"interval"`
	BaselineWinRate float64  `toml:"baseline_win_rate"`
	Gain            float64  `toml:"gain"`
	MinWeight       float64  `toml:"min_weight"`
	MaxWeight       float64  `toml:"max_weight"`
	MinSamples      int64    `toml:"min_samples"`
}

// RiskConfig holds the pre-dispatch risk limits and breaker thresholds.
type RiskConfig struct {
	// MaxStrategyExposure caps live reserved capital per strategy, as a
	// decimal string. Empty disables the check.
	MaxStrategyExposure string  `toml:"max_strategy_exposure"`
	MaxLeverageRatio    float64 `toml:"max_leverage_ratio"`
	PortfolioHeatLimit  float64 `toml:"portfolio_heat_limit"`

	// ConsecutiveLossLimit trips the breaker after this many losses in a
	// row. Zero disables the streak trigger.
	ConsecutiveLossLimit int `toml:"consecutive_loss_limit"`
	// MaxDrawdown trips the breaker on this drawdown from peak profit, as a
	// decimal string. Empty disables the drawdown trigger.
	MaxDrawdown string `toml:"max_drawdown"`
	// BreakerCooldown auto-resets the breaker after this long. Zero means
	// manual reset only.
	BreakerCooldown duration `toml:"breaker_cooldown"`
}

// PaperConfig holds the simulated executor parameters for paper mode.
type PaperConfig struct {
	Latency duration `toml:"latency"`
	WinRate float64  `toml:"win_rate"`
	// OpportunityInterval is the mean time between synthetic opportunities.
	OpportunityInterval duration `toml:"opportunity_interval"`
	// Seed makes paper runs reproducible. Zero seeds from the clock.
	Seed int64 `toml:"seed"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds history-archiving parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
	// StatusInterval is the period of the status-cache refresh job.
	StatusInterval duration `toml:"status_interval"`
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// rate limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Capital: CapitalConfig{
			Total:          "10000",
			ReservationTTL: duration{30 * time.Second},
			SweepInterval:  duration{time.Second},
		},
		Scheduler: SchedulerConfig{
			TickInterval:     duration{10 * time.Millisecond},
			MaxConcurrent:    4,
			QueueCapacity:    1024,
			MaxResidency:     duration{5 * time.Minute},
			DeniedPolicy:     "requeue",
			RequeueCooldown:  duration{500 * time.Millisecond},
			MaxRequeues:      3,
			ExecutionTimeout: duration{30 * time.Second},
		},
		Scoring: ScoringConfig{
			ProfitWeight:            1.0,
			RiskWeight:              0.5,
			CapitalEfficiencyWeight: 0.3,
			StrategyBonusWeight:     0.2,
			WindowSize:              50,
		},
		Reweigh: ReweighConfig{
			Enabled:         true,
			Interval:        duration{30 * time.Second},
			BaselineWinRate: 0.5,
			Gain:            0.1,
			MinWeight:       0.25,
			MaxWeight:       2.0,
			MinSamples:      10,
		},
		Risk: RiskConfig{
			MaxStrategyExposure:  "2500",
			MaxLeverageRatio:     1.0,
			PortfolioHeatLimit:   0.5,
			ConsecutiveLossLimit: 5,
			MaxDrawdown:          "500",
			BreakerCooldown:      duration{0},
		},
		Paper: PaperConfig{
			Latency:             duration{50 * time.Millisecond},
			WinRate:             0.6,
			OpportunityInterval: duration{250 * time.Millisecond},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
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
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "allocbot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:        true,
			RetentionDays:  90,
			Cron:           "0 3 1 * *",
			StatusInterval: duration{5 * time.Second},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   0,
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"breaker_tripped", "breaker_reset"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"paper":  true,
	"full":   true,
	"server": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDeniedPolicies enumerates the accepted scheduler denied policies.
var validDeniedPolicies = map[string]bool{
	"requeue": true,
	"drop":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, full, server)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Capital
	if strings.TrimSpace(c.Capital.Total) == "" {
		errs = append(errs, "capital: total must not be empty")
	}
	if c.Capital.ReservationTTL.Duration <= 0 {
		errs = append(errs, "capital: reservation_ttl must be positive")
	}

	// Scheduler
	if c.Scheduler.MaxConcurrent < 1 {
		errs = append(errs, "scheduler: max_concurrent must be >= 1")
	}
	if c.Scheduler.QueueCapacity < 1 {
		errs = append(errs, "scheduler: queue_capacity must be >= 1")
	}
	if !validDeniedPolicies[strings.ToLower(c.Scheduler.DeniedPolicy)] {
		errs = append(errs, fmt.Sprintf("scheduler: unknown denied_policy %q (valid: requeue, drop)", c.Scheduler.DeniedPolicy))
	}
	if c.Scheduler.MaxRequeues < 0 {
		errs = append(errs, "scheduler: max_requeues must be >= 0")
	}
	if c.Scheduler.ExecutionTimeout.Duration <= 0 {
		errs = append(errs, "scheduler: execution_timeout must be positive")
	}

	// Scoring
	if c.Scoring.ProfitWeight < 0 || c.Scoring.RiskWeight < 0 ||
		c.Scoring.CapitalEfficiencyWeight < 0 || c.Scoring.StrategyBonusWeight < 0 {
		errs = append(errs, "scoring: weights must be non-negative")
	}
	if c.Scoring.WindowSize < 1 {
		errs = append(errs, "scoring: window_size must be >= 1")
	}

	// Reweigh
	if c.Reweigh.Enabled {
		if c.Reweigh.Interval.Duration <= 0 {
			errs = append(errs, "reweigh: interval must be positive when enabled")
		}
		if c.Reweigh.MinWeight > c.Reweigh.MaxWeight {
			errs = append(errs, "reweigh: min_weight must not exceed max_weight")
		}
	}

	// Risk
	if c.Risk.MaxLeverageRatio < 0 {
		errs = append(errs, "risk: max_leverage_ratio must be >= 0")
	}
	if c.Risk.PortfolioHeatLimit < 0 {
		errs = append(errs, "risk: portfolio_heat_limit must be >= 0")
	}
	if c.Risk.ConsecutiveLossLimit < 0 {
		errs = append(errs, "risk: consecutive_loss_limit must be >= 0")
	}

	// Paper
	if c.Paper.WinRate < 0 || c.Paper.WinRate > 1 {
		errs = append(errs, fmt.Sprintf("paper: win_rate must be in [0, 1], got %g", c.Paper.WinRate))
	}

	mode := strings.ToLower(c.Mode)
	needsBackends := mode == "full" || mode == "server"

	// Postgres — only required when the process persists or serves history.
	if needsBackends {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}

		// Redis
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 — required only when archiving is on.
	if needsBackends && c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
