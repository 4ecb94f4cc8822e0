package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidate_PaperModeSkipsBackends(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "paper"
	cfg.Postgres = PostgresConfig{}
	cfg.Redis = RedisConfig{}
	cfg.S3 = S3Config{}
	require.NoError(t, cfg.Validate())
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "turbo"
	cfg.Scheduler.MaxConcurrent = 0
	cfg.Scheduler.DeniedPolicy = "retry"
	cfg.Paper.WinRate = 1.5

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "max_concurrent")
	assert.Contains(t, err.Error(), "denied_policy")
	assert.Contains(t, err.Error(), "win_rate")
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "paper"

[capital]
total = "50000"
reservation_ttl = "45s"

[scheduler]
max_concurrent = 8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, "50000", cfg.Capital.Total)
	assert.Equal(t, 45*time.Second, cfg.Capital.ReservationTTL.Duration)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrent)
	// Untouched sections keep their defaults.
	assert.Equal(t, 1024, cfg.Scheduler.QueueCapacity)
	assert.Equal(t, "requeue", cfg.Scheduler.DeniedPolicy)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[capital]
total = "50000"
`), 0o600))

	t.Setenv("ALLOCBOT_CAPITAL_TOTAL", "75000")
	t.Setenv("ALLOCBOT_SCHEDULER_TICK_INTERVAL", "25ms")
	t.Setenv("ALLOCBOT_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "75000", cfg.Capital.Total)
	assert.Equal(t, 25*time.Millisecond, cfg.Scheduler.TickInterval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.S3.SecretKey = "secret"
	cfg.Server.APIKey = "key"
	cfg.Redis.Password = ""

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Empty(t, red.Redis.Password)
	// Original is untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}
