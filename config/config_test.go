package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/expense-engine/engine"
)

// isolate runs the test in an empty directory so no stray expenses.yaml
// or .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv(EnvPrefix+"_ENV_FILE", "")
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "expenses.db", cfg.Database.DSN)
	assert.Equal(t, 5*time.Minute, cfg.Database.MaxIdleTime)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 10, cfg.Generation.BatchSize)
	assert.True(t, cfg.Generation.Parallel)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "0 */6 * * *", cfg.Scheduler.Schedule)
	assert.Equal(t, "America/Argentina/Buenos_Aires", cfg.Scheduler.Timezone)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.MaxInterval)
	assert.Equal(t, 2.0, cfg.Scheduler.BackoffMultiplier)
	assert.Empty(t, cfg.Holidays)

	rate, err := cfg.USDRate()
	require.NoError(t, err)
	assert.Equal(t, "1000", rate.String())
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	isolate(t)
	t.Setenv("EXPENSES_LOG_LEVEL", "debug")
	t.Setenv("EXPENSES_LOG_FORMAT", "json")
	t.Setenv("EXPENSES_DATABASE_DRIVER", "postgres")
	t.Setenv("EXPENSES_DATABASE_DSN", "postgres://u:p@localhost/expenses?sslmode=disable")
	t.Setenv("EXPENSES_SCHEDULER_MAX_ATTEMPTS", "5")
	t.Setenv("EXPENSES_SCHEDULER_MIN_INTERVAL", "30m")
	t.Setenv("EXPENSES_HOLIDAYS", "2025-05-01,2025-12-25")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.MinInterval)
	assert.Equal(t, []string{"2025-05-01", "2025-12-25"}, cfg.Holidays)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: warn
scheduler:
  schedule: "0 2 * * *"
  timezone: UTC
  adaptive_scheduling: false
generation:
  batch_size: 25
holidays:
  - "2025-03-24"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "0 2 * * *", cfg.Scheduler.Schedule)
	assert.False(t, cfg.Scheduler.AdaptiveScheduling)
	assert.Equal(t, 25, cfg.Generation.BatchSize)

	holidays, err := cfg.HolidayCalendar()
	require.NoError(t, err)
	assert.True(t, holidays.IsHoliday(engine.MustParseDate("2025-03-24")))
}

func TestLoad_DefaultFileAndDotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "expenses.yaml"), []byte("server:\n  port: 9090\n"), 0o600))
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("EXPENSES_CURRENCY_USD_RATE=1185.5\n"), 0o600))
	t.Setenv(EnvPrefix+"_ENV_FILE", envFile)
	t.Cleanup(func() { os.Unsetenv("EXPENSES_CURRENCY_USD_RATE") })

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "1185.5", cfg.Currency.USDRate)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"batch size", func(c *Config) { c.Generation.BatchSize = 0 }},
		{"schedule", func(c *Config) { c.Scheduler.Schedule = "every day" }},
		{"retry schedule", func(c *Config) { c.Scheduler.RetrySchedule = "* * *" }},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{"max attempts", func(c *Config) { c.Scheduler.MaxAttempts = 0 }},
		{"queue size", func(c *Config) { c.Scheduler.RetryQueueSize = 0 }},
		{"backoff multiplier", func(c *Config) { c.Scheduler.BackoffMultiplier = 1 }},
		{"interval bounds", func(c *Config) { c.Scheduler.MinInterval = 48 * time.Hour }},
		{"usd rate", func(c *Config) { c.Currency.USDRate = "-3" }},
		{"holiday", func(c *Config) { c.Holidays = []string{"25/12/2025"} }},
	}

	isolate(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSchedulerConfig(t *testing.T) {
	isolate(t)
	t.Setenv("EXPENSES_HOLIDAYS", "2025-05-01")
	t.Setenv("EXPENSES_GENERATION_BATCH_SIZE", "20")

	cfg, err := Load("")
	require.NoError(t, err)
	sc, err := cfg.SchedulerConfig()
	require.NoError(t, err)

	assert.Equal(t, "America/Argentina/Buenos_Aires", sc.Location.String())
	assert.Equal(t, 20, sc.BatchSize)
	assert.Equal(t, time.Hour, sc.MinInterval)
	require.NotNil(t, sc.Holidays)
	assert.True(t, sc.Holidays.IsHoliday(engine.MustParseDate("2025-05-01")))

	opts := cfg.DBOptions()
	assert.Equal(t, 10, opts.MaxOpenConns)
}

func TestDump(t *testing.T) {
	isolate(t)
	t.Setenv("EXPENSES_DATABASE_DSN", "postgres://user:secret@db/expenses")

	cfg, err := Load("")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.Dump(&buf))
	out := buf.String()

	assert.Contains(t, out, "0 */6 * * *")
	assert.Contains(t, out, "max_interval: 24h0m0s")
	assert.NotContains(t, out, "secret")
}
