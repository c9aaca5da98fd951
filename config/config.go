// Package config provides Viper-based hierarchical configuration for the
// expense engine: defaults, an optional YAML file, a .env file and
// EXPENSES_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // timezone names must resolve in minimal containers

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/warp/expense-engine/engine"
	"github.com/warp/expense-engine/logging"
	"github.com/warp/expense-engine/scheduler"
	"github.com/warp/expense-engine/store/sqldb"
)

// EnvPrefix prefixes every environment override, e.g. EXPENSES_LOG_LEVEL.
const EnvPrefix = "EXPENSES"

// Config represents the complete application configuration.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level" yaml:"level"`
		Format string `mapstructure:"format" yaml:"format"`
	} `mapstructure:"log" yaml:"log"`

	Database struct {
		Driver       string        `mapstructure:"driver" yaml:"driver"`
		DSN          string        `mapstructure:"dsn" yaml:"-"` // may carry credentials
		MaxOpenConns int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
		MaxIdleConns int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
		MaxIdleTime  time.Duration `mapstructure:"max_idle_time" yaml:"max_idle_time"`
	} `mapstructure:"database" yaml:"database"`

	Server struct {
		Port            int           `mapstructure:"port" yaml:"port"`
		AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	} `mapstructure:"server" yaml:"server"`

	Generation struct {
		BatchSize int  `mapstructure:"batch_size" yaml:"batch_size"`
		Parallel  bool `mapstructure:"parallel" yaml:"parallel"`
	} `mapstructure:"generation" yaml:"generation"`

	Scheduler struct {
		Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
		Schedule            string        `mapstructure:"schedule" yaml:"schedule"`
		Timezone            string        `mapstructure:"timezone" yaml:"timezone"`
		RunOnStartup        bool          `mapstructure:"run_on_startup" yaml:"run_on_startup"`
		RetryEnabled        bool          `mapstructure:"retry_enabled" yaml:"retry_enabled"`
		AdaptiveScheduling  bool          `mapstructure:"adaptive_scheduling" yaml:"adaptive_scheduling"`
		RetrySchedule       string        `mapstructure:"retry_schedule" yaml:"retry_schedule"`
		MonitorSchedule     string        `mapstructure:"monitor_schedule" yaml:"monitor_schedule"`
		TunerSchedule       string        `mapstructure:"tuner_schedule" yaml:"tuner_schedule"`
		MaintenanceSchedule string        `mapstructure:"maintenance_schedule" yaml:"maintenance_schedule"`
		MaxAttempts         int           `mapstructure:"max_attempts" yaml:"max_attempts"`
		RetryQueueSize      int           `mapstructure:"retry_queue_size" yaml:"retry_queue_size"`
		RetryMaxAge         time.Duration `mapstructure:"retry_max_age" yaml:"retry_max_age"`
		BackoffMultiplier   float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
		MinInterval         time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
		MaxInterval         time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
		LatencyCeiling      time.Duration `mapstructure:"latency_ceiling" yaml:"latency_ceiling"`
		QueueWarnSize       int           `mapstructure:"queue_warn_size" yaml:"queue_warn_size"`
		IdleReset           time.Duration `mapstructure:"idle_reset" yaml:"idle_reset"`
	} `mapstructure:"scheduler" yaml:"scheduler"`

	Currency struct {
		USDRate string `mapstructure:"usd_rate" yaml:"usd_rate"` // ARS per USD
	} `mapstructure:"currency" yaml:"currency"`

	Holidays []string `mapstructure:"holidays" yaml:"holidays"`
}

// Load reads the configuration. path names a YAML file; when empty,
// expenses.yaml is looked up in the working directory and
// $HOME/.expense-engine and is optional.
func Load(path string) (*Config, error) {
	// 1. .env (never overrides variables already set)
	envFile := os.Getenv(EnvPrefix + "_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()

	// 2. Defaults
	setDefaults(v)

	// 3. Environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Config file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("expenses")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.expense-engine")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file %s: %w", v.ConfigFileUsed(), err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	sd := scheduler.DefaultConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.driver", sqldb.DriverSQLite)
	v.SetDefault("database.dsn", "expenses.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_idle_time", "5m")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("generation.batch_size", engine.DefaultBatchSize)
	v.SetDefault("generation.parallel", true)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.schedule", sd.Schedule)
	v.SetDefault("scheduler.timezone", "America/Argentina/Buenos_Aires")
	v.SetDefault("scheduler.run_on_startup", false)
	v.SetDefault("scheduler.retry_enabled", sd.RetryEnabled)
	v.SetDefault("scheduler.adaptive_scheduling", sd.AdaptiveScheduling)
	v.SetDefault("scheduler.retry_schedule", sd.RetrySchedule)
	v.SetDefault("scheduler.monitor_schedule", sd.MonitorSchedule)
	v.SetDefault("scheduler.tuner_schedule", sd.TunerSchedule)
	v.SetDefault("scheduler.maintenance_schedule", sd.MaintenanceSchedule)
	v.SetDefault("scheduler.max_attempts", sd.MaxAttempts)
	v.SetDefault("scheduler.retry_queue_size", sd.RetryQueueSize)
	v.SetDefault("scheduler.retry_max_age", sd.RetryMaxAge.String())
	v.SetDefault("scheduler.backoff_multiplier", sd.BackoffMultiplier)
	v.SetDefault("scheduler.min_interval", sd.MinInterval.String())
	v.SetDefault("scheduler.max_interval", sd.MaxInterval.String())
	v.SetDefault("scheduler.latency_ceiling", sd.LatencyCeiling.String())
	v.SetDefault("scheduler.queue_warn_size", sd.QueueWarnSize)
	v.SetDefault("scheduler.idle_reset", sd.IdleReset.String())

	v.SetDefault("currency.usd_rate", "1000")

	v.SetDefault("holidays", []string{})
}

// Validate checks every value that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'text' or 'json')", c.Log.Format)
	}

	switch c.Database.Driver {
	case sqldb.DriverSQLite, sqldb.DriverPostgres:
	default:
		return fmt.Errorf("invalid database driver: %s (must be '%s' or '%s')", c.Database.Driver, sqldb.DriverSQLite, sqldb.DriverPostgres)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}
	if c.Generation.BatchSize < 1 {
		return fmt.Errorf("generation.batch_size must be positive, got: %d", c.Generation.BatchSize)
	}

	s := c.Scheduler
	for name, expr := range map[string]string{
		"schedule":             s.Schedule,
		"retry_schedule":       s.RetrySchedule,
		"monitor_schedule":     s.MonitorSchedule,
		"tuner_schedule":       s.TunerSchedule,
		"maintenance_schedule": s.MaintenanceSchedule,
	} {
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("invalid scheduler.%s %q: %w", name, expr, err)
		}
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler.timezone %q: %w", s.Timezone, err)
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be positive, got: %d", s.MaxAttempts)
	}
	if s.RetryQueueSize < 1 {
		return fmt.Errorf("scheduler.retry_queue_size must be positive, got: %d", s.RetryQueueSize)
	}
	if s.BackoffMultiplier <= 1 {
		return fmt.Errorf("scheduler.backoff_multiplier must be greater than 1, got: %v", s.BackoffMultiplier)
	}
	if s.MinInterval <= 0 || s.MinInterval > s.MaxInterval {
		return fmt.Errorf("scheduler.min_interval (%s) must be positive and not exceed max_interval (%s)", s.MinInterval, s.MaxInterval)
	}

	if _, err := c.USDRate(); err != nil {
		return err
	}
	if _, err := c.HolidayCalendar(); err != nil {
		return err
	}
	return nil
}

// USDRate parses currency.usd_rate.
func (c *Config) USDRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.Currency.USDRate)
	if err != nil || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("currency.usd_rate must be a positive number, got: %q", c.Currency.USDRate)
	}
	return rate, nil
}

// HolidayCalendar parses the holidays list.
func (c *Config) HolidayCalendar() (engine.HolidaySet, error) {
	days := make([]engine.Date, 0, len(c.Holidays))
	for _, s := range c.Holidays {
		d, err := engine.ParseDate(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", s, err)
		}
		days = append(days, d)
	}
	return engine.NewHolidaySet(days...), nil
}

// Location resolves scheduler.timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Scheduler.Timezone)
}

// SchedulerConfig builds the scheduler settings.
func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return scheduler.Config{}, err
	}
	holidays, err := c.HolidayCalendar()
	if err != nil {
		return scheduler.Config{}, err
	}
	s := c.Scheduler
	return scheduler.Config{
		Schedule:            s.Schedule,
		Location:            loc,
		RunOnStartup:        s.RunOnStartup,
		RetryEnabled:        s.RetryEnabled,
		AdaptiveScheduling:  s.AdaptiveScheduling,
		RetrySchedule:       s.RetrySchedule,
		MonitorSchedule:     s.MonitorSchedule,
		TunerSchedule:       s.TunerSchedule,
		MaintenanceSchedule: s.MaintenanceSchedule,
		MaxAttempts:         s.MaxAttempts,
		RetryQueueSize:      s.RetryQueueSize,
		RetryMaxAge:         s.RetryMaxAge,
		BackoffMultiplier:   s.BackoffMultiplier,
		MinInterval:         s.MinInterval,
		MaxInterval:         s.MaxInterval,
		LatencyCeiling:      s.LatencyCeiling,
		QueueWarnSize:       s.QueueWarnSize,
		IdleReset:           s.IdleReset,
		BatchSize:           c.Generation.BatchSize,
		Holidays:            holidays,
	}, nil
}

// DBOptions builds the connection pool settings.
func (c *Config) DBOptions() sqldb.Options {
	return sqldb.Options{
		MaxOpenConns: c.Database.MaxOpenConns,
		MaxIdleConns: c.Database.MaxIdleConns,
		MaxIdleTime:  c.Database.MaxIdleTime,
	}
}

// NewLogger builds the logrus-backed logger described by the log section.
func (c *Config) NewLogger() logging.Logger {
	return logging.NewLogrusAdapter(strings.ToLower(c.Log.Level), strings.ToLower(c.Log.Format))
}

// Dump writes the effective configuration as YAML. The DSN is omitted.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
