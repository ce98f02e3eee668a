package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon configuration, read from <home>/config.yaml with
// STORYFORGE_* environment overrides (e.g. STORYFORGE_PORT, STORYFORGE_DB_DRIVER).
type Config struct {
	Port int `mapstructure:"port"`

	DB struct {
		Driver string `mapstructure:"driver"` // sqlite | postgres
		DSN    string `mapstructure:"dsn"`    // postgres only
	} `mapstructure:"db"`

	Runtime struct {
		Kind    string   `mapstructure:"kind"` // stub | subprocess
		Command string   `mapstructure:"command"`
		Args    []string `mapstructure:"args"`
	} `mapstructure:"runtime"`

	Scheduler struct {
		IntervalSec   float64 `mapstructure:"interval_sec"`
		MaxConcurrent int     `mapstructure:"max_concurrent"`
	} `mapstructure:"scheduler"`

	Bounds struct {
		MaxReviewAttempts  int `mapstructure:"max_review_attempts"`
		MaxBuildAttempts   int `mapstructure:"max_build_attempts"`
		MaxApprovalRounds  int `mapstructure:"max_approval_rounds"`
		IdleTimeoutMinutes int `mapstructure:"idle_timeout_minutes"`
	} `mapstructure:"bounds"`

	Activity struct {
		FlushIntervalSec int `mapstructure:"flush_interval_sec"`
		MaxBatch         int `mapstructure:"max_batch"`
	} `mapstructure:"activity"`

	AutoApprove bool `mapstructure:"auto_approve"`
}

// IdleTimeout returns the safety-net timeout for idle waits.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Bounds.IdleTimeoutMinutes) * time.Minute
}

// ActivityFlushInterval returns the activity batch flush interval.
func (c *Config) ActivityFlushInterval() time.Duration {
	return time.Duration(c.Activity.FlushIntervalSec) * time.Second
}

// Load reads config.yaml from home (if present) and applies env overrides.
// A missing file is not an error; defaults cover every field.
func Load(home string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(home, "config.yaml"))
	v.SetConfigType("yaml")
	v.SetEnvPrefix("STORYFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 3847)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "")
	v.SetDefault("runtime.kind", "stub")
	v.SetDefault("runtime.command", "")
	v.SetDefault("runtime.args", []string{})
	v.SetDefault("scheduler.interval_sec", 1.0)
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("bounds.max_review_attempts", 3)
	v.SetDefault("bounds.max_build_attempts", 3)
	v.SetDefault("bounds.max_approval_rounds", 5)
	v.SetDefault("bounds.idle_timeout_minutes", 30)
	v.SetDefault("activity.flush_interval_sec", 10)
	v.SetDefault("activity.max_batch", 50)
	v.SetDefault("auto_approve", false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DB.Driver != "sqlite" && cfg.DB.Driver != "postgres" {
		return nil, fmt.Errorf("unknown db driver %q", cfg.DB.Driver)
	}
	if cfg.DB.Driver == "postgres" && cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required for postgres")
	}
	return &cfg, nil
}
