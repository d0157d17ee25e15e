// Package config loads YAML configuration with sane defaults and
// supports hot reload of quota limits.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quotaguard/quotaguard/pkg/models"
)

// Config is the daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	DB struct {
		Path     string `yaml:"path"`
		MaxConns int    `yaml:"max_conns"`
	} `yaml:"db"`

	Quota struct {
		StandardLimitHours float64 `yaml:"standard_limit_hours"`
		PremiumLimitHours  float64 `yaml:"premium_limit_hours"`
	} `yaml:"quota"`

	Monitor struct {
		FlushIntervalMs int `yaml:"flush_interval_ms"`
		BatchSize       int `yaml:"batch_size"`
	} `yaml:"monitor"`

	BackupOnShutdown bool `yaml:"backup_on_shutdown"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	cfg.ListenAddr = ":8420"
	cfg.LogLevel = "info"
	cfg.DB.Path = "quotaguard.db"
	cfg.DB.MaxConns = 4
	cfg.Quota.StandardLimitHours = 480
	cfg.Quota.PremiumLimitHours = 40
	cfg.Monitor.FlushIntervalMs = 50
	cfg.Monitor.BatchSize = 32
	cfg.BackupOnShutdown = true
	return cfg
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Quota.StandardLimitHours <= 0 {
		return fmt.Errorf("quota.standard_limit_hours must be positive")
	}
	if c.Quota.PremiumLimitHours <= 0 {
		return fmt.Errorf("quota.premium_limit_hours must be positive")
	}
	if c.Monitor.BatchSize < 0 {
		return fmt.Errorf("monitor.batch_size must not be negative")
	}
	return nil
}

// QuotaLimits returns the per-tier weekly limits.
func (c Config) QuotaLimits() map[models.QuotaTier]float64 {
	return map[models.QuotaTier]float64{
		models.TierStandard: c.Quota.StandardLimitHours,
		models.TierPremium:  c.Quota.PremiumLimitHours,
	}
}

// FlushInterval returns the monitor flush interval as a duration.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Monitor.FlushIntervalMs) * time.Millisecond
}
