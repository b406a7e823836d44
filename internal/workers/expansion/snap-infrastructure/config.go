package snapinfrastructure

import (
	"fmt"
	"time"

	"site-expansion/internal/common/config"
)

type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxJobsActive int           `mapstructure:"max_jobs_active"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Concurrency   int           `mapstructure:"concurrency"`
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		MaxJobsActive: 5,
		Timeout:       2 * time.Minute,
		Concurrency:   16,
	}
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxJobsActive <= 0 {
		return fmt.Errorf("max_jobs_active must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	return nil
}

// OptionsFromApp maps the snapping config section onto snapper options.
func OptionsFromApp(appConfig *config.Config) Options {
	opts := DefaultOptions()
	if appConfig == nil {
		return opts
	}
	s := appConfig.Snapping
	if s.MaxSnapDistanceM > 0 {
		opts.MaxSnapDistanceM = s.MaxSnapDistanceM
	}
	if s.QueryLimit > 0 {
		opts.QueryLimit = s.QueryLimit
	}
	if s.BatchConcurrency > 0 {
		opts.BatchConcurrency = s.BatchConcurrency
	}
	opts.FailOpen = appConfig.SnappingFailOpen()
	return opts
}

func createConfigFromAppConfig(appConfig *config.Config, customConfig *Config) *Config {
	if customConfig != nil {
		return customConfig
	}

	cfg := DefaultConfig()
	if appConfig == nil {
		return cfg
	}

	if appConfig.Snapping.BatchConcurrency > 0 {
		cfg.Concurrency = appConfig.Snapping.BatchConcurrency
	}
	if workerCfg, exists := appConfig.Workers[TaskType]; exists {
		cfg.Enabled = workerCfg.Enabled
		if workerCfg.MaxJobsActive > 0 {
			cfg.MaxJobsActive = workerCfg.MaxJobsActive
		}
		if workerCfg.Timeout > 0 {
			cfg.Timeout = time.Duration(workerCfg.Timeout) * time.Millisecond
		}
	}
	return cfg
}
