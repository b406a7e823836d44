package validatesuitability

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

// OptionsFromApp maps the validation config section onto validator options.
func OptionsFromApp(appConfig *config.Config) Options {
	opts := DefaultOptions()
	if appConfig == nil {
		return opts
	}
	v := appConfig.Validation
	if v.DefaultRadiusM > 0 {
		opts.DefaultRadiusM = v.DefaultRadiusM
	}
	if v.QueryLimit > 0 {
		opts.QueryLimit = v.QueryLimit
	}
	if len(v.AdaptiveRadiiM) > 0 {
		opts.AdaptiveRadiiM = v.AdaptiveRadiiM
	}
	if v.BatchConcurrency > 0 {
		opts.BatchConcurrency = v.BatchConcurrency
	}
	opts.FailOpen = appConfig.ValidationFailOpen()
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

	if appConfig.Validation.BatchConcurrency > 0 {
		cfg.Concurrency = appConfig.Validation.BatchConcurrency
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
