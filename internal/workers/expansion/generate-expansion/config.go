package generateexpansion

import (
	"fmt"
	"time"

	"site-expansion/internal/common/config"
	"site-expansion/internal/orchestrator"
)

type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxJobsActive int           `mapstructure:"max_jobs_active"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		MaxJobsActive: 2,
		Timeout:       10 * time.Minute,
	}
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxJobsActive <= 0 {
		return fmt.Errorf("max_jobs_active must be positive")
	}
	return nil
}

// RatesFromApp reads the per-token pricing, falling back to the defaults
// when none is configured.
func RatesFromApp(appConfig *config.Config) orchestrator.Rates {
	if appConfig == nil {
		return orchestrator.DefaultRates()
	}
	rates := orchestrator.Rates{
		InputPerToken:  appConfig.Jobs.InputCostPerToken,
		OutputPerToken: appConfig.Jobs.OutputCostPerToken,
	}
	if rates.InputPerToken <= 0 && rates.OutputPerToken <= 0 {
		return orchestrator.DefaultRates()
	}
	return rates
}

// PollIntervalFromApp returns the poll interval in the jobs section, in milliseconds.
func PollIntervalFromApp(appConfig *config.Config) time.Duration {
	if appConfig == nil || appConfig.Jobs.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(appConfig.Jobs.PollInterval) * time.Millisecond
}

func createConfigFromAppConfig(appConfig *config.Config, customConfig *Config) *Config {
	if customConfig != nil {
		return customConfig
	}

	cfg := DefaultConfig()
	if appConfig == nil {
		return cfg
	}

	if appConfig.Jobs.ExecutionTimeout > 0 {
		cfg.Timeout = time.Duration(appConfig.Jobs.ExecutionTimeout) * time.Millisecond
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
