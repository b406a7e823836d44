package calculatesuggestions

import (
	"fmt"
	"time"

	"site-expansion/internal/common/config"
)

const DefaultModelVersion = "v1"

type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxJobsActive int           `mapstructure:"max_jobs_active"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ModelVersion  string        `mapstructure:"model_version"`
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		MaxJobsActive: 2,
		Timeout:       time.Minute,
		ModelVersion:  DefaultModelVersion,
	}
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxJobsActive <= 0 {
		return fmt.Errorf("max_jobs_active must be positive")
	}
	if c.ModelVersion == "" {
		return fmt.Errorf("model_version is required")
	}
	return nil
}

// OptionsFromApp maps the scoring config section onto calculator options.
func OptionsFromApp(appConfig *config.Config) CalculatorOptions {
	if appConfig == nil {
		return CalculatorOptions{}
	}
	return CalculatorOptions{PreferSync: appConfig.Scoring.PreferSync}
}

// runnerTaskType is the job task whose runner also ranks through the pool.
const runnerTaskType = "generate-expansion"

// PoolSizeFromApp sizes the calculator pool to every caller that can rank at
// once: both task workers plus the queue poller.
func PoolSizeFromApp(appConfig *config.Config) int {
	size := createConfigFromAppConfig(appConfig, nil).MaxJobsActive + 1
	if appConfig != nil {
		size += config.GetWorkerConfig(appConfig, runnerTaskType).MaxJobsActive
	}
	return size
}

func createConfigFromAppConfig(appConfig *config.Config, customConfig *Config) *Config {
	if customConfig != nil {
		return customConfig
	}

	cfg := DefaultConfig()
	if appConfig == nil {
		return cfg
	}

	if appConfig.Scoring.ModelVersion != "" {
		cfg.ModelVersion = appConfig.Scoring.ModelVersion
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
