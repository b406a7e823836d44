package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // environment overlay is optional

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{".env", "../.env", "../../.env", "../../../.env"}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// Secrets are normally injected through the environment rather than the yaml file.
func overrideEmptyConfig(cfg *Config) {
	overrides := []struct {
		dst *string
		env string
	}{
		{&cfg.Geodata.AccessToken, "GEODATA_ACCESS_TOKEN"},
		{&cfg.Database.Postgres.User, "DB_USER"},
		{&cfg.Database.Postgres.Password, "DB_PASSWORD"},
		{&cfg.Rationale.APIKey, "RATIONALE_API_KEY"},
		{&cfg.Notifications.SNS.TopicARN, "JOB_STATUS_TOPIC_ARN"},
	}
	for _, o := range overrides {
		if *o.dst != "" {
			continue
		}
		if val := os.Getenv(o.env); val != "" {
			*o.dst = val
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "site-expansion"
	}

	// Camunda defaults
	if cfg.Camunda.MaxJobsActive == 0 {
		cfg.Camunda.MaxJobsActive = 10
	}
	if cfg.Camunda.Timeout == 0 {
		cfg.Camunda.Timeout = 30000
	}
	if cfg.Camunda.RequestTimeout == 0 {
		cfg.Camunda.RequestTimeout = 30000
	}

	// Database defaults
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.SQLite.Path == "" {
		cfg.Database.SQLite.Path = "data/stores-cache.db"
	}

	// Geodata defaults
	if cfg.Geodata.Provider == "" {
		cfg.Geodata.Provider = "tilequery"
	}
	if cfg.Geodata.BaseURL == "" {
		cfg.Geodata.BaseURL = "https://api.mapbox.com"
	}
	if cfg.Geodata.Tileset == "" {
		cfg.Geodata.Tileset = "mapbox.mapbox-streets-v8"
	}
	if cfg.Geodata.OverpassURL == "" {
		cfg.Geodata.OverpassURL = "https://overpass-api.de/api/interpreter"
	}
	if cfg.Geodata.Timeout == 0 {
		cfg.Geodata.Timeout = 10000
	}
	if cfg.Geodata.RateLimit == 0 {
		cfg.Geodata.RateLimit = 10
	}
	if cfg.Geodata.Burst == 0 {
		cfg.Geodata.Burst = 16
	}

	// Validation / snapping defaults
	if cfg.Validation.DefaultRadiusM == 0 {
		cfg.Validation.DefaultRadiusM = 800
	}
	if cfg.Validation.QueryLimit == 0 {
		cfg.Validation.QueryLimit = 50
	}
	if len(cfg.Validation.AdaptiveRadiiM) == 0 {
		cfg.Validation.AdaptiveRadiiM = []int{800, 1200, 1800}
	}
	if cfg.Validation.BatchConcurrency == 0 {
		cfg.Validation.BatchConcurrency = 16
	}
	if cfg.Snapping.MaxSnapDistanceM == 0 {
		cfg.Snapping.MaxSnapDistanceM = 1500
	}
	if cfg.Snapping.QueryLimit == 0 {
		cfg.Snapping.QueryLimit = 50
	}
	if cfg.Snapping.BatchConcurrency == 0 {
		cfg.Snapping.BatchConcurrency = 16
	}
	if cfg.Scoring.ModelVersion == "" {
		cfg.Scoring.ModelVersion = "v1"
	}

	// Jobs defaults
	if cfg.Jobs.Dispatch == "" {
		cfg.Jobs.Dispatch = "zeebe"
	}
	if cfg.Jobs.PollInterval == 0 {
		cfg.Jobs.PollInterval = 5000
	}
	if cfg.Jobs.RetentionHours == 0 {
		cfg.Jobs.RetentionHours = 168
	}
	if cfg.Jobs.CleanupInterval == 0 {
		cfg.Jobs.CleanupInterval = 3600000
	}
	if cfg.Jobs.ExecutionTimeout == 0 {
		cfg.Jobs.ExecutionTimeout = 600000
	}

	// Cache defaults
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "postgres"
	}
	if cfg.Cache.SuitabilityTTLH == 0 {
		cfg.Cache.SuitabilityTTLH = 30 * 24
	}
	if cfg.Cache.SnappingTTLH == 0 {
		cfg.Cache.SnappingTTLH = 90 * 24
	}
	if cfg.Cache.RedisKeyPrefix == "" {
		cfg.Cache.RedisKeyPrefix = "site-expansion"
	}
	if cfg.Cache.PurgeIntervalMin == 0 {
		cfg.Cache.PurgeIntervalMin = 60
	}
	if cfg.ClientCache.StaleAfterH == 0 {
		cfg.ClientCache.StaleAfterH = 24
	}
	if cfg.ClientCache.LockPath == "" {
		cfg.ClientCache.LockPath = cfg.Database.SQLite.Path + ".lock"
	}
	if cfg.ClientCache.RequestTimeout == 0 {
		cfg.ClientCache.RequestTimeout = 30000
	}

	if cfg.Rationale.Timeout == 0 {
		cfg.Rationale.Timeout = 60000
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	for key, worker := range cfg.Workers {
		if worker.MaxJobsActive == 0 {
			worker.MaxJobsActive = 5
		}
		if worker.Timeout == 0 {
			worker.Timeout = 30000
		}
		if worker.MaxRetries == 0 {
			worker.MaxRetries = 3
		}
		cfg.Workers[key] = worker
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Camunda.Enabled && cfg.Camunda.BrokerAddress == "" {
		return fmt.Errorf("camunda.broker_address is required when camunda is enabled")
	}

	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if cfg.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required")
	}

	if cfg.Cache.Backend == "redis" && cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required for the redis cache backend")
	}

	switch cfg.Geodata.Provider {
	case "tilequery":
		if cfg.Geodata.AccessToken == "" {
			return fmt.Errorf("geodata.access_token is required for the tilequery provider")
		}
	case "overpass":
	default:
		return fmt.Errorf("geodata.provider %q is not supported", cfg.Geodata.Provider)
	}

	switch cfg.Jobs.Dispatch {
	case "zeebe":
		if !cfg.Camunda.Enabled {
			return fmt.Errorf("jobs.dispatch=zeebe requires camunda.enabled")
		}
	case "poll":
	default:
		return fmt.Errorf("jobs.dispatch %q is not supported", cfg.Jobs.Dispatch)
	}

	for _, r := range cfg.Validation.AdaptiveRadiiM {
		if r <= 0 {
			return fmt.Errorf("validation.adaptive_radii_m must be positive, got %d", r)
		}
	}
	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// GetWorkerConfig retrieves worker-specific configuration with fallback to defaults
func GetWorkerConfig(cfg *Config, workerName string) WorkerConfig {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker
	}
	return WorkerConfig{
		Enabled:       true,
		MaxJobsActive: 5,
		Timeout:       30000,
		MaxRetries:    3,
	}
}

// IsWorkerEnabled checks if a specific worker is enabled
func IsWorkerEnabled(cfg *Config, workerName string) bool {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker.Enabled
	}
	return true
}
