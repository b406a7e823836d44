package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig               `mapstructure:"app"`
	Camunda       CamundaConfig           `mapstructure:"camunda"`
	Database      DatabaseConfig          `mapstructure:"database"`
	Geodata       GeodataConfig           `mapstructure:"geodata"`
	Validation    ValidationConfig        `mapstructure:"validation"`
	Snapping      SnappingConfig          `mapstructure:"snapping"`
	Scoring       ScoringConfig           `mapstructure:"scoring"`
	Jobs          JobsConfig              `mapstructure:"jobs"`
	Cache         CacheConfig             `mapstructure:"cache"`
	ClientCache   ClientCacheConfig       `mapstructure:"client_cache"`
	Rationale     RationaleConfig         `mapstructure:"rationale"`
	Notifications NotificationConfig      `mapstructure:"notifications"`
	Workers       map[string]WorkerConfig `mapstructure:"workers"`
	Logging       LoggingConfig           `mapstructure:"logging"`
	Server        ServerConfig            `mapstructure:"server"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type CamundaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// WorkerConfig holds the core settings applicable to every worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // For error handling
}

// --- Pipeline Configuration ---

// GeodataConfig selects and configures the external feature query provider.
type GeodataConfig struct {
	Provider    string  `mapstructure:"provider"` // tilequery | overpass
	BaseURL     string  `mapstructure:"base_url"`
	Tileset     string  `mapstructure:"tileset"`
	AccessToken string  `mapstructure:"access_token"`
	OverpassURL string  `mapstructure:"overpass_url"`
	Timeout     int     `mapstructure:"timeout"` // milliseconds
	RateLimit   float64 `mapstructure:"rate_limit"`
	Burst       int     `mapstructure:"burst"`
}

type ValidationConfig struct {
	DefaultRadiusM   int   `mapstructure:"default_radius_m"`
	QueryLimit       int   `mapstructure:"query_limit"`
	AdaptiveRadiiM   []int `mapstructure:"adaptive_radii_m"`
	BatchConcurrency int   `mapstructure:"batch_concurrency"`
	FailOpen         *bool `mapstructure:"fail_open"`
}

type SnappingConfig struct {
	MaxSnapDistanceM int   `mapstructure:"max_snap_distance_m"`
	QueryLimit       int   `mapstructure:"query_limit"`
	BatchConcurrency int   `mapstructure:"batch_concurrency"`
	FailOpen         *bool `mapstructure:"fail_open"`
}

type ScoringConfig struct {
	PreferSync   bool   `mapstructure:"prefer_sync"`
	ModelVersion string `mapstructure:"model_version"`
}

// JobsConfig covers estimation rates, dispatch and retention of expansion jobs.
type JobsConfig struct {
	Dispatch             string  `mapstructure:"dispatch"`      // zeebe | poll
	PollInterval         int     `mapstructure:"poll_interval"` // milliseconds
	InputCostPerToken    float64 `mapstructure:"input_cost_per_token"`
	OutputCostPerToken   float64 `mapstructure:"output_cost_per_token"`
	RetentionHours       int     `mapstructure:"retention_hours"`
	CleanupInterval      int     `mapstructure:"cleanup_interval"`  // milliseconds
	ExecutionTimeout     int     `mapstructure:"execution_timeout"` // milliseconds
	StatusTopicARN       string  `mapstructure:"status_topic_arn"`
	CandidatesDatasetURL string  `mapstructure:"candidates_dataset_url"`
}

type CacheConfig struct {
	Backend          string `mapstructure:"backend"` // postgres | redis | memory
	SuitabilityTTLH  int    `mapstructure:"suitability_ttl_hours"`
	SnappingTTLH     int    `mapstructure:"snapping_ttl_hours"`
	RedisKeyPrefix   string `mapstructure:"redis_key_prefix"`
	PurgeIntervalMin int    `mapstructure:"purge_interval_minutes"`
}

type ClientCacheConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	DatasetURL     string `mapstructure:"dataset_url"`
	StaleAfterH    int    `mapstructure:"stale_after_hours"`
	LockPath       string `mapstructure:"lock_path"`
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type RationaleConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Timeout int    `mapstructure:"timeout"` // milliseconds
}

// NotificationConfig holds settings for job status publication.
type NotificationConfig struct {
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		Region   string `mapstructure:"region"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// ValidationFailOpen reports the validator fail-open policy; unset means enabled.
func (c *Config) ValidationFailOpen() bool {
	return c.Validation.FailOpen == nil || *c.Validation.FailOpen
}

// SnappingFailOpen reports the snapper fail-open policy; unset means enabled.
func (c *Config) SnappingFailOpen() bool {
	return c.Snapping.FailOpen == nil || *c.Snapping.FailOpen
}
