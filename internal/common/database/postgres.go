package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"site-expansion/internal/common/config"
	"site-expansion/internal/common/errors"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresClient wraps the SQL database connection
type PostgresClient struct {
	DB *sqlx.DB
}

// NewPostgres creates a new PostgreSQL client
func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	db, err := sqlx.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresClient{DB: db}, nil
}

// Ping tests the database connection
func (c *PostgresClient) Ping(ctx context.Context) error {
	if err := c.DB.PingContext(ctx); err != nil {
		return errors.NewDatabaseConnectionFailedError(err)
	}
	return nil
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

// EnsureSchema creates the job and cache tables when they are missing.
func (c *PostgresClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// GetDB returns the underlying *sql.DB
func (c *PostgresClient) GetDB() *sql.DB {
	return c.DB.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS expansion_jobs (
		id UUID PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL CHECK (status IN ('queued','running','completed','failed')),
		user_id TEXT NOT NULL,
		params JSONB NOT NULL,
		result JSONB,
		error TEXT,
		token_estimate INTEGER NOT NULL,
		tokens_used INTEGER,
		cost_estimate DOUBLE PRECISION NOT NULL,
		actual_cost DOUBLE PRECISION,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS expansion_jobs_status_created_idx ON expansion_jobs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS suitability_cache (
		coordinate_hash TEXT PRIMARY KEY,
		original_lat DOUBLE PRECISION NOT NULL,
		original_lng DOUBLE PRECISION NOT NULL,
		result JSONB NOT NULL,
		raw_response JSONB,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS snapping_cache (
		coordinate_hash TEXT PRIMARY KEY,
		original_lat DOUBLE PRECISION NOT NULL,
		original_lng DOUBLE PRECISION NOT NULL,
		result JSONB NOT NULL,
		raw_response JSONB,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
