// Package clientcache keeps a local SQLite copy of the store dataset served
// to map clients and refreshes it in the background when it goes stale.
package clientcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"site-expansion/internal/models"
)

const (
	DefaultStaleAfter = 24 * time.Hour

	recordsTable  = "store_records"
	metadataTable = "cache_metadata"
)

var recordColumns = []string{"id", "name", "lat", "lng", "address", "city", "status", "franchise"}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS store_records (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		franchise TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS store_records_lat_lng_idx ON store_records (lat, lng)`,
	`CREATE TABLE IF NOT EXISTS cache_metadata (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version TEXT NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		record_count INTEGER NOT NULL
	)`,
}

// metadataUpsert refreshes the single metadata row. Version is kept when
// the caller passes NULL.
const metadataUpsert = `INSERT INTO cache_metadata (id, version, updated_at_ms, record_count)
	VALUES (1, COALESCE(?, ''), ?, (SELECT COUNT(*) FROM store_records))
	ON CONFLICT (id) DO UPDATE SET
		version = COALESCE(?, cache_metadata.version),
		updated_at_ms = excluded.updated_at_ms,
		record_count = excluded.record_count`

// SQLiteCache is the local store dataset. Writes that touch records also
// refresh the metadata row in the same transaction.
type SQLiteCache struct {
	db         *sqlx.DB
	sb         sq.StatementBuilderType
	staleAfter time.Duration
	now        func() time.Time
}

func NewSQLiteCache(db *sqlx.DB, staleAfter time.Duration) *SQLiteCache {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &SQLiteCache{
		db:         db,
		sb:         sq.StatementBuilder.PlaceholderFormat(sq.Question),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Initialize creates the tables when they are missing.
func (c *SQLiteCache) Initialize(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize client cache: %w", err)
		}
	}
	return nil
}

func (c *SQLiteCache) GetAll(ctx context.Context) ([]models.StoreRecord, error) {
	return c.selectRecords(ctx, c.sb.Select(recordColumns...).From(recordsTable).OrderBy("id"))
}

// GetByViewport returns the records inside bounds, edges included.
func (c *SQLiteCache) GetByViewport(ctx context.Context, bounds models.Bounds) ([]models.StoreRecord, error) {
	return c.selectRecords(ctx, c.sb.Select(recordColumns...).
		From(recordsTable).
		Where(sq.And{
			sq.GtOrEq{"lat": bounds.MinLat},
			sq.LtOrEq{"lat": bounds.MaxLat},
			sq.GtOrEq{"lng": bounds.MinLng},
			sq.LtOrEq{"lng": bounds.MaxLng},
		}).
		OrderBy("id"))
}

func (c *SQLiteCache) selectRecords(ctx context.Context, b sq.SelectBuilder) ([]models.StoreRecord, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	records := []models.StoreRecord{}
	if err := c.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("select store records: %w", err)
	}
	return records, nil
}

// Set atomically replaces every record and stamps the metadata with version.
func (c *SQLiteCache) Set(ctx context.Context, records []models.StoreRecord, version string) error {
	return c.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+recordsTable); err != nil {
			return fmt.Errorf("clear store records: %w", err)
		}

		stmt, err := tx.PreparexContext(ctx, `INSERT INTO store_records
			(id, name, lat, lng, address, city, status, franchise) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range records {
			if _, err := stmt.ExecContext(ctx, r.ID, r.Name, r.Lat, r.Lng, r.Address, r.City, r.Status, r.Franchise); err != nil {
				return fmt.Errorf("insert store record %s: %w", r.ID, err)
			}
		}
		return c.touchMetadata(ctx, tx, &version)
	})
}

// Update upserts a single record.
func (c *SQLiteCache) Update(ctx context.Context, record models.StoreRecord) error {
	if record.ID == "" {
		return errors.New("store record id is required")
	}
	return c.inTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := c.sb.Insert(recordsTable).
			Columns(recordColumns...).
			Values(record.ID, record.Name, record.Lat, record.Lng, record.Address, record.City, record.Status, record.Franchise).
			Suffix(`ON CONFLICT (id) DO UPDATE SET name = excluded.name, lat = excluded.lat, lng = excluded.lng,
				address = excluded.address, city = excluded.city, status = excluded.status, franchise = excluded.franchise`).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert store record %s: %w", record.ID, err)
		}
		return c.touchMetadata(ctx, tx, nil)
	})
}

// Delete removes one record. Deleting a missing id is not an error.
func (c *SQLiteCache) Delete(ctx context.Context, id string) error {
	return c.inTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := c.sb.Delete(recordsTable).Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete store record %s: %w", id, err)
		}
		return c.touchMetadata(ctx, tx, nil)
	})
}

// Invalidate drops every record and the metadata, so the next read is stale.
func (c *SQLiteCache) Invalidate(ctx context.Context) error {
	return c.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{recordsTable, metadataTable} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

type metadataRow struct {
	Version     string `db:"version"`
	UpdatedAtMs int64  `db:"updated_at_ms"`
	Count       int    `db:"record_count"`
}

// Metadata returns nil, nil when the cache was never populated.
func (c *SQLiteCache) Metadata(ctx context.Context) (*models.CacheMetadata, error) {
	var row metadataRow
	err := c.db.GetContext(ctx, &row, `SELECT version, updated_at_ms, record_count FROM cache_metadata WHERE id = 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select cache metadata: %w", err)
	}
	return &models.CacheMetadata{
		Version:   row.Version,
		UpdatedAt: time.UnixMilli(row.UpdatedAtMs).UTC(),
		Count:     row.Count,
	}, nil
}

// IsStale reports whether the cache is missing metadata or older than the
// staleness threshold.
func (c *SQLiteCache) IsStale(ctx context.Context) (bool, error) {
	meta, err := c.Metadata(ctx)
	if err != nil {
		return true, err
	}
	if meta == nil {
		return true, nil
	}
	return c.now().Sub(meta.UpdatedAt) > c.staleAfter, nil
}

func (c *SQLiteCache) touchMetadata(ctx context.Context, tx *sqlx.Tx, version *string) error {
	ms := c.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, metadataUpsert, version, ms, version); err != nil {
		return fmt.Errorf("update cache metadata: %w", err)
	}
	return nil
}

func (c *SQLiteCache) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin client cache tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
