package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var entryColumns = []string{
	"coordinate_hash", "original_lat", "original_lng", "result", "raw_response", "expires_at", "created_at",
}

// PostgresStore keeps one cache in its own table keyed by coordinate_hash.
type PostgresStore struct {
	db    *sqlx.DB
	table string
	sb    sq.StatementBuilderType
}

func NewPostgresStore(db *sqlx.DB, table string) (*PostgresStore, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid cache table name %q", table)
	}
	return &PostgresStore{
		db:    db,
		table: table,
		sb:    sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

type entryRow struct {
	CoordinateHash string    `db:"coordinate_hash"`
	OriginalLat    float64   `db:"original_lat"`
	OriginalLng    float64   `db:"original_lng"`
	Result         []byte    `db:"result"`
	RawResponse    []byte    `db:"raw_response"`
	ExpiresAt      time.Time `db:"expires_at"`
	CreatedAt      time.Time `db:"created_at"`
}

func (s *PostgresStore) Get(ctx context.Context, hash string) (*Entry, error) {
	query, args, err := s.sb.Select(entryColumns...).
		From(s.table).
		Where(sq.Eq{"coordinate_hash": hash}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row entryRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select %s: %w", s.table, err)
	}

	return &Entry{
		CoordinateHash: row.CoordinateHash,
		OriginalLat:    row.OriginalLat,
		OriginalLng:    row.OriginalLng,
		Result:         row.Result,
		RawResponse:    row.RawResponse,
		ExpiresAt:      row.ExpiresAt,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func (s *PostgresStore) Put(ctx context.Context, entry *Entry) error {
	var raw interface{}
	if len(entry.RawResponse) > 0 {
		raw = []byte(entry.RawResponse)
	}

	query, args, err := s.sb.Insert(s.table).
		Columns(entryColumns...).
		Values(entry.CoordinateHash, entry.OriginalLat, entry.OriginalLng,
			[]byte(entry.Result), raw, entry.ExpiresAt, entry.CreatedAt).
		Suffix(`ON CONFLICT (coordinate_hash) DO UPDATE SET
			original_lat = EXCLUDED.original_lat,
			original_lng = EXCLUDED.original_lng,
			result = EXCLUDED.result,
			raw_response = EXCLUDED.raw_response,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at`).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, hash string) error {
	query, args, err := s.sb.Delete(s.table).Where(sq.Eq{"coordinate_hash": hash}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	query, args, err := s.sb.Delete(s.table).Where(sq.LtOrEq{"expires_at": now}).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", s.table, err)
	}
	return res.RowsAffected()
}
