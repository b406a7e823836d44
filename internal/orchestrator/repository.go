package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"site-expansion/internal/models"
)

var (
	ErrJobNotFound       = errors.New("expansion job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

const jobsTable = "expansion_jobs"

var jobColumns = []string{
	"id", "idempotency_key", "status", "user_id", "params", "result", "error",
	"token_estimate", "tokens_used", "cost_estimate", "actual_cost",
	"started_at", "completed_at", "created_at", "updated_at",
}

// Repository persists expansion jobs. Status updates are guarded by the
// source status, so a terminal row can never change.
type Repository interface {
	FindByIdempotencyKey(ctx context.Context, key string) (*models.ExpansionJob, error)
	// Insert returns the stored job and whether it already existed under the same key.
	Insert(ctx context.Context, job *models.ExpansionJob) (*models.ExpansionJob, bool, error)
	Get(ctx context.Context, id string) (*models.ExpansionJob, error)
	MarkRunning(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, result json.RawMessage, tokensUsed int, actualCost float64) error
	Fail(ctx context.Context, id string, message string) error
	ClaimNextQueued(ctx context.Context) (*models.ExpansionJob, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type PostgresRepository struct {
	db  *sqlx.DB
	sb  sq.StatementBuilderType
	now func() time.Time
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		now: func() time.Time { return time.Now().UTC() },
	}
}

type jobRow struct {
	ID             string          `db:"id"`
	IdempotencyKey string          `db:"idempotency_key"`
	Status         string          `db:"status"`
	UserID         string          `db:"user_id"`
	Params         []byte          `db:"params"`
	Result         []byte          `db:"result"`
	Error          sql.NullString  `db:"error"`
	TokenEstimate  int             `db:"token_estimate"`
	TokensUsed     sql.NullInt64   `db:"tokens_used"`
	CostEstimate   float64         `db:"cost_estimate"`
	ActualCost     sql.NullFloat64 `db:"actual_cost"`
	StartedAt      sql.NullTime    `db:"started_at"`
	CompletedAt    sql.NullTime    `db:"completed_at"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (r jobRow) toModel() *models.ExpansionJob {
	job := &models.ExpansionJob{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		Status:         models.JobStatus(r.Status),
		UserID:         r.UserID,
		Params:         r.Params,
		TokenEstimate:  r.TokenEstimate,
		CostEstimate:   r.CostEstimate,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Result) > 0 {
		job.Result = r.Result
	}
	if r.Error.Valid {
		job.Error = &r.Error.String
	}
	if r.TokensUsed.Valid {
		n := int(r.TokensUsed.Int64)
		job.TokensUsed = &n
	}
	if r.ActualCost.Valid {
		job.ActualCost = &r.ActualCost.Float64
	}
	if r.StartedAt.Valid {
		job.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		job.CompletedAt = &r.CompletedAt.Time
	}
	return job
}

func (r *PostgresRepository) getWhere(ctx context.Context, where sq.Eq) (*models.ExpansionJob, error) {
	query, args, err := r.sb.Select(jobColumns...).From(jobsTable).Where(where).ToSql()
	if err != nil {
		return nil, err
	}

	var row jobRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return row.toModel(), nil
}

func (r *PostgresRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.ExpansionJob, error) {
	return r.getWhere(ctx, sq.Eq{"idempotency_key": key})
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.ExpansionJob, error) {
	return r.getWhere(ctx, sq.Eq{"id": id})
}

// Insert relies on the unique idempotency_key: a concurrent insert of the
// same key returns no row, and the winner is re-read.
func (r *PostgresRepository) Insert(ctx context.Context, job *models.ExpansionJob) (*models.ExpansionJob, bool, error) {
	query, args, err := r.sb.Insert(jobsTable).
		Columns("id", "idempotency_key", "status", "user_id", "params",
			"token_estimate", "cost_estimate", "created_at", "updated_at").
		Values(job.ID, job.IdempotencyKey, string(job.Status), job.UserID, []byte(job.Params),
			job.TokenEstimate, job.CostEstimate, job.CreatedAt, job.UpdatedAt).
		Suffix("ON CONFLICT (idempotency_key) DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return nil, false, err
	}

	var id string
	err = r.db.GetContext(ctx, &id, query, args...)
	switch {
	case err == nil:
		return job, false, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := r.FindByIdempotencyKey(ctx, job.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("job with idempotency key %q vanished after conflict", job.IdempotencyKey)
		}
		return existing, true, nil
	default:
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
}

func (r *PostgresRepository) MarkRunning(ctx context.Context, id string) error {
	now := r.now()
	return r.transition(ctx, id, []models.JobStatus{models.JobStatusQueued}, sq.Eq{
		"status":     string(models.JobStatusRunning),
		"started_at": now,
		"updated_at": now,
	})
}

func (r *PostgresRepository) Complete(ctx context.Context, id string, result json.RawMessage, tokensUsed int, actualCost float64) error {
	now := r.now()
	return r.transition(ctx, id, []models.JobStatus{models.JobStatusRunning}, sq.Eq{
		"status":       string(models.JobStatusCompleted),
		"result":       []byte(result),
		"tokens_used":  tokensUsed,
		"actual_cost":  actualCost,
		"completed_at": now,
		"updated_at":   now,
	})
}

func (r *PostgresRepository) Fail(ctx context.Context, id string, message string) error {
	now := r.now()
	return r.transition(ctx, id, []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}, sq.Eq{
		"status":       string(models.JobStatusFailed),
		"error":        message,
		"completed_at": now,
		"updated_at":   now,
	})
}

func (r *PostgresRepository) transition(ctx context.Context, id string, from []models.JobStatus, set sq.Eq) error {
	sources := make([]string, len(from))
	for i, s := range from {
		sources[i] = string(s)
	}

	query, args, err := r.sb.Update(jobsTable).
		SetMap(set).
		Where(sq.Eq{"id": id, "status": sources}).
		ToSql()
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s to %v", ErrInvalidTransition, id, set["status"])
	}
	return nil
}

// ClaimNextQueued moves the oldest queued job to running, skipping rows
// locked by other workers. It returns nil when the queue is empty.
func (r *PostgresRepository) ClaimNextQueued(ctx context.Context) (*models.ExpansionJob, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	query, args, err := r.sb.Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"status": string(models.JobStatusQueued)}).
		OrderBy("created_at").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return nil, err
	}

	var row jobRow
	if err := tx.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select queued job: %w", err)
	}

	now := r.now()
	update, uargs, err := r.sb.Update(jobsTable).
		Set("status", string(models.JobStatusRunning)).
		Set("started_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": row.ID}).
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, update, uargs...); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", row.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job := row.toModel()
	job.Status = models.JobStatusRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	return job, nil
}

func (r *PostgresRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := r.sb.Delete(jobsTable).
		Where(sq.Eq{"status": []string{string(models.JobStatusCompleted), string(models.JobStatusFailed)}}).
		Where(sq.Lt{"updated_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, err
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return res.RowsAffected()
}
