package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"site-expansion/internal/models"
)

func setupMockDB(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewPostgresRepository(sqlx.NewDb(db, "postgres"))
	repo.now = func() time.Time { return fixedNow }
	return repo, mock
}

var fixedNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows(jobColumns)
}

func queuedRow(rows *sqlmock.Rows, id, key string) *sqlmock.Rows {
	return rows.AddRow(id, key, "queued", "user-1", []byte(`{"scope":"US"}`), nil, nil,
		3100, nil, 0.02, nil, nil, nil, fixedNow, fixedNow)
}

// ==========================
// Read Tests
// ==========================

func TestPostgresRepository_Get(t *testing.T) {
	repo, mock := setupMockDB(t)

	completed := fixedNow.Add(time.Minute)
	mock.ExpectQuery(`SELECT id, idempotency_key, .* FROM expansion_jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRows().AddRow("job-1", "key-1", "completed", "user-1",
			[]byte(`{"scope":"US"}`), []byte(`{"suggestions":[]}`), nil,
			3100, 2900, 0.02, 0.018, fixedNow, completed, fixedNow, completed))

	job, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"suggestions":[]}`, string(job.Result))
	require.NotNil(t, job.TokensUsed)
	assert.Equal(t, 2900, *job.TokensUsed)
	require.NotNil(t, job.ActualCost)
	assert.Equal(t, 0.018, *job.ActualCost)
	assert.Nil(t, job.Error)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, completed, *job.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetMissing(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(`SELECT .* FROM expansion_jobs WHERE idempotency_key = \$1`).
		WithArgs("missing").
		WillReturnRows(jobRows())

	job, err := repo.FindByIdempotencyKey(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, job)
}

// ==========================
// Insert Tests
// ==========================

func newQueuedJob(id, key string) *models.ExpansionJob {
	return &models.ExpansionJob{
		ID:             id,
		IdempotencyKey: key,
		Status:         models.JobStatusQueued,
		UserID:         "user-1",
		Params:         json.RawMessage(`{"scope":"US"}`),
		TokenEstimate:  3100,
		CostEstimate:   0.02,
		CreatedAt:      fixedNow,
		UpdatedAt:      fixedNow,
	}
}

func TestPostgresRepository_Insert(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(`INSERT INTO expansion_jobs .* ON CONFLICT \(idempotency_key\) DO NOTHING RETURNING id`).
		WithArgs("job-1", "key-1", "queued", "user-1", []byte(`{"scope":"US"}`), 3100, 0.02, fixedNow, fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))

	stored, reused, err := repo.Insert(context.Background(), newQueuedJob("job-1", "key-1"))
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, "job-1", stored.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_InsertConflictReadsWinner(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(`INSERT INTO expansion_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT .* FROM expansion_jobs WHERE idempotency_key = \$1`).
		WithArgs("key-1").
		WillReturnRows(queuedRow(jobRows(), "job-winner", "key-1"))

	stored, reused, err := repo.Insert(context.Background(), newQueuedJob("job-loser", "key-1"))
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, "job-winner", stored.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Transition Tests
// ==========================

func TestPostgresRepository_MarkRunning(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectExec(`UPDATE expansion_jobs SET started_at = \$1, status = \$2, updated_at = \$3 WHERE id = \$4 AND status IN \(\$5\)`).
		WithArgs(fixedNow, "running", fixedNow, "job-1", "queued").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkRunning(context.Background(), "job-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CompleteTerminalJobRejected(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectExec(`UPDATE expansion_jobs SET .* WHERE id = \$\d+ AND status IN \(\$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Complete(context.Background(), "job-1", json.RawMessage(`{}`), 10, 0.01)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPostgresRepository_FailFromQueuedOrRunning(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectExec(`UPDATE expansion_jobs SET completed_at = \$1, error = \$2, status = \$3, updated_at = \$4 WHERE id = \$5 AND status IN \(\$6,\$7\)`).
		WithArgs(fixedNow, "provider rejected credentials", "failed", fixedNow, "job-1", "queued", "running").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Fail(context.Background(), "job-1", "provider rejected credentials"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Claim and Cleanup Tests
// ==========================

func TestPostgresRepository_ClaimNextQueued(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM expansion_jobs WHERE status = \$1 ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`).
		WithArgs("queued").
		WillReturnRows(queuedRow(jobRows(), "job-7", "key-7"))
	mock.ExpectExec(`UPDATE expansion_jobs SET status = \$1, started_at = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("running", fixedNow, fixedNow, "job-7").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := repo.ClaimNextQueued(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-7", job.ID)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_ClaimEmptyQueue(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FOR UPDATE SKIP LOCKED`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	job, err := repo.ClaimNextQueued(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_DeleteTerminalBefore(t *testing.T) {
	repo, mock := setupMockDB(t)
	cutoff := fixedNow.Add(-168 * time.Hour)

	mock.ExpectExec(`DELETE FROM expansion_jobs WHERE status IN \(\$1,\$2\) AND updated_at < \$3`).
		WithArgs("completed", "failed", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.DeleteTerminalBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
