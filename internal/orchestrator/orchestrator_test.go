package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stderrors "site-expansion/internal/common/errors"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/models"
)

// ==========================
// In-memory Repository
// ==========================

// memoryRepository enforces the same unique key and guarded transitions as
// the postgres schema.
type memoryRepository struct {
	mu    sync.Mutex
	byID  map[string]*models.ExpansionJob
	byKey map[string]string
	now   func() time.Time
	err   error
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		byID:  make(map[string]*models.ExpansionJob),
		byKey: make(map[string]string),
		now:   func() time.Time { return fixedNow },
	}
}

func (r *memoryRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.ExpansionJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if id, ok := r.byKey[key]; ok {
		job := *r.byID[id]
		return &job, nil
	}
	return nil, nil
}

func (r *memoryRepository) Insert(ctx context.Context, job *models.ExpansionJob) (*models.ExpansionJob, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byKey[job.IdempotencyKey]; ok {
		existing := *r.byID[id]
		return &existing, true, nil
	}
	stored := *job
	r.byID[job.ID] = &stored
	r.byKey[job.IdempotencyKey] = job.ID
	return job, false, nil
}

func (r *memoryRepository) Get(ctx context.Context, id string) (*models.ExpansionJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	out := *job
	return &out, nil
}

func (r *memoryRepository) transition(id string, next models.JobStatus, apply func(*models.ExpansionJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[id]
	if !ok || !job.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: job %s to %s", ErrInvalidTransition, id, next)
	}
	job.Status = next
	job.UpdatedAt = r.now()
	apply(job)
	return nil
}

func (r *memoryRepository) MarkRunning(ctx context.Context, id string) error {
	return r.transition(id, models.JobStatusRunning, func(j *models.ExpansionJob) {
		now := r.now()
		j.StartedAt = &now
	})
}

func (r *memoryRepository) Complete(ctx context.Context, id string, result json.RawMessage, tokensUsed int, actualCost float64) error {
	return r.transition(id, models.JobStatusCompleted, func(j *models.ExpansionJob) {
		j.Result = result
		j.TokensUsed = &tokensUsed
		j.ActualCost = &actualCost
	})
}

func (r *memoryRepository) Fail(ctx context.Context, id string, message string) error {
	return r.transition(id, models.JobStatusFailed, func(j *models.ExpansionJob) {
		j.Error = &message
	})
}

func (r *memoryRepository) ClaimNextQueued(ctx context.Context) (*models.ExpansionJob, error) {
	r.mu.Lock()
	var oldest *models.ExpansionJob
	for _, j := range r.byID {
		if j.Status == models.JobStatusQueued && (oldest == nil || j.CreatedAt.Before(oldest.CreatedAt)) {
			oldest = j
		}
	}
	r.mu.Unlock()
	if oldest == nil {
		return nil, nil
	}
	if err := r.MarkRunning(ctx, oldest.ID); err != nil {
		return nil, err
	}
	return r.Get(ctx, oldest.ID)
}

func (r *memoryRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, j := range r.byID {
		if j.Status.IsTerminal() && j.UpdatedAt.Before(cutoff) {
			delete(r.byID, id)
			delete(r.byKey, j.IdempotencyKey)
			n++
		}
	}
	return n, nil
}

func (r *memoryRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func newTestOrchestrator(t *testing.T, repo Repository) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Repository: repo,
		Rates:      Rates{InputPerToken: 0.00001, OutputPerToken: 0.00003},
		Logger:     logger.NewTestLogger(t),
	})
	require.NoError(t, err)
	seq := 0
	var mu sync.Mutex
	o.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("job-%d", seq)
	}
	o.now = func() time.Time { return fixedNow }
	return o
}

const validParams = `{"scope":"US-CA","aggression":40,"intensity":50,"dataMode":"live"}`

// ==========================
// CreateJob Tests
// ==========================

func TestCreateJob_QueuesWithEstimates(t *testing.T) {
	repo := newMemoryRepository()
	o := newTestOrchestrator(t, repo)

	res, err := o.CreateJob(context.Background(), "key-1", "user-1", []byte(validParams))
	require.NoError(t, err)
	assert.False(t, res.IsReused)

	job, err := o.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 3100, job.TokenEstimate)
	// 2170 input, 930 output
	assert.InDelta(t, 2170*0.00001+930*0.00003, job.CostEstimate, 1e-12)
	assert.JSONEq(t, validParams, string(job.Params))
}

func TestCreateJob_SameKeyIsReused(t *testing.T) {
	repo := newMemoryRepository()
	o := newTestOrchestrator(t, repo)
	ctx := context.Background()

	first, err := o.CreateJob(ctx, "key-1", "user-1", []byte(validParams))
	require.NoError(t, err)

	second, err := o.CreateJob(ctx, "key-1", "user-1", []byte(`{"scope":"other","aggression":99,"intensity":1,"dataMode":"cached"}`))
	require.NoError(t, err)

	assert.True(t, second.IsReused)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, 1, repo.count())

	job, _ := o.GetJob(ctx, first.JobID)
	assert.Equal(t, 3100, job.TokenEstimate, "reuse never recomputes the estimate")
}

func TestCreateJob_ConcurrentSubmissionsConverge(t *testing.T) {
	repo := newMemoryRepository()
	o := newTestOrchestrator(t, repo)

	const n = 20
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.CreateJob(context.Background(), "shared-key", "user-1", []byte(validParams))
			if assert.NoError(t, err) {
				ids[i] = res.JobID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, repo.count())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestCreateJob_InvalidParams(t *testing.T) {
	o := newTestOrchestrator(t, newMemoryRepository())

	_, err := o.CreateJob(context.Background(), "key-1", "user-1", []byte(`{"scope":"US","aggression":150,"intensity":50,"dataMode":"live"}`))
	require.Error(t, err)
	stdErr, ok := stderrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, stderrors.ErrCodeJobParamsInvalid, stdErr.Code)

	_, err = o.CreateJob(context.Background(), "", "user-1", []byte(validParams))
	assert.Error(t, err)
}

func TestCreateJob_RepositoryError(t *testing.T) {
	repo := newMemoryRepository()
	repo.err = errors.New("connection refused")
	o := newTestOrchestrator(t, repo)

	_, err := o.CreateJob(context.Background(), "key-1", "user-1", []byte(validParams))
	assert.ErrorContains(t, err, "connection refused")
}

func TestGetJob_Missing(t *testing.T) {
	o := newTestOrchestrator(t, newMemoryRepository())
	job, err := o.GetJob(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, job)
}

// ==========================
// Lifecycle Tests
// ==========================

func TestTerminalJobsAreImmutable(t *testing.T) {
	repo := newMemoryRepository()
	o := newTestOrchestrator(t, repo)
	ctx := context.Background()

	res, err := o.CreateJob(ctx, "key-1", "user-1", []byte(validParams))
	require.NoError(t, err)

	require.NoError(t, repo.MarkRunning(ctx, res.JobID))
	require.NoError(t, repo.Complete(ctx, res.JobID, json.RawMessage(`{"suggestions":[]}`), 2800, 0.05))

	assert.ErrorIs(t, repo.Fail(ctx, res.JobID, "late failure"), ErrInvalidTransition)
	assert.ErrorIs(t, repo.MarkRunning(ctx, res.JobID), ErrInvalidTransition)

	job, _ := o.GetJob(ctx, res.JobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Nil(t, job.Error)
}

func TestCleanupOldJobs(t *testing.T) {
	repo := newMemoryRepository()
	o := newTestOrchestrator(t, repo)
	ctx := context.Background()

	old, _ := o.CreateJob(ctx, "old", "user-1", []byte(validParams))
	queued, _ := o.CreateJob(ctx, "queued", "user-1", []byte(validParams))

	repo.now = func() time.Time { return fixedNow.Add(-200 * time.Hour) }
	require.NoError(t, repo.Fail(ctx, old.JobID, "boom"))
	repo.now = func() time.Time { return fixedNow }

	n, err := o.CleanupOldJobs(ctx, 168)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, _ := o.GetJob(ctx, old.JobID)
	assert.Nil(t, gone)
	kept, _ := o.GetJob(ctx, queued.JobID)
	assert.NotNil(t, kept, "non-terminal jobs are never collected")
}

func TestRunCleanupLoop_StopsWithContext(t *testing.T) {
	o := newTestOrchestrator(t, newMemoryRepository())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		o.RunCleanupLoop(ctx, 5*time.Millisecond, 1)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}

func TestNew_RequiresRepository(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	o, err := New(Options{Repository: newMemoryRepository()})
	require.NoError(t, err)
	assert.Equal(t, DefaultRates(), o.Rates())
}
