// Package orchestrator accepts expansion requests, prices them and tracks
// their status. Execution belongs to the generate-expansion worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"site-expansion/internal/common/logger"
	"site-expansion/internal/common/metrics"
	"site-expansion/internal/common/validation"
	"site-expansion/internal/models"
)

type Orchestrator struct {
	repo   Repository
	rates  Rates
	logger logger.Logger
	newID  func() string
	now    func() time.Time
}

type Options struct {
	Repository Repository
	Rates      Rates
	Logger     logger.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Repository == nil {
		return nil, errors.New("orchestrator requires a repository")
	}
	rates := opts.Rates
	if rates.InputPerToken <= 0 && rates.OutputPerToken <= 0 {
		rates = DefaultRates()
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	return &Orchestrator{
		repo:   opts.Repository,
		rates:  rates,
		logger: logger.ForComponent(log, "job-orchestrator"),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (o *Orchestrator) Rates() Rates { return o.rates }

// CreateJob returns the existing job for idempotencyKey unchanged, or prices
// and queues a new one.
func (o *Orchestrator) CreateJob(ctx context.Context, idempotencyKey, userID string, rawParams []byte) (*models.CreateJobResult, error) {
	if idempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	existing, err := o.repo.FindByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if existing != nil {
		metrics.ExpansionJobs.WithLabelValues("reused").Inc()
		o.logger.Info("reusing job for idempotency key", map[string]interface{}{
			"jobId":  existing.ID,
			"status": existing.Status,
		})
		return &models.CreateJobResult{JobID: existing.ID, IsReused: true}, nil
	}

	params, err := validation.ValidateJobParams(rawParams)
	if err != nil {
		return nil, err
	}

	tokens := EstimateTokens(params)
	now := o.now()
	job := &models.ExpansionJob{
		ID:             o.newID(),
		IdempotencyKey: idempotencyKey,
		Status:         models.JobStatusQueued,
		UserID:         userID,
		Params:         rawParams,
		TokenEstimate:  tokens,
		CostEstimate:   EstimateCost(tokens, o.rates),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, reused, err := o.repo.Insert(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if reused {
		metrics.ExpansionJobs.WithLabelValues("reused").Inc()
	} else {
		metrics.ExpansionJobs.WithLabelValues("created").Inc()
		o.logger.Info("job queued", map[string]interface{}{
			"jobId":         stored.ID,
			"userId":        userID,
			"tokenEstimate": tokens,
			"costEstimate":  job.CostEstimate,
		})
	}
	return &models.CreateJobResult{JobID: stored.ID, IsReused: reused}, nil
}

// GetJob returns nil, nil when the job does not exist.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*models.ExpansionJob, error) {
	return o.repo.Get(ctx, jobID)
}

// CleanupOldJobs deletes terminal jobs last updated more than olderThanHours ago.
func (o *Orchestrator) CleanupOldJobs(ctx context.Context, olderThanHours int) (int64, error) {
	cutoff := o.now().Add(-time.Duration(olderThanHours) * time.Hour)
	n, err := o.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.ExpansionJobs.WithLabelValues("deleted").Add(float64(n))
		o.logger.Info("old jobs deleted", map[string]interface{}{
			"deleted": n,
			"cutoff":  cutoff.Format(time.RFC3339),
		})
	}
	return n, nil
}

// RunCleanupLoop calls CleanupOldJobs every interval until ctx is done.
func (o *Orchestrator) RunCleanupLoop(ctx context.Context, interval time.Duration, retentionHours int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.CleanupOldJobs(ctx, retentionHours); err != nil {
				o.logger.Error("job cleanup failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
