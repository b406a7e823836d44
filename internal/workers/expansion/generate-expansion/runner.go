package generateexpansion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"site-expansion/internal/common/aws"
	"site-expansion/internal/common/batch"
	stderrors "site-expansion/internal/common/errors"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/common/metrics"
	"site-expansion/internal/common/observability"
	"site-expansion/internal/common/rationale"
	"site-expansion/internal/models"
	"site-expansion/internal/orchestrator"
	calculatesuggestions "site-expansion/internal/workers/expansion/calculate-suggestions"
	snapinfrastructure "site-expansion/internal/workers/expansion/snap-infrastructure"
	validatesuitability "site-expansion/internal/workers/expansion/validate-suitability"
)

const defaultRationaleConcurrency = 4

// JobStore is the part of the job repository the runner writes through.
type JobStore interface {
	Get(ctx context.Context, id string) (*models.ExpansionJob, error)
	MarkRunning(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, result json.RawMessage, tokensUsed int, actualCost float64) error
	Fail(ctx context.Context, id string, message string) error
	ClaimNextQueued(ctx context.Context) (*models.ExpansionJob, error)
}

// CandidateSource supplies the candidate sites of a job.
type CandidateSource interface {
	Candidates(ctx context.Context, params *models.JobParams) ([]models.CandidateSite, error)
}

// ParamsCandidateSource returns the candidates carried in the job params.
type ParamsCandidateSource struct{}

func (ParamsCandidateSource) Candidates(_ context.Context, params *models.JobParams) ([]models.CandidateSite, error) {
	if len(params.Candidates) == 0 {
		return nil, errors.New("job params carry no candidate sites")
	}
	return params.Candidates, nil
}

type Notifier interface {
	NotifyJobStatus(ctx context.Context, event aws.JobStatusEvent) error
}

// Outcome describes a job that reached a terminal state.
type Outcome struct {
	JobID           string           `json:"jobId"`
	Status          models.JobStatus `json:"status"`
	SuggestionCount int              `json:"suggestionCount"`
	TokensUsed      int              `json:"tokensUsed"`
	ActualCost      float64          `json:"actualCost"`
	Error           string           `json:"error,omitempty"`
}

type RunnerOptions struct {
	Jobs                 JobStore
	Candidates           CandidateSource
	Validator            validatesuitability.BatchValidator
	Snapper              snapinfrastructure.BatchSnapper
	Calculator           calculatesuggestions.SuggestionCalculator
	Rationale            rationale.Service
	Notifier             Notifier
	Observability        *observability.Observability
	Rates                orchestrator.Rates
	ModelVersion         string
	RationaleConcurrency int
	Logger               logger.Logger
}

// Runner executes queued expansion jobs: validate, snap, score, explain.
type Runner struct {
	opts   RunnerOptions
	logger logger.Logger
}

func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil || opts.Validator == nil || opts.Calculator == nil {
		return nil, errors.New("runner requires a job store, validator and calculator")
	}
	if opts.Candidates == nil {
		opts.Candidates = ParamsCandidateSource{}
	}
	if opts.ModelVersion == "" {
		opts.ModelVersion = calculatesuggestions.DefaultModelVersion
	}
	if opts.RationaleConcurrency <= 0 {
		opts.RationaleConcurrency = defaultRationaleConcurrency
	}
	if opts.Observability == nil {
		opts.Observability = observability.NewNoop()
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	return &Runner{opts: opts, logger: logger.ForComponent(log, "expansion-runner")}, nil
}

// Run executes the job with id. A returned error means the job could not be
// driven to a terminal state; pipeline failures are recorded on the job and
// reported through the Outcome.
func (r *Runner) Run(ctx context.Context, jobID string) (*Outcome, error) {
	job, err := r.opts.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("get_job", err)
	}
	if job == nil {
		return nil, stderrors.NewJobNotFoundError(jobID)
	}

	if job.Status.IsTerminal() {
		r.logger.Info("job already terminal", map[string]interface{}{"jobId": jobID, "status": job.Status})
		return terminalOutcome(job), nil
	}
	if job.Status == models.JobStatusQueued {
		if err := r.opts.Jobs.MarkRunning(ctx, jobID); err != nil {
			return nil, stderrors.NewJobInvalidTransitionError(jobID, string(job.Status), string(models.JobStatusRunning), err)
		}
	}
	return r.RunClaimed(ctx, job)
}

// RunClaimed executes a job that is already running.
func (r *Runner) RunClaimed(ctx context.Context, job *models.ExpansionJob) (*Outcome, error) {
	started := time.Now()
	log := r.logger.WithFields(map[string]interface{}{"jobId": job.ID})
	log.Info("expansion job started", nil)

	result, tokens, err := r.execute(ctx, job, log)
	// The terminal write must land even when the run deadline has passed.
	ctx = context.WithoutCancel(ctx)

	var payload []byte
	if err == nil {
		payload, err = json.Marshal(result)
		if err != nil {
			err = stderrors.NewResultSerializationFailedError(err)
		}
	}
	if err != nil {
		return r.fail(ctx, job, err, started, log)
	}

	cost := orchestrator.EstimateCost(tokens, r.opts.Rates)
	if err := r.opts.Jobs.Complete(ctx, job.ID, payload, tokens, cost); err != nil {
		return nil, stderrors.NewJobInvalidTransitionError(job.ID, string(models.JobStatusRunning), string(models.JobStatusCompleted), err)
	}

	metrics.ExpansionJobs.WithLabelValues("completed").Inc()
	r.opts.Observability.RecordJobProcessed(ctx, string(models.JobStatusCompleted))
	r.opts.Observability.RecordJobDuration(ctx, time.Since(started), string(models.JobStatusCompleted))
	r.opts.Observability.RecordTokensUsed(ctx, tokens)

	outcome := &Outcome{
		JobID:           job.ID,
		Status:          models.JobStatusCompleted,
		SuggestionCount: len(result.Suggestions),
		TokensUsed:      tokens,
		ActualCost:      cost,
	}
	log.Info("expansion job completed", map[string]interface{}{
		"suggestions": outcome.SuggestionCount,
		"tokensUsed":  tokens,
		"actualCost":  cost,
		"durationMs":  time.Since(started).Milliseconds(),
	})
	r.notify(ctx, job, outcome)
	return outcome, nil
}

func (r *Runner) execute(ctx context.Context, job *models.ExpansionJob, log logger.Logger) (*models.ExpansionResult, int, error) {
	var params models.JobParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, 0, stderrors.NewJobParamsInvalidError(err.Error(), err)
	}

	candidates, err := r.opts.Candidates.Candidates(ctx, &params)
	if err != nil {
		return nil, 0, err
	}
	result := &models.ExpansionResult{}

	suitable, err := r.validate(ctx, candidates, params.AdaptiveValidation, result)
	if err != nil {
		return nil, 0, err
	}

	if params.EnableInfrastructureFilter && r.opts.Snapper != nil {
		suitable, err = r.snap(ctx, suitable, result)
		if err != nil {
			return nil, 0, err
		}
	}

	modelVersion := params.ModelVersion
	if modelVersion == "" {
		modelVersion = r.opts.ModelVersion
	}
	resp, err := r.opts.Calculator.CalculateWithFallback(ctx, &models.SuggestionRequest{
		Scope:          params.Scope,
		Intensity:      params.Intensity,
		DataMode:       params.DataMode,
		ModelVersion:   modelVersion,
		MinDistance:    params.MinDistance,
		MaxPerCity:     params.MaxPerCity,
		CandidateSites: suitable,
	})
	if err != nil {
		return nil, 0, calculatesuggestions.ToStandardError(err)
	}
	result.Suggestions = resp.Suggestions
	result.Metadata = resp.Metadata
	if len(resp.Suggestions) > 0 {
		result.ScoringConfidence = resp.Suggestions[0].Confidence
	}

	tokens := r.explain(ctx, &params, result, log)
	return result, tokens, nil
}

// validate keeps suitable candidates. The batch fails only when every
// location failed, which surfaces an authentication failure.
func (r *Runner) validate(ctx context.Context, candidates []models.CandidateSite, adaptive bool, result *models.ExpansionResult) ([]models.CandidateSite, error) {
	results := r.opts.Validator.ValidateLocationsBatch(ctx, locationsOf(candidates), 0, adaptive)

	kept := make([]models.CandidateSite, 0, len(candidates))
	failed := 0
	var firstErr error
	for i, res := range results {
		switch {
		case res.Err != nil:
			failed++
			if firstErr == nil {
				firstErr = res.Err
			}
		case res.Result.IsSuitable:
			kept = append(kept, candidates[i])
		default:
			result.RejectedCount++
		}
	}
	if len(results) > 0 && failed == len(results) {
		return nil, firstErr
	}
	result.ValidatedCount = len(kept)
	return kept, nil
}

// snap keeps candidates with a snap target and moves them onto it.
func (r *Runner) snap(ctx context.Context, candidates []models.CandidateSite, result *models.ExpansionResult) ([]models.CandidateSite, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}
	results := r.opts.Snapper.SnapBatch(ctx, locationsOf(candidates), 0)

	kept := make([]models.CandidateSite, 0, len(candidates))
	failed := 0
	var firstErr error
	for i, res := range results {
		switch {
		case res.Err != nil:
			failed++
			if firstErr == nil {
				firstErr = res.Err
			}
		case res.Result.Success:
			site := candidates[i]
			site.Lat, site.Lng = res.Result.SnappedLat, res.Result.SnappedLng
			kept = append(kept, site)
		}
	}
	if failed == len(results) {
		return nil, firstErr
	}
	result.SnappedCount = len(kept)
	return kept, nil
}

// explain attaches rationale text to the top suggestions and returns the
// tokens consumed. Failures are logged and skipped.
func (r *Runner) explain(ctx context.Context, params *models.JobParams, result *models.ExpansionResult, log logger.Logger) int {
	if r.opts.Rationale == nil || len(result.Suggestions) == 0 {
		return 0
	}

	n := orchestrator.AICandidates(orchestrator.TargetStores(params.Aggression))
	if n > len(result.Suggestions) {
		n = len(result.Suggestions)
	}

	ranks := make([]int, n)
	for i := range ranks {
		ranks[i] = i
	}
	generated := batch.Map(ctx, ranks, r.opts.RationaleConcurrency, func(ctx context.Context, i int) (*rationale.Result, error) {
		return r.opts.Rationale.Generate(ctx, rationale.Request{
			Scope:      params.Scope,
			Suggestion: result.Suggestions[i],
			Rank:       i + 1,
		})
	})

	tokens := 0
	for i, g := range generated {
		if g.Err != nil {
			log.Warn("rationale generation failed", map[string]interface{}{
				"suggestionId": result.Suggestions[i].ID,
				"error":        g.Err.Error(),
			})
			continue
		}
		result.Suggestions[i].Rationale = g.Value.Text
		result.RationaleCount++
		tokens += g.Value.TokensUsed
	}
	return tokens
}

func (r *Runner) fail(ctx context.Context, job *models.ExpansionJob, cause error, started time.Time, log logger.Logger) (*Outcome, error) {
	message := humanMessage(cause)
	log.Error("expansion job failed", map[string]interface{}{"error": message})

	if err := r.opts.Jobs.Fail(ctx, job.ID, message); err != nil {
		return nil, stderrors.NewJobInvalidTransitionError(job.ID, string(models.JobStatusRunning), string(models.JobStatusFailed), err)
	}

	metrics.ExpansionJobs.WithLabelValues("failed").Inc()
	r.opts.Observability.RecordJobProcessed(ctx, string(models.JobStatusFailed))
	r.opts.Observability.RecordJobDuration(ctx, time.Since(started), string(models.JobStatusFailed))

	outcome := &Outcome{JobID: job.ID, Status: models.JobStatusFailed, Error: message}
	r.notify(ctx, job, outcome)
	return outcome, nil
}

func (r *Runner) notify(ctx context.Context, job *models.ExpansionJob, outcome *Outcome) {
	if r.opts.Notifier == nil {
		return
	}
	err := r.opts.Notifier.NotifyJobStatus(ctx, aws.JobStatusEvent{
		JobID:       job.ID,
		UserID:      job.UserID,
		Status:      outcome.Status,
		Error:       outcome.Error,
		TokensUsed:  outcome.TokensUsed,
		ActualCost:  outcome.ActualCost,
		Suggestions: outcome.SuggestionCount,
	})
	if err != nil {
		r.logger.Warn("job status notification failed", map[string]interface{}{
			"jobId": job.ID,
			"error": err.Error(),
		})
	}
}

func terminalOutcome(job *models.ExpansionJob) *Outcome {
	o := &Outcome{JobID: job.ID, Status: job.Status}
	if job.Error != nil {
		o.Error = *job.Error
	}
	if job.TokensUsed != nil {
		o.TokensUsed = *job.TokensUsed
	}
	if job.ActualCost != nil {
		o.ActualCost = *job.ActualCost
	}
	return o
}

func humanMessage(err error) string {
	if stdErr, ok := stderrors.AsStandardError(err); ok {
		if stdErr.Details != "" {
			return fmt.Sprintf("%s: %s", stdErr.Message, stdErr.Details)
		}
		return stdErr.Message
	}
	return err.Error()
}

func locationsOf(sites []models.CandidateSite) []models.Location {
	locs := make([]models.Location, len(sites))
	for i, s := range sites {
		locs[i] = s.Location()
	}
	return locs
}
