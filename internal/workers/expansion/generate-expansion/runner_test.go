package generateexpansion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"site-expansion/internal/common/aws"
	stderrors "site-expansion/internal/common/errors"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/common/rationale"
	"site-expansion/internal/models"
	"site-expansion/internal/orchestrator"
	calculatesuggestions "site-expansion/internal/workers/expansion/calculate-suggestions"
	snapinfrastructure "site-expansion/internal/workers/expansion/snap-infrastructure"
	validatesuitability "site-expansion/internal/workers/expansion/validate-suitability"
)

// ==========================
// Fakes
// ==========================

type fakeJobStore struct {
	mu    sync.Mutex
	jobs  map[string]*models.ExpansionJob
	order []string
	calls []string
}

func newFakeJobStore(jobs ...*models.ExpansionJob) *fakeJobStore {
	s := &fakeJobStore{jobs: make(map[string]*models.ExpansionJob)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
		s.order = append(s.order, j.ID)
	}
	return s
}

func (s *fakeJobStore) Get(ctx context.Context, id string) (*models.ExpansionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	out := *j
	return &out, nil
}

func (s *fakeJobStore) transition(call, id string, next models.JobStatus, apply func(*models.ExpansionJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	j, ok := s.jobs[id]
	if !ok || !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: job %s to %s", orchestrator.ErrInvalidTransition, id, next)
	}
	j.Status = next
	apply(j)
	return nil
}

func (s *fakeJobStore) MarkRunning(ctx context.Context, id string) error {
	return s.transition("MarkRunning", id, models.JobStatusRunning, func(*models.ExpansionJob) {})
}

func (s *fakeJobStore) Complete(ctx context.Context, id string, result json.RawMessage, tokensUsed int, actualCost float64) error {
	return s.transition("Complete", id, models.JobStatusCompleted, func(j *models.ExpansionJob) {
		j.Result = result
		j.TokensUsed = &tokensUsed
		j.ActualCost = &actualCost
	})
}

func (s *fakeJobStore) Fail(ctx context.Context, id string, message string) error {
	return s.transition("Fail", id, models.JobStatusFailed, func(j *models.ExpansionJob) {
		j.Error = &message
	})
}

func (s *fakeJobStore) ClaimNextQueued(ctx context.Context) (*models.ExpansionJob, error) {
	s.mu.Lock()
	var next string
	for _, id := range s.order {
		if s.jobs[id].Status == models.JobStatusQueued {
			next = id
			break
		}
	}
	s.mu.Unlock()
	if next == "" {
		return nil, nil
	}
	if err := s.MarkRunning(ctx, next); err != nil {
		return nil, err
	}
	return s.Get(ctx, next)
}

func (s *fakeJobStore) called(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == name {
			n++
		}
	}
	return n
}

type fakeValidator struct {
	mu       sync.Mutex
	verdict  func(models.Location) (*models.TilequeryResult, error)
	adaptive bool
}

func (f *fakeValidator) ValidateLocationsBatch(ctx context.Context, locations []models.Location, concurrency int, adaptive bool) []validatesuitability.BatchResult {
	f.mu.Lock()
	f.adaptive = adaptive
	f.mu.Unlock()
	out := make([]validatesuitability.BatchResult, len(locations))
	for i, loc := range locations {
		res, err := f.verdict(loc)
		out[i] = validatesuitability.BatchResult{Location: loc, Result: res, Err: err}
	}
	return out
}

type fakeSnapper struct {
	snap  func(models.Location) (*models.SnappingResult, error)
	calls int
}

func (f *fakeSnapper) SnapBatch(ctx context.Context, locations []models.Location, concurrency int) []snapinfrastructure.BatchResult {
	f.calls++
	out := make([]snapinfrastructure.BatchResult, len(locations))
	for i, loc := range locations {
		res, err := f.snap(loc)
		out[i] = snapinfrastructure.BatchResult{Location: loc, Result: res, Err: err}
	}
	return out
}

type fakeRationale struct {
	calls int32
	fn    func(rationale.Request) (*rationale.Result, error)
}

func (f *fakeRationale) Generate(ctx context.Context, req rationale.Request) (*rationale.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(req)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []aws.JobStatusEvent
	err    error
}

func (n *recordingNotifier) NotifyJobStatus(ctx context.Context, event aws.JobStatusEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

type MockCalculator struct {
	mock.Mock
}

func (m *MockCalculator) CalculateWithFallback(ctx context.Context, req *models.SuggestionRequest) (*models.SuggestionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SuggestionResponse), args.Error(1)
}

// ==========================
// Helpers
// ==========================

var testRates = orchestrator.Rates{InputPerToken: 0.00001, OutputPerToken: 0.00003}

func candidate(lat, pop float64) models.CandidateSite {
	return models.CandidateSite{
		Lat:                   lat,
		Lng:                   -0.1,
		WithinScope:           true,
		Population:            pop,
		FootfallIndex:         0.5,
		IncomeIndex:           0.5,
		NearestSubwayDistance: 100,
	}
}

func queuedJob(t *testing.T, id string, params models.JobParams) *models.ExpansionJob {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return &models.ExpansionJob{
		ID:             id,
		IdempotencyKey: "key-" + id,
		Status:         models.JobStatusQueued,
		UserID:         "user-1",
		Params:         raw,
		CreatedAt:      time.Now(),
	}
}

func suitableEverywhere(models.Location) (*models.TilequeryResult, error) {
	return &models.TilequeryResult{IsSuitable: true}, nil
}

func newSyncCalculator(t *testing.T) *calculatesuggestions.Calculator {
	t.Helper()
	c := calculatesuggestions.NewCalculator(calculatesuggestions.CalculatorOptions{PreferSync: true})
	t.Cleanup(c.Close)
	return c
}

func newTestRunner(t *testing.T, opts RunnerOptions) *Runner {
	t.Helper()
	if opts.Calculator == nil {
		opts.Calculator = newSyncCalculator(t)
	}
	opts.Rates = testRates
	opts.Logger = logger.NewTestLogger(t)
	r, err := NewRunner(opts)
	require.NoError(t, err)
	return r
}

func decodeResult(t *testing.T, job *models.ExpansionJob) models.ExpansionResult {
	t.Helper()
	var result models.ExpansionResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	return result
}

// ==========================
// Run Tests
// ==========================

func TestRunner_Run_CompletesJob(t *testing.T) {
	params := models.JobParams{
		Scope:                      "UK-LON",
		Aggression:                 10,
		Intensity:                  100,
		DataMode:                   "live",
		EnableInfrastructureFilter: true,
		AdaptiveValidation:         true,
		Candidates: []models.CandidateSite{
			candidate(51.50, 1000),
			candidate(51.51, 2000),
			candidate(51.52, 3000),
			candidate(51.53, 4000),
		},
	}
	store := newFakeJobStore(queuedJob(t, "job-1", params))

	validator := &fakeValidator{verdict: func(loc models.Location) (*models.TilequeryResult, error) {
		if loc.Lat == 51.51 {
			return &models.TilequeryResult{IsSuitable: false, Reason: "water_only"}, nil
		}
		return &models.TilequeryResult{IsSuitable: true}, nil
	}}
	snapper := &fakeSnapper{snap: func(loc models.Location) (*models.SnappingResult, error) {
		if loc.Lat == 51.50 {
			return &models.SnappingResult{Success: false, RejectionReason: models.RejectionNoSnapTarget}, nil
		}
		return &models.SnappingResult{Success: true, SnappedLat: loc.Lat + 0.0001, SnappedLng: loc.Lng}, nil
	}}
	explainer := &fakeRationale{fn: func(req rationale.Request) (*rationale.Result, error) {
		if req.Rank == 2 {
			return nil, rationale.ErrRationaleTimeout
		}
		return &rationale.Result{Text: "dense footfall near transit", TokensUsed: 40}, nil
	}}
	notifier := &recordingNotifier{}

	r := newTestRunner(t, RunnerOptions{
		Jobs:      store,
		Validator: validator,
		Snapper:   snapper,
		Rationale: explainer,
		Notifier:  notifier,
	})

	outcome, err := r.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, outcome.Status)
	assert.Equal(t, 2, outcome.SuggestionCount)
	assert.Equal(t, 40, outcome.TokensUsed)
	assert.InDelta(t, orchestrator.EstimateCost(40, testRates), outcome.ActualCost, 1e-12)
	assert.True(t, validator.adaptive)
	assert.Equal(t, int32(2), atomic.LoadInt32(&explainer.calls))

	job, _ := store.Get(context.Background(), "job-1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.TokensUsed)
	assert.Equal(t, 40, *job.TokensUsed)

	result := decodeResult(t, job)
	assert.Equal(t, 3, result.ValidatedCount)
	assert.Equal(t, 1, result.RejectedCount)
	assert.Equal(t, 2, result.SnappedCount)
	assert.Equal(t, 1, result.RationaleCount)
	assert.Equal(t, calculatesuggestions.FallbackConfidence, result.ScoringConfidence)
	require.Len(t, result.Suggestions, 2)
	assert.InDelta(t, 51.5301, result.Suggestions[0].Lat, 1e-9, "highest score first, on its snapped coordinate")
	assert.Equal(t, "dense footfall near transit", result.Suggestions[0].Rationale)
	assert.Empty(t, result.Suggestions[1].Rationale)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, models.JobStatusCompleted, notifier.events[0].Status)
	assert.Equal(t, "user-1", notifier.events[0].UserID)
	assert.Equal(t, 2, notifier.events[0].Suggestions)
}

func TestRunner_Run_SkipsSnappingWhenFilterDisabled(t *testing.T) {
	params := models.JobParams{
		Scope: "US", Aggression: 50, Intensity: 100, DataMode: "cached",
		Candidates: []models.CandidateSite{candidate(40.1, 500), candidate(40.2, 700)},
	}
	store := newFakeJobStore(queuedJob(t, "job-1", params))
	snapper := &fakeSnapper{snap: func(models.Location) (*models.SnappingResult, error) {
		t.Fatal("snapper must not be called")
		return nil, nil
	}}

	r := newTestRunner(t, RunnerOptions{
		Jobs:      store,
		Validator: &fakeValidator{verdict: suitableEverywhere},
		Snapper:   snapper,
	})

	outcome, err := r.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, outcome.Status)
	assert.Equal(t, 0, outcome.TokensUsed)
	assert.Zero(t, outcome.ActualCost)
	assert.Zero(t, snapper.calls)

	job, _ := store.Get(context.Background(), "job-1")
	assert.Equal(t, 0, decodeResult(t, job).SnappedCount)
}

func TestRunner_Run_ProviderAuthFailureFailsJob(t *testing.T) {
	params := models.JobParams{
		Scope: "US", Aggression: 50, Intensity: 50, DataMode: "live",
		Candidates: []models.CandidateSite{candidate(40.1, 500), candidate(40.2, 700)},
	}
	store := newFakeJobStore(queuedJob(t, "job-1", params))
	notifier := &recordingNotifier{err: errors.New("topic missing")}

	r := newTestRunner(t, RunnerOptions{
		Jobs: store,
		Validator: &fakeValidator{verdict: func(models.Location) (*models.TilequeryResult, error) {
			return nil, stderrors.NewProviderAuthFailedError("tilequery", errors.New("status 401"))
		}},
		Notifier: notifier,
	})

	outcome, err := r.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, outcome.Status)
	assert.Equal(t, "Geodata provider 'tilequery' rejected credentials: status 401", outcome.Error)

	job, _ := store.Get(context.Background(), "job-1")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, outcome.Error, *job.Error)
	assert.Zero(t, store.called("Complete"))

	require.Len(t, notifier.events, 1, "notification errors are logged, not returned")
	assert.Equal(t, models.JobStatusFailed, notifier.events[0].Status)
}

func TestRunner_Run_CalculatorErrorFailsJob(t *testing.T) {
	params := models.JobParams{
		Scope: "US", Aggression: 50, Intensity: 50, DataMode: "live",
		Candidates: []models.CandidateSite{candidate(40.1, 500)},
	}
	store := newFakeJobStore(queuedJob(t, "job-1", params))
	calc := &MockCalculator{}
	calc.On("CalculateWithFallback", mock.Anything, mock.MatchedBy(func(req *models.SuggestionRequest) bool {
		return req.ModelVersion == calculatesuggestions.DefaultModelVersion && len(req.CandidateSites) == 1
	})).Return(nil, calculatesuggestions.ErrCalculationInProgress)

	r := newTestRunner(t, RunnerOptions{
		Jobs:       store,
		Validator:  &fakeValidator{verdict: suitableEverywhere},
		Calculator: calc,
	})

	outcome, err := r.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, outcome.Status)
	assert.Equal(t, "A suggestion calculation is already in flight", outcome.Error)
	calc.AssertExpectations(t)
}

func TestRunner_Run_UnreadableParamsFailJob(t *testing.T) {
	job := &models.ExpansionJob{ID: "job-1", Status: models.JobStatusQueued, Params: json.RawMessage(`{"scope": 12}`)}
	store := newFakeJobStore(job)

	r := newTestRunner(t, RunnerOptions{Jobs: store, Validator: &fakeValidator{verdict: suitableEverywhere}})

	outcome, err := r.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "Expansion job parameters are invalid")
}

func TestRunner_Run_NoCandidatesFailsJob(t *testing.T) {
	store := newFakeJobStore(queuedJob(t, "job-1", models.JobParams{Scope: "US", DataMode: "live"}))
	r := newTestRunner(t, RunnerOptions{Jobs: store, Validator: &fakeValidator{verdict: suitableEverywhere}})

	outcome, err := r.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, outcome.Status)
	assert.Equal(t, "job params carry no candidate sites", outcome.Error)
}

func TestRunner_Run_TerminalJobIsNotRerun(t *testing.T) {
	msg := "boom"
	job := &models.ExpansionJob{ID: "job-1", Status: models.JobStatusFailed, Error: &msg}
	store := newFakeJobStore(job)
	r := newTestRunner(t, RunnerOptions{Jobs: store, Validator: &fakeValidator{verdict: suitableEverywhere}})

	outcome, err := r.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, outcome.Status)
	assert.Equal(t, "boom", outcome.Error)
	assert.Zero(t, store.called("MarkRunning"))
	assert.Zero(t, store.called("Fail"))
}

func TestRunner_Run_ConcurrentJobsShareCalculatorPool(t *testing.T) {
	const jobs = 4
	var queued []*models.ExpansionJob
	for i := 0; i < jobs; i++ {
		params := models.JobParams{Scope: "ES", Aggression: 50, Intensity: 100, DataMode: "live"}
		for j := 0; j < 20000; j++ {
			params.Candidates = append(params.Candidates, candidate(40+float64(j)*0.00001, float64(j)))
		}
		queued = append(queued, queuedJob(t, fmt.Sprintf("job-%d", i), params))
	}
	store := newFakeJobStore(queued...)

	pool := calculatesuggestions.NewPool(2, calculatesuggestions.CalculatorOptions{})
	defer pool.Close()

	r := newTestRunner(t, RunnerOptions{
		Jobs:       store,
		Validator:  &fakeValidator{verdict: suitableEverywhere},
		Calculator: pool,
	})

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, jobs)
	errs := make([]error, jobs)
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = r.Run(context.Background(), fmt.Sprintf("job-%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < jobs; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, models.JobStatusCompleted, outcomes[i].Status, outcomes[i].Error)

		job, _ := store.Get(context.Background(), fmt.Sprintf("job-%d", i))
		assert.Equal(t, calculatesuggestions.PrimaryConfidence, decodeResult(t, job).ScoringConfidence)
	}
	assert.Zero(t, store.called("Fail"))
}

func TestRunner_Run_MissingJob(t *testing.T) {
	r := newTestRunner(t, RunnerOptions{Jobs: newFakeJobStore(), Validator: &fakeValidator{verdict: suitableEverywhere}})

	_, err := r.Run(context.Background(), "nope")
	require.Error(t, err)
	stdErr, ok := stderrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, stderrors.ErrCodeJobNotFound, stdErr.Code)
}

func TestRunner_Run_RecordsFailureAfterDeadline(t *testing.T) {
	params := models.JobParams{
		Scope: "US", Aggression: 50, Intensity: 50, DataMode: "live",
		Candidates: []models.CandidateSite{candidate(40.1, 500)},
	}
	store := newFakeJobStore(queuedJob(t, "job-1", params))
	ctx, cancel := context.WithCancel(context.Background())

	r := newTestRunner(t, RunnerOptions{
		Jobs: store,
		Validator: &fakeValidator{verdict: func(models.Location) (*models.TilequeryResult, error) {
			cancel()
			return nil, context.Canceled
		}},
	})

	outcome, err := r.Run(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, outcome.Status)
	assert.Equal(t, context.Canceled.Error(), outcome.Error)
}

func TestNewRunner_RequiresCollaborators(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	assert.Error(t, err)

	r, err := NewRunner(RunnerOptions{
		Jobs:       newFakeJobStore(),
		Validator:  &fakeValidator{verdict: suitableEverywhere},
		Calculator: &MockCalculator{},
	})
	require.NoError(t, err)
	assert.IsType(t, ParamsCandidateSource{}, r.opts.Candidates)
	assert.Equal(t, calculatesuggestions.DefaultModelVersion, r.opts.ModelVersion)
	assert.Equal(t, defaultRationaleConcurrency, r.opts.RationaleConcurrency)
}

// ==========================
// Candidate Source Tests
// ==========================

func TestDatasetCandidateSource(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		switch r.URL.Query().Get("scope") {
		case "PT-LIS":
			assert.Equal(t, "live", r.URL.Query().Get("dataMode"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"candidates":[{"lat":38.72,"lng":-9.14,"withinScope":true,"population":5000}]}`))
		case "EMPTY":
			_, _ = w.Write([]byte(`{"candidates":[]}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	src, err := NewDatasetCandidateSource(server.URL+"/candidates", time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	sites, err := src.Candidates(ctx, &models.JobParams{Scope: "PT-LIS", DataMode: "live"})
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, 5000.0, sites[0].Population)

	_, err = src.Candidates(ctx, &models.JobParams{Scope: "EMPTY"})
	assert.ErrorContains(t, err, "no candidate sites")

	_, err = src.Candidates(ctx, &models.JobParams{Scope: "DOWN"})
	stdErr, ok := stderrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, stderrors.ErrCodeDatasetFetchFailed, stdErr.Code)

	before := atomic.LoadInt32(&hits)
	carried := []models.CandidateSite{candidate(1, 1)}
	sites, err = src.Candidates(ctx, &models.JobParams{Scope: "PT-LIS", Candidates: carried})
	require.NoError(t, err)
	assert.Equal(t, carried, sites)
	assert.Equal(t, before, atomic.LoadInt32(&hits))

	_, err = NewDatasetCandidateSource("", time.Second)
	assert.Error(t, err)
}
