package snapinfrastructure

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"site-expansion/internal/common/config"
	stderr "site-expansion/internal/common/errors"
	"site-expansion/internal/common/geodata"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/models"
)

// ==========================
// Mock Snapper
// ==========================

type MockSnapper struct {
	mock.Mock
}

func (m *MockSnapper) SnapBatch(ctx context.Context, locations []models.Location, concurrency int) []BatchResult {
	args := m.Called(ctx, locations, concurrency)
	return args.Get(0).([]BatchResult)
}

func createMockJob(key int64, variables map[string]interface{}) entities.Job {
	variablesJSON, _ := json.Marshal(variables)
	return entities.Job{ActivatedJob: &pb.ActivatedJob{
		Key:                key,
		Type:               TaskType,
		ProcessInstanceKey: key * 10,
		BpmnProcessId:      "expansion-process",
		CustomHeaders:      "{}",
		Retries:            3,
		Variables:          string(variablesJSON),
	}}
}

func createTestHandler(t *testing.T, s BatchSnapper) *Handler {
	t.Helper()
	h, err := NewHandler(HandlerOptions{
		Snapper:      s,
		CustomConfig: DefaultConfig(),
		Logger:       logger.NewTestLogger(t),
	})
	require.NoError(t, err)
	return h
}

// ==========================
// Handler Creation Tests
// ==========================

func TestNewHandler(t *testing.T) {
	_, err := NewHandler(HandlerOptions{CustomConfig: DefaultConfig()})
	assert.Error(t, err)

	_, err = NewHandler(HandlerOptions{
		Snapper:      &MockSnapper{},
		CustomConfig: &Config{Enabled: true, MaxJobsActive: 1, Timeout: 0, Concurrency: 1},
	})
	assert.ErrorContains(t, err, "timeout must be positive")
}

func TestCreateConfigFromAppConfig(t *testing.T) {
	app := &config.Config{
		Snapping: config.SnappingConfig{BatchConcurrency: 4},
		Workers: map[string]config.WorkerConfig{
			TaskType: {Enabled: true, MaxJobsActive: 7, Timeout: 90000},
		},
	}

	cfg := createConfigFromAppConfig(app, nil)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 7, cfg.MaxJobsActive)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, 4, cfg.Concurrency)
}

func TestOptionsFromApp(t *testing.T) {
	off := false
	opts := OptionsFromApp(&config.Config{Snapping: config.SnappingConfig{
		MaxSnapDistanceM: 900,
		FailOpen:         &off,
	}})
	assert.Equal(t, 900, opts.MaxSnapDistanceM)
	assert.Equal(t, 25, opts.QueryLimit)
	assert.False(t, opts.FailOpen)

	assert.Equal(t, DefaultOptions(), OptionsFromApp(nil))
}

// ==========================
// Input Parsing Tests
// ==========================

func TestHandler_ParseInput(t *testing.T) {
	h := createTestHandler(t, &MockSnapper{})

	input, err := h.parseInput(createMockJob(1, map[string]interface{}{
		"locations":   []map[string]interface{}{{"lat": 40.7, "lng": -74.0}, {"lat": 40.8, "lng": -73.9}},
		"concurrency": 2,
	}))
	require.NoError(t, err)
	assert.Len(t, input.Locations, 2)
	assert.Equal(t, 2, input.Concurrency)

	_, err = h.parseInput(createMockJob(2, map[string]interface{}{
		"locations": []map[string]interface{}{},
	}))
	require.Error(t, err)
	stdErr, ok := stderr.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, stderr.ErrCodeInvalidInput, stdErr.Code)
}

// ==========================
// Execute Tests
// ==========================

func TestHandler_Execute_CountsOutcomes(t *testing.T) {
	locations := []models.Location{{Lat: 1, Lng: 1}, {Lat: 2, Lng: 2}, {Lat: 3, Lng: 3}}
	s := &MockSnapper{}
	s.On("SnapBatch", mock.Anything, locations, 16).Return([]BatchResult{
		{Location: locations[0], Result: &models.SnappingResult{Success: true}},
		{Location: locations[1], Result: &models.SnappingResult{RejectionReason: models.RejectionNoSnapTarget}},
		{Location: locations[2], Result: &models.SnappingResult{Success: true, FailOpen: true}},
	})

	h := createTestHandler(t, s)
	output, err := h.Execute(context.Background(), &Input{Locations: locations})
	require.NoError(t, err)

	assert.Equal(t, 2, output.SnappedCount)
	assert.Equal(t, 1, output.RejectedCount)
	assert.Equal(t, 0, output.FailedCount)
	s.AssertExpectations(t)
}

func TestHandler_Execute_AllFailedReturnsError(t *testing.T) {
	locations := []models.Location{{Lat: 1, Lng: 1}, {Lat: 2, Lng: 2}}
	authErr := geodata.ToStandardError("fake", geodata.ErrAuthenticationFailed)
	s := &MockSnapper{}
	s.On("SnapBatch", mock.Anything, locations, 3).Return([]BatchResult{
		{Location: locations[0], Err: authErr},
		{Location: locations[1], Err: authErr},
	})

	h := createTestHandler(t, s)
	_, err := h.Execute(context.Background(), &Input{Locations: locations, Concurrency: 3})
	assert.ErrorIs(t, err, geodata.ErrAuthenticationFailed)
}

func TestHandler_Execute_WithRealSnapper(t *testing.T) {
	p := &layerProvider{roads: []geodata.Feature{roadAt("primary", 12, 9.5, 9.5)}}
	snapper, _ := newTestSnapper(t, p, true)
	h := createTestHandler(t, snapper)

	output, err := h.Execute(context.Background(), &Input{Locations: []models.Location{{Lat: 9.4, Lng: 9.4}}})
	require.NoError(t, err)
	require.Len(t, output.Results, 1)
	assert.Equal(t, 1, output.SnappedCount)
	assert.Equal(t, 9.5, output.Results[0].Result.SnappedLat)
}

func TestHandler_Metadata(t *testing.T) {
	h := createTestHandler(t, &MockSnapper{})
	assert.Equal(t, "snap-infrastructure", h.GetTaskType())
	assert.True(t, h.IsEnabled())
	assert.Equal(t, 2*time.Minute, h.WorkerOptions().Timeout)
}
