package validatesuitability

import (
	"context"
	"encoding/json"
	"errors"
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
// Mock Validator
// ==========================

type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) ValidateLocationsBatch(ctx context.Context, locations []models.Location, concurrency int, adaptive bool) []BatchResult {
	args := m.Called(ctx, locations, concurrency, adaptive)
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

func createTestHandler(t *testing.T, v BatchValidator) *Handler {
	t.Helper()
	h, err := NewHandler(HandlerOptions{
		Validator:    v,
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
	assert.Error(t, err, "validator is required")

	_, err = NewHandler(HandlerOptions{
		Validator:    &MockValidator{},
		CustomConfig: &Config{Enabled: true, MaxJobsActive: 0, Timeout: time.Second, Concurrency: 1},
	})
	assert.ErrorContains(t, err, "max_jobs_active must be positive")
}

func TestCreateConfigFromAppConfig(t *testing.T) {
	app := &config.Config{
		Validation: config.ValidationConfig{BatchConcurrency: 8},
		Workers: map[string]config.WorkerConfig{
			TaskType: {Enabled: false, MaxJobsActive: 2, Timeout: 45000},
		},
	}

	cfg := createConfigFromAppConfig(app, nil)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 2, cfg.MaxJobsActive)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, 8, cfg.Concurrency)

	custom := &Config{Enabled: true}
	assert.Same(t, custom, createConfigFromAppConfig(app, custom))
	assert.Equal(t, DefaultConfig(), createConfigFromAppConfig(nil, nil))
}

func TestOptionsFromApp(t *testing.T) {
	off := false
	opts := OptionsFromApp(&config.Config{Validation: config.ValidationConfig{
		DefaultRadiusM: 500,
		AdaptiveRadiiM: []int{300, 600},
		FailOpen:       &off,
	}})
	assert.Equal(t, 500, opts.DefaultRadiusM)
	assert.Equal(t, []int{300, 600}, opts.AdaptiveRadiiM)
	assert.Equal(t, 50, opts.QueryLimit)
	assert.False(t, opts.FailOpen)

	assert.True(t, OptionsFromApp(&config.Config{}).FailOpen)
}

// ==========================
// Input Parsing Tests
// ==========================

func TestHandler_ParseInput(t *testing.T) {
	h := createTestHandler(t, &MockValidator{})

	tests := []struct {
		name      string
		variables map[string]interface{}
		wantErr   bool
	}{
		{
			name: "valid",
			variables: map[string]interface{}{
				"locations": []map[string]interface{}{{"lat": 52.5, "lng": 13.4}},
				"adaptive":  true,
			},
		},
		{
			name:      "missing locations",
			variables: map[string]interface{}{"adaptive": true},
			wantErr:   true,
		},
		{
			name: "latitude out of range",
			variables: map[string]interface{}{
				"locations": []map[string]interface{}{{"lat": 123.0, "lng": 13.4}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, err := h.parseInput(createMockJob(1, tt.variables))
			if tt.wantErr {
				require.Error(t, err)
				stdErr, ok := stderr.AsStandardError(err)
				require.True(t, ok)
				assert.Equal(t, stderr.ErrCodeInvalidInput, stdErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Len(t, input.Locations, 1)
			assert.True(t, input.Adaptive)
		})
	}
}

// ==========================
// Execute Tests
// ==========================

func TestHandler_Execute_CountsOutcomes(t *testing.T) {
	locations := []models.Location{{Lat: 1, Lng: 1}, {Lat: 2, Lng: 2}, {Lat: 3, Lng: 3}}
	v := &MockValidator{}
	v.On("ValidateLocationsBatch", mock.Anything, locations, 16, false).Return([]BatchResult{
		{Location: locations[0], Result: &models.TilequeryResult{IsSuitable: true}},
		{Location: locations[1], Result: &models.TilequeryResult{IsSuitable: false}},
		{Location: locations[2], Err: errors.New("provider rejected credentials")},
	})

	h := createTestHandler(t, v)
	output, err := h.Execute(context.Background(), &Input{Locations: locations})
	require.NoError(t, err)

	assert.Equal(t, 1, output.AcceptedCount)
	assert.Equal(t, 1, output.RejectedCount)
	assert.Equal(t, 1, output.FailedCount)
	require.Len(t, output.Results, 3)
	assert.Equal(t, "provider rejected credentials", output.Results[2].Error)
	v.AssertExpectations(t)
}

func TestHandler_Execute_AllFailedReturnsError(t *testing.T) {
	locations := []models.Location{{Lat: 1, Lng: 1}}
	authErr := geodata.ToStandardError("fake", geodata.ErrAuthenticationFailed)
	v := &MockValidator{}
	v.On("ValidateLocationsBatch", mock.Anything, locations, 4, true).Return([]BatchResult{
		{Location: locations[0], Err: authErr},
	})

	h := createTestHandler(t, v)
	_, err := h.Execute(context.Background(), &Input{Locations: locations, Adaptive: true, Concurrency: 4})
	require.Error(t, err)
	assert.ErrorIs(t, err, geodata.ErrAuthenticationFailed)
}

func TestHandler_Execute_WithRealValidator(t *testing.T) {
	v, _ := newTestValidator(t, staticProvider(features(road("primary", 15), building(30)), nil), true)
	h := createTestHandler(t, v)

	output, err := h.Execute(context.Background(), &Input{
		Locations: []models.Location{{Lat: 1, Lng: 1}, {Lat: 1.5, Lng: 1.5}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, output.AcceptedCount)
	require.NotNil(t, output.Results[0].Result.RoadDistanceM)
	assert.Equal(t, 15.0, *output.Results[0].Result.RoadDistanceM)
}

func TestHandler_Metadata(t *testing.T) {
	h := createTestHandler(t, &MockValidator{})
	assert.Equal(t, "validate-suitability", h.GetTaskType())
	assert.True(t, h.IsEnabled())

	opts := h.WorkerOptions()
	assert.Equal(t, TaskType, opts.TaskType)
	assert.Equal(t, 5, opts.MaxJobsActive)
}
