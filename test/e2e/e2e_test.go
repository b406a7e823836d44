// test/e2e/e2e_test.go
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"site-expansion/internal/common/cache"
	"site-expansion/internal/common/config"
	"site-expansion/internal/common/database"
	"site-expansion/internal/common/geodata"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/models"
	"site-expansion/internal/orchestrator"

	cs "site-expansion/internal/workers/expansion/calculate-suggestions"
	ge "site-expansion/internal/workers/expansion/generate-expansion"
	si "site-expansion/internal/workers/expansion/snap-infrastructure"
	vs "site-expansion/internal/workers/expansion/validate-suitability"
)

// Runs only when E2E_POSTGRES_HOST points at a disposable database.
var pgConfig *config.PostgresConfig

func TestMain(m *testing.M) {
	host := os.Getenv("E2E_POSTGRES_HOST")
	if host == "" {
		fmt.Println("E2E_POSTGRES_HOST not set, skipping e2e tests")
		os.Exit(0)
	}

	port, _ := strconv.Atoi(envOr("E2E_POSTGRES_PORT", "5432"))
	pgConfig = &config.PostgresConfig{
		Host:           host,
		Port:           port,
		Database:       envOr("E2E_POSTGRES_DB", "expansion"),
		User:           envOr("E2E_POSTGRES_USER", "postgres"),
		Password:       os.Getenv("E2E_POSTGRES_PASSWORD"),
		MaxConnections: 5,
		MaxIdle:        2,
		SSLMode:        "disable",
	}
	os.Exit(m.Run())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// streetGrid answers every query with a primary road 20 m north of the
// center and a building 60 m away, which is suitable and snappable.
type streetGrid struct{}

func (streetGrid) Name() string { return "street-grid" }

func (streetGrid) Query(_ context.Context, q geodata.Query) (*geodata.FeatureCollection, error) {
	at := geodata.Point{Lat: q.Center.Lat + 0.00018, Lng: q.Center.Lng}
	return &geodata.FeatureCollection{
		Features: []geodata.Feature{
			geodata.RoadFeature{Class: "primary", DistanceM: 20, At: at},
			geodata.BuildingFeature{Type: "retail", DistanceM: 60, At: at},
		},
		Raw: json.RawMessage(`{"type":"FeatureCollection","features":[]}`),
	}, nil
}

func TestExpansionJobLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	log := logger.NewTestLogger(t)

	// 1. Connectivity and schema
	pg, err := database.NewPostgres(*pgConfig)
	require.NoError(t, err, "PostgreSQL client creation failed")
	defer pg.Close()
	require.NoError(t, pg.Ping(ctx), "PostgreSQL ping failed")
	require.NoError(t, pg.EnsureSchema(ctx))

	// 2. Services
	repo := orchestrator.NewPostgresRepository(pg.DB)
	orch, err := orchestrator.New(orchestrator.Options{Repository: repo, Logger: log})
	require.NoError(t, err)

	suitabilityStore, err := cache.NewPostgresStore(pg.DB, "suitability_cache")
	require.NoError(t, err)
	validator, err := vs.NewValidator(streetGrid{},
		cache.New[models.TilequeryResult]("suitability", suitabilityStore, time.Hour), vs.DefaultOptions(), log)
	require.NoError(t, err)

	snapper, err := si.NewSnapper(streetGrid{},
		cache.New[models.SnappingResult]("snapping", cache.NewMemoryStore(), time.Hour), si.DefaultOptions(), log)
	require.NoError(t, err)

	calculator := cs.NewCalculator(cs.CalculatorOptions{PreferSync: true, Logger: log})
	defer calculator.Close()

	runner, err := ge.NewRunner(ge.RunnerOptions{
		Jobs:       repo,
		Validator:  validator,
		Snapper:    snapper,
		Calculator: calculator,
		Rates:      orch.Rates(),
		Logger:     log,
	})
	require.NoError(t, err)

	// 3. Submit twice under one idempotency key
	params := models.JobParams{
		Scope:                      "e2e",
		Aggression:                 30,
		Intensity:                  50,
		DataMode:                   "synthetic",
		EnableInfrastructureFilter: true,
	}
	for i := 0; i < 5; i++ {
		params.Candidates = append(params.Candidates, models.CandidateSite{
			Lat:                   40.40 + float64(i)*0.02,
			Lng:                   -3.70,
			WithinScope:           true,
			Population:            float64(20000 + i*5000),
			FootfallIndex:         0.6,
			IncomeIndex:           0.5,
			NearestSubwayDistance: 150,
		})
	}
	raw, err := json.Marshal(params)
	require.NoError(t, err)

	key := "e2e-" + uuid.NewString()
	created, err := orch.CreateJob(ctx, key, "e2e-user", raw)
	require.NoError(t, err)
	assert.False(t, created.IsReused)

	again, err := orch.CreateJob(ctx, key, "e2e-user", raw)
	require.NoError(t, err)
	assert.True(t, again.IsReused)
	assert.Equal(t, created.JobID, again.JobID)

	job, err := orch.GetJob(ctx, created.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Positive(t, job.TokenEstimate)

	// 4. Execute
	outcome, err := runner.Run(ctx, created.JobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, outcome.Status, outcome.Error)

	job, err = orch.GetJob(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)

	var result models.ExpansionResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, 5, result.ValidatedCount)
	assert.Equal(t, 5, result.SnappedCount)
	assert.NotEmpty(t, result.Suggestions)

	// A terminal job is not executed again.
	rerun, err := runner.Run(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, rerun.Status)

	// 5. Retention
	deleted, err := orch.CleanupOldJobs(ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	job, err = orch.GetJob(ctx, created.JobID)
	require.NoError(t, err)
	assert.Nil(t, job)
}
