// Package api exposes job submission, job status, single-point validation
// and snapping, and the cached store dataset over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	stderrors "site-expansion/internal/common/errors"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/models"
	snapinfrastructure "site-expansion/internal/workers/expansion/snap-infrastructure"
	validatesuitability "site-expansion/internal/workers/expansion/validate-suitability"
)

const maxBodyBytes = 1 << 20

type JobService interface {
	CreateJob(ctx context.Context, idempotencyKey, userID string, rawParams []byte) (*models.CreateJobResult, error)
	GetJob(ctx context.Context, jobID string) (*models.ExpansionJob, error)
}

type SuitabilityService interface {
	ValidateLocation(ctx context.Context, lat, lng float64) (*models.TilequeryResult, error)
	ValidateLocationAdaptive(ctx context.Context, lat, lng float64) (*models.TilequeryResult, error)
	Stats() validatesuitability.Stats
}

type SnapService interface {
	SnapToInfrastructure(ctx context.Context, lat, lng float64) (*models.SnappingResult, error)
	Stats() snapinfrastructure.Stats
}

type StoreService interface {
	LoadViewport(ctx context.Context, bounds models.Bounds) ([]models.StoreRecord, error)
}

// Options wires the services behind the routes. Routes of a nil service
// are not registered.
type Options struct {
	Jobs        JobService
	Suitability SuitabilityService
	Snapping    SnapService
	Stores      StoreService
	// Ready reports whether dependencies are reachable; nil means always ready.
	Ready  func(ctx context.Context) error
	Logger logger.Logger
}

type Server struct {
	opts   Options
	mux    *http.ServeMux
	logger logger.Logger
}

func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	s := &Server{opts: opts, mux: http.NewServeMux(), logger: logger.ForComponent(log, "http-api")}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	if s.opts.Jobs != nil {
		s.mux.HandleFunc("POST /api/expansion/jobs", s.handleCreateJob)
		s.mux.HandleFunc("GET /api/expansion/jobs/{id}", s.handleGetJob)
	}
	if s.opts.Suitability != nil {
		s.mux.HandleFunc("GET /api/suitability", s.handleSuitability)
	}
	if s.opts.Snapping != nil {
		s.mux.HandleFunc("GET /api/snap", s.handleSnap)
	}
	if s.opts.Suitability != nil && s.opts.Snapping != nil {
		s.mux.HandleFunc("GET /api/stats", s.handleStats)
	}
	if s.opts.Stores != nil {
		s.mux.HandleFunc("GET /api/stores", s.handleStores)
	}
}

// Handler returns the routes wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.mux.ServeHTTP(rec, r)

		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Info("http request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"durationMs": time.Since(start).Milliseconds(),
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ==========================
// Handlers
// ==========================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "NOT_READY", Message: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createJobRequest struct {
	UserID string          `json:"userId"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		s.writeError(w, stderrors.NewInvalidInputError("Idempotency-Key header is required"))
		return
	}

	var req createJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, stderrors.NewInvalidInputError(fmt.Sprintf("decode body: %v", err)))
		return
	}
	if req.UserID == "" || len(req.Params) == 0 {
		s.writeError(w, stderrors.NewInvalidInputError("userId and params are required"))
		return
	}

	res, err := s.opts.Jobs.CreateJob(r.Context(), key, req.UserID, req.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if res.IsReused {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.opts.Jobs.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if job == nil {
		s.writeError(w, stderrors.NewJobNotFoundError(id))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSuitability(w http.ResponseWriter, r *http.Request) {
	lat, lng, err := coordinates(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	validate := s.opts.Suitability.ValidateLocation
	if r.URL.Query().Get("adaptive") == "true" {
		validate = s.opts.Suitability.ValidateLocationAdaptive
	}
	result, err := validate(r.Context(), lat, lng)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSnap(w http.ResponseWriter, r *http.Request) {
	lat, lng, err := coordinates(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.opts.Snapping.SnapToInfrastructure(r.Context(), lat, lng)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"suitability": s.opts.Suitability.Stats(),
		"snapping":    s.opts.Snapping.Stats(),
	})
}

func (s *Server) handleStores(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var bounds models.Bounds
	fields := []struct {
		name string
		dst  *float64
	}{
		{"minLat", &bounds.MinLat}, {"minLng", &bounds.MinLng},
		{"maxLat", &bounds.MaxLat}, {"maxLng", &bounds.MaxLng},
	}
	for _, f := range fields {
		v, err := parseFinite(q.Get(f.name))
		if err != nil {
			s.writeError(w, stderrors.NewInvalidInputError(fmt.Sprintf("%s must be a number", f.name)))
			return
		}
		*f.dst = v
	}
	if bounds.MinLat > bounds.MaxLat || bounds.MinLng > bounds.MaxLng {
		s.writeError(w, stderrors.NewInvalidInputError("viewport minimum exceeds maximum"))
		return
	}

	records, err := s.opts.Stores.LoadViewport(r.Context(), bounds)
	if err != nil && len(records) == 0 {
		s.writeError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("serving last-known store data", map[string]interface{}{"error": err.Error()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
}

// ==========================
// Helpers
// ==========================

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	stdErr := stderrors.Normalize(err)
	status := statusFor(stdErr.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", map[string]interface{}{
			"code":  stdErr.Code,
			"error": err.Error(),
		})
	}

	message := stdErr.Message
	if stdErr.Details != "" {
		message = fmt.Sprintf("%s: %s", stdErr.Message, stdErr.Details)
	}
	writeJSON(w, status, errorBody{Code: string(stdErr.Code), Message: message})
}

func statusFor(code stderrors.ErrorCode) int {
	switch code {
	case stderrors.ErrCodeInvalidInput, stderrors.ErrCodeJobParamsInvalid:
		return http.StatusBadRequest
	case stderrors.ErrCodeJobNotFound:
		return http.StatusNotFound
	case stderrors.ErrCodeJobInvalidTransition, stderrors.ErrCodeCalculationInProgress:
		return http.StatusConflict
	case stderrors.ErrCodeProviderAuthFailed, stderrors.ErrCodeProviderResponseInvalid:
		return http.StatusBadGateway
	case stderrors.ErrCodeProviderUnavailable, stderrors.ErrCodeDatasetFetchFailed,
		stderrors.ErrCodeDatabaseConnectionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseFinite rejects NaN and infinities, which ParseFloat accepts.
func parseFinite(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not a finite number", raw)
	}
	return v, nil
}

func coordinates(r *http.Request) (float64, float64, error) {
	q := r.URL.Query()
	lat, err := parseFinite(q.Get("lat"))
	if err != nil || lat < -90 || lat > 90 {
		return 0, 0, stderrors.NewInvalidInputError("lat must be a number in [-90, 90]")
	}
	lng, err := parseFinite(q.Get("lng"))
	if err != nil || lng < -180 || lng > 180 {
		return 0, 0, stderrors.NewInvalidInputError("lng must be a number in [-180, 180]")
	}
	return lat, lng, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
