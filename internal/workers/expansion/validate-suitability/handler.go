package validatesuitability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"site-expansion/internal/common/camunda"
	"site-expansion/internal/common/config"
	"site-expansion/internal/common/errors"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/common/metrics"
	"site-expansion/internal/common/validation"
	"site-expansion/internal/models"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "validate-suitability"

// BatchValidator is the part of Validator the handler needs.
type BatchValidator interface {
	ValidateLocationsBatch(ctx context.Context, locations []models.Location, concurrency int, adaptive bool) []BatchResult
}

type Handler struct {
	config     *Config
	validator  BatchValidator
	errHandler *errors.ErrorHandler
	logger     logger.Logger
}

type HandlerOptions struct {
	AppConfig    *config.Config
	Validator    BatchValidator
	CustomConfig *Config
	Logger       logger.Logger
}

func NewHandler(opts HandlerOptions) (*Handler, error) {
	cfg := createConfigFromAppConfig(opts.AppConfig, opts.CustomConfig)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", TaskType, err)
	}
	if opts.Validator == nil {
		return nil, fmt.Errorf("%s requires a validator", TaskType)
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewStructured("info", "json")
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})

	return &Handler{
		config:     cfg,
		validator:  opts.Validator,
		errHandler: errors.NewErrorHandler(log),
		logger:     log,
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	startTime := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":             job.GetKey(),
		"processInstanceKey": job.GetProcessInstanceKey(),
	})

	input, err := h.parseInput(job)
	if err != nil {
		h.failJob(ctx, client, job, err)
		return
	}

	output, err := h.Execute(ctx, input)
	if err != nil {
		h.failJob(ctx, client, job, err)
		return
	}

	h.completeJob(ctx, client, job, output)
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(startTime).Seconds())
}

func (h *Handler) parseInput(job entities.Job) (*Input, error) {
	variables, err := job.GetVariablesAsMap()
	if err != nil {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("parse job variables: %v", err))
	}

	result := validation.LocationsInputSchema.ValidateInput(variables)
	if !result.Valid {
		return nil, errors.NewInvalidInputError(strings.Join(result.GetErrorMessages(), "; "))
	}

	var input Input
	if err := job.GetVariablesAs(&input); err != nil {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("decode job variables: %v", err))
	}
	return &input, nil
}

// Execute validates every location. Per-location failures are reported in
// the output; the call fails only when every location failed.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	concurrency := input.Concurrency
	if concurrency <= 0 {
		concurrency = h.config.Concurrency
	}

	batch := h.validator.ValidateLocationsBatch(ctx, input.Locations, concurrency, input.Adaptive)

	output := &Output{Results: make([]LocationResult, 0, len(batch))}
	var firstErr error
	for _, r := range batch {
		lr := LocationResult{Lat: r.Location.Lat, Lng: r.Location.Lng, Result: r.Result}
		switch {
		case r.Err != nil:
			lr.Error = r.Err.Error()
			output.FailedCount++
			if firstErr == nil {
				firstErr = r.Err
			}
		case r.Result.IsSuitable:
			output.AcceptedCount++
		default:
			output.RejectedCount++
		}
		output.Results = append(output.Results, lr)
	}

	if len(batch) > 0 && output.FailedCount == len(batch) {
		return nil, firstErr
	}

	h.logger.Info("locations validated", map[string]interface{}{
		"total":    len(batch),
		"accepted": output.AcceptedCount,
		"rejected": output.RejectedCount,
		"failed":   output.FailedCount,
		"adaptive": input.Adaptive,
	})
	return output, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.GetKey()).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}

	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to complete job", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
	}
}

func (h *Handler) failJob(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	stdErr := errors.Normalize(err)
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(stdErr.Code)).Inc()
	h.errHandler.HandleJobError(ctx, client, job, stdErr)
}

func (h *Handler) GetTaskType() string {
	return TaskType
}

func (h *Handler) IsEnabled() bool {
	return h.config.Enabled
}

func (h *Handler) WorkerOptions() camunda.WorkerOptions {
	return camunda.WorkerOptions{
		TaskType:      TaskType,
		MaxJobsActive: h.config.MaxJobsActive,
		Timeout:       h.config.Timeout,
	}
}

// Register opens a zeebe job worker for this handler.
func (h *Handler) Register(client *camunda.Client) *camunda.Worker {
	return camunda.NewWorker(client.GetClient(), h.WorkerOptions(), h, h.logger)
}
