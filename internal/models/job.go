// internal/models/job.go
package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo encodes queued -> running -> completed|failed; queued may also fail directly.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// JobParams is the caller-supplied request for one expansion run.
type JobParams struct {
	Scope                      string          `json:"scope"`
	Aggression                 float64         `json:"aggression"`
	Intensity                  float64         `json:"intensity"`
	DataMode                   string          `json:"dataMode"`
	ModelVersion               string          `json:"modelVersion,omitempty"`
	MinDistance                float64         `json:"minDistance"`
	MaxPerCity                 int             `json:"maxPerCity,omitempty"`
	EnableInfrastructureFilter bool            `json:"enableInfrastructureFilter"`
	AdaptiveValidation         bool            `json:"adaptiveValidation,omitempty"`
	Candidates                 []CandidateSite `json:"candidates,omitempty"`
}

type ExpansionJob struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         JobStatus       `json:"status"`
	UserID         string          `json:"userId"`
	Params         json.RawMessage `json:"params"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *string         `json:"error,omitempty"`
	TokenEstimate  int             `json:"tokenEstimate"`
	TokensUsed     *int            `json:"tokensUsed,omitempty"`
	CostEstimate   float64         `json:"costEstimate"`
	ActualCost     *float64        `json:"actualCost,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ExpansionResult is the payload written to a completed job.
type ExpansionResult struct {
	Suggestions       []ExpansionSuggestion `json:"suggestions"`
	Metadata          SuggestionMetadata    `json:"metadata"`
	ValidatedCount    int                   `json:"validatedCount"`
	RejectedCount     int                   `json:"rejectedCount"`
	SnappedCount      int                   `json:"snappedCount"`
	RationaleCount    int                   `json:"rationaleCount"`
	ScoringConfidence float64               `json:"scoringConfidence"`
}

type CreateJobResult struct {
	JobID    string `json:"jobId"`
	IsReused bool   `json:"isReused"`
}
