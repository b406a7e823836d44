// Package errors provides standardized error handling for BPMN workflow integration.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeProviderUnavailable     ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderAuthFailed      ErrorCode = "PROVIDER_AUTH_FAILED"
	ErrCodeProviderResponseInvalid ErrorCode = "PROVIDER_RESPONSE_INVALID"

	// Business rejections. Services record these as reasons, never as errors.
	ErrCodeNoSnapTarget          ErrorCode = "NO_SNAP_TARGET"
	ErrCodeNoSuitabilityEvidence ErrorCode = "NO_SUITABILITY_EVIDENCE"

	ErrCodeResultSerializationFailed ErrorCode = "RESULT_SERIALIZATION_FAILED"
	ErrCodeCacheWriteFailed          ErrorCode = "CACHE_WRITE_FAILED"

	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"

	ErrCodeJobNotFound          ErrorCode = "JOB_NOT_FOUND"
	ErrCodeJobInvalidTransition ErrorCode = "JOB_INVALID_TRANSITION"
	ErrCodeJobParamsInvalid     ErrorCode = "JOB_PARAMS_INVALID"

	ErrCodeCalculationInProgress ErrorCode = "CALCULATION_IN_PROGRESS"
	ErrCodeCalculationCancelled  ErrorCode = "CALCULATION_CANCELLED"
	ErrCodeCalculatorUnavailable ErrorCode = "CALCULATOR_UNAVAILABLE"

	ErrCodeDatasetFetchFailed ErrorCode = "DATASET_FETCH_FAILED"
	ErrCodeWorkflowEngine     ErrorCode = "WORKFLOW_ENGINE_ERROR"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.Cause
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		Cause:     cause,
	}
}

// NewProviderUnavailableError wraps a network, timeout or 5xx failure of the geodata provider.
func NewProviderUnavailableError(provider string, err error) *StandardError {
	return newError(ErrCodeProviderUnavailable,
		fmt.Sprintf("Geodata provider '%s' unavailable", provider), err.Error(), true, err)
}

// NewProviderAuthFailedError is raised when the provider rejects credentials.
func NewProviderAuthFailedError(provider string, err error) *StandardError {
	return newError(ErrCodeProviderAuthFailed,
		fmt.Sprintf("Geodata provider '%s' rejected credentials", provider), err.Error(), false, err)
}

func NewProviderResponseInvalidError(provider string, err error) *StandardError {
	return newError(ErrCodeProviderResponseInvalid,
		fmt.Sprintf("Geodata provider '%s' returned an unreadable response", provider), err.Error(), true, err)
}

// NewResultSerializationFailedError is fatal for the job being executed.
func NewResultSerializationFailedError(err error) *StandardError {
	return newError(ErrCodeResultSerializationFailed, "Job result could not be serialized", err.Error(), false, err)
}

func NewCacheWriteFailedError(cache string, err error) *StandardError {
	return newError(ErrCodeCacheWriteFailed,
		fmt.Sprintf("Cache '%s' write failed", cache), err.Error(), false, err)
}

func NewDatabaseConnectionFailedError(err error) *StandardError {
	return newError(ErrCodeDatabaseConnectionFailed, "Database connection error", err.Error(), true, err)
}

func NewQueryExecutionFailedError(queryType string, err error) *StandardError {
	return newError(ErrCodeQueryExecutionFailed, "Database query execution error",
		fmt.Sprintf("queryType: %s, error: %s", queryType, err.Error()), true, err)
}

func NewJobNotFoundError(jobID string) *StandardError {
	return newError(ErrCodeJobNotFound, "Expansion job not found", fmt.Sprintf("jobId: %s", jobID), false, nil)
}

func NewJobInvalidTransitionError(jobID, from, to string, err error) *StandardError {
	return newError(ErrCodeJobInvalidTransition, "Expansion job status transition rejected",
		fmt.Sprintf("jobId: %s, from: %s, to: %s", jobID, from, to), false, err)
}

func NewJobParamsInvalidError(details string, err error) *StandardError {
	return newError(ErrCodeJobParamsInvalid, "Expansion job parameters are invalid", details, false, err)
}

func NewCalculationInProgressError(err error) *StandardError {
	return newError(ErrCodeCalculationInProgress, "A suggestion calculation is already in flight", "", true, err)
}

func NewCalculationCancelledError(err error) *StandardError {
	return newError(ErrCodeCalculationCancelled, "Suggestion calculation was cancelled", "", false, err)
}

func NewCalculatorUnavailableError(err error) *StandardError {
	return newError(ErrCodeCalculatorUnavailable, "Suggestion calculator is not running", "", true, err)
}

func NewDatasetFetchFailedError(err error) *StandardError {
	return newError(ErrCodeDatasetFetchFailed, "Store dataset fetch failed", err.Error(), true, err)
}

// NewWorkflowEngineError wraps a failed zeebe command.
func NewWorkflowEngineError(operation string, retryable bool, err error) *StandardError {
	return newError(ErrCodeWorkflowEngine,
		fmt.Sprintf("Zeebe operation '%s' failed", operation), err.Error(), retryable, err)
}

func NewInvalidInputError(details string) *StandardError {
	return newError(ErrCodeInvalidInput, "Invalid input", details, false, nil)
}

func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Unexpected error", err.Error(), false, err)
}

// AsStandardError returns the first StandardError in err's chain.
func AsStandardError(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// ==========================
// 4. Error Conversion to BPMN
// ==========================

// BPMNErrorMapping maps internal error codes to the error codes modelled in the process.
var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeProviderUnavailable:       "PROVIDER_UNAVAILABLE",
	ErrCodeProviderAuthFailed:        "PROVIDER_AUTH_FAILED",
	ErrCodeProviderResponseInvalid:   "PROVIDER_RESPONSE_INVALID",
	ErrCodeResultSerializationFailed: "RESULT_SERIALIZATION_FAILED",
	ErrCodeDatabaseConnectionFailed:  "DATABASE_CONNECTION_FAILED",
	ErrCodeQueryExecutionFailed:      "QUERY_EXECUTION_FAILED",
	ErrCodeJobNotFound:               "JOB_NOT_FOUND",
	ErrCodeJobInvalidTransition:      "JOB_INVALID_TRANSITION",
	ErrCodeJobParamsInvalid:          "JOB_PARAMS_INVALID",
	ErrCodeCalculationInProgress:     "CALCULATION_IN_PROGRESS",
	ErrCodeCalculationCancelled:      "CALCULATION_CANCELLED",
	ErrCodeCalculatorUnavailable:     "CALCULATOR_UNAVAILABLE",
	ErrCodeDatasetFetchFailed:        "DATASET_FETCH_FAILED",
	ErrCodeInvalidInput:              "INVALID_INPUT",
}

// GetRetryCount returns the recommended retry count for a code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed,
		ErrCodeDatasetFetchFailed,
		ErrCodeWorkflowEngine:
		return 3

	case ErrCodeProviderUnavailable,
		ErrCodeProviderResponseInvalid:
		return 2

	case ErrCodeCalculationInProgress:
		return 1

	default:
		return 0
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      bpmnCode,
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

// ==========================
// 5. Utility Functions
// ==========================

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "PROVIDER"):
		return "GEODATA"
	case strings.HasPrefix(codeStr, "NO_"):
		return "REJECTION"
	case strings.HasPrefix(codeStr, "JOB") || strings.Contains(codeStr, "SERIALIZATION"):
		return "JOB"
	case strings.HasPrefix(codeStr, "CALCULAT"):
		return "SCORING"
	case strings.Contains(codeStr, "DATABASE") || strings.Contains(codeStr, "QUERY") || strings.Contains(codeStr, "CACHE"):
		return "STORAGE"
	case strings.Contains(codeStr, "DATASET"):
		return "DATASET"
	case strings.Contains(codeStr, "INVALID"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}
