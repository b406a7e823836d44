package geodata

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	stderr "site-expansion/internal/common/errors"
)

var (
	// ErrProviderUnavailable covers network failures, timeouts, 429/5xx and unreadable bodies.
	ErrProviderUnavailable = errors.New("geodata provider unavailable")
	// ErrAuthenticationFailed is returned for 401/403 responses.
	ErrAuthenticationFailed = errors.New("geodata provider rejected credentials")
	// ErrResponseInvalid marks a body that could not be decoded. It still counts as unavailable.
	ErrResponseInvalid = fmt.Errorf("%w: malformed response", ErrProviderUnavailable)
)

// Provider answers feature queries around a point.
type Provider interface {
	Query(ctx context.Context, q Query) (*FeatureCollection, error)
	Name() string
}

// statusError classifies a non-2xx HTTP status.
func statusError(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuthenticationFailed, status)
	default:
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, status)
	}
}

// ToStandardError maps provider errors onto the shared error taxonomy.
func ToStandardError(provider string, err error) *stderr.StandardError {
	switch {
	case errors.Is(err, ErrAuthenticationFailed):
		return stderr.NewProviderAuthFailedError(provider, err)
	case errors.Is(err, ErrResponseInvalid):
		return stderr.NewProviderResponseInvalidError(provider, err)
	default:
		return stderr.NewProviderUnavailableError(provider, err)
	}
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthenticationFailed):
		return "auth_failed"
	case errors.Is(err, ErrResponseInvalid):
		return "invalid_response"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unavailable"
	}
}
