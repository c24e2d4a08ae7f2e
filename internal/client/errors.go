package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentworkforce/callmanager/internal/contacts"
)

// APIError is a non-2xx response. It matches the contacts sentinel errors
// with errors.Is so callers can branch the same way they would in-process.
type APIError struct {
	StatusCode      int           `json:"-"`
	Code            string        `json:"code"`
	Message         string        `json:"message"`
	CorrelationID   string        `json:"correlationId"`
	Field           string        `json:"field,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	Owner           string        `json:"owner,omitempty"`
	ExpiresAt       time.Time     `json:"expiresAt,omitempty"`
	ExpectedVersion int64         `json:"expectedVersion,omitempty"`
	CurrentVersion  int64         `json:"currentVersion,omitempty"`
	RetryAfter      time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case contacts.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case contacts.ErrValidationFailed:
		return e.StatusCode == http.StatusUnprocessableEntity
	case contacts.ErrLockHeld:
		return e.Code == "lock_held"
	case contacts.ErrLockDenied:
		return e.Code == "lock_denied"
	case contacts.ErrVersionConflict:
		return e.Code == "version_conflict"
	case contacts.ErrAlreadyExists:
		return e.Code == "already_exists"
	case contacts.ErrMissingPrecondition:
		return e.StatusCode == http.StatusPreconditionRequired
	case contacts.ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case contacts.ErrStorageFailure:
		return e.Code == "storage_failure"
	case contacts.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

func decodeAPIError(resp *http.Response, payload []byte) error {
	apiErr := &APIError{}
	_ = json.Unmarshal(payload, apiErr)
	apiErr.StatusCode = resp.StatusCode
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	return apiErr
}
