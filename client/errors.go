package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned by the API that callers commonly branch on.
const (
	CodeValidation            = "validation_error"
	CodeIdempotencyKeyReused  = "idempotency_key_reused"
	CodeIdempotencyInProgress = "idempotency_in_progress"
	CodeVersionConflict       = "version_conflict"
	CodeReadOnlyRole          = "read_only_role"
	CodeExportQueueFull       = "export_queue_full"
	CodeStorageUnavailable    = "storage_unavailable"
	CodeNotFound              = "not_found"
)

// APIError represents a structured error response from the custodian API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("custodian: %d %s: %s (request_id=%s)", e.StatusCode, e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("custodian: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// transportError marks a failure to reach the server or read its reply.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func statusOf(err error) (int, string) {
	var e *APIError
	if errors.As(err, &e) {
		return e.StatusCode, e.Code
	}
	return 0, ""
}

// IsNotFound returns true if the error is a 404 not found.
func IsNotFound(err error) bool {
	status, _ := statusOf(err)
	return status == http.StatusNotFound
}

// IsConflict returns true if the error is a 409 conflict.
func IsConflict(err error) bool {
	status, _ := statusOf(err)
	return status == http.StatusConflict
}

// IsForbidden returns true if the caller's role may not perform the request.
func IsForbidden(err error) bool {
	status, _ := statusOf(err)
	return status == http.StatusForbidden
}

// IsRateLimited returns true if the error is a 429 rate limit.
func IsRateLimited(err error) bool {
	status, _ := statusOf(err)
	return status == http.StatusTooManyRequests
}

// IsRetryable reports whether repeating the same request may succeed:
// transport failures, storage outages and keys still held by an earlier
// attempt. Version conflicts are not retryable; the caller must re-read.
func IsRetryable(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return true
	}

	status, code := statusOf(err)
	switch {
	case code == CodeIdempotencyInProgress, code == CodeStorageUnavailable:
		return true
	case status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// parseAPIError attempts to decode a JSON error body; falls back to raw text.
func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = "unknown"
		apiErr.Message = string(body)
	}
	return apiErr
}
