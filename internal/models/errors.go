package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so transports can map them without
// inspecting message text.
type ErrorKind string

// Error kinds.
const (
	KindValidation          ErrorKind = "validation"
	KindAuthorization       ErrorKind = "authorization"
	KindConflict            ErrorKind = "conflict"
	KindIdempotencyConflict ErrorKind = "idempotency_conflict"
	KindStorage             ErrorKind = "storage"
	KindCorruption          ErrorKind = "corruption"
	KindNotFound            ErrorKind = "not_found"
)

// Machine-readable error codes. Clients branch on these, never on messages.
const (
	CodeValidation            = "validation_error"
	CodeUnknownAction         = "unknown_action"
	CodeIdempotencyKeyReused  = "idempotency_key_reused"
	CodeExportQueueFull       = "export_queue_full"
	CodeInvalidTransition     = "invalid_transition"
	CodeReadOnlyRole          = "read_only_role"
	CodeForbidden             = "forbidden"
	CodeVersionConflict       = "version_conflict"
	CodeAlreadyExists         = "already_exists"
	CodeClaimLost             = "claim_lost"
	CodeCancelPending         = "cancel_pending"
	CodeIdempotencyInProgress = "idempotency_in_progress"
	CodeStorageUnavailable    = "storage_unavailable"
	CodeLedgerCorruption      = "ledger_corruption"
	CodeNotFound              = "not_found"
)

// ErrNotFound is wrapped by every not-found error.
var ErrNotFound = errors.New("not found")

// ErrEmptyRange is returned when a ledger range holds no entries.
var ErrEmptyRange = errors.New("empty ledger range")

// Error is the typed error returned across service boundaries.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}

	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// CorruptionError reports a chain or anchor mismatch. It is fatal and is
// never repaired automatically.
type CorruptionError struct {
	TenantID string
	Seq      int64
	Period   string
	Reason   string
}

// Error implements the error interface.
func (e *CorruptionError) Error() string {
	if e.Period != "" {
		return fmt.Sprintf("ledger corruption for tenant %s in period %s: %s", e.TenantID, e.Period, e.Reason)
	}

	return fmt.Sprintf("ledger corruption for tenant %s at seq %d: %s", e.TenantID, e.Seq, e.Reason)
}

// NewValidationError returns a validation error whose message is safe to show users.
func NewValidationError(code, message string) *Error {
	if code == "" {
		code = CodeValidation
	}

	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// NewAuthorizationError returns an authorization failure with the given code.
func NewAuthorizationError(code, message string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: message}
}

// NewConflictError reports a lost optimistic-concurrency race.
func NewConflictError(code, message string) *Error {
	if code == "" {
		code = CodeVersionConflict
	}

	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// NewIdempotencyConflict reports a duplicate request still in flight.
func NewIdempotencyConflict(key string) *Error {
	return &Error{
		Kind:    KindIdempotencyConflict,
		Code:    CodeIdempotencyInProgress,
		Message: fmt.Sprintf("request with idempotency key %q is still in progress", key),
	}
}

// NewStorageError wraps an infrastructure failure.
func NewStorageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Code: CodeStorageUnavailable, Message: op, Err: err}
}

// NewNotFoundError reports a missing entity.
func NewNotFoundError(what string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: what + " not found", Err: ErrNotFound}
}

// KindOf returns the kind of err, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var ce *CorruptionError
	if errors.As(err, &ce) {
		return KindCorruption
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}

	return ""
}

// CodeOf returns the machine-readable code for err.
func CodeOf(err error) string {
	var ce *CorruptionError
	if errors.As(err, &ce) {
		return CodeLedgerCorruption
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}

	return ""
}

// IsRetryable reports whether a caller may safely retry err.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindIdempotencyConflict, KindStorage:
		return true
	default:
		return false
	}
}

// ErrFieldTooLong returns a validation error for an oversized field.
func ErrFieldTooLong(field string, maxLen int) error {
	return NewValidationError(CodeValidation, fmt.Sprintf("%s exceeds maximum length of %d", field, maxLen))
}
