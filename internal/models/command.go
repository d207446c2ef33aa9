package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action names a state-changing command.
type Action string

// Known command actions.
const (
	ActionRecordCreate  Action = "record.create"
	ActionRecordUpdate  Action = "record.update"
	ActionRecordDelete  Action = "record.delete"
	ActionExportRequest Action = "export.request"
	ActionExportCancel  Action = "export.cancel"
)

// Field limits.
const (
	maxRecordTypeLen     = 100
	maxRecordDataLen     = 256 << 10
	maxKindLen           = 64
	MaxIdempotencyKeyLen = 255
)

// Command is a request to change tenant state.
type Command struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// RecordPayload is the payload of the record.* actions.
type RecordPayload struct {
	RecordType      string          `json:"record_type"`
	RecordID        string          `json:"record_id"`
	ExpectedVersion int64           `json:"expected_version"`
	Data            json.RawMessage `json:"data"`
}

// ExportRequestPayload is the payload of export.request.
type ExportRequestPayload struct {
	Kind    string        `json:"kind"`
	Filters ExportFilters `json:"filters"`
}

// ExportCancelPayload is the payload of export.cancel.
type ExportCancelPayload struct {
	JobID string `json:"job_id"`
}

// Validate checks the command shape without touching any store.
func (c Command) Validate() error {
	switch c.Action {
	case ActionRecordCreate, ActionRecordUpdate, ActionRecordDelete:
		p, err := c.RecordPayload()
		if err != nil {
			return err
		}

		return p.validate(c.Action)
	case ActionExportRequest:
		p, err := c.ExportRequestPayload()
		if err != nil {
			return err
		}

		return p.validate()
	case ActionExportCancel:
		p, err := c.ExportCancelPayload()
		if err != nil {
			return err
		}

		if _, err := uuid.Parse(p.JobID); err != nil {
			return NewValidationError(CodeValidation, "job_id must be a valid UUID")
		}

		return nil
	case "":
		return NewValidationError(CodeValidation, "action is required")
	default:
		return NewValidationError(CodeUnknownAction, fmt.Sprintf("unknown action %q", c.Action))
	}
}

// RecordPayload decodes the payload of a record.* command.
func (c Command) RecordPayload() (RecordPayload, error) {
	var p RecordPayload
	if err := decodePayload(c.Payload, &p); err != nil {
		return p, err
	}

	return p, nil
}

// ExportRequestPayload decodes the payload of export.request.
func (c Command) ExportRequestPayload() (ExportRequestPayload, error) {
	var p ExportRequestPayload
	if err := decodePayload(c.Payload, &p); err != nil {
		return p, err
	}

	if p.Kind == "" {
		p.Kind = ExportKindLedgerBundle
	}

	return p, nil
}

// ExportCancelPayload decodes the payload of export.cancel.
func (c Command) ExportCancelPayload() (ExportCancelPayload, error) {
	var p ExportCancelPayload
	if err := decodePayload(c.Payload, &p); err != nil {
		return p, err
	}

	return p, nil
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return NewValidationError(CodeValidation, "payload is required")
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return NewValidationError(CodeValidation, "payload is not valid JSON for this action")
	}

	return nil
}

func (p RecordPayload) validate(action Action) error {
	if p.RecordType == "" {
		return NewValidationError(CodeValidation, "record_type is required")
	}

	if len(p.RecordType) > maxRecordTypeLen {
		return ErrFieldTooLong("record_type", maxRecordTypeLen)
	}

	switch action {
	case ActionRecordCreate:
		if p.RecordID != "" {
			if _, err := uuid.Parse(p.RecordID); err != nil {
				return NewValidationError(CodeValidation, "record_id must be a valid UUID")
			}
		}
	case ActionRecordUpdate, ActionRecordDelete:
		if _, err := uuid.Parse(p.RecordID); err != nil {
			return NewValidationError(CodeValidation, "record_id must be a valid UUID")
		}

		if p.ExpectedVersion < 1 {
			return NewValidationError(CodeValidation, "expected_version must be a positive integer")
		}
	}

	if action != ActionRecordDelete {
		if len(p.Data) == 0 || !json.Valid(p.Data) {
			return NewValidationError(CodeValidation, "data must be a JSON value")
		}

		if len(p.Data) > maxRecordDataLen {
			return ErrFieldTooLong("data", maxRecordDataLen)
		}
	}

	return nil
}

func (p ExportRequestPayload) validate() error {
	if len(p.Kind) > maxKindLen {
		return ErrFieldTooLong("kind", maxKindLen)
	}

	if p.Kind != ExportKindLedgerBundle {
		return NewValidationError(CodeValidation, fmt.Sprintf("unsupported export kind %q", p.Kind))
	}

	return p.Filters.Validate()
}

// Role names a tenant member's role as asserted by the identity provider.
type Role string

// Built-in roles.
const (
	RoleOwner     Role = "owner"
	RoleAdmin     Role = "admin"
	RoleMember    Role = "member"
	RoleExecutive Role = "executive"
	RoleAuditor   Role = "auditor"
)

// Valid reports whether r is a built-in role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleExecutive, RoleAuditor:
		return true
	default:
		return false
	}
}

// Access is the write capability granted to a role.
type Access string

// Access levels.
const (
	AccessReadWrite Access = "read_write"
	AccessReadOnly  Access = "read_only"
)

// Principal is the authenticated caller.
type Principal struct {
	TenantID string `json:"tenant_id"`
	ActorID  string `json:"actor_id"`
	Role     Role   `json:"role"`
}

// AccessDecision is the ephemeral outcome of an authorization check.
// A denial is recorded in the ledger; the decision itself is never stored.
type AccessDecision struct {
	Role      Role   `json:"role"`
	Action    Action `json:"action"`
	Allowed   bool   `json:"allowed"`
	PolicyRef string `json:"policy_ref"`
	Code      string `json:"code,omitempty"`
}

// CommandResult is returned for a successfully executed command and stored
// verbatim for idempotent replay.
type CommandResult struct {
	EntryID    string `json:"entry_id"`
	SequenceNo int64  `json:"sequence_no"`
	EntryHash  string `json:"entry_hash"`
	Action     Action `json:"action"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Version    int64  `json:"version,omitempty"`
}

// MutationOp is a domain record operation.
type MutationOp string

// Mutation operations.
const (
	MutationCreate MutationOp = "create"
	MutationUpdate MutationOp = "update"
	MutationDelete MutationOp = "delete"
)

// Mutation is a domain change guarded by an optimistic version check.
type Mutation struct {
	Op              MutationOp
	RecordType      string
	RecordID        string
	ExpectedVersion int64
	Data            json.RawMessage
}

// DomainRecord is a versioned tenant record mutated through commands.
type DomainRecord struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	RecordType string          `json:"record_type"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// IdempotencyStatus is the lifecycle state of an idempotency key.
type IdempotencyStatus string

// Idempotency statuses.
const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// IdempotencyRecord tracks one idempotency key.
type IdempotencyRecord struct {
	TenantID    string            `json:"tenant_id"`
	Key         string            `json:"key"`
	RequestHash string            `json:"request_hash"`
	Status      IdempotencyStatus `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// IntentStatus is the state of a staged command intent.
type IntentStatus string

// Intent statuses.
const (
	IntentPending   IntentStatus = "pending"
	IntentCompleted IntentStatus = "completed"
	IntentFailed    IntentStatus = "failed"
)

// CommandIntent records a mutation performed outside the ledger transaction.
// It is not a ledger entry and is never exposed as one.
type CommandIntent struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Action     Action          `json:"action"`
	ActorID    string          `json:"actor_id"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Metadata   json.RawMessage `json:"metadata"`
	Status     IntentStatus    `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
