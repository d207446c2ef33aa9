package client

import (
	"encoding/json"
	"time"
)

// Command actions.
const (
	ActionRecordCreate  = "record.create"
	ActionRecordUpdate  = "record.update"
	ActionRecordDelete  = "record.delete"
	ActionExportRequest = "export.request"
	ActionExportCancel  = "export.cancel"
)

// Command is a state change submitted to POST /commands.
type Command struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// RecordPayload is the payload of the record.* actions.
type RecordPayload struct {
	RecordType      string          `json:"record_type,omitempty"`
	RecordID        string          `json:"record_id,omitempty"`
	ExpectedVersion int64           `json:"expected_version,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// CommandResult describes the ledger entry a command produced.
type CommandResult struct {
	EntryID    string `json:"entry_id"`
	SequenceNo int64  `json:"sequence_no"`
	EntryHash  string `json:"entry_hash"`
	Action     string `json:"action"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Version    int64  `json:"version,omitempty"`
	// Replayed is set when the server answered from an earlier request
	// with the same idempotency key.
	Replayed bool `json:"-"`
}

// LedgerEntry is one hash-chained audit record.
type LedgerEntry struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	SequenceNo int64           `json:"sequence_no"`
	EventName  string          `json:"event_name"`
	ActorID    string          `json:"actor_id"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Metadata   json.RawMessage `json:"metadata"`
	PrevHash   string          `json:"prev_hash"`
	EntryHash  string          `json:"entry_hash"`
	CreatedAt  time.Time       `json:"created_at"`
}

// LedgerAnchor commits a contiguous entry range to a Merkle root.
type LedgerAnchor struct {
	ID                 string     `json:"id"`
	Period             string     `json:"period"`
	FirstSeq           int64      `json:"first_seq"`
	LastSeq            int64      `json:"last_seq"`
	MerkleRoot         string     `json:"merkle_root"`
	EntryCount         int64      `json:"entry_count"`
	AnchoredAt         time.Time  `json:"anchored_at"`
	ExternalAnchorRef  *string    `json:"external_anchor_ref,omitempty"`
	ExternalAnchoredAt *time.Time `json:"external_anchored_at,omitempty"`
}

// IntegrityIncident records detected corruption.
type IntegrityIncident struct {
	ID         string    `json:"id"`
	Scope      string    `json:"scope"`
	Seq        *int64    `json:"seq,omitempty"`
	Period     *string   `json:"period,omitempty"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
}

// VerificationReport is the outcome of a tenant-scoped verification.
type VerificationReport struct {
	Valid          bool     `json:"valid"`
	ChainIntact    bool     `json:"chain_intact"`
	Anchored       bool     `json:"anchored"`
	FromSeq        int64    `json:"from_seq"`
	ToSeq          int64    `json:"to_seq"`
	EntriesChecked int      `json:"entries_checked"`
	AnchorsChecked int      `json:"anchors_checked"`
	BreakAt        *int64   `json:"break_at,omitempty"`
	Details        []string `json:"details,omitempty"`
}

// ArtifactVerification is the public result for one receipt reference.
type ArtifactVerification struct {
	Valid        bool    `json:"valid"`
	ChainIntact  bool    `json:"chain_intact"`
	Anchored     bool    `json:"anchored"`
	ArtifactHash string  `json:"artifact_hash,omitempty"`
	AnchorRef    *string `json:"anchor_ref,omitempty"`
}

// ExportFilters select the ledger entries included in an export.
type ExportFilters struct {
	FromSeq    int64    `json:"from_seq,omitempty"`
	ToSeq      int64    `json:"to_seq,omitempty"`
	EventNames []string `json:"event_names,omitempty"`
}

// ExportJob is an evidence export moving through the pipeline.
type ExportJob struct {
	ID              string        `json:"id"`
	Kind            string        `json:"kind"`
	State           string        `json:"state"`
	RequestedBy     string        `json:"requested_by"`
	Filters         ExportFilters `json:"filters"`
	CancelRequested bool          `json:"cancel_requested"`
	Attempts        int           `json:"attempts"`
	ArtifactHash    *string       `json:"artifact_hash,omitempty"`
	ArtifactSize    *int64        `json:"artifact_size,omitempty"`
	ReceiptRef      *string       `json:"receipt_ref,omitempty"`
	FailureReason   *string       `json:"failure_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
}

// Terminal reports whether the job will not change state again.
func (j *ExportJob) Terminal() bool {
	return j.State == "ready" || j.State == "failed" || j.State == "cancelled"
}

// DomainRecord is the current state of a tenant record.
type DomainRecord struct {
	ID         string          `json:"id"`
	RecordType string          `json:"record_type"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	Database      string  `json:"database"`
	Subscribers   int     `json:"subscribers"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ListOptions pages list endpoints.
type ListOptions struct {
	Limit  int
	Offset int
}

// page is the envelope of every list endpoint.
type page[T any] struct {
	Items   []T  `json:"items"`
	HasMore bool `json:"has_more"`
}
