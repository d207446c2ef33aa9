package models

import (
	"fmt"
	"time"
)

// ExportKindLedgerBundle is the only export kind: a zip of ledger entries
// plus a hash manifest.
const ExportKindLedgerBundle = "ledger_bundle"

// maxEventFilters caps the event_names filter list.
const maxEventFilters = 32

// JobState is the lifecycle state of an export job.
type JobState string

// Export job states.
const (
	JobQueued     JobState = "queued"
	JobPreparing  JobState = "preparing"
	JobGenerating JobState = "generating"
	JobUploading  JobState = "uploading"
	JobReady      JobState = "ready"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobState) IsTerminal() bool {
	return s == JobReady || s == JobFailed || s == JobCancelled
}

// IsClaimed reports whether the state is held by a worker.
func (s JobState) IsClaimed() bool {
	return s == JobPreparing || s == JobGenerating || s == JobUploading
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	switch s {
	case JobQueued, JobPreparing, JobGenerating, JobUploading, JobReady, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Next returns the state that follows s in the happy path.
func (s JobState) Next() (JobState, bool) {
	switch s {
	case JobQueued:
		return JobPreparing, true
	case JobPreparing:
		return JobGenerating, true
	case JobGenerating:
		return JobUploading, true
	case JobUploading:
		return JobReady, true
	default:
		return "", false
	}
}

// ClaimedStates lists the states in which a job is held by a worker.
var ClaimedStates = []JobState{JobPreparing, JobGenerating, JobUploading}

// ExportFilters select the ledger entries included in an export.
type ExportFilters struct {
	FromSeq    int64    `json:"from_seq,omitempty"`
	ToSeq      int64    `json:"to_seq,omitempty"`
	EventNames []string `json:"event_names,omitempty"`
}

// Validate checks the filter bounds.
func (f ExportFilters) Validate() error {
	if f.FromSeq < 0 || f.ToSeq < 0 {
		return NewValidationError(CodeValidation, "sequence bounds must not be negative")
	}

	if f.ToSeq != 0 && f.FromSeq > f.ToSeq {
		return NewValidationError(CodeValidation, "from_seq must not exceed to_seq")
	}

	if len(f.EventNames) > maxEventFilters {
		return NewValidationError(CodeValidation, fmt.Sprintf("at most %d event_names may be given", maxEventFilters))
	}

	return nil
}

// ExportJob is one evidence-export request moving through the pipeline.
type ExportJob struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	Kind            string        `json:"kind"`
	State           JobState      `json:"state"`
	RequestedBy     string        `json:"requested_by"`
	Filters         ExportFilters `json:"filters"`
	ClaimedBy       *string       `json:"claimed_by,omitempty"`
	ClaimExpiresAt  *time.Time    `json:"claim_expires_at,omitempty"`
	ClaimVersion    int64         `json:"claim_version"`
	CancelRequested bool          `json:"cancel_requested"`
	Attempts        int           `json:"attempts"`
	ArtifactHash    *string       `json:"artifact_hash,omitempty"`
	ArtifactRef     *string       `json:"artifact_ref,omitempty"`
	ArtifactSize    *int64        `json:"artifact_size,omitempty"`
	ReceiptRef      *string       `json:"receipt_ref,omitempty"`
	FailureReason   *string       `json:"failure_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
}

// NewExportJob holds the fields supplied when enqueueing a job.
type NewExportJob struct {
	Kind        string
	RequestedBy string
	Filters     ExportFilters
}

// StoredArtifact describes an object written to artifact storage.
type StoredArtifact struct {
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// ExportCompletion is what a worker records when a job succeeds.
type ExportCompletion struct {
	ArtifactHash string
	ArtifactKey  string
	ArtifactSize int64
	EntryCount   int
}
