package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/persistorai/custodian/internal/models"
)

// entryColumns lists the columns selected for ledger entry queries.
const entryColumns = `id, tenant_id, sequence_no, event_name, actor_id, target_type,
	target_id, metadata, prev_hash, entry_hash, created_at`

// anchorColumns lists the columns selected for anchor queries.
const anchorColumns = `id, tenant_id, period, first_seq, last_seq, merkle_root,
	entry_count, anchored_at, external_anchor_ref, external_anchored_at,
	external_attempts, external_anchor_token`

// jobColumns lists the columns selected for export job queries.
const jobColumns = `id, tenant_id, kind, state, requested_by, filters, claimed_by,
	claim_expires_at, claim_version, cancel_requested, attempts, artifact_hash,
	artifact_ref, artifact_size, receipt_ref, failure_reason, created_at,
	updated_at, finished_at`

// recordColumns lists the columns selected for domain record queries.
const recordColumns = `id, tenant_id, record_type, data, version, deleted, created_at, updated_at`

// intentColumns lists the columns selected for command intent queries.
const intentColumns = `id, tenant_id, action, actor_id, target_type, target_id,
	metadata, status, created_at, updated_at`

// scanEntry scans a single row into a models.LedgerEntry. The metadata
// column is json, so the bytes read back are exactly the bytes hashed.
func scanEntry(scan func(dest ...any) error) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var id, tenantID uuid.UUID
	var meta []byte

	err := scan(
		&id,
		&tenantID,
		&e.SequenceNo,
		&e.EventName,
		&e.ActorID,
		&e.TargetType,
		&e.TargetID,
		&meta,
		&e.PrevHash,
		&e.EntryHash,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.ID = id.String()
	e.TenantID = tenantID.String()
	e.Metadata = json.RawMessage(meta)
	e.CreatedAt = e.CreatedAt.UTC()

	return &e, nil
}

// scanAnchor scans a single row into a models.LedgerAnchor.
func scanAnchor(scan func(dest ...any) error) (*models.LedgerAnchor, error) {
	var a models.LedgerAnchor
	var id, tenantID uuid.UUID

	err := scan(
		&id,
		&tenantID,
		&a.Period,
		&a.FirstSeq,
		&a.LastSeq,
		&a.MerkleRoot,
		&a.EntryCount,
		&a.AnchoredAt,
		&a.ExternalAnchorRef,
		&a.ExternalAnchoredAt,
		&a.ExternalAttempts,
		&a.ExternalAnchorToken,
	)
	if err != nil {
		return nil, err
	}

	a.ID = id.String()
	a.TenantID = tenantID.String()

	return &a, nil
}

// scanJob scans a single row into a models.ExportJob.
func scanJob(scan func(dest ...any) error) (*models.ExportJob, error) {
	var j models.ExportJob
	var id, tenantID uuid.UUID
	var state string
	var filters []byte

	err := scan(
		&id,
		&tenantID,
		&j.Kind,
		&state,
		&j.RequestedBy,
		&filters,
		&j.ClaimedBy,
		&j.ClaimExpiresAt,
		&j.ClaimVersion,
		&j.CancelRequested,
		&j.Attempts,
		&j.ArtifactHash,
		&j.ArtifactRef,
		&j.ArtifactSize,
		&j.ReceiptRef,
		&j.FailureReason,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ID = id.String()
	j.TenantID = tenantID.String()
	j.State = models.JobState(state)

	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &j.Filters); err != nil {
			return nil, fmt.Errorf("unmarshalling job filters: %w", err)
		}
	}

	return &j, nil
}

// scanRecord scans a single row into a models.DomainRecord.
func scanRecord(scan func(dest ...any) error) (*models.DomainRecord, error) {
	var r models.DomainRecord
	var id, tenantID uuid.UUID
	var data []byte

	if err := scan(&id, &tenantID, &r.RecordType, &data, &r.Version, &r.Deleted, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}

	r.ID = id.String()
	r.TenantID = tenantID.String()
	r.Data = json.RawMessage(data)

	return &r, nil
}

// scanIntent scans a single row into a models.CommandIntent.
func scanIntent(scan func(dest ...any) error) (*models.CommandIntent, error) {
	var in models.CommandIntent
	var id, tenantID uuid.UUID
	var action, status string
	var meta []byte

	err := scan(
		&id,
		&tenantID,
		&action,
		&in.ActorID,
		&in.TargetType,
		&in.TargetID,
		&meta,
		&status,
		&in.CreatedAt,
		&in.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	in.ID = id.String()
	in.TenantID = tenantID.String()
	in.Action = models.Action(action)
	in.Status = models.IntentStatus(status)
	in.Metadata = json.RawMessage(meta)

	return &in, nil
}

// secondsOf converts a duration to the float seconds make_interval expects.
func secondsOf(d time.Duration) float64 {
	return d.Seconds()
}
