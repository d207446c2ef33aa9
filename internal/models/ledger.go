// Package models defines the data types shared across the custodian layers.
package models

import (
	"encoding/json"
	"time"
)

// LedgerEntry is one immutable, hash-chained audit record.
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

// AppendRequest carries the caller-supplied fields of a new ledger entry.
// Sequence, hashes and timestamp are assigned by the ledger store.
type AppendRequest struct {
	EventName  string
	ActorID    string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

// LedgerAnchor summarizes a contiguous range of a tenant's entries with a Merkle root.
type LedgerAnchor struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	Period              string     `json:"period"`
	FirstSeq            int64      `json:"first_seq"`
	LastSeq             int64      `json:"last_seq"`
	MerkleRoot          string     `json:"merkle_root"`
	EntryCount          int64      `json:"entry_count"`
	AnchoredAt          time.Time  `json:"anchored_at"`
	ExternalAnchorRef   *string    `json:"external_anchor_ref,omitempty"`
	ExternalAnchoredAt  *time.Time `json:"external_anchored_at,omitempty"`
	ExternalAttempts    int        `json:"external_attempts"`
	ExternalAnchorToken []byte     `json:"-"`
}

// IntegrityIncident is an out-of-band record of detected corruption.
type IntegrityIncident struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Scope      string    `json:"scope"`
	Seq        *int64    `json:"seq,omitempty"`
	Period     *string   `json:"period,omitempty"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
}

// VerificationReport is the result of re-computing chain and anchor hashes.
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

// ArtifactVerification is the public-safe verification result for one receipt.
// It never carries tenant identifiers or ledger contents.
type ArtifactVerification struct {
	Valid        bool    `json:"valid"`
	ChainIntact  bool    `json:"chain_intact"`
	Anchored     bool    `json:"anchored"`
	ArtifactHash string  `json:"artifact_hash,omitempty"`
	AnchorRef    *string `json:"anchor_ref,omitempty"`
}

// ArtifactRef maps an opaque public receipt reference to the ledger entry
// that recorded it.
type ArtifactRef struct {
	Ref          string    `json:"ref"`
	TenantID     string    `json:"-"`
	JobID        string    `json:"job_id"`
	EntrySeq     int64     `json:"entry_seq"`
	ArtifactHash string    `json:"artifact_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// BundleManifest lists the computed hashes of an exported entry range so the
// bundle can be verified offline.
type BundleManifest struct {
	TenantID      string    `json:"tenant_id"`
	FromSeq       int64     `json:"from_seq"`
	ToSeq         int64     `json:"to_seq"`
	EntryCount    int       `json:"entry_count"`
	StartPrevHash string    `json:"start_prev_hash"`
	HeadHash      string    `json:"head_hash"`
	MerkleRoot    string    `json:"merkle_root"`
	EntryHashes   []string  `json:"entry_hashes"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// LedgerBundle is a self-verifying export of ledger entries.
type LedgerBundle struct {
	Manifest BundleManifest `json:"manifest"`
	Entries  []LedgerEntry  `json:"entries"`
	Anchors  []LedgerAnchor `json:"anchors,omitempty"`
	// Selection lists the sequence numbers matching the export filters when
	// they select a subset; the full range is still carried for replay.
	Selection []int64 `json:"selection,omitempty"`
}
