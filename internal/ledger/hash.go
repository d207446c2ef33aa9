// Package ledger holds the pure hashing rules of the audit ledger: the
// canonical entry encoding, the hash chain, the Merkle tree used for
// anchors, and the closed set of event kinds.
//
// Nothing here touches storage, so the same code verifies live ledgers and
// offline export bundles.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/persistorai/custodian/internal/models"
)

// GenesisHash is the prev_hash of every tenant's first entry.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// canonicalEntry fixes the field order of the hashed encoding.
type canonicalEntry struct {
	TenantID   string          `json:"tenant_id"`
	SequenceNo int64           `json:"sequence_no"`
	EventName  string          `json:"event_name"`
	ActorID    string          `json:"actor_id"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Metadata   json.RawMessage `json:"metadata"`
	CreatedAt  string          `json:"created_at"`
}

// NormalizeTime returns t in UTC truncated to the precision Postgres stores.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// CanonicalMetadata re-encodes a JSON document with sorted object keys and
// numbers preserved exactly as written. Empty input becomes "{}".
func CanonicalMetadata(raw []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}

	if dec.More() {
		return nil, fmt.Errorf("decoding metadata: trailing data")
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	return out, nil
}

// MarshalMetadata encodes a metadata map in canonical form.
func MarshalMetadata(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	return CanonicalMetadata(raw)
}

// Canonicalize returns the deterministic byte form of an entry's content.
// prev_hash, entry_hash and the surrogate id are not part of it.
func Canonicalize(e *models.LedgerEntry) ([]byte, error) {
	meta, err := CanonicalMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(canonicalEntry{
		TenantID:   e.TenantID,
		SequenceNo: e.SequenceNo,
		EventName:  e.EventName,
		ActorID:    e.ActorID,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Metadata:   meta,
		CreatedAt:  NormalizeTime(e.CreatedAt).Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding canonical entry: %w", err)
	}

	return out, nil
}

// EntryHash computes hex(SHA-256(prev_hash ∥ canonical(entry))).
func EntryHash(prevHash string, e *models.LedgerEntry) (string, error) {
	canonical, err := Canonicalize(e)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal links e to prevHash and fills in its entry hash. The metadata is
// rewritten in canonical form so the stored bytes hash identically on replay.
func Seal(prevHash string, e *models.LedgerEntry) error {
	meta, err := CanonicalMetadata(e.Metadata)
	if err != nil {
		return err
	}

	e.Metadata = meta
	e.CreatedAt = NormalizeTime(e.CreatedAt)
	e.PrevHash = prevHash

	hash, err := EntryHash(prevHash, e)
	if err != nil {
		return err
	}

	e.EntryHash = hash

	return nil
}
