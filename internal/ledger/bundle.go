package ledger

import (
	"fmt"
	"time"

	"github.com/persistorai/custodian/internal/models"
)

// BuildManifest computes the hash manifest for a contiguous entry range.
// startPrevHash is the entry_hash preceding the first entry.
func BuildManifest(tenantID, startPrevHash string, entries []models.LedgerEntry, now time.Time) (models.BundleManifest, error) {
	m := models.BundleManifest{
		TenantID:      tenantID,
		EntryCount:    len(entries),
		StartPrevHash: startPrevHash,
		HeadHash:      startPrevHash,
		EntryHashes:   make([]string, len(entries)),
		GeneratedAt:   NormalizeTime(now),
	}

	if len(entries) == 0 {
		return m, nil
	}

	for i := range entries {
		m.EntryHashes[i] = entries[i].EntryHash
	}

	root, err := MerkleRoot(m.EntryHashes)
	if err != nil {
		return m, err
	}

	m.FromSeq = entries[0].SequenceNo
	m.ToSeq = entries[len(entries)-1].SequenceNo
	m.HeadHash = entries[len(entries)-1].EntryHash
	m.MerkleRoot = root

	return m, nil
}

// VerifyBundle checks a bundle offline: the chain replays from the
// manifest's start hash, every entry hash matches the manifest, and the
// Merkle root and any included anchors recompute.
func VerifyBundle(b *models.LedgerBundle) error {
	m := b.Manifest

	if len(b.Entries) != m.EntryCount || len(m.EntryHashes) != m.EntryCount {
		return fmt.Errorf("manifest lists %d entries, bundle carries %d", m.EntryCount, len(b.Entries))
	}

	if err := VerifyChain(m.TenantID, m.StartPrevHash, b.Entries); err != nil {
		return err
	}

	for i := range b.Entries {
		if b.Entries[i].EntryHash != m.EntryHashes[i] {
			return &models.CorruptionError{
				TenantID: m.TenantID,
				Seq:      b.Entries[i].SequenceNo,
				Reason:   "entry_hash differs from manifest",
			}
		}
	}

	if m.EntryCount > 0 {
		root, err := MerkleRoot(m.EntryHashes)
		if err != nil {
			return err
		}

		if root != m.MerkleRoot {
			return &models.CorruptionError{TenantID: m.TenantID, Seq: m.FromSeq, Reason: "manifest merkle root mismatch"}
		}
	}

	for i := range b.Anchors {
		a := &b.Anchors[i]
		if a.FirstSeq < m.FromSeq || a.LastSeq > m.ToSeq {
			continue
		}

		lo := a.FirstSeq - m.FromSeq
		hi := a.LastSeq - m.FromSeq + 1

		if err := VerifyAnchor(a, b.Entries[lo:hi]); err != nil {
			return err
		}
	}

	return nil
}
