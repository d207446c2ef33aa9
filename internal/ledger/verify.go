package ledger

import (
	"fmt"

	"github.com/persistorai/custodian/internal/models"
)

// VerifyChain replays the hash chain over entries, which must be sorted by
// sequence number and contiguous. prevHash is the hash the first entry is
// expected to link to. The first mismatch is returned as a
// *models.CorruptionError naming the broken sequence number.
func VerifyChain(tenantID, prevHash string, entries []models.LedgerEntry) error {
	for i := range entries {
		e := &entries[i]

		if i > 0 && e.SequenceNo != entries[i-1].SequenceNo+1 {
			return corruptAt(tenantID, e.SequenceNo,
				fmt.Sprintf("sequence gap: expected %d", entries[i-1].SequenceNo+1))
		}

		if e.TenantID != tenantID {
			return corruptAt(tenantID, e.SequenceNo, "entry belongs to another tenant")
		}

		if e.PrevHash != prevHash {
			return corruptAt(tenantID, e.SequenceNo, "prev_hash does not match predecessor entry_hash")
		}

		got, err := EntryHash(e.PrevHash, e)
		if err != nil {
			return corruptAt(tenantID, e.SequenceNo, "entry content cannot be canonicalized: "+err.Error())
		}

		if got != e.EntryHash {
			return corruptAt(tenantID, e.SequenceNo, "entry_hash mismatch")
		}

		prevHash = e.EntryHash
	}

	return nil
}

// VerifyAnchor recomputes the Merkle root over entries and compares it
// with the stored anchor.
func VerifyAnchor(a *models.LedgerAnchor, entries []models.LedgerEntry) error {
	hashes := make([]string, len(entries))
	for i := range entries {
		hashes[i] = entries[i].EntryHash
	}

	return VerifyAnchorHashes(a, hashes)
}

// VerifyAnchorHashes is VerifyAnchor over entry hashes already known to
// be the anchor's range in sequence order.
func VerifyAnchorHashes(a *models.LedgerAnchor, hashes []string) error {
	if a.LastSeq-a.FirstSeq+1 != a.EntryCount {
		return &models.CorruptionError{
			TenantID: a.TenantID,
			Period:   a.Period,
			Reason:   fmt.Sprintf("anchor range %d..%d disagrees with entry_count %d", a.FirstSeq, a.LastSeq, a.EntryCount),
		}
	}

	if int64(len(hashes)) != a.EntryCount {
		return &models.CorruptionError{
			TenantID: a.TenantID,
			Period:   a.Period,
			Reason:   fmt.Sprintf("anchor covers %d entries, found %d", a.EntryCount, len(hashes)),
		}
	}

	root, err := MerkleRoot(hashes)
	if err != nil {
		return &models.CorruptionError{TenantID: a.TenantID, Period: a.Period, Reason: err.Error()}
	}

	if root != a.MerkleRoot {
		return &models.CorruptionError{TenantID: a.TenantID, Period: a.Period, Reason: "merkle root mismatch"}
	}

	return nil
}

func corruptAt(tenantID string, seq int64, reason string) error {
	return &models.CorruptionError{TenantID: tenantID, Seq: seq, Reason: reason}
}
