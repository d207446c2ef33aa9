package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/models"
)

// BuildBundle assembles a self-verifying bundle for the tenant's entries
// selected by f. The bundle always holds the full contiguous range so the
// chain replays; event-name filters only populate Selection. Ranges longer
// than maxEntries are rejected.
func BuildBundle(
	ctx context.Context, lr LedgerReader, ar AnchorReader, tenantID string, f models.ExportFilters, maxEntries int64, now time.Time,
) (*models.LedgerBundle, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	head, headHash, err := lr.Head(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	from := max(f.FromSeq, 1)
	to := head
	if f.ToSeq != 0 && f.ToSeq < head {
		to = f.ToSeq
	}

	b := &models.LedgerBundle{}

	if from > to {
		b.Manifest, err = ledger.BuildManifest(tenantID, headHash, nil, now)
		if err != nil {
			return nil, err
		}

		if len(f.EventNames) > 0 {
			b.Selection = []int64{}
		}

		return b, nil
	}

	if maxEntries > 0 && to-from+1 > maxEntries {
		return nil, models.NewValidationError(models.CodeValidation,
			fmt.Sprintf("range spans more than %d entries; request an export job instead", maxEntries))
	}

	prev, err := lr.PrevHash(ctx, tenantID, from)
	if err != nil {
		return nil, err
	}

	entries, err := lr.EntryRange(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}

	b.Entries = entries

	b.Manifest, err = ledger.BuildManifest(tenantID, prev, entries, now)
	if err != nil {
		return nil, err
	}

	b.Anchors, err = ar.AnchorsInRange(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}

	if len(f.EventNames) > 0 {
		want := make(map[string]bool, len(f.EventNames))
		for _, n := range f.EventNames {
			want[n] = true
		}

		b.Selection = []int64{}

		for i := range entries {
			if want[entries[i].EventName] {
				b.Selection = append(b.Selection, entries[i].SequenceNo)
			}
		}
	}

	return b, nil
}

func decodeMeta(raw json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}

	return m, nil
}
