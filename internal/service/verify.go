package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/domain"
	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/metrics"
	"github.com/persistorai/custodian/internal/models"
)

const (
	// verifyPage is how many entries are read per query while replaying.
	verifyPage = 1000
	// maxVerifyRange bounds one synchronous verification.
	maxVerifyRange = 200_000
	// maxRefLen bounds public receipt references.
	maxRefLen = 64
)

// VerificationService recomputes chain and anchor hashes from storage.
// Any corruption it finds is logged, counted and handed to the incident
// queue; it is never repaired.
type VerificationService struct {
	ledger    LedgerReader
	anchors   AnchorReader
	refs      ArtifactRefLookup
	incidents IncidentEnqueuer
	log       *logrus.Logger
	now       func() time.Time
}

// NewVerificationService creates a VerificationService.
func NewVerificationService(
	ledger LedgerReader, anchors AnchorReader, refs ArtifactRefLookup, incidents IncidentEnqueuer, log *logrus.Logger,
) *VerificationService {
	return &VerificationService{ledger: ledger, anchors: anchors, refs: refs, incidents: incidents, log: log, now: time.Now}
}

var _ domain.Verifier = (*VerificationService)(nil)

// VerifyRange replays [fromSeq, toSeq] and every anchor overlapping it.
// toSeq of 0 means the current head.
func (s *VerificationService) VerifyRange(ctx context.Context, tenantID string, fromSeq, toSeq int64) (*models.VerificationReport, error) {
	r, _, err := s.verify(ctx, tenantID, fromSeq, toSeq)
	return r, err
}

// VerifyEntry verifies one entry together with the anchor covering it, so
// the report says whether the entry is both linked and anchored.
func (s *VerificationService) VerifyEntry(ctx context.Context, tenantID string, seq int64) (*models.VerificationReport, error) {
	if seq < 1 {
		return nil, models.NewValidationError(models.CodeValidation, "sequence number must be positive")
	}

	if _, err := s.ledger.GetEntry(ctx, tenantID, seq); err != nil {
		return nil, err
	}

	r, _, err := s.verify(ctx, tenantID, seq, seq)

	return r, err
}

// VerifyEntryID is VerifyEntry for an entry addressed by its id.
func (s *VerificationService) VerifyEntryID(ctx context.Context, tenantID, entryID string) (*models.VerificationReport, error) {
	if _, err := uuid.Parse(entryID); err != nil {
		return nil, models.NewValidationError(models.CodeValidation, "entry id must be a UUID")
	}

	e, err := s.ledger.GetEntryByID(ctx, tenantID, entryID)
	if err != nil {
		return nil, err
	}

	r, _, err := s.verify(ctx, tenantID, e.SequenceNo, e.SequenceNo)

	return r, err
}

// VerifyPeriod verifies the range of the anchor committed for period.
func (s *VerificationService) VerifyPeriod(ctx context.Context, tenantID, period string) (*models.VerificationReport, error) {
	if !ledger.ValidPeriodLabel(period) {
		return nil, models.NewValidationError(models.CodeValidation, "period must be YYYY-MM-DD or YYYY-MM-DDTHH")
	}

	a, err := s.anchors.GetAnchorByPeriod(ctx, tenantID, period)
	if err != nil {
		return nil, err
	}

	r, _, err := s.verify(ctx, tenantID, a.FirstSeq, a.LastSeq)

	return r, err
}

// VerifyArtifact verifies the ledger entry behind a public receipt. The
// result carries no tenant identifiers or ledger content; unknown and
// malformed references look the same.
func (s *VerificationService) VerifyArtifact(ctx context.Context, ref string) (*models.ArtifactVerification, error) {
	if len(ref) > maxRefLen || !strings.HasPrefix(ref, "rcpt_") {
		return nil, models.NewNotFoundError("receipt")
	}

	rr, err := s.refs.LookupRef(ctx, ref)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewNotFoundError("receipt")
		}

		return nil, err
	}

	r, anchors, err := s.verify(ctx, rr.TenantID, rr.EntrySeq, rr.EntrySeq)
	if err != nil {
		return nil, err
	}

	out := &models.ArtifactVerification{
		Valid:        r.Valid,
		ChainIntact:  r.ChainIntact,
		Anchored:     r.Anchored,
		ArtifactHash: rr.ArtifactHash,
	}

	for i := range anchors {
		if anchors[i].FirstSeq <= rr.EntrySeq && rr.EntrySeq <= anchors[i].LastSeq {
			out.AnchorRef = anchors[i].ExternalAnchorRef
		}
	}

	if r.ChainIntact {
		if err := s.checkReceiptEntry(ctx, rr); err != nil {
			out.Valid = false
			s.corrupted(rr.TenantID, "receipt", err)
		}
	}

	return out, nil
}

// checkReceiptEntry confirms the receipt's entry records the artifact it
// claims to.
func (s *VerificationService) checkReceiptEntry(ctx context.Context, rr *models.ArtifactRef) error {
	e, err := s.ledger.GetEntry(ctx, rr.TenantID, rr.EntrySeq)
	if err != nil {
		return err
	}

	meta, err := decodeMeta(e.Metadata)
	if err != nil {
		return &models.CorruptionError{TenantID: rr.TenantID, Seq: e.SequenceNo, Reason: "receipt entry metadata unreadable"}
	}

	if ledger.ParseEventKind(e.EventName) != ledger.EventExportGenerated ||
		meta["receipt_ref"] != rr.Ref || meta["artifact_hash"] != rr.ArtifactHash {
		return &models.CorruptionError{TenantID: rr.TenantID, Seq: e.SequenceNo, Reason: "receipt does not match its ledger entry"}
	}

	return nil
}

// verify replays the chain over [fromSeq, toSeq] widened to whole
// anchors, then recomputes each anchor's root. It returns the anchors it
// checked.
func (s *VerificationService) verify(
	ctx context.Context, tenantID string, fromSeq, toSeq int64,
) (*models.VerificationReport, []models.LedgerAnchor, error) {
	if fromSeq < 0 || toSeq < 0 || (toSeq != 0 && fromSeq > toSeq) {
		return nil, nil, models.NewValidationError(models.CodeValidation, "invalid sequence range")
	}

	head, _, err := s.ledger.Head(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	fromSeq = max(fromSeq, 1)
	if toSeq == 0 || toSeq > head {
		toSeq = head
	}

	report := &models.VerificationReport{Valid: true, ChainIntact: true, FromSeq: fromSeq, ToSeq: toSeq}

	if fromSeq > toSeq {
		report.Details = append(report.Details, "range is empty")
		return report, nil, nil
	}

	scanFrom, scanTo, err := s.widen(ctx, tenantID, fromSeq, toSeq)
	if err != nil {
		return nil, nil, err
	}

	if scanTo-scanFrom+1 > maxVerifyRange {
		return nil, nil, models.NewValidationError(models.CodeValidation,
			fmt.Sprintf("range spans more than %d entries; verify it in parts", maxVerifyRange))
	}

	hashes, err := s.replay(ctx, tenantID, scanFrom, scanTo, report)
	if err != nil {
		return nil, nil, err
	}

	anchors, err := s.anchors.AnchorsInRange(ctx, tenantID, scanFrom, scanTo)
	if err != nil {
		return nil, nil, err
	}

	if !report.ChainIntact {
		report.Valid = false
		report.Details = append(report.Details, "anchors not checked: chain is broken")

		return report, anchors, nil
	}

	anchorsValid := true

	for i := range anchors {
		a := &anchors[i]
		report.AnchorsChecked++

		lo := a.FirstSeq - scanFrom
		hi := a.LastSeq - scanFrom + 1

		var sub []string
		if lo >= 0 && hi <= int64(len(hashes)) && lo <= hi {
			sub = hashes[lo:hi]
		}

		if err := ledger.VerifyAnchorHashes(a, sub); err != nil {
			anchorsValid = false
			report.Details = append(report.Details, fmt.Sprintf("anchor %s: %s", a.Period, reasonOf(err)))
			s.corrupted(tenantID, "anchor", err)
		}
	}

	report.Valid = anchorsValid
	report.Anchored = anchorsValid && covers(anchors, fromSeq, toSeq)

	return report, anchors, nil
}

// widen extends [fromSeq, toSeq] to the bounds of anchors that straddle
// either end.
func (s *VerificationService) widen(ctx context.Context, tenantID string, fromSeq, toSeq int64) (int64, int64, error) {
	scanFrom, scanTo := fromSeq, toSeq

	if a, err := s.anchors.CoveringAnchor(ctx, tenantID, fromSeq); err == nil {
		scanFrom = min(scanFrom, a.FirstSeq)
	} else if !errors.Is(err, models.ErrNotFound) {
		return 0, 0, err
	}

	if a, err := s.anchors.CoveringAnchor(ctx, tenantID, toSeq); err == nil {
		scanTo = max(scanTo, a.LastSeq)
	} else if !errors.Is(err, models.ErrNotFound) {
		return 0, 0, err
	}

	return scanFrom, scanTo, nil
}

// replay verifies the chain page by page and returns the entry hashes in
// order. A break is recorded on report rather than returned.
func (s *VerificationService) replay(
	ctx context.Context, tenantID string, fromSeq, toSeq int64, report *models.VerificationReport,
) ([]string, error) {
	prev, err := s.ledger.PrevHash(ctx, tenantID, fromSeq)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, min(toSeq-fromSeq+1, verifyPage))
	next := fromSeq

	for next <= toSeq {
		page, _, err := s.ledger.ListEntries(ctx, tenantID, next, toSeq, verifyPage)
		if err != nil {
			return nil, err
		}

		if len(page) == 0 || page[0].SequenceNo != next {
			s.chainBroken(tenantID, report, &models.CorruptionError{TenantID: tenantID, Seq: next, Reason: "entry missing"})
			return hashes, nil
		}

		if err := ledger.VerifyChain(tenantID, prev, page); err != nil {
			s.chainBroken(tenantID, report, err)
			return hashes, nil
		}

		for i := range page {
			hashes = append(hashes, page[i].EntryHash)
		}

		report.EntriesChecked += len(page)
		prev = page[len(page)-1].EntryHash
		next = page[len(page)-1].SequenceNo + 1
	}

	return hashes, nil
}

func (s *VerificationService) chainBroken(tenantID string, report *models.VerificationReport, err error) {
	report.ChainIntact = false
	report.Valid = false
	report.Details = append(report.Details, reasonOf(err))

	var ce *models.CorruptionError
	if errors.As(err, &ce) {
		seq := ce.Seq
		report.BreakAt = &seq
	}

	s.corrupted(tenantID, "chain", err)
}

// corrupted logs, counts and queues an incident for err.
func (s *VerificationService) corrupted(tenantID, scope string, err error) {
	reportCorruption(s.incidents, s.log, tenantID, scope, err, s.now())
}

// reportCorruption logs, counts and queues an incident for err. incidents
// may be nil.
func reportCorruption(incidents IncidentEnqueuer, log *logrus.Logger, tenantID, scope string, err error, at time.Time) {
	metrics.VerificationFailures.WithLabelValues(scope).Inc()

	inc := models.IntegrityIncident{
		TenantID:   tenantID,
		Scope:      scope,
		Reason:     reasonOf(err),
		DetectedAt: at.UTC(),
	}

	var ce *models.CorruptionError
	if errors.As(err, &ce) {
		if ce.Period != "" {
			period := ce.Period
			inc.Period = &period
		} else {
			seq := ce.Seq
			inc.Seq = &seq
		}
	}

	log.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"scope":     scope,
		"seq":       inc.Seq,
		"period":    inc.Period,
	}).WithError(err).Error("ledger corruption detected")

	if incidents != nil {
		incidents.Enqueue(inc)
	}
}

func reasonOf(err error) string {
	var ce *models.CorruptionError
	if errors.As(err, &ce) {
		return ce.Reason
	}

	return err.Error()
}

// covers reports whether anchors, sorted by first_seq, cover every
// sequence number in [fromSeq, toSeq].
func covers(anchors []models.LedgerAnchor, fromSeq, toSeq int64) bool {
	cursor := fromSeq

	for i := range anchors {
		if anchors[i].FirstSeq > cursor {
			break
		}

		cursor = max(cursor, anchors[i].LastSeq+1)
	}

	return cursor > toSeq
}
