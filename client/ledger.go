package client

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// LedgerService reads the tenant's ledger.
type LedgerService struct {
	c *Client
}

func rangeParams(fromSeq, toSeq int64) url.Values {
	params := url.Values{}
	if fromSeq > 0 {
		params.Set("from", strconv.FormatInt(fromSeq, 10))
	}
	if toSeq > 0 {
		params.Set("to", strconv.FormatInt(toSeq, 10))
	}
	return params
}

func listParams(opts *ListOptions) url.Values {
	params := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	return params
}

// Entries returns up to limit entries starting at fromSeq. toSeq of 0 means
// the head.
func (s *LedgerService) Entries(ctx context.Context, fromSeq, toSeq int64, limit int) ([]LedgerEntry, bool, error) {
	params := rangeParams(fromSeq, toSeq)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp page[LedgerEntry]
	if err := s.c.get(ctx, "/api/v1/ledger/entries", params, &resp); err != nil {
		return nil, false, err
	}
	return resp.Items, resp.HasMore, nil
}

// ExportArchive downloads a zip bundle of [fromSeq, toSeq]. The caller
// closes the reader.
func (s *LedgerService) ExportArchive(ctx context.Context, fromSeq, toSeq int64) (io.ReadCloser, error) {
	params := rangeParams(fromSeq, toSeq)
	params.Set("format", "zip")

	resp, err := s.c.stream(ctx, "/api/v1/ledger/export?"+params.Encode())
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Anchors lists committed anchors, newest first.
func (s *LedgerService) Anchors(ctx context.Context, opts *ListOptions) ([]LedgerAnchor, bool, error) {
	var resp page[LedgerAnchor]
	if err := s.c.get(ctx, "/api/v1/ledger/anchors", listParams(opts), &resp); err != nil {
		return nil, false, err
	}
	return resp.Items, resp.HasMore, nil
}

// TriggerAnchor anchors the given period now. It returns nil when there
// was nothing to anchor.
func (s *LedgerService) TriggerAnchor(ctx context.Context, period string) (*LedgerAnchor, error) {
	var a LedgerAnchor
	resp, err := s.c.do(ctx, request{method: http.MethodPost, path: "/api/v1/ledger/anchors/" + url.PathEscape(period)}, &a)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNoContent {
		return nil, nil //nolint:nilnil // nothing to anchor.
	}
	return &a, nil
}

// Incidents lists recorded integrity incidents.
func (s *LedgerService) Incidents(ctx context.Context, opts *ListOptions) ([]IntegrityIncident, bool, error) {
	var resp page[IntegrityIncident]
	if err := s.c.get(ctx, "/api/v1/ledger/incidents", listParams(opts), &resp); err != nil {
		return nil, false, err
	}
	return resp.Items, resp.HasMore, nil
}

// Record returns the current state of a domain record.
func (s *LedgerService) Record(ctx context.Context, id string) (*DomainRecord, error) {
	var rec DomainRecord
	if err := s.c.get(ctx, "/api/v1/records/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// VerifyService runs server-side verification.
type VerifyService struct {
	c *Client
}

// Range verifies [fromSeq, toSeq]; toSeq of 0 means the head.
func (s *VerifyService) Range(ctx context.Context, fromSeq, toSeq int64) (*VerificationReport, error) {
	var r VerificationReport
	if err := s.c.get(ctx, "/api/v1/ledger/verify", rangeParams(fromSeq, toSeq), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Entry verifies one entry and the anchor covering it.
func (s *VerifyService) Entry(ctx context.Context, seq int64) (*VerificationReport, error) {
	var r VerificationReport
	if err := s.c.get(ctx, "/api/v1/ledger/verify/entries/"+strconv.FormatInt(seq, 10), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// EntryByID verifies the entry with the given id and the anchor covering it.
func (s *VerifyService) EntryByID(ctx context.Context, entryID string) (*VerificationReport, error) {
	var r VerificationReport
	if err := s.c.get(ctx, "/api/v1/ledger/verify/entries/"+url.PathEscape(entryID), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Period verifies the anchor of one period label (YYYY-MM-DD or YYYY-MM-DDTHH).
func (s *VerifyService) Period(ctx context.Context, period string) (*VerificationReport, error) {
	var r VerificationReport
	if err := s.c.get(ctx, "/api/v1/ledger/verify/periods/"+url.PathEscape(period), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Receipt checks a public receipt reference. No credential is needed.
func (s *VerifyService) Receipt(ctx context.Context, ref string) (*ArtifactVerification, error) {
	var r ArtifactVerification
	if err := s.c.get(ctx, "/api/v1/public/verify/"+url.PathEscape(ref), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
