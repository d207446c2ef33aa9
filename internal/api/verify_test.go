package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/persistorai/custodian/internal/api"
	"github.com/persistorai/custodian/internal/models"
)

func TestVerifyRange_ReportsBreak(t *testing.T) {
	t.Parallel()

	brk := int64(4)
	v := &mockVerifier{
		rangeFn: func(_ context.Context, _ string, from, to int64) (*models.VerificationReport, error) {
			return &models.VerificationReport{FromSeq: from, ToSeq: to, BreakAt: &brk, EntriesChecked: 3}, nil
		},
	}

	r := newTestRouter(models.RoleAuditor)
	r.GET("/ledger/verify", api.NewVerifyHandler(v, testLogger()).Range)

	w := doRequest(r, http.MethodGet, "/ledger/verify?from=1&to=10", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var report models.VerificationReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if report.Valid || report.BreakAt == nil || *report.BreakAt != 4 {
		t.Errorf("report = %+v", report)
	}
}

func TestVerifyEntry_BadSeq(t *testing.T) {
	t.Parallel()

	r := newTestRouter(models.RoleAuditor)
	r.GET("/ledger/verify/entries/:entry", api.NewVerifyHandler(&mockVerifier{}, testLogger()).Entry)

	for _, seq := range []string{"0", "-3", "x", "not-a-uuid"} {
		if w := doRequest(r, http.MethodGet, "/ledger/verify/entries/"+seq, ""); w.Code != http.StatusBadRequest {
			t.Errorf("seq %s: expected 400, got %d", seq, w.Code)
		}
	}
}

func TestVerifyEntry_ByID(t *testing.T) {
	t.Parallel()

	const entryID = "5b0f7c1e-8d4a-4c2e-9f3b-2a6d1e0c9b7a"

	var got string
	v := &mockVerifier{
		entryIDFn: func(_ context.Context, _ string, id string) (*models.VerificationReport, error) {
			got = id
			return &models.VerificationReport{Valid: true, FromSeq: 7, ToSeq: 7, EntriesChecked: 1}, nil
		},
	}

	r := newTestRouter(models.RoleAuditor)
	r.GET("/ledger/verify/entries/:entry", api.NewVerifyHandler(v, testLogger()).Entry)

	w := doRequest(r, http.MethodGet, "/ledger/verify/entries/"+entryID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if got != entryID {
		t.Errorf("expected entry id %s, got %q", entryID, got)
	}
}

func TestVerifyPeriod_Labels(t *testing.T) {
	t.Parallel()

	var got string
	v := &mockVerifier{
		periodFn: func(_ context.Context, _ string, period string) (*models.VerificationReport, error) {
			got = period
			return &models.VerificationReport{Valid: true, ChainIntact: true, Anchored: true}, nil
		},
	}

	r := newTestRouter(models.RoleExecutive)
	r.GET("/ledger/verify/periods/:period", api.NewVerifyHandler(v, testLogger()).Period)

	if w := doRequest(r, http.MethodGet, "/ledger/verify/periods/2026-13-01", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad label: expected 400, got %d", w.Code)
	}

	if w := doRequest(r, http.MethodGet, "/ledger/verify/periods/2026-03-04T05", ""); w.Code != http.StatusOK {
		t.Fatalf("hourly label: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if got != "2026-03-04T05" {
		t.Errorf("period = %q", got)
	}
}

func TestPublicVerify(t *testing.T) {
	t.Parallel()

	const ref = "rcpt_3f0b8a8e-5f0e-4c3c-9a55-3a1d0e6f7b21"

	v := &mockVerifier{
		artifactFn: func(_ context.Context, r string) (*models.ArtifactVerification, error) {
			switch r {
			case ref:
				return &models.ArtifactVerification{Valid: true, ChainIntact: true, ArtifactHash: strings.Repeat("ab", 32)}, nil
			case "rcpt_broken":
				return nil, models.NewStorageError("loading artifact ref", context.DeadlineExceeded)
			default:
				return nil, models.NewNotFoundError("receipt")
			}
		},
	}

	r := newTestRouter(models.RoleMember)
	r.GET("/public/verify/:ref", api.NewVerifyHandler(v, testLogger()).Public)

	tests := []struct {
		name string
		ref  string
		want int
	}{
		{"known", ref, http.StatusOK},
		{"unknown", "rcpt_nope", http.StatusNotFound},
		{"wrong prefix", "job_" + ref[5:], http.StatusNotFound},
		{"too long", "rcpt_" + strings.Repeat("a", 80), http.StatusNotFound},
		{"storage", "rcpt_broken", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(r, http.MethodGet, "/public/verify/"+tt.ref, "")
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}

			if strings.Contains(w.Body.String(), testTenantID) {
				t.Error("public response leaked the tenant id")
			}
		})
	}
}
