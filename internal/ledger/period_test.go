package ledger_test

import (
	"testing"
	"time"

	"github.com/persistorai/custodian/internal/ledger"
)

func TestGranularity_Label(t *testing.T) {
	ts := time.Date(2026, 3, 14, 23, 30, 0, 0, time.FixedZone("PST", -8*3600))

	if got := ledger.Daily.Label(ts); got != "2026-03-15" {
		t.Errorf("daily label = %q", got)
	}

	if got := ledger.Hourly.Label(ts); got != "2026-03-15T07" {
		t.Errorf("hourly label = %q", got)
	}
}

func TestParseGranularity(t *testing.T) {
	if g, err := ledger.ParseGranularity("hourly"); err != nil || g != ledger.Hourly {
		t.Errorf("ParseGranularity(hourly) = %q, %v", g, err)
	}

	if _, err := ledger.ParseGranularity("weekly"); err == nil {
		t.Error("expected error for weekly")
	}
}

func TestValidPeriodLabel(t *testing.T) {
	tests := map[string]bool{
		"2026-03-14":    true,
		"2026-03-14T09": true,
		"2026-3-14":     false,
		"2026-03-14T25": false,
		"yesterday":     false,
		"":              false,
	}

	for label, want := range tests {
		if got := ledger.ValidPeriodLabel(label); got != want {
			t.Errorf("ValidPeriodLabel(%q) = %v, want %v", label, got, want)
		}
	}
}
