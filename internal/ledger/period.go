package ledger

import (
	"fmt"
	"time"
)

// Granularity is the anchoring period length.
type Granularity string

// Supported granularities.
const (
	Daily  Granularity = "daily"
	Hourly Granularity = "hourly"
)

const (
	dailyLayout  = "2006-01-02"
	hourlyLayout = "2006-01-02T15"
)

// ParseGranularity validates a configured granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case Daily, Hourly:
		return Granularity(s), nil
	default:
		return "", fmt.Errorf("unknown anchor period %q (want daily or hourly)", s)
	}
}

// Label returns the UTC period label containing t.
func (g Granularity) Label(t time.Time) string {
	if g == Hourly {
		return t.UTC().Format(hourlyLayout)
	}

	return t.UTC().Format(dailyLayout)
}

// ValidPeriodLabel reports whether label is a daily or hourly period label.
func ValidPeriodLabel(label string) bool {
	if _, err := time.Parse(dailyLayout, label); err == nil {
		return true
	}

	_, err := time.Parse(hourlyLayout, label)

	return err == nil
}
