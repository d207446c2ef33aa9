package ws

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is the structured message sent to WebSocket clients.
type Event struct {
	Type     string          `json:"type"`
	ID       uint64          `json:"id"`
	TenantID string          `json:"-"`
	JobID    string          `json:"job_id,omitempty"`
	Data     json.RawMessage `json:"data"`
	Time     time.Time       `json:"time"`
}

// SubscribeMsg is sent by the client to request replay and, optionally,
// narrow the feed to specific export jobs.
type SubscribeMsg struct {
	Type        string   `json:"type"`
	LastEventID uint64   `json:"last_event_id"`
	JobIDs      []string `json:"job_ids,omitempty"`
}

// ResetMsg tells the client to refetch job state; requested events are gone.
type ResetMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// maxJobFilter caps the number of job IDs one client may watch.
const maxJobFilter = 100

// EventSequence hands out monotonic event IDs per tenant.
type EventSequence struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// NewEventSequence creates a new EventSequence.
func NewEventSequence() *EventSequence {
	return &EventSequence{counters: make(map[string]uint64)}
}

// Next returns the next sequence number for a tenant.
func (es *EventSequence) Next(tenantID string) uint64 {
	es.mu.Lock()
	defer es.mu.Unlock()

	es.counters[tenantID]++

	return es.counters[tenantID]
}

// jobIDOf extracts job_id from a notification payload.
func jobIDOf(data json.RawMessage) string {
	var p struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return ""
	}

	return p.JobID
}
