package ws

import (
	"slices"
	"sync"
	"time"
)

const (
	defaultBufferMaxLen = 1000
	defaultBufferMaxAge = time.Hour
)

// EventBuffer keeps each tenant's recent job events, in ID order, so a
// reconnecting client can catch up. The hub loop evicts idle tenants.
type EventBuffer struct {
	mu     sync.RWMutex
	byTen  map[string][]Event
	maxLen int
	maxAge time.Duration
}

// NewEventBuffer returns a buffer holding at most maxLen events per tenant,
// none older than maxAge.
func NewEventBuffer(maxLen int, maxAge time.Duration) *EventBuffer {
	return &EventBuffer{
		byTen:  make(map[string][]Event),
		maxLen: maxLen,
		maxAge: maxAge,
	}
}

// Append adds event to the tenant's buffer and drops what fell outside the
// age or length limit.
func (eb *EventBuffer) Append(tenantID string, event *Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	cutoff := event.Time.Add(-eb.maxAge)
	buf := eb.byTen[tenantID]

	keep, _ := slices.BinarySearchFunc(buf, cutoff, func(e Event, t time.Time) int {
		return e.Time.Compare(t)
	})

	buf = append(buf[keep:], *event)
	if over := len(buf) - eb.maxLen; over > 0 {
		buf = buf[over:]
	}

	eb.byTen[tenantID] = buf
}

// Replay returns copies of the tenant's events after lastEventID. complete is
// false when events between lastEventID and the oldest buffered one were
// already dropped, in which case the caller must refetch instead.
func (eb *EventBuffer) Replay(tenantID string, lastEventID uint64) (events []Event, complete bool) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	buf := eb.byTen[tenantID]
	if len(buf) == 0 {
		return nil, true
	}

	if lastEventID > 0 && lastEventID+1 < buf[0].ID {
		return nil, false
	}

	from, _ := slices.BinarySearchFunc(buf, lastEventID+1, func(e Event, id uint64) int {
		switch {
		case e.ID < id:
			return -1
		case e.ID > id:
			return 1
		default:
			return 0
		}
	})

	return slices.Clone(buf[from:]), true
}

// EvictStale forgets tenants with no event newer than maxAge.
func (eb *EventBuffer) EvictStale(now time.Time) {
	cutoff := now.Add(-eb.maxAge)

	eb.mu.Lock()
	defer eb.mu.Unlock()

	for tenant, buf := range eb.byTen {
		if len(buf) == 0 || buf[len(buf)-1].Time.Before(cutoff) {
			delete(eb.byTen, tenant)
		}
	}
}
