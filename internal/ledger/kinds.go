package ledger

import "github.com/persistorai/custodian/internal/models"

// EventKind is the closed set of ledger event kinds. Names read back from
// storage that are not in the set parse to EventUnrecognized rather than
// being coerced to a known kind.
type EventKind int

// Event kinds.
const (
	EventUnrecognized EventKind = iota
	EventRecordCreated
	EventRecordUpdated
	EventRecordDeleted
	EventRoleViolation
	EventExportRequested
	EventExportCancelRequested
	EventExportGenerated
	EventExportFailed
	EventExportCancelled
	EventCommandAbandoned
)

var eventNames = map[EventKind]string{
	EventRecordCreated:         "record.created",
	EventRecordUpdated:         "record.updated",
	EventRecordDeleted:         "record.deleted",
	EventRoleViolation:         "auth.role_violation",
	EventExportRequested:       "export.requested",
	EventExportCancelRequested: "export.cancel_requested",
	EventExportGenerated:       "export.generated",
	EventExportFailed:          "export.failed",
	EventExportCancelled:       "export.cancelled",
	EventCommandAbandoned:      "command.abandoned",
}

var eventsByName = func() map[string]EventKind {
	m := make(map[string]EventKind, len(eventNames))
	for k, name := range eventNames {
		m[name] = k
	}

	return m
}()

// String returns the stored event name.
func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}

	return "unrecognized"
}

// ParseEventKind maps a stored event name to its kind.
func ParseEventKind(name string) EventKind {
	if k, ok := eventsByName[name]; ok {
		return k
	}

	return EventUnrecognized
}

// Category groups event kinds for filtering and reporting.
type Category string

// Event categories.
const (
	CategoryRecord       Category = "record"
	CategoryAuth         Category = "auth"
	CategoryExport       Category = "export"
	CategoryCommand      Category = "command"
	CategoryUnrecognized Category = "unrecognized"
)

// Category returns the group k belongs to.
func (k EventKind) Category() Category {
	switch k {
	case EventRecordCreated, EventRecordUpdated, EventRecordDeleted:
		return CategoryRecord
	case EventRoleViolation:
		return CategoryAuth
	case EventExportRequested, EventExportCancelRequested, EventExportGenerated,
		EventExportFailed, EventExportCancelled:
		return CategoryExport
	case EventCommandAbandoned:
		return CategoryCommand
	case EventUnrecognized:
		return CategoryUnrecognized
	}

	return CategoryUnrecognized
}

// EventForAction returns the event recorded when action succeeds.
func EventForAction(action models.Action) EventKind {
	switch action {
	case models.ActionRecordCreate:
		return EventRecordCreated
	case models.ActionRecordUpdate:
		return EventRecordUpdated
	case models.ActionRecordDelete:
		return EventRecordDeleted
	case models.ActionExportRequest:
		return EventExportRequested
	case models.ActionExportCancel:
		return EventExportCancelRequested
	}

	return EventUnrecognized
}
