// Package storage defines the calendar object store: its data model, the
// structural query filter evaluator, and the change-tracking contract used
// for incremental client synchronization.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/mo"
)

var (
	// ErrNotFound is returned when a requested resource doesn't exist
	ErrNotFound = errors.New("resource not found")
	// ErrConflict is returned when a create collides with an existing resource
	ErrConflict = errors.New("resource conflict")
	// ErrValidation is returned when the input parameters are invalid
	ErrValidation = errors.New("invalid input parameters")
	// ErrForbidden is returned when a required property is missing or the
	// operation is not allowed
	ErrForbidden = errors.New("forbidden")
)

// Calendar represents a calendar collection owned by a principal.
type Calendar struct {
	ID        string
	Principal string
	// URI is the calendar's path segment, unique per principal.
	URI                 string
	DisplayName         string
	Description         string
	Timezone            string
	Transparency        string
	Color               string
	SupportedComponents []string
	// SyncToken starts at 1 and increases by one for every mutation of the
	// calendar or its contained objects.
	SyncToken int64
}

// CalendarObject is one stored calendar document (event, to-do or journal
// entry), identified by (CalendarID, URI).
type CalendarObject struct {
	CalendarID string
	URI        string
	// Data is the raw serialized iCalendar payload. ETag and Size are always
	// derived from these bytes, never from a re-serialization.
	Data         []byte
	ETag         string
	Size         int64
	LastModified time.Time
	// Component is the lowercase primary component kind ("vevent", "vtodo",
	// "vjournal"), empty if the payload could not be parsed.
	Component string
	// UID is the identifier extracted from the primary component, used for
	// cross-calendar lookup.
	UID string
}

// SchedulingObject is a scheduling message stored in a principal's inbox.
// Its lifecycle is independent of any calendar.
type SchedulingObject struct {
	Principal    string
	URI          string
	Data         []byte
	ETag         string
	Size         int64
	LastModified time.Time
}

// Subscription points at an external calendar feed.
type Subscription struct {
	ID               string
	Principal        string
	URI              string
	Source           string
	DisplayName      string
	RefreshRate      string
	Color            string
	StripTodos       bool
	StripAlarms      bool
	StripAttachments bool
}

// Operation classifies a change-log entry.
type Operation int

const (
	OpAdded Operation = iota + 1
	OpModified
	OpDeleted
)

func (op Operation) String() string {
	switch op {
	case OpAdded:
		return "added"
	case OpModified:
		return "modified"
	case OpDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("operation(%d)", int(op))
	}
}

// ChangeLogEntry is one append-only record of an object mutation. Entries are
// ordered by SyncToken ascending within a calendar and are never rewritten,
// except by cascading calendar deletion.
type ChangeLogEntry struct {
	CalendarID string
	SyncToken  int64
	URI        string
	Operation  Operation
}

// Changes is the result of folding a change-log window between two sync
// tokens. Each URI appears in at most one of the three sets.
type Changes struct {
	SyncToken int64
	Added     []string
	Modified  []string
	Deleted   []string
}

// EventType classifies a mutation event emitted by a store.
type EventType int

const (
	EventCreated EventType = iota + 1
	EventUpdated
	EventDeleted
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// ObjectEvent is emitted synchronously after every successful object
// mutation. For deletes, Data carries the pre-delete payload snapshot so
// subscribers never have to re-resolve removed state.
type ObjectEvent struct {
	Type       EventType
	CalendarID string
	URI        string
	// Path is the object's collection path, "calendars/<calendarID>/<uri>".
	Path string
	ETag string
	// Data is the payload after the mutation (for deletes, the last payload).
	Data []byte
	// OldData is the payload before the mutation, set on updates only.
	OldData []byte
}

// MutationListener receives object mutation events. Listeners run on the
// mutating goroutine and must not call back into mutating store operations.
type MutationListener func(ObjectEvent)

// Store is the persistence contract of the calendar object store. All
// mutating operations are atomic with respect to their calendar's sync token
// and change log: a failed operation leaves no log entry and no token bump.
type Store interface {
	// CreateCalendar creates a calendar collection and returns its id. A
	// supplied supported-component-set property must be a recognized
	// collection of component kind tokens, otherwise ErrValidation.
	CreateCalendar(principal, uri string, props Props) (string, error)
	GetCalendarsForUser(principal string) ([]Calendar, error)
	// UpdateCalendar applies a property patch. Per-key outcomes are reported
	// on the patch; only a missing calendar is an error.
	UpdateCalendar(calendarID string, patch *PropPatch) error
	// DeleteCalendar removes the calendar, all contained objects and the
	// calendar's change log.
	DeleteCalendar(calendarID string) error

	CreateCalendarObject(calendarID, uri string, data []byte) error
	UpdateCalendarObject(calendarID, uri string, data []byte) error
	DeleteCalendarObject(calendarID, uri string) error
	GetCalendarObject(calendarID, uri string) (*CalendarObject, error)
	// GetMultipleCalendarObjects returns objects in input order, silently
	// skipping URIs that don't exist.
	GetMultipleCalendarObjects(calendarID string, uris []string) ([]CalendarObject, error)
	// GetCalendarObjectByUID scans the calendars owned by the principal
	// (directly or via group membership) and returns "calendarURI/objectURI"
	// for the first object with a matching UID. Ties break on lowest
	// calendar id, then object URI.
	GetCalendarObjectByUID(principal, uid string) (mo.Option[string], error)

	// Query returns, in insertion order, the URIs of the objects whose
	// parsed document matches the filter. Objects that fail to parse are
	// skipped. A nil filter matches everything.
	Query(calendarID string, filter *Filter) ([]string, error)
	// GetChangesForCalendar folds the change log since the given token. An
	// empty or unparseable token yields a full snapshot with every current
	// URI in Added. limit bounds internal scan granularity and never
	// truncates the result.
	GetChangesForCalendar(calendarID, sinceToken string, limit int) (*Changes, error)

	// CreateSubscription requires the source property, otherwise
	// ErrForbidden.
	CreateSubscription(principal, uri string, props Props) (string, error)
	UpdateSubscription(subscriptionID string, patch *PropPatch) error
	DeleteSubscription(subscriptionID string) error
	GetSubscriptionsForUser(principal string) ([]Subscription, error)

	CreateSchedulingObject(principal, uri string, data []byte) error
	GetSchedulingObject(principal, uri string) (*SchedulingObject, error)
	GetSchedulingObjects(principal string) ([]SchedulingObject, error)
	DeleteSchedulingObject(principal, uri string) error

	// CalendarURIForEventUID returns the URI of the calendar containing an
	// event with the given UID, regardless of owner. Used by the scheduling
	// relay to resolve delivery targets.
	CalendarURIForEventUID(uid string) (string, error)

	// Subscribe registers a listener for object mutation events.
	Subscribe(l MutationListener)
}
