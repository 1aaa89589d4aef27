// Package memory provides an in-memory Store implementation. It is the
// reference backend: every contract test in the storage package runs against
// it, and it is useful as a test double for the relay and notifier.
package memory

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/calpod/calstore/storage"
	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Store implements storage.Store using in-memory maps. A single RWMutex
// serializes mutations, which keeps every calendar's sync token and change
// log free of skipped or reordered entries. Mutation events fan out after
// the lock is released.
type Store struct {
	mu            sync.RWMutex
	logger        *slog.Logger
	calendars     map[string]*storage.Calendar // key: calendar id
	calendarOrder []string
	objects       map[string][]*storage.CalendarObject  // key: calendar id, insertion order
	changes       map[string][]storage.ChangeLogEntry   // key: calendar id
	scheduling    map[string][]*storage.SchedulingObject // key: principal
	subscriptions map[string][]*storage.Subscription     // key: principal
	groups        map[string][]string                    // group principal -> members
	listeners     []storage.MutationListener
}

// New creates an empty in-memory store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:        logger,
		calendars:     make(map[string]*storage.Calendar),
		objects:       make(map[string][]*storage.CalendarObject),
		changes:       make(map[string][]storage.ChangeLogEntry),
		scheduling:    make(map[string][]*storage.SchedulingObject),
		subscriptions: make(map[string][]*storage.Subscription),
		groups:        make(map[string][]string),
	}
}

// AddGroupMember records that member belongs to the given group principal.
// Calendars owned by the group count as the member's for UID lookup.
func (s *Store) AddGroupMember(group, member string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group] = append(s.groups[group], member)
}

// Subscribe registers a mutation event listener.
func (s *Store) Subscribe(l storage.MutationListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(ev storage.ObjectEvent) {
	s.mu.RLock()
	listeners := make([]storage.MutationListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Calendar operations

func (s *Store) CreateCalendar(principal, uri string, props storage.Props) (string, error) {
	cal := &storage.Calendar{
		ID:        uuid.NewString(),
		Principal: principal,
		URI:       uri,
		SyncToken: 1,
	}
	for key, value := range props {
		apply, ok := storage.CalendarResolver(cal)(key, value).Get()
		if !ok {
			return "", fmt.Errorf("%w: unsupported calendar property %q", storage.ErrValidation, key)
		}
		apply()
	}

	s.mu.Lock()
	for _, existing := range s.calendars {
		if existing.Principal == principal && existing.URI == uri {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: calendar %q already exists for %q", storage.ErrConflict, uri, principal)
		}
	}
	s.calendars[cal.ID] = cal
	s.calendarOrder = append(s.calendarOrder, cal.ID)
	s.mu.Unlock()

	s.logger.Debug("calendar created", "calendar_id", cal.ID, "principal", principal, "uri", uri)
	return cal.ID, nil
}

func (s *Store) GetCalendarsForUser(principal string) ([]storage.Calendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var calendars []storage.Calendar
	for _, id := range s.calendarOrder {
		cal, ok := s.calendars[id]
		if ok && cal.Principal == principal {
			calendars = append(calendars, *cal)
		}
	}
	return calendars, nil
}

func (s *Store) UpdateCalendar(calendarID string, patch *storage.PropPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cal, ok := s.calendars[calendarID]
	if !ok {
		return fmt.Errorf("%w: calendar %q", storage.ErrNotFound, calendarID)
	}
	if patch.Resolve(storage.CalendarResolver(cal)) {
		cal.SyncToken++
	}
	return nil
}

func (s *Store) DeleteCalendar(calendarID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calendars[calendarID]; !ok {
		return fmt.Errorf("%w: calendar %q", storage.ErrNotFound, calendarID)
	}
	delete(s.calendars, calendarID)
	delete(s.objects, calendarID)
	delete(s.changes, calendarID)
	for i, id := range s.calendarOrder {
		if id == calendarID {
			s.calendarOrder = append(s.calendarOrder[:i], s.calendarOrder[i+1:]...)
			break
		}
	}
	return nil
}

// Calendar object operations

func (s *Store) CreateCalendarObject(calendarID, uri string, data []byte) error {
	obj := newObject(calendarID, uri, data)

	s.mu.Lock()
	cal, ok := s.calendars[calendarID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: calendar %q", storage.ErrNotFound, calendarID)
	}
	if s.findObject(calendarID, uri) >= 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: object %q already exists", storage.ErrConflict, uri)
	}
	s.objects[calendarID] = append(s.objects[calendarID], obj)
	s.appendChange(cal, uri, storage.OpAdded)
	ev := storage.ObjectEvent{
		Type:       storage.EventCreated,
		CalendarID: calendarID,
		URI:        uri,
		Path:       objectPath(calendarID, uri),
		ETag:       obj.ETag,
		Data:       obj.Data,
	}
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

func (s *Store) UpdateCalendarObject(calendarID, uri string, data []byte) error {
	s.mu.Lock()
	cal, ok := s.calendars[calendarID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: calendar %q", storage.ErrNotFound, calendarID)
	}
	idx := s.findObject(calendarID, uri)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: object %q", storage.ErrNotFound, uri)
	}
	old := s.objects[calendarID][idx]
	obj := newObject(calendarID, uri, data)
	s.objects[calendarID][idx] = obj
	s.appendChange(cal, uri, storage.OpModified)
	ev := storage.ObjectEvent{
		Type:       storage.EventUpdated,
		CalendarID: calendarID,
		URI:        uri,
		Path:       objectPath(calendarID, uri),
		ETag:       obj.ETag,
		Data:       obj.Data,
		OldData:    old.Data,
	}
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

func (s *Store) DeleteCalendarObject(calendarID, uri string) error {
	s.mu.Lock()
	cal, ok := s.calendars[calendarID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: calendar %q", storage.ErrNotFound, calendarID)
	}
	idx := s.findObject(calendarID, uri)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: object %q", storage.ErrNotFound, uri)
	}
	old := s.objects[calendarID][idx]
	s.objects[calendarID] = append(s.objects[calendarID][:idx], s.objects[calendarID][idx+1:]...)
	s.appendChange(cal, uri, storage.OpDeleted)
	// The pre-delete snapshot travels with the event; subscribers must not
	// re-resolve removed state.
	ev := storage.ObjectEvent{
		Type:       storage.EventDeleted,
		CalendarID: calendarID,
		URI:        uri,
		Path:       objectPath(calendarID, uri),
		ETag:       old.ETag,
		Data:       old.Data,
	}
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

func (s *Store) GetCalendarObject(calendarID, uri string) (*storage.CalendarObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.findObject(calendarID, uri)
	if idx < 0 {
		return nil, fmt.Errorf("%w: object %q", storage.ErrNotFound, uri)
	}
	obj := *s.objects[calendarID][idx]
	return &obj, nil
}

func (s *Store) GetMultipleCalendarObjects(calendarID string, uris []string) ([]storage.CalendarObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objects := make([]storage.CalendarObject, 0, len(uris))
	for _, uri := range uris {
		if idx := s.findObject(calendarID, uri); idx >= 0 {
			objects = append(objects, *s.objects[calendarID][idx])
		}
	}
	return objects, nil
}

func (s *Store) GetCalendarObjectByUID(principal, uid string) (mo.Option[string], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*storage.Calendar
	for _, cal := range s.calendars {
		if cal.Principal == principal || s.isGroupMember(cal.Principal, principal) {
			candidates = append(candidates, cal)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID < candidates[j].ID
	})

	for _, cal := range candidates {
		for _, obj := range s.objects[cal.ID] {
			if obj.UID == uid {
				return mo.Some(cal.URI + "/" + obj.URI), nil
			}
		}
	}
	return mo.None[string](), nil
}

func (s *Store) isGroupMember(group, principal string) bool {
	for _, member := range s.groups[group] {
		if member == principal {
			return true
		}
	}
	return false
}

func (s *Store) CalendarURIForEventUID(uid string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.calendarOrder {
		for _, obj := range s.objects[id] {
			if obj.UID == uid && obj.UID != "" {
				return s.calendars[id].URI, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no calendar contains event %q", storage.ErrNotFound, uid)
}

// Query and change tracking

func (s *Store) Query(calendarID string, filter *storage.Filter) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.calendars[calendarID]; !ok {
		return nil, fmt.Errorf("%w: calendar %q", storage.ErrNotFound, calendarID)
	}
	var uris []string
	for _, obj := range s.objects[calendarID] {
		if filter != nil {
			doc, err := storage.ParseCalendar(obj.Data)
			if err != nil {
				// Unparseable objects are excluded, not an error.
				s.logger.Debug("skipping unparseable object", "calendar_id", calendarID, "uri", obj.URI, "error", err)
				continue
			}
			if !filter.Validate(doc.Component) {
				continue
			}
		}
		uris = append(uris, obj.URI)
	}
	return uris, nil
}

func (s *Store) GetChangesForCalendar(calendarID, sinceToken string, limit int) (*storage.Changes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cal, ok := s.calendars[calendarID]
	if !ok {
		return nil, fmt.Errorf("%w: calendar %q", storage.ErrNotFound, calendarID)
	}
	result := &storage.Changes{
		SyncToken: cal.SyncToken,
		Added:     []string{},
		Modified:  []string{},
		Deleted:   []string{},
	}

	since, err := strconv.ParseInt(sinceToken, 10, 64)
	if sinceToken == "" || err != nil {
		// Initial sync: the full current object set, all as additions.
		for _, obj := range s.objects[calendarID] {
			result.Added = append(result.Added, obj.URI)
		}
		return result, nil
	}

	folded := foldChanges(s.changes[calendarID], since, limit)
	for _, uri := range folded.order {
		switch folded.final[uri] {
		case storage.OpAdded:
			result.Added = append(result.Added, uri)
		case storage.OpModified:
			result.Modified = append(result.Modified, uri)
		case storage.OpDeleted:
			result.Deleted = append(result.Deleted, uri)
		}
	}
	return result, nil
}

type foldedChanges struct {
	final map[string]storage.Operation
	order []string
}

// foldChanges nets the log window after sinceToken per URI, last writer
// wins, preserving first-occurrence order. limit only sizes the scan batch;
// the whole window is always folded.
func foldChanges(log []storage.ChangeLogEntry, sinceToken int64, limit int) foldedChanges {
	if limit < 1 {
		limit = 1
	}
	folded := foldedChanges{final: make(map[string]storage.Operation, limit)}
	for _, entry := range log {
		if entry.SyncToken <= sinceToken {
			continue
		}
		if _, seen := folded.final[entry.URI]; !seen {
			folded.order = append(folded.order, entry.URI)
		}
		folded.final[entry.URI] = entry.Operation
	}
	return folded
}

// Scheduling inbox operations

func (s *Store) CreateSchedulingObject(principal, uri string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, obj := range s.scheduling[principal] {
		if obj.URI == uri {
			return fmt.Errorf("%w: scheduling object %q already exists", storage.ErrConflict, uri)
		}
	}
	s.scheduling[principal] = append(s.scheduling[principal], &storage.SchedulingObject{
		Principal:    principal,
		URI:          uri,
		Data:         data,
		ETag:         storage.ETag(data),
		Size:         int64(len(data)),
		LastModified: time.Now(),
	})
	return nil
}

func (s *Store) GetSchedulingObject(principal, uri string) (*storage.SchedulingObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, obj := range s.scheduling[principal] {
		if obj.URI == uri {
			out := *obj
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: scheduling object %q", storage.ErrNotFound, uri)
}

func (s *Store) GetSchedulingObjects(principal string) ([]storage.SchedulingObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objects := make([]storage.SchedulingObject, 0, len(s.scheduling[principal]))
	for _, obj := range s.scheduling[principal] {
		objects = append(objects, *obj)
	}
	return objects, nil
}

func (s *Store) DeleteSchedulingObject(principal, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inbox := s.scheduling[principal]
	for i, obj := range inbox {
		if obj.URI == uri {
			s.scheduling[principal] = append(inbox[:i], inbox[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: scheduling object %q", storage.ErrNotFound, uri)
}

// Subscription operations

func (s *Store) CreateSubscription(principal, uri string, props storage.Props) (string, error) {
	sub := &storage.Subscription{
		ID:        uuid.NewString(),
		Principal: principal,
		URI:       uri,
	}
	if _, ok := props[storage.PropSource]; !ok {
		return "", fmt.Errorf("%w: the %q property is required when creating subscriptions", storage.ErrForbidden, storage.PropSource)
	}
	for key, value := range props {
		apply, ok := storage.SubscriptionResolver(sub)(key, value).Get()
		if !ok {
			return "", fmt.Errorf("%w: unsupported subscription property %q", storage.ErrValidation, key)
		}
		apply()
	}

	s.mu.Lock()
	s.subscriptions[principal] = append(s.subscriptions[principal], sub)
	s.mu.Unlock()
	return sub.ID, nil
}

func (s *Store) UpdateSubscription(subscriptionID string, patch *storage.PropPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, subs := range s.subscriptions {
		for _, sub := range subs {
			if sub.ID == subscriptionID {
				patch.Resolve(storage.SubscriptionResolver(sub))
				return nil
			}
		}
	}
	return fmt.Errorf("%w: subscription %q", storage.ErrNotFound, subscriptionID)
}

func (s *Store) DeleteSubscription(subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for principal, subs := range s.subscriptions {
		for i, sub := range subs {
			if sub.ID == subscriptionID {
				s.subscriptions[principal] = append(subs[:i], subs[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("%w: subscription %q", storage.ErrNotFound, subscriptionID)
}

func (s *Store) GetSubscriptionsForUser(principal string) ([]storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make([]storage.Subscription, 0, len(s.subscriptions[principal]))
	for _, sub := range s.subscriptions[principal] {
		subs = append(subs, *sub)
	}
	return subs, nil
}

// Internals

func newObject(calendarID, uri string, data []byte) *storage.CalendarObject {
	component, uid := storage.ObjectMeta(data)
	payload := make([]byte, len(data))
	copy(payload, data)
	return &storage.CalendarObject{
		CalendarID:   calendarID,
		URI:          uri,
		Data:         payload,
		ETag:         storage.ETag(data),
		Size:         int64(len(data)),
		LastModified: time.Now(),
		Component:    component,
		UID:          uid,
	}
}

func (s *Store) findObject(calendarID, uri string) int {
	for i, obj := range s.objects[calendarID] {
		if obj.URI == uri {
			return i
		}
	}
	return -1
}

// appendChange bumps the calendar's sync token and records the entry under
// the new token. Callers hold the write lock.
func (s *Store) appendChange(cal *storage.Calendar, uri string, op storage.Operation) {
	cal.SyncToken++
	s.changes[cal.ID] = append(s.changes[cal.ID], storage.ChangeLogEntry{
		CalendarID: cal.ID,
		SyncToken:  cal.SyncToken,
		URI:        uri,
		Operation:  op,
	})
}

func objectPath(calendarID, uri string) string {
	return "calendars/" + calendarID + "/" + uri
}
