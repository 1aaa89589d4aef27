package memory

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calpod/calstore/storage"
)

func eventICS(uid, summary, start, end string) []byte {
	return []byte("BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//calstore//NONSGML v1.0//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:" + uid + "\r\n" +
		"DTSTAMP:20250310T080000Z\r\n" +
		"DTSTART:" + start + "\r\n" +
		"DTEND:" + end + "\r\n" +
		"SUMMARY:" + summary + "\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n")
}

func todoICS(uid, summary, due string) []byte {
	return []byte("BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//calstore//NONSGML v1.0//EN\r\n" +
		"BEGIN:VTODO\r\n" +
		"UID:" + uid + "\r\n" +
		"DTSTAMP:20250310T080000Z\r\n" +
		"DUE:" + due + "\r\n" +
		"SUMMARY:" + summary + "\r\n" +
		"END:VTODO\r\n" +
		"END:VCALENDAR\r\n")
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse("20060102T150405Z", value)
	require.NoError(t, err)
	return ts
}

func newTestCalendar(t *testing.T, s *Store, principal, uri string) string {
	t.Helper()
	id, err := s.CreateCalendar(principal, uri, nil)
	require.NoError(t, err)
	return id
}

func TestCreateCalendar(t *testing.T) {
	s := New(nil)

	id, err := s.CreateCalendar("principals/users/alice", "personal", storage.Props{
		storage.PropDisplayName:  "Personal",
		storage.PropColor:        "#0000FF",
		storage.PropComponentSet: []string{"VEVENT", "VTODO"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	cals, err := s.GetCalendarsForUser("principals/users/alice")
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.Equal(t, "personal", cals[0].URI)
	assert.Equal(t, "Personal", cals[0].DisplayName)
	assert.Equal(t, "#0000FF", cals[0].Color)
	assert.Equal(t, []string{"VEVENT", "VTODO"}, cals[0].SupportedComponents)
	assert.Equal(t, int64(1), cals[0].SyncToken, "fresh calendars start at token 1")
}

func TestCreateCalendar_DuplicateURI(t *testing.T) {
	s := New(nil)
	newTestCalendar(t, s, "principals/users/alice", "personal")

	_, err := s.CreateCalendar("principals/users/alice", "personal", nil)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// Same uri under a different principal is fine.
	_, err = s.CreateCalendar("principals/users/bob", "personal", nil)
	assert.NoError(t, err)
}

func TestCreateCalendar_InvalidComponentSet(t *testing.T) {
	s := New(nil)
	_, err := s.CreateCalendar("principals/users/alice", "personal", storage.Props{
		storage.PropComponentSet: []string{"VEVENT", "VBOGUS"},
	})
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func TestUpdateCalendar(t *testing.T) {
	s := New(nil)
	id := newTestCalendar(t, s, "principals/users/alice", "personal")

	patch := storage.NewPropPatch(storage.Props{
		storage.PropDisplayName: "Renamed",
		storage.PropDescription: "notes",
	})
	require.NoError(t, s.UpdateCalendar(id, patch))
	assert.True(t, patch.Commit())

	cals, _ := s.GetCalendarsForUser("principals/users/alice")
	assert.Equal(t, "Renamed", cals[0].DisplayName)
	assert.Equal(t, "notes", cals[0].Description)
	assert.Equal(t, int64(2), cals[0].SyncToken, "an applied patch bumps the token")
}

func TestUpdateCalendar_RejectedPatch(t *testing.T) {
	s := New(nil)
	id := newTestCalendar(t, s, "principals/users/alice", "personal")

	patch := storage.NewPropPatch(storage.Props{
		storage.PropDisplayName:  "Renamed",
		storage.PropKey("nope"):  "x",
	})
	require.NoError(t, s.UpdateCalendar(id, patch))

	result := patch.Result()
	assert.Equal(t, storage.StatusForbidden, result[storage.PropKey("nope")])
	assert.Equal(t, storage.StatusFailedDependency, result[storage.PropDisplayName])

	cals, _ := s.GetCalendarsForUser("principals/users/alice")
	assert.Empty(t, cals[0].DisplayName)
	assert.Equal(t, int64(1), cals[0].SyncToken, "a rejected patch leaves the token alone")
}

func TestUpdateCalendar_NotFound(t *testing.T) {
	s := New(nil)
	err := s.UpdateCalendar("missing", storage.NewPropPatch(nil))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteCalendar_Cascades(t *testing.T) {
	s := New(nil)
	id := newTestCalendar(t, s, "principals/users/alice", "personal")
	require.NoError(t, s.CreateCalendarObject(id, "a.ics", eventICS("u1", "one", "20250310T090000Z", "20250310T100000Z")))

	require.NoError(t, s.DeleteCalendar(id))

	_, err := s.GetCalendarObject(id, "a.ics")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetChangesForCalendar(id, "1", 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, s.DeleteCalendar(id), storage.ErrNotFound)
}

func TestCalendarObjectLifecycle(t *testing.T) {
	s := New(nil)
	id := newTestCalendar(t, s, "principals/users/alice", "personal")
	data := eventICS("u1", "one", "20250310T090000Z", "20250310T100000Z")

	require.NoError(t, s.CreateCalendarObject(id, "a.ics", data))

	obj, err := s.GetCalendarObject(id, "a.ics")
	require.NoError(t, err)
	assert.Equal(t, data, obj.Data)
	assert.Equal(t, storage.ETag(data), obj.ETag)
	assert.Equal(t, int64(len(data)), obj.Size)
	assert.Equal(t, "vevent", obj.Component)
	assert.Equal(t, "u1", obj.UID)
	assert.False(t, obj.LastModified.IsZero())

	// Duplicate create conflicts.
	assert.ErrorIs(t, s.CreateCalendarObject(id, "a.ics", data), storage.ErrConflict)

	updated := eventICS("u1", "one again", "20250310T090000Z", "20250310T110000Z")
	require.NoError(t, s.UpdateCalendarObject(id, "a.ics", updated))
	obj, err = s.GetCalendarObject(id, "a.ics")
	require.NoError(t, err)
	assert.Equal(t, updated, obj.Data)
	assert.Equal(t, storage.ETag(updated), obj.ETag)

	require.NoError(t, s.DeleteCalendarObject(id, "a.ics"))
	_, err = s.GetCalendarObject(id, "a.ics")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, s.UpdateCalendarObject(id, "a.ics", data), storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteCalendarObject(id, "a.ics"), storage.ErrNotFound)
}

func TestCreateCalendarObject_MissingCalendar(t *testing.T) {
	s := New(nil)
	err := s.CreateCalendarObject("missing", "a.ics", eventICS("u1", "one", "20250310T090000Z", "20250310T100000Z"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetMultipleCalendarObjects(t *testing.T) {
	s := New(nil)
	id := newTestCalendar(t, s, "principals/users/alice", "personal")
	for i := 1; i <= 3; i++ {
		uri := fmt.Sprintf("e%d.ics", i)
		uid := fmt.Sprintf("u%d", i)
		require.NoError(t, s.CreateCalendarObject(id, uri, eventICS(uid, uri, "20250310T090000Z", "20250310T100000Z")))
	}

	objs, err := s.GetMultipleCalendarObjects(id, []string{"e3.ics", "missing.ics", "e1.ics"})
	require.NoError(t, err)
	require.Len(t, objs, 2, "missing uris are skipped")
	assert.Equal(t, "e3.ics", objs[0].URI)
	assert.Equal(t, "e1.ics", objs[1].URI)
}

func TestGetCalendarObjectByUID(t *testing.T) {
	s := New(nil)
	id := newTestCalendar(t, s, "principals/users/alice", "events")
	require.NoError(t, s.CreateCalendarObject(id, "a.ics", eventICS("shared-uid", "one", "20250310T090000Z", "20250310T100000Z")))

	path, err := s.GetCalendarObjectByUID("principals/users/alice", "shared-uid")
	require.NoError(t, err)
	assert.Equal(t, "events/a.ics", path.MustGet())

	missing, err := s.GetCalendarObjectByUID("principals/users/alice", "nope")
	require.NoError(t, err)
	assert.True(t, missing.IsAbsent())

	// Other principals can't see it without a group membership.
	other, err := s.GetCalendarObjectByUID("principals/users/bob", "shared-uid")
	require.NoError(t, err)
	assert.True(t, other.IsAbsent())
}

func TestGetCalendarObjectByUID_GroupMembership(t *testing.T) {
	s := New(nil)
	id := newTestCalendar(t, s, "principals/communities/team", "meetings")
	require.NoError(t, s.CreateCalendarObject(id, "a.ics", eventICS("team-uid", "sync", "20250310T090000Z", "20250310T100000Z")))

	s.AddGroupMember("principals/communities/team", "principals/users/alice")

	path, err := s.GetCalendarObjectByUID("principals/users/alice", "team-uid")
	require.NoError(t, err)
	assert.Equal(t, "meetings/a.ics", path.MustGet())
}

func TestCalendarURIForEventUID(t *testing.T) {
	s := New(nil)
	id := newTestCalendar(t, s, "principals/users/alice", "events")
	require.NoError(t, s.CreateCalendarObject(id, "a.ics", eventICS("uid-1", "one", "20250310T090000Z", "20250310T100000Z")))

	uri, err := s.CalendarURIForEventUID("uid-1")
	require.NoError(t, err)
	assert.Equal(t, "events", uri)

	_, err = s.CalendarURIForEventUID("nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.CalendarURIForEventUID("")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQuery(t *testing.T) {
	s := New(nil)
	id := newTestCalendar(t, s, "principals/users/alice", "mixed")
	require.NoError(t, s.CreateCalendarObject(id, "e1.ics", eventICS("u1", "early", "20250310T090000Z", "20250310T100000Z")))
	require.NoError(t, s.CreateCalendarObject(id, "t1.ics", todoICS("u2", "report", "20250315T170000Z")))
	require.NoError(t, s.CreateCalendarObject(id, "e2.ics", eventICS("u3", "late", "20250420T090000Z", "20250420T100000Z")))

	// Nil filter matches everything in insertion order.
	uris, err := s.Query(id, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1.ics", "t1.ics", "e2.ics"}, uris)

	// Structural filter on component kind.
	uris, err = s.Query(id, &storage.Filter{
		Component: "VCALENDAR",
		Children:  []storage.Filter{{Component: "VTODO"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1.ics"}, uris)

	// Open-ended time range keeps only the late event.
	cutoff := mustTime(t, "20250401T000000Z")
	uris, err = s.Query(id, &storage.Filter{
		Component: "VCALENDAR",
		Children: []storage.Filter{{
			Component: "VEVENT",
			TimeRange: &storage.TimeRange{Start: &cutoff},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2.ics"}, uris)

	_, err = s.Query("missing", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetChangesForCalendar(t *testing.T) {
	s := New(nil)
	id := newTestCalendar(t, s, "principals/users/alice", "personal")

	o1 := eventICS("u1", "one", "20250310T090000Z", "20250310T100000Z")
	o2 := eventICS("u2", "two", "20250311T090000Z", "20250311T100000Z")
	o3 := eventICS("u3", "three", "20250312T090000Z", "20250312T100000Z")

	require.NoError(t, s.CreateCalendarObject(id, "obj1.ics", o1)) // token 2
	require.NoError(t, s.CreateCalendarObject(id, "obj2.ics", o2)) // token 3
	require.NoError(t, s.UpdateCalendarObject(id, "obj1.ics", o1)) // token 4
	require.NoError(t, s.DeleteCalendarObject(id, "obj2.ics"))     // token 5
	require.NoError(t, s.CreateCalendarObject(id, "obj3.ics", o3)) // token 6

	changes, err := s.GetChangesForCalendar(id, "1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(6), changes.SyncToken)
	assert.Equal(t, []string{"obj3.ics"}, changes.Added)
	assert.Equal(t, []string{"obj1.ics"}, changes.Modified)
	assert.Equal(t, []string{"obj2.ics"}, changes.Deleted)

	// A later window sees only the tail.
	changes, err = s.GetChangesForCalendar(id, "4", 0)
	require.NoError(t, err)
	assert.Empty(t, changes.Modified)
	assert.Equal(t, []string{"obj3.ics"}, changes.Added)
	assert.Equal(t, []string{"obj2.ics"}, changes.Deleted)

	// Up to date.
	changes, err = s.GetChangesForCalendar(id, "6", 0)
	require.NoError(t, err)
	assert.Empty(t, changes.Added)
	assert.Empty(t, changes.Modified)
	assert.Empty(t, changes.Deleted)
}

func TestGetChangesForCalendar_Snapshot(t *testing.T) {
	s := New(nil)
	id := newTestCalendar(t, s, "principals/users/alice", "personal")
	require.NoError(t, s.CreateCalendarObject(id, "a.ics", eventICS("u1", "one", "20250310T090000Z", "20250310T100000Z")))
	require.NoError(t, s.CreateCalendarObject(id, "b.ics", eventICS("u2", "two", "20250311T090000Z", "20250311T100000Z")))
	require.NoError(t, s.DeleteCalendarObject(id, "a.ics"))

	for _, token := range []string{"", "not-a-number"} {
		changes, err := s.GetChangesForCalendar(id, token, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(4), changes.SyncToken)
		assert.Equal(t, []string{"b.ics"}, changes.Added, "snapshot lists current objects only")
		assert.Empty(t, changes.Modified)
		assert.Empty(t, changes.Deleted)
	}
}

func TestSchedulingObjects(t *testing.T) {
	s := New(nil)
	data := eventICS("inbox-uid", "invite", "20250310T090000Z", "20250310T100000Z")

	require.NoError(t, s.CreateSchedulingObject("principals/users/alice", "inv1.ics", data))
	assert.ErrorIs(t, s.CreateSchedulingObject("principals/users/alice", "inv1.ics", data), storage.ErrConflict)

	obj, err := s.GetSchedulingObject("principals/users/alice", "inv1.ics")
	require.NoError(t, err)
	assert.Equal(t, data, obj.Data)
	assert.Equal(t, storage.ETag(data), obj.ETag)
	assert.Equal(t, int64(len(data)), obj.Size)

	all, err := s.GetSchedulingObjects("principals/users/alice")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteSchedulingObject("principals/users/alice", "inv1.ics"))
	_, err = s.GetSchedulingObject("principals/users/alice", "inv1.ics")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSchedulingObject("principals/users/alice", "inv1.ics"), storage.ErrNotFound)
}

func TestSubscriptions(t *testing.T) {
	s := New(nil)

	// source is mandatory.
	_, err := s.CreateSubscription("principals/users/alice", "holidays", storage.Props{
		storage.PropDisplayName: "Holidays",
	})
	assert.ErrorIs(t, err, storage.ErrForbidden)

	id, err := s.CreateSubscription("principals/users/alice", "holidays", storage.Props{
		storage.PropSource:      "webcal://example.com/holidays.ics",
		storage.PropDisplayName: "Holidays",
		storage.PropStripAlarms: true,
	})
	require.NoError(t, err)

	subs, err := s.GetSubscriptionsForUser("principals/users/alice")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, id, subs[0].ID)
	assert.Equal(t, "webcal://example.com/holidays.ics", subs[0].Source)
	assert.True(t, subs[0].StripAlarms)

	patch := storage.NewPropPatch(storage.Props{storage.PropDisplayName: "Public Holidays"})
	require.NoError(t, s.UpdateSubscription(id, patch))
	subs, _ = s.GetSubscriptionsForUser("principals/users/alice")
	assert.Equal(t, "Public Holidays", subs[0].DisplayName)

	require.NoError(t, s.DeleteSubscription(id))
	assert.ErrorIs(t, s.DeleteSubscription(id), storage.ErrNotFound)
}

func TestMutationEvents(t *testing.T) {
	s := New(nil)
	var events []storage.ObjectEvent
	s.Subscribe(func(ev storage.ObjectEvent) { events = append(events, ev) })

	id := newTestCalendar(t, s, "principals/users/alice", "personal")
	v1 := eventICS("u1", "one", "20250310T090000Z", "20250310T100000Z")
	v2 := eventICS("u1", "one v2", "20250310T090000Z", "20250310T110000Z")

	require.NoError(t, s.CreateCalendarObject(id, "a.ics", v1))
	require.NoError(t, s.UpdateCalendarObject(id, "a.ics", v2))
	require.NoError(t, s.DeleteCalendarObject(id, "a.ics"))

	require.Len(t, events, 3)

	created := events[0]
	assert.Equal(t, storage.EventCreated, created.Type)
	assert.Equal(t, "calendars/"+id+"/a.ics", created.Path)
	assert.Equal(t, storage.ETag(v1), created.ETag)
	assert.Equal(t, v1, created.Data)
	assert.Nil(t, created.OldData)

	updated := events[1]
	assert.Equal(t, storage.EventUpdated, updated.Type)
	assert.Equal(t, v2, updated.Data)
	assert.Equal(t, v1, updated.OldData, "updates carry the prior payload")

	deleted := events[2]
	assert.Equal(t, storage.EventDeleted, deleted.Type)
	assert.Equal(t, v2, deleted.Data, "deletes carry the last payload")
	assert.Nil(t, deleted.OldData)
}

func TestMutationEvents_FailedOperationsEmitNothing(t *testing.T) {
	s := New(nil)
	count := 0
	s.Subscribe(func(storage.ObjectEvent) { count++ })

	id := newTestCalendar(t, s, "principals/users/alice", "personal")
	data := eventICS("u1", "one", "20250310T090000Z", "20250310T100000Z")
	require.NoError(t, s.CreateCalendarObject(id, "a.ics", data))
	require.Equal(t, 1, count)

	require.True(t, errors.Is(s.CreateCalendarObject(id, "a.ics", data), storage.ErrConflict))
	require.True(t, errors.Is(s.UpdateCalendarObject(id, "missing.ics", data), storage.ErrNotFound))
	require.True(t, errors.Is(s.DeleteCalendarObject(id, "missing.ics"), storage.ErrNotFound))
	assert.Equal(t, 1, count)
}
