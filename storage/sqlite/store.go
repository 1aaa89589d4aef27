// Package sqlite provides a durable Store implementation backed by SQLite.
// Object mutations run inside a transaction so a calendar's sync token and
// change log always move together.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/calpod/calstore/storage"
	"github.com/google/uuid"
	"github.com/samber/mo"

	_ "github.com/mattn/go-sqlite3"
)

// Store implements storage.Store on a SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// writeMu serializes mutating operations. SQLite allows one writer at a
	// time anyway; taking the mutex up front avoids SQLITE_BUSY churn and
	// keeps the sync-token discipline obvious.
	writeMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  []storage.MutationListener
}

// New opens (creating if needed) the database at dbPath and runs migrations.
// Use ":memory:" for an ephemeral store.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS calendars (
			id TEXT PRIMARY KEY,
			principal TEXT NOT NULL,
			uri TEXT NOT NULL,
			displayname TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			transparency TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			components TEXT NOT NULL DEFAULT '',
			synctoken INTEGER NOT NULL DEFAULT 1,
			UNIQUE(principal, uri)
		)`,
		`CREATE TABLE IF NOT EXISTS calendarobjects (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			calendarid TEXT NOT NULL,
			uri TEXT NOT NULL,
			calendardata BLOB NOT NULL,
			etag TEXT NOT NULL,
			size INTEGER NOT NULL,
			lastmodified INTEGER NOT NULL,
			component TEXT NOT NULL DEFAULT '',
			uid TEXT NOT NULL DEFAULT '',
			UNIQUE(calendarid, uri)
		)`,
		`CREATE TABLE IF NOT EXISTS calendarchanges (
			calendarid TEXT NOT NULL,
			synctoken INTEGER NOT NULL,
			uri TEXT NOT NULL,
			operation INTEGER NOT NULL,
			PRIMARY KEY(calendarid, synctoken)
		)`,
		`CREATE TABLE IF NOT EXISTS schedulingobjects (
			principal TEXT NOT NULL,
			uri TEXT NOT NULL,
			calendardata BLOB NOT NULL,
			etag TEXT NOT NULL,
			size INTEGER NOT NULL,
			lastmodified INTEGER NOT NULL,
			UNIQUE(principal, uri)
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			principal TEXT NOT NULL,
			uri TEXT NOT NULL,
			source TEXT NOT NULL,
			displayname TEXT NOT NULL DEFAULT '',
			refreshrate TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			striptodos INTEGER NOT NULL DEFAULT 0,
			stripalarms INTEGER NOT NULL DEFAULT 0,
			stripattachments INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS principalgroups (
			grouppath TEXT NOT NULL,
			member TEXT NOT NULL,
			UNIQUE(grouppath, member)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_objects_calendarid ON calendarobjects(calendarid)`,
		`CREATE INDEX IF NOT EXISTS idx_objects_uid ON calendarobjects(uid)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_calendarid ON calendarchanges(calendarid, synctoken)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_principal ON subscriptions(principal)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// AddGroupMember records that member belongs to the given group principal.
func (s *Store) AddGroupMember(group, member string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO principalgroups (grouppath, member) VALUES (?, ?)`,
		group, member)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// Subscribe registers a mutation event listener.
func (s *Store) Subscribe(l storage.MutationListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(ev storage.ObjectEvent) {
	s.listenerMu.RLock()
	listeners := make([]storage.MutationListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.RUnlock()
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO calendars (id, principal, uri, displayname, description, timezone, transparency, color, components, synctoken)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cal.ID, cal.Principal, cal.URI, cal.DisplayName, cal.Description,
		cal.Timezone, cal.Transparency, cal.Color,
		strings.Join(cal.SupportedComponents, ","), cal.SyncToken)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: calendar %q already exists for %q", storage.ErrConflict, uri, principal)
		}
		return "", fmt.Errorf("insert calendar: %w", err)
	}
	return cal.ID, nil
}

func (s *Store) GetCalendarsForUser(principal string) ([]storage.Calendar, error) {
	rows, err := s.db.Query(
		`SELECT id, principal, uri, displayname, description, timezone, transparency, color, components, synctoken
		 FROM calendars WHERE principal = ? ORDER BY rowid`, principal)
	if err != nil {
		return nil, fmt.Errorf("query calendars: %w", err)
	}
	defer rows.Close()

	var calendars []storage.Calendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		calendars = append(calendars, *cal)
	}
	return calendars, rows.Err()
}

func (s *Store) UpdateCalendar(calendarID string, patch *storage.PropPatch) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, principal, uri, displayname, description, timezone, transparency, color, components, synctoken
		 FROM calendars WHERE id = ?`, calendarID)
	cal, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: calendar %q", storage.ErrNotFound, calendarID)
	} else if err != nil {
		return err
	}

	if !patch.Resolve(storage.CalendarResolver(cal)) {
		return nil
	}
	cal.SyncToken++
	_, err = s.db.Exec(
		`UPDATE calendars SET displayname = ?, description = ?, timezone = ?, transparency = ?, color = ?, components = ?, synctoken = ?
		 WHERE id = ?`,
		cal.DisplayName, cal.Description, cal.Timezone, cal.Transparency,
		cal.Color, strings.Join(cal.SupportedComponents, ","), cal.SyncToken, calendarID)
	if err != nil {
		return fmt.Errorf("update calendar: %w", err)
	}
	return nil
}

func (s *Store) DeleteCalendar(calendarID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM calendars WHERE id = ?`, calendarID)
	if err != nil {
		return fmt.Errorf("delete calendar: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: calendar %q", storage.ErrNotFound, calendarID)
	}
	if _, err := tx.Exec(`DELETE FROM calendarobjects WHERE calendarid = ?`, calendarID); err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM calendarchanges WHERE calendarid = ?`, calendarID); err != nil {
		return fmt.Errorf("delete changes: %w", err)
	}
	return tx.Commit()
}

// Calendar object operations

func (s *Store) CreateCalendarObject(calendarID, uri string, data []byte) error {
	component, uid := storage.ObjectMeta(data)
	etag := storage.ETag(data)

	s.writeMu.Lock()
	ev, err := func() (storage.ObjectEvent, error) {
		tx, err := s.db.Begin()
		if err != nil {
			return storage.ObjectEvent{}, fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		if _, err := calendarToken(tx, calendarID); err != nil {
			return storage.ObjectEvent{}, err
		}
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM calendarobjects WHERE calendarid = ? AND uri = ?`, calendarID, uri).Scan(&n); err != nil {
			return storage.ObjectEvent{}, fmt.Errorf("check object: %w", err)
		}
		if n > 0 {
			return storage.ObjectEvent{}, fmt.Errorf("%w: object %q already exists", storage.ErrConflict, uri)
		}
		_, err = tx.Exec(
			`INSERT INTO calendarobjects (calendarid, uri, calendardata, etag, size, lastmodified, component, uid)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			calendarID, uri, data, etag, len(data), time.Now().Unix(), component, uid)
		if err != nil {
			return storage.ObjectEvent{}, fmt.Errorf("insert object: %w", err)
		}
		if err := appendChange(tx, calendarID, uri, storage.OpAdded); err != nil {
			return storage.ObjectEvent{}, err
		}
		if err := tx.Commit(); err != nil {
			return storage.ObjectEvent{}, fmt.Errorf("commit: %w", err)
		}
		return storage.ObjectEvent{
			Type:       storage.EventCreated,
			CalendarID: calendarID,
			URI:        uri,
			Path:       objectPath(calendarID, uri),
			ETag:       etag,
			Data:       data,
		}, nil
	}()
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify(ev)
	return nil
}

func (s *Store) UpdateCalendarObject(calendarID, uri string, data []byte) error {
	component, uid := storage.ObjectMeta(data)
	etag := storage.ETag(data)

	s.writeMu.Lock()
	ev, err := func() (storage.ObjectEvent, error) {
		tx, err := s.db.Begin()
		if err != nil {
			return storage.ObjectEvent{}, fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		if _, err := calendarToken(tx, calendarID); err != nil {
			return storage.ObjectEvent{}, err
		}
		var oldData []byte
		err = tx.QueryRow(`SELECT calendardata FROM calendarobjects WHERE calendarid = ? AND uri = ?`, calendarID, uri).Scan(&oldData)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ObjectEvent{}, fmt.Errorf("%w: object %q", storage.ErrNotFound, uri)
		} else if err != nil {
			return storage.ObjectEvent{}, fmt.Errorf("load object: %w", err)
		}
		_, err = tx.Exec(
			`UPDATE calendarobjects SET calendardata = ?, etag = ?, size = ?, lastmodified = ?, component = ?, uid = ?
			 WHERE calendarid = ? AND uri = ?`,
			data, etag, len(data), time.Now().Unix(), component, uid, calendarID, uri)
		if err != nil {
			return storage.ObjectEvent{}, fmt.Errorf("update object: %w", err)
		}
		if err := appendChange(tx, calendarID, uri, storage.OpModified); err != nil {
			return storage.ObjectEvent{}, err
		}
		if err := tx.Commit(); err != nil {
			return storage.ObjectEvent{}, fmt.Errorf("commit: %w", err)
		}
		return storage.ObjectEvent{
			Type:       storage.EventUpdated,
			CalendarID: calendarID,
			URI:        uri,
			Path:       objectPath(calendarID, uri),
			ETag:       etag,
			Data:       data,
			OldData:    oldData,
		}, nil
	}()
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify(ev)
	return nil
}

func (s *Store) DeleteCalendarObject(calendarID, uri string) error {
	s.writeMu.Lock()
	ev, err := func() (storage.ObjectEvent, error) {
		tx, err := s.db.Begin()
		if err != nil {
			return storage.ObjectEvent{}, fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		if _, err := calendarToken(tx, calendarID); err != nil {
			return storage.ObjectEvent{}, err
		}
		var oldData []byte
		var oldETag string
		err = tx.QueryRow(`SELECT calendardata, etag FROM calendarobjects WHERE calendarid = ? AND uri = ?`, calendarID, uri).Scan(&oldData, &oldETag)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ObjectEvent{}, fmt.Errorf("%w: object %q", storage.ErrNotFound, uri)
		} else if err != nil {
			return storage.ObjectEvent{}, fmt.Errorf("load object: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM calendarobjects WHERE calendarid = ? AND uri = ?`, calendarID, uri); err != nil {
			return storage.ObjectEvent{}, fmt.Errorf("delete object: %w", err)
		}
		if err := appendChange(tx, calendarID, uri, storage.OpDeleted); err != nil {
			return storage.ObjectEvent{}, err
		}
		if err := tx.Commit(); err != nil {
			return storage.ObjectEvent{}, fmt.Errorf("commit: %w", err)
		}
		return storage.ObjectEvent{
			Type:       storage.EventDeleted,
			CalendarID: calendarID,
			URI:        uri,
			Path:       objectPath(calendarID, uri),
			ETag:       oldETag,
			Data:       oldData,
		}, nil
	}()
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify(ev)
	return nil
}

func (s *Store) GetCalendarObject(calendarID, uri string) (*storage.CalendarObject, error) {
	row := s.db.QueryRow(
		`SELECT calendarid, uri, calendardata, etag, size, lastmodified, component, uid
		 FROM calendarobjects WHERE calendarid = ? AND uri = ?`, calendarID, uri)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: object %q", storage.ErrNotFound, uri)
	}
	return obj, err
}

func (s *Store) GetMultipleCalendarObjects(calendarID string, uris []string) ([]storage.CalendarObject, error) {
	objects := make([]storage.CalendarObject, 0, len(uris))
	for _, uri := range uris {
		obj, err := s.GetCalendarObject(calendarID, uri)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		objects = append(objects, *obj)
	}
	return objects, nil
}

func (s *Store) GetCalendarObjectByUID(principal, uid string) (mo.Option[string], error) {
	row := s.db.QueryRow(
		`SELECT c.uri, o.uri FROM calendars c
		 JOIN calendarobjects o ON o.calendarid = c.id
		 WHERE o.uid = ? AND (c.principal = ? OR c.principal IN (SELECT grouppath FROM principalgroups WHERE member = ?))
		 ORDER BY c.id, o.uri LIMIT 1`, uid, principal, principal)
	var calURI, objURI string
	err := row.Scan(&calURI, &objURI)
	if errors.Is(err, sql.ErrNoRows) {
		return mo.None[string](), nil
	} else if err != nil {
		return mo.None[string](), fmt.Errorf("lookup by uid: %w", err)
	}
	return mo.Some(calURI + "/" + objURI), nil
}

func (s *Store) CalendarURIForEventUID(uid string) (string, error) {
	if uid == "" {
		return "", fmt.Errorf("%w: empty uid", storage.ErrNotFound)
	}
	row := s.db.QueryRow(
		`SELECT c.uri FROM calendars c
		 JOIN calendarobjects o ON o.calendarid = c.id
		 WHERE o.uid = ? ORDER BY c.id LIMIT 1`, uid)
	var calURI string
	err := row.Scan(&calURI)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no calendar contains event %q", storage.ErrNotFound, uid)
	} else if err != nil {
		return "", fmt.Errorf("lookup calendar by uid: %w", err)
	}
	return calURI, nil
}

// Query and change tracking

func (s *Store) Query(calendarID string, filter *storage.Filter) ([]string, error) {
	if _, err := s.currentToken(calendarID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT uri, calendardata FROM calendarobjects WHERE calendarid = ? ORDER BY seq`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("query objects: %w", err)
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		var data []byte
		if err := rows.Scan(&uri, &data); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		if filter != nil {
			doc, err := storage.ParseCalendar(data)
			if err != nil {
				s.logger.Debug("skipping unparseable object", "calendar_id", calendarID, "uri", uri, "error", err)
				continue
			}
			if !filter.Validate(doc.Component) {
				continue
			}
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}

func (s *Store) GetChangesForCalendar(calendarID, sinceToken string, limit int) (*storage.Changes, error) {
	// One read transaction covers the token read and the whole log scan, so
	// a mutation committing mid-scan cannot leak entries past the reported
	// token into the fold.
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	token, err := calendarToken(tx, calendarID)
	if err != nil {
		return nil, err
	}
	result := &storage.Changes{
		SyncToken: token,
		Added:     []string{},
		Modified:  []string{},
		Deleted:   []string{},
	}

	since, perr := strconv.ParseInt(sinceToken, 10, 64)
	if sinceToken == "" || perr != nil {
		rows, err := tx.Query(`SELECT uri FROM calendarobjects WHERE calendarid = ? ORDER BY seq`, calendarID)
		if err != nil {
			return nil, fmt.Errorf("query objects: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var uri string
			if err := rows.Scan(&uri); err != nil {
				return nil, fmt.Errorf("scan uri: %w", err)
			}
			result.Added = append(result.Added, uri)
		}
		return result, rows.Err()
	}

	if limit < 1 {
		limit = 64
	}
	final := make(map[string]storage.Operation)
	var order []string
	// Scan the window in batches of limit; the fold still covers the whole
	// window up to the captured token, limit never truncates the result.
	cursor := since
	for {
		rows, err := tx.Query(
			`SELECT synctoken, uri, operation FROM calendarchanges
			 WHERE calendarid = ? AND synctoken > ? AND synctoken <= ? ORDER BY synctoken LIMIT ?`,
			calendarID, cursor, token, limit)
		if err != nil {
			return nil, fmt.Errorf("query changes: %w", err)
		}
		n := 0
		for rows.Next() {
			var uri string
			var op int
			if err := rows.Scan(&cursor, &uri, &op); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan change: %w", err)
			}
			if _, seen := final[uri]; !seen {
				order = append(order, uri)
			}
			final[uri] = storage.Operation(op)
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if n < limit {
			break
		}
	}
	for _, uri := range order {
		switch final[uri] {
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

// Scheduling inbox operations

func (s *Store) CreateSchedulingObject(principal, uri string, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO schedulingobjects (principal, uri, calendardata, etag, size, lastmodified)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		principal, uri, data, storage.ETag(data), len(data), time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: scheduling object %q already exists", storage.ErrConflict, uri)
		}
		return fmt.Errorf("insert scheduling object: %w", err)
	}
	return nil
}

func (s *Store) GetSchedulingObject(principal, uri string) (*storage.SchedulingObject, error) {
	row := s.db.QueryRow(
		`SELECT principal, uri, calendardata, etag, size, lastmodified
		 FROM schedulingobjects WHERE principal = ? AND uri = ?`, principal, uri)
	obj, err := scanSchedulingObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: scheduling object %q", storage.ErrNotFound, uri)
	}
	return obj, err
}

func (s *Store) GetSchedulingObjects(principal string) ([]storage.SchedulingObject, error) {
	rows, err := s.db.Query(
		`SELECT principal, uri, calendardata, etag, size, lastmodified
		 FROM schedulingobjects WHERE principal = ? ORDER BY rowid`, principal)
	if err != nil {
		return nil, fmt.Errorf("query scheduling objects: %w", err)
	}
	defer rows.Close()

	objects := []storage.SchedulingObject{}
	for rows.Next() {
		obj, err := scanSchedulingObject(rows)
		if err != nil {
			return nil, err
		}
		objects = append(objects, *obj)
	}
	return objects, rows.Err()
}

func (s *Store) DeleteSchedulingObject(principal, uri string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`DELETE FROM schedulingobjects WHERE principal = ? AND uri = ?`, principal, uri)
	if err != nil {
		return fmt.Errorf("delete scheduling object: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: scheduling object %q", storage.ErrNotFound, uri)
	}
	return nil
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO subscriptions (id, principal, uri, source, displayname, refreshrate, color, striptodos, stripalarms, stripattachments)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Principal, sub.URI, sub.Source, sub.DisplayName,
		sub.RefreshRate, sub.Color, sub.StripTodos, sub.StripAlarms, sub.StripAttachments)
	if err != nil {
		return "", fmt.Errorf("insert subscription: %w", err)
	}
	return sub.ID, nil
}

func (s *Store) UpdateSubscription(subscriptionID string, patch *storage.PropPatch) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, principal, uri, source, displayname, refreshrate, color, striptodos, stripalarms, stripattachments
		 FROM subscriptions WHERE id = ?`, subscriptionID)
	sub := &storage.Subscription{}
	err := row.Scan(&sub.ID, &sub.Principal, &sub.URI, &sub.Source, &sub.DisplayName,
		&sub.RefreshRate, &sub.Color, &sub.StripTodos, &sub.StripAlarms, &sub.StripAttachments)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: subscription %q", storage.ErrNotFound, subscriptionID)
	} else if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}

	if !patch.Resolve(storage.SubscriptionResolver(sub)) {
		return nil
	}
	_, err = s.db.Exec(
		`UPDATE subscriptions SET source = ?, displayname = ?, refreshrate = ?, color = ?, striptodos = ?, stripalarms = ?, stripattachments = ?
		 WHERE id = ?`,
		sub.Source, sub.DisplayName, sub.RefreshRate, sub.Color,
		sub.StripTodos, sub.StripAlarms, sub.StripAttachments, subscriptionID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

func (s *Store) DeleteSubscription(subscriptionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: subscription %q", storage.ErrNotFound, subscriptionID)
	}
	return nil
}

func (s *Store) GetSubscriptionsForUser(principal string) ([]storage.Subscription, error) {
	rows, err := s.db.Query(
		`SELECT id, principal, uri, source, displayname, refreshrate, color, striptodos, stripalarms, stripattachments
		 FROM subscriptions WHERE principal = ? ORDER BY rowid`, principal)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []storage.Subscription{}
	for rows.Next() {
		sub := storage.Subscription{}
		if err := rows.Scan(&sub.ID, &sub.Principal, &sub.URI, &sub.Source, &sub.DisplayName,
			&sub.RefreshRate, &sub.Color, &sub.StripTodos, &sub.StripAlarms, &sub.StripAttachments); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Internals

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCalendar(row rowScanner) (*storage.Calendar, error) {
	cal := &storage.Calendar{}
	var components string
	err := row.Scan(&cal.ID, &cal.Principal, &cal.URI, &cal.DisplayName, &cal.Description,
		&cal.Timezone, &cal.Transparency, &cal.Color, &components, &cal.SyncToken)
	if err != nil {
		return nil, err
	}
	if components != "" {
		cal.SupportedComponents = strings.Split(components, ",")
	}
	return cal, nil
}

func scanObject(row rowScanner) (*storage.CalendarObject, error) {
	obj := &storage.CalendarObject{}
	var modified int64
	err := row.Scan(&obj.CalendarID, &obj.URI, &obj.Data, &obj.ETag, &obj.Size,
		&modified, &obj.Component, &obj.UID)
	if err != nil {
		return nil, err
	}
	obj.LastModified = time.Unix(modified, 0)
	return obj, nil
}

func scanSchedulingObject(row rowScanner) (*storage.SchedulingObject, error) {
	obj := &storage.SchedulingObject{}
	var modified int64
	err := row.Scan(&obj.Principal, &obj.URI, &obj.Data, &obj.ETag, &obj.Size, &modified)
	if err != nil {
		return nil, err
	}
	obj.LastModified = time.Unix(modified, 0)
	return obj, nil
}

// calendarToken loads the calendar's current sync token inside a
// transaction, reporting ErrNotFound for missing calendars.
func calendarToken(tx *sql.Tx, calendarID string) (int64, error) {
	var token int64
	err := tx.QueryRow(`SELECT synctoken FROM calendars WHERE id = ?`, calendarID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: calendar %q", storage.ErrNotFound, calendarID)
	} else if err != nil {
		return 0, fmt.Errorf("load sync token: %w", err)
	}
	return token, nil
}

func (s *Store) currentToken(calendarID string) (int64, error) {
	var token int64
	err := s.db.QueryRow(`SELECT synctoken FROM calendars WHERE id = ?`, calendarID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: calendar %q", storage.ErrNotFound, calendarID)
	} else if err != nil {
		return 0, fmt.Errorf("load sync token: %w", err)
	}
	return token, nil
}

// appendChange bumps the calendar's sync token and records the change-log
// entry under the new token, all inside the caller's transaction.
func appendChange(tx *sql.Tx, calendarID, uri string, op storage.Operation) error {
	token, err := calendarToken(tx, calendarID)
	if err != nil {
		return err
	}
	token++
	if _, err := tx.Exec(`UPDATE calendars SET synctoken = ? WHERE id = ?`, token, calendarID); err != nil {
		return fmt.Errorf("bump sync token: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO calendarchanges (calendarid, synctoken, uri, operation) VALUES (?, ?, ?, ?)`,
		calendarID, token, uri, int(op)); err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

func objectPath(calendarID, uri string) string {
	return "calendars/" + calendarID + "/" + uri
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
