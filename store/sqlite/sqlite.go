/*
Package sqlite provides a SQLite-backed implementation of enrollment.Store.

PURPOSE:
  Persists events, profiles, attendance rows, waiting lists, the ledger,
  the audit log and club settings in a single SQLite database. The same
  schema runs on PostgreSQL with minor dialect changes (see store/postgres).

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries, not even on account deletion
  - Corrections are new entries

KEY TABLES:
  users:          Profiles (membership, free sessions, legal form, instructor)
  events:         Events as seen by the engine
  attendance:     One row per (event, user), status "active" or "left"
  waitlist:       FIFO waiting list, UNIQUE(event_id, user_id)
  ledger_entries: Immutable balance changes
  audit_log:      Committed transitions
  settings:       Global overrides (debt_threshold, membership_cost)

CONCURRENCY:
  WithTx opens the transaction with BEGIN IMMEDIATE (_txlock=immediate), so
  the write lock is taken before the capacity read. A mutex additionally
  serializes transactions within one process. Reads outside a transaction
  take no lock.

TIME STORAGE:
  Timestamps are stored in UTC with a fixed-width layout so lexical order
  is chronological order.

USAGE:
  store, err := sqlite.New("./data/signup.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := enrollment.NewService(store)

SEE ALSO:
  - enrollment/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ducc/signup-engine/enrollment"
	"github.com/ducc/signup-engine/ledger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements enrollment.Store using SQLite.
type Store struct {
	conn
	db *sql.DB
	mu sync.Mutex
}

var _ enrollment.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		is_member INTEGER NOT NULL DEFAULT 0,
		free_sessions INTEGER NOT NULL DEFAULT 0,
		filled_legal_info INTEGER NOT NULL DEFAULT 0,
		is_instructor INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		location TEXT,
		max_attendees INTEGER NOT NULL DEFAULT 0,
		difficulty_level TEXT,
		upfront_cost TEXT NOT NULL DEFAULT '0',
		upfront_refund_cutoff TEXT,
		is_canceled INTEGER NOT NULL DEFAULT 0,
		tags_json TEXT
	);

	-- One row per (event, user); leaving flips the status, never deletes.
	-- No foreign key on user_id: the history outlives the account.
	CREATE TABLE IF NOT EXISTS attendance (
		event_id TEXT NOT NULL REFERENCES events(id),
		user_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('active', 'left')),
		joined_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (event_id, user_id)
	);

	-- Hot path: active count per event
	CREATE INDEX IF NOT EXISTS idx_attendance_event_status
		ON attendance(event_id, status);

	CREATE INDEX IF NOT EXISTS idx_attendance_user
		ON attendance(user_id, joined_at);

	CREATE TABLE IF NOT EXISTS waitlist (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL REFERENCES events(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		joined_at TEXT NOT NULL,
		UNIQUE (event_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_waitlist_event_order
		ON waitlist(event_id, joined_at, id);

	-- Append-only. No foreign key on user_id: entries outlive the account.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL,
		kind TEXT NOT NULL,
		reference TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_user_created
		ON ledger_entries(user_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		at TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		event_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		detail_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_event
		ON audit_log(event_id, seq);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx enrollment.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"audit_log", "ledger_entries", "waitlist", "attendance", "settings", "events", "users"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// CONN - Queries shared by the database handle and open transactions
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q queryer
}

var _ enrollment.Tx = (*conn)(nil)

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

func (c *conn) Append(ctx context.Context, e ledger.Entry) error {
	query := `
		INSERT INTO ledger_entries
		(id, user_id, amount, description, kind, reference, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		e.ID,
		e.UserID,
		e.Amount.StringFixed(ledger.Precision),
		e.Description,
		e.Kind,
		nullString(e.Reference),
		nullString(e.CreatedBy),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (c *conn) Entries(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	query := `
		SELECT id, user_id, amount, description, kind, reference, created_by, created_at
		FROM ledger_entries
		WHERE user_id = ?
		ORDER BY created_at ASC, seq ASC
	`
	rows, err := c.q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e         ledger.Entry
			amount    string
			reference sql.NullString
			createdBy sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &e.Description, &e.Kind, &reference, &createdBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ledger entry %s: bad amount %q: %w", e.ID, amount, err)
		}
		e.Reference = reference.String
		e.CreatedBy = createdBy.String
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("ledger entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (c *conn) UserExists(ctx context.Context, userID ledger.UserID) (bool, error) {
	var count int
	err := c.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE id = ?", userID).Scan(&count)
	return count > 0, err
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

const eventColumns = `id, title, start_at, end_at, location, max_attendees, difficulty_level,
	upfront_cost, upfront_refund_cutoff, is_canceled, tags_json`

func (c *conn) Event(ctx context.Context, id enrollment.EventID) (enrollment.Event, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)

	var (
		e          enrollment.Event
		start, end string
		location   sql.NullString
		difficulty sql.NullString
		cost       string
		cutoff     sql.NullString
		tagsJSON   sql.NullString
	)
	err := row.Scan(&e.ID, &e.Title, &start, &end, &location, &e.MaxAttendees, &difficulty,
		&cost, &cutoff, &e.IsCanceled, &tagsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.Event{}, fmt.Errorf("%w: %s", enrollment.ErrEventNotFound, id)
	}
	if err != nil {
		return enrollment.Event{}, fmt.Errorf("failed to get event: %w", err)
	}

	if e.Start, err = parseTime(start); err != nil {
		return enrollment.Event{}, fmt.Errorf("event %s: start: %w", id, err)
	}
	if e.End, err = parseTime(end); err != nil {
		return enrollment.Event{}, fmt.Errorf("event %s: end: %w", id, err)
	}
	e.Location = location.String
	e.DifficultyLevel = difficulty.String
	if e.UpfrontCost, err = decimal.NewFromString(cost); err != nil {
		return enrollment.Event{}, fmt.Errorf("event %s: bad upfront cost %q: %w", id, cost, err)
	}
	if cutoff.Valid {
		t, err := parseTime(cutoff.String)
		if err != nil {
			return enrollment.Event{}, fmt.Errorf("event %s: refund cutoff: %w", id, err)
		}
		e.UpfrontRefundCutoff = &t
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &e.Tags); err != nil {
			return enrollment.Event{}, fmt.Errorf("event %s: bad tags: %w", id, err)
		}
	}
	return e, nil
}

// LockEvent reads the event. The immediate transaction already holds the
// database write lock.
func (c *conn) LockEvent(ctx context.Context, id enrollment.EventID) (enrollment.Event, error) {
	return c.Event(ctx, id)
}

func (c *conn) SaveEvent(ctx context.Context, e enrollment.Event) error {
	tagsJSON, _ := json.Marshal(e.Tags)
	var cutoff sql.NullString
	if e.UpfrontRefundCutoff != nil {
		cutoff = sql.NullString{String: formatTime(*e.UpfrontRefundCutoff), Valid: true}
	}

	query := `
		INSERT INTO events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			location = excluded.location,
			max_attendees = excluded.max_attendees,
			difficulty_level = excluded.difficulty_level,
			upfront_cost = excluded.upfront_cost,
			upfront_refund_cutoff = excluded.upfront_refund_cutoff,
			is_canceled = excluded.is_canceled,
			tags_json = excluded.tags_json
	`
	_, err := c.q.ExecContext(ctx, query,
		e.ID, e.Title, formatTime(e.Start), formatTime(e.End),
		nullString(e.Location), e.MaxAttendees, nullString(e.DifficultyLevel),
		e.UpfrontCost.StringFixed(ledger.Precision), cutoff, e.IsCanceled, string(tagsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Profiles
// -----------------------------------------------------------------------------

func (c *conn) Profile(ctx context.Context, userID ledger.UserID) (enrollment.Profile, error) {
	var p enrollment.Profile
	err := c.q.QueryRowContext(ctx, `
		SELECT id, name, is_member, free_sessions, filled_legal_info, is_instructor
		FROM users WHERE id = ?
	`, userID).Scan(&p.UserID, &p.Name, &p.IsMember, &p.FreeSessions, &p.FilledLegalInfo, &p.IsInstructor)
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.Profile{}, fmt.Errorf("%w: %s", enrollment.ErrUserNotFound, userID)
	}
	if err != nil {
		return enrollment.Profile{}, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func (c *conn) SaveProfile(ctx context.Context, p enrollment.Profile) error {
	query := `
		INSERT INTO users (id, name, is_member, free_sessions, filled_legal_info, is_instructor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_member = excluded.is_member,
			free_sessions = excluded.free_sessions,
			filled_legal_info = excluded.filled_legal_info,
			is_instructor = excluded.is_instructor
	`
	_, err := c.q.ExecContext(ctx, query,
		p.UserID, p.Name, p.IsMember, p.FreeSessions, p.FilledLegalInfo, p.IsInstructor,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// DeleteUser removes the profile and its waitlist rows. Attendance rows
// and ledger entries stay.
func (c *conn) DeleteUser(ctx context.Context, userID ledger.UserID) error {
	for _, query := range []string{
		"DELETE FROM waitlist WHERE user_id = ?",
		"DELETE FROM users WHERE id = ?",
	} {
		if _, err := c.q.ExecContext(ctx, query, userID); err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Attendance
// -----------------------------------------------------------------------------

func (c *conn) Attendance(ctx context.Context, eventID enrollment.EventID, userID ledger.UserID) (enrollment.AttendanceRecord, error) {
	r := enrollment.AttendanceRecord{EventID: eventID, UserID: userID, Status: enrollment.AttendanceNone}
	var joinedAt, updatedAt string
	err := c.q.QueryRowContext(ctx, `
		SELECT status, joined_at, updated_at FROM attendance
		WHERE event_id = ? AND user_id = ?
	`, eventID, userID).Scan(&r.Status, &joinedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, nil
	}
	if err != nil {
		return r, fmt.Errorf("failed to get attendance: %w", err)
	}
	if r.JoinedAt, err = parseTime(joinedAt); err != nil {
		return r, fmt.Errorf("attendance %s/%s: %w", eventID, userID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return r, fmt.Errorf("attendance %s/%s: %w", eventID, userID, err)
	}
	return r, nil
}

func (c *conn) Attendees(ctx context.Context, eventID enrollment.EventID) ([]enrollment.Attendee, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT a.event_id, a.user_id, a.status, a.joined_at, a.updated_at,
		       COALESCE(u.is_instructor, 0)
		FROM attendance a
		LEFT JOIN users u ON u.id = a.user_id
		WHERE a.event_id = ?
		ORDER BY a.joined_at ASC, a.user_id ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendees: %w", err)
	}
	defer rows.Close()

	var out []enrollment.Attendee
	for rows.Next() {
		var (
			a                   enrollment.Attendee
			joinedAt, updatedAt string
		)
		if err := rows.Scan(&a.EventID, &a.UserID, &a.Status, &joinedAt, &updatedAt, &a.IsInstructor); err != nil {
			return nil, fmt.Errorf("failed to scan attendee: %w", err)
		}
		if a.JoinedAt, err = parseTime(joinedAt); err != nil {
			return nil, fmt.Errorf("attendance %s/%s: %w", a.EventID, a.UserID, err)
		}
		if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("attendance %s/%s: %w", a.EventID, a.UserID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (c *conn) AttendanceOf(ctx context.Context, userID ledger.UserID) ([]enrollment.AttendanceRecord, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT event_id, user_id, status, joined_at, updated_at
		FROM attendance
		WHERE user_id = ?
		ORDER BY joined_at ASC, event_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance: %w", err)
	}
	defer rows.Close()

	var out []enrollment.AttendanceRecord
	for rows.Next() {
		var (
			r                   enrollment.AttendanceRecord
			joinedAt, updatedAt string
		)
		if err := rows.Scan(&r.EventID, &r.UserID, &r.Status, &joinedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attendance: %w", err)
		}
		if r.JoinedAt, err = parseTime(joinedAt); err != nil {
			return nil, fmt.Errorf("attendance %s/%s: %w", r.EventID, r.UserID, err)
		}
		if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("attendance %s/%s: %w", r.EventID, r.UserID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *conn) SaveAttendance(ctx context.Context, r enrollment.AttendanceRecord) error {
	query := `
		INSERT INTO attendance (event_id, user_id, status, joined_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id, user_id) DO UPDATE SET
			status = excluded.status,
			joined_at = excluded.joined_at,
			updated_at = excluded.updated_at
	`
	_, err := c.q.ExecContext(ctx, query,
		r.EventID, r.UserID, r.Status, formatTime(r.JoinedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save attendance: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Waitlist
// -----------------------------------------------------------------------------

func (c *conn) Waitlist(ctx context.Context, eventID enrollment.EventID) ([]enrollment.WaitlistEntry, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, event_id, user_id, joined_at FROM waitlist
		WHERE event_id = ?
		ORDER BY joined_at ASC, id ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query waitlist: %w", err)
	}
	defer rows.Close()

	var out []enrollment.WaitlistEntry
	for rows.Next() {
		var (
			e        enrollment.WaitlistEntry
			joinedAt string
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.UserID, &joinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan waitlist entry: %w", err)
		}
		if e.JoinedAt, err = parseTime(joinedAt); err != nil {
			return nil, fmt.Errorf("waitlist entry %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *conn) AddToWaitlist(ctx context.Context, e enrollment.WaitlistEntry) (int64, error) {
	res, err := c.q.ExecContext(ctx,
		"INSERT INTO waitlist (event_id, user_id, joined_at) VALUES (?, ?, ?)",
		e.EventID, e.UserID, formatTime(e.JoinedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("user %s already waiting for %s", e.UserID, e.EventID)
		}
		return 0, fmt.Errorf("failed to add to waitlist: %w", err)
	}
	return res.LastInsertId()
}

func (c *conn) RemoveFromWaitlist(ctx context.Context, eventID enrollment.EventID, userID ledger.UserID) (bool, error) {
	res, err := c.q.ExecContext(ctx,
		"DELETE FROM waitlist WHERE event_id = ? AND user_id = ?", eventID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove from waitlist: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// -----------------------------------------------------------------------------
// Audit log
// -----------------------------------------------------------------------------

func (c *conn) AppendAudit(ctx context.Context, e enrollment.AuditEntry) error {
	detailJSON, _ := json.Marshal(e.Detail)
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor_id, action, event_id, user_id, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, formatTime(e.At), nullString(string(e.ActorID)), e.Action, e.EventID, e.UserID, string(detailJSON))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (c *conn) AuditTrail(ctx context.Context, eventID enrollment.EventID) ([]enrollment.AuditEntry, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, at, actor_id, action, event_id, user_id, detail_json
		FROM audit_log WHERE event_id = ?
		ORDER BY seq ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []enrollment.AuditEntry
	for rows.Next() {
		var (
			e          enrollment.AuditEntry
			at         string
			actor      sql.NullString
			detailJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &actor, &e.Action, &e.EventID, &e.UserID, &detailJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", e.ID, err)
		}
		e.ActorID = ledger.UserID(actor.String)
		if detailJSON.Valid && detailJSON.String != "" {
			if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("audit entry %s: bad detail: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

func (c *conn) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := c.q.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (c *conn) SaveSetting(ctx context.Context, key, value string) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
