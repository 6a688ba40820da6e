/*
Package postgres provides a PostgreSQL implementation of enrollment.Store
on a pgx connection pool.

CONCURRENCY:
  LockEvent takes SELECT ... FOR UPDATE on the event row. Every transition
  on one event therefore queues behind the first, and the attendee count it
  reads afterwards includes every committed sign-up. Transitions on
  different events do not contend.

MONEY:
  Amounts are NUMERIC(12, 2) and cross the wire as text, so no float ever
  touches a balance.

MIGRATION:
  Embedded SQL files in migrations/ are applied in name order by Migrate.
*/
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ducc/signup-engine/enrollment"
	"github.com/ducc/signup-engine/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	conn
	pool *pgxpool.Pool
}

var _ enrollment.Store = (*Store)(nil)

// New connects to dsn, pings the server and applies migrations.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("PostgreSQL connection pool established")
	}
	return &Store{conn: conn{q: pool}, pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate runs embedded SQL migrations in order (001_schema.sql, 002_..., etc.).
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > 4 && e.Name()[len(e.Name())-4:] == ".sql" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err = pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx enrollment.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&conn{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE audit_log, ledger_entries, waitlist, attendance, settings, events, users RESTART IDENTITY`)
	return err
}

// =============================================================================
// CONN - Shared by the pool and open transactions
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q querier
}

var _ enrollment.Tx = (*conn)(nil)

func (c *conn) Append(ctx context.Context, e ledger.Entry) error {
	const q = `INSERT INTO ledger_entries (id, user_id, amount, description, kind, reference, created_by, created_at)
		VALUES ($1, $2, $3::text::numeric, $4, $5, $6, $7, $8)`
	_, err := c.q.Exec(ctx, q,
		string(e.ID), string(e.UserID), e.Amount.StringFixed(ledger.Precision),
		e.Description, string(e.Kind), e.Reference, e.CreatedBy, e.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateEntry
		}
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (c *conn) Entries(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	const q = `SELECT id, user_id, amount::text, description, kind, reference, created_by, created_at
		FROM ledger_entries WHERE user_id = $1 ORDER BY created_at, seq`
	rows, err := c.q.Query(ctx, q, string(userID))
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var list []ledger.Entry
	for rows.Next() {
		var (
			e                   ledger.Entry
			id, user, amt, kind string
		)
		if err := rows.Scan(&id, &user, &amt, &e.Description, &kind, &e.Reference, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID, e.UserID, e.Kind = ledger.EntryID(id), ledger.UserID(user), ledger.Kind(kind)
		if e.Amount, err = decimal.NewFromString(amt); err != nil {
			return nil, fmt.Errorf("ledger entry %s: bad amount %q: %w", id, amt, err)
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func (c *conn) UserExists(ctx context.Context, userID ledger.UserID) (bool, error) {
	var exists bool
	err := c.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, string(userID)).Scan(&exists)
	return exists, err
}

const eventSelect = `SELECT id, title, start_at, end_at, location, max_attendees, difficulty_level,
	upfront_cost::text, upfront_refund_cutoff, is_canceled, tags FROM events WHERE id = $1`

func (c *conn) Event(ctx context.Context, id enrollment.EventID) (enrollment.Event, error) {
	return c.event(ctx, eventSelect, id)
}

// LockEvent holds the event row until the transaction ends.
func (c *conn) LockEvent(ctx context.Context, id enrollment.EventID) (enrollment.Event, error) {
	return c.event(ctx, eventSelect+" FOR UPDATE", id)
}

func (c *conn) event(ctx context.Context, q string, id enrollment.EventID) (enrollment.Event, error) {
	var (
		e       enrollment.Event
		eventID string
		cost    string
		cutoff  *time.Time
	)
	err := c.q.QueryRow(ctx, q, string(id)).Scan(&eventID, &e.Title, &e.Start, &e.End, &e.Location,
		&e.MaxAttendees, &e.DifficultyLevel, &cost, &cutoff, &e.IsCanceled, &e.Tags)
	if err == pgx.ErrNoRows {
		return enrollment.Event{}, fmt.Errorf("%w: %s", enrollment.ErrEventNotFound, id)
	}
	if err != nil {
		return enrollment.Event{}, fmt.Errorf("get event: %w", err)
	}
	e.ID = enrollment.EventID(eventID)
	e.UpfrontRefundCutoff = cutoff
	if e.UpfrontCost, err = decimal.NewFromString(cost); err != nil {
		return enrollment.Event{}, fmt.Errorf("event %s: bad upfront cost %q: %w", id, cost, err)
	}
	return e, nil
}

func (c *conn) SaveEvent(ctx context.Context, e enrollment.Event) error {
	const q = `INSERT INTO events (id, title, start_at, end_at, location, max_attendees, difficulty_level,
			upfront_cost, upfront_refund_cutoff, is_canceled, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at, location = EXCLUDED.location, max_attendees = EXCLUDED.max_attendees,
			difficulty_level = EXCLUDED.difficulty_level, upfront_cost = EXCLUDED.upfront_cost,
			upfront_refund_cutoff = EXCLUDED.upfront_refund_cutoff, is_canceled = EXCLUDED.is_canceled,
			tags = EXCLUDED.tags`
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := c.q.Exec(ctx, q, string(e.ID), e.Title, e.Start, e.End, e.Location, e.MaxAttendees,
		e.DifficultyLevel, e.UpfrontCost.StringFixed(ledger.Precision), e.UpfrontRefundCutoff, e.IsCanceled, tags)
	return err
}

func (c *conn) Profile(ctx context.Context, userID ledger.UserID) (enrollment.Profile, error) {
	const q = `SELECT name, is_member, free_sessions, filled_legal_info, is_instructor FROM users WHERE id = $1`
	p := enrollment.Profile{UserID: userID}
	err := c.q.QueryRow(ctx, q, string(userID)).Scan(&p.Name, &p.IsMember, &p.FreeSessions, &p.FilledLegalInfo, &p.IsInstructor)
	if err == pgx.ErrNoRows {
		return enrollment.Profile{}, fmt.Errorf("%w: %s", enrollment.ErrUserNotFound, userID)
	}
	if err != nil {
		return enrollment.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (c *conn) SaveProfile(ctx context.Context, p enrollment.Profile) error {
	const q = `INSERT INTO users (id, name, is_member, free_sessions, filled_legal_info, is_instructor)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, is_member = EXCLUDED.is_member,
			free_sessions = EXCLUDED.free_sessions, filled_legal_info = EXCLUDED.filled_legal_info,
			is_instructor = EXCLUDED.is_instructor`
	_, err := c.q.Exec(ctx, q, string(p.UserID), p.Name, p.IsMember, p.FreeSessions, p.FilledLegalInfo, p.IsInstructor)
	return err
}

func (c *conn) DeleteUser(ctx context.Context, userID ledger.UserID) error {
	for _, q := range []string{
		`DELETE FROM waitlist WHERE user_id = $1`,
		`DELETE FROM users WHERE id = $1`,
	} {
		if _, err := c.q.Exec(ctx, q, string(userID)); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) Attendance(ctx context.Context, eventID enrollment.EventID, userID ledger.UserID) (enrollment.AttendanceRecord, error) {
	const q = `SELECT status, joined_at, updated_at FROM attendance WHERE event_id = $1 AND user_id = $2`
	r := enrollment.AttendanceRecord{EventID: eventID, UserID: userID, Status: enrollment.AttendanceNone}
	var status string
	err := c.q.QueryRow(ctx, q, string(eventID), string(userID)).Scan(&status, &r.JoinedAt, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return r, nil
	}
	if err != nil {
		return r, fmt.Errorf("get attendance: %w", err)
	}
	r.Status = enrollment.Attendance(status)
	return r, nil
}

func (c *conn) Attendees(ctx context.Context, eventID enrollment.EventID) ([]enrollment.Attendee, error) {
	const q = `SELECT a.user_id, a.status, a.joined_at, a.updated_at, COALESCE(u.is_instructor, FALSE)
		FROM attendance a LEFT JOIN users u ON u.id = a.user_id
		WHERE a.event_id = $1 ORDER BY a.joined_at, a.user_id`
	rows, err := c.q.Query(ctx, q, string(eventID))
	if err != nil {
		return nil, fmt.Errorf("query attendees: %w", err)
	}
	defer rows.Close()

	var list []enrollment.Attendee
	for rows.Next() {
		a := enrollment.Attendee{AttendanceRecord: enrollment.AttendanceRecord{EventID: eventID}}
		var user, status string
		if err := rows.Scan(&user, &status, &a.JoinedAt, &a.UpdatedAt, &a.IsInstructor); err != nil {
			return nil, err
		}
		a.UserID, a.Status = ledger.UserID(user), enrollment.Attendance(status)
		list = append(list, a)
	}
	return list, rows.Err()
}

func (c *conn) AttendanceOf(ctx context.Context, userID ledger.UserID) ([]enrollment.AttendanceRecord, error) {
	const q = `SELECT event_id, status, joined_at, updated_at FROM attendance
		WHERE user_id = $1 ORDER BY joined_at, event_id`
	rows, err := c.q.Query(ctx, q, string(userID))
	if err != nil {
		return nil, fmt.Errorf("query attendance of %s: %w", userID, err)
	}
	defer rows.Close()

	var list []enrollment.AttendanceRecord
	for rows.Next() {
		r := enrollment.AttendanceRecord{UserID: userID}
		var event, status string
		if err := rows.Scan(&event, &status, &r.JoinedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.EventID, r.Status = enrollment.EventID(event), enrollment.Attendance(status)
		list = append(list, r)
	}
	return list, rows.Err()
}

func (c *conn) SaveAttendance(ctx context.Context, r enrollment.AttendanceRecord) error {
	const q = `INSERT INTO attendance (event_id, user_id, status, joined_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id, user_id) DO UPDATE SET status = EXCLUDED.status,
			joined_at = EXCLUDED.joined_at, updated_at = EXCLUDED.updated_at`
	_, err := c.q.Exec(ctx, q, string(r.EventID), string(r.UserID), string(r.Status), r.JoinedAt, r.UpdatedAt)
	return err
}

func (c *conn) Waitlist(ctx context.Context, eventID enrollment.EventID) ([]enrollment.WaitlistEntry, error) {
	const q = `SELECT id, user_id, joined_at FROM waitlist WHERE event_id = $1 ORDER BY joined_at, id`
	rows, err := c.q.Query(ctx, q, string(eventID))
	if err != nil {
		return nil, fmt.Errorf("query waitlist: %w", err)
	}
	defer rows.Close()

	var list []enrollment.WaitlistEntry
	for rows.Next() {
		e := enrollment.WaitlistEntry{EventID: eventID}
		var user string
		if err := rows.Scan(&e.ID, &user, &e.JoinedAt); err != nil {
			return nil, err
		}
		e.UserID = ledger.UserID(user)
		list = append(list, e)
	}
	return list, rows.Err()
}

func (c *conn) AddToWaitlist(ctx context.Context, e enrollment.WaitlistEntry) (int64, error) {
	const q = `INSERT INTO waitlist (event_id, user_id, joined_at) VALUES ($1, $2, $3) RETURNING id`
	var id int64
	err := c.q.QueryRow(ctx, q, string(e.EventID), string(e.UserID), e.JoinedAt).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("user %s already waiting for %s", e.UserID, e.EventID)
		}
		return 0, fmt.Errorf("add to waitlist: %w", err)
	}
	return id, nil
}

func (c *conn) RemoveFromWaitlist(ctx context.Context, eventID enrollment.EventID, userID ledger.UserID) (bool, error) {
	tag, err := c.q.Exec(ctx, `DELETE FROM waitlist WHERE event_id = $1 AND user_id = $2`, string(eventID), string(userID))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (c *conn) AppendAudit(ctx context.Context, e enrollment.AuditEntry) error {
	detail, _ := json.Marshal(e.Detail)
	const q = `INSERT INTO audit_log (id, at, actor_id, action, event_id, user_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::jsonb)`
	_, err := c.q.Exec(ctx, q, e.ID, e.At, string(e.ActorID), string(e.Action), string(e.EventID), string(e.UserID), string(detail))
	return err
}

func (c *conn) AuditTrail(ctx context.Context, eventID enrollment.EventID) ([]enrollment.AuditEntry, error) {
	const q = `SELECT id, at, actor_id, action, user_id, detail::text FROM audit_log WHERE event_id = $1 ORDER BY seq`
	rows, err := c.q.Query(ctx, q, string(eventID))
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var list []enrollment.AuditEntry
	for rows.Next() {
		e := enrollment.AuditEntry{EventID: eventID}
		var actor, action, user, detail string
		if err := rows.Scan(&e.ID, &e.At, &actor, &action, &user, &detail); err != nil {
			return nil, err
		}
		e.ActorID, e.Action, e.UserID = ledger.UserID(actor), enrollment.AuditAction(action), ledger.UserID(user)
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			return nil, fmt.Errorf("audit entry %s: bad detail: %w", e.ID, err)
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func (c *conn) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := c.q.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
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
	_, err := c.q.Exec(ctx, `INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
