/*
store.go - Persistence contract for the enrollment engine

KEY INTERFACES:
  Reader: Queries (events, profiles, attendance, waitlist, settings, audit)
          plus the ledger.Store contract, so a ledger can be built over it
  Tx:     Reader plus the writes committed by a state transition
  Store:  Reader plus WithTx

ATOMICITY:
  Every state transition runs inside WithTx. Implementations must make
  the capacity read and the attendance write a single unit: two concurrent
  attends for the last seat must never both observe room. SQLite does this
  with an immediate write lock, PostgreSQL by locking the event row in
  LockEvent, the memory store with a mutex.

  Inside fn, only the Tx may be used. Calling the parent Store from fn
  can deadlock on single-connection databases.

IMPLEMENTATIONS:
  - store/memory
  - store/sqlite
  - store/postgres
*/
package enrollment

import (
	"context"

	"github.com/ducc/signup-engine/ledger"
)

type Reader interface {
	ledger.Store

	// Event returns ErrEventNotFound if it does not exist.
	Event(ctx context.Context, id EventID) (Event, error)

	// Profile returns ErrUserNotFound if it does not exist.
	Profile(ctx context.Context, userID UserID) (Profile, error)

	// Attendance returns the row for (event, user). A missing row is not an
	// error: the record has Status AttendanceNone.
	Attendance(ctx context.Context, eventID EventID, userID UserID) (AttendanceRecord, error)

	// Attendees returns every attendance row of the event, including "left"
	// ones, ordered by JoinedAt.
	Attendees(ctx context.Context, eventID EventID) ([]Attendee, error)

	// AttendanceOf returns every attendance row of the user, "left" ones
	// included, ordered by JoinedAt, then EventID.
	AttendanceOf(ctx context.Context, userID UserID) ([]AttendanceRecord, error)

	// Waitlist returns the waiting list ordered by JoinedAt, then ID.
	Waitlist(ctx context.Context, eventID EventID) ([]WaitlistEntry, error)

	// Settings returns stored setting overrides by key.
	Settings(ctx context.Context) (map[string]string, error)

	// AuditTrail returns the audit entries of an event, oldest first.
	AuditTrail(ctx context.Context, eventID EventID) ([]AuditEntry, error)
}

type Tx interface {
	Reader

	// LockEvent reads the event and holds it for the rest of the transaction.
	LockEvent(ctx context.Context, id EventID) (Event, error)

	SaveEvent(ctx context.Context, event Event) error
	SaveProfile(ctx context.Context, profile Profile) error
	SaveSetting(ctx context.Context, key, value string) error

	// SaveAttendance inserts or updates the (event, user) row.
	SaveAttendance(ctx context.Context, record AttendanceRecord) error

	// AddToWaitlist inserts the entry and returns its id.
	AddToWaitlist(ctx context.Context, entry WaitlistEntry) (int64, error)

	// RemoveFromWaitlist reports whether an entry was removed.
	RemoveFromWaitlist(ctx context.Context, eventID EventID, userID UserID) (bool, error)

	AppendAudit(ctx context.Context, entry AuditEntry) error

	// DeleteUser removes the profile and its waitlist entries. Attendance
	// rows and ledger entries are kept as history.
	DeleteUser(ctx context.Context, userID UserID) error
}

type Store interface {
	Reader

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
