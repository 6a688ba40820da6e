/*
Package enrollment implements the event enrollment and eligibility engine.

PURPOSE:
  Decides, for a (user, event) pair, whether attend / leave / join-waitlist /
  leave-waitlist is permitted, and commits the resulting state atomically
  together with its side effects (supervisor cascade, upfront-cost ledger
  entries, audit trail).

COMPONENTS:
  capacity.go:    Active attendee counting, full-event detection
  supervisor.go:  At-least-one-supervisor rule and last-supervisor cascade
  eligibility.go: Pure evaluator producing a Decision with blocking reasons
  waitlist.go:    FIFO waiting list positions and summaries
  service.go:     The per-(user, event) state machine

STATES PER (USER, EVENT):
  NotAttending ──attend──▶ Attending ──leave──▶ NotAttending
  NotAttending ──join waitlist──▶ OnWaitlist ──leave waitlist──▶ NotAttending

  There is no OnWaitlist ──▶ Attending transition. A waitlisted user leaves
  the waiting list and attends once the evaluator allows it.

SEE ALSO:
  - ledger/: Balance used by the debt rule, upfront-cost entries
  - store/: Store implementations
*/
package enrollment

import (
	"time"

	"github.com/ducc/signup-engine/ledger"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID = ledger.UserID
type EventID string

// =============================================================================
// EVENT - Read-only to the engine
// =============================================================================

type Event struct {
	ID              EventID
	Title           string
	Start           time.Time
	End             time.Time
	Location        string
	MaxAttendees    int // 0 means unlimited
	DifficultyLevel string

	UpfrontCost         decimal.Decimal
	UpfrontRefundCutoff *time.Time

	IsCanceled bool
	Tags       []string
}

// Unlimited reports whether the event has no attendee cap.
func (e Event) Unlimited() bool { return e.MaxAttendees <= 0 }

// ledgerReference is the Entry.Reference used for this event's upfront cost.
func (e Event) ledgerReference() string { return "event:" + string(e.ID) }

// =============================================================================
// ATTENDANCE
// =============================================================================

// Attendance is the tri-state is_attending flag of an attendance row.
type Attendance string

const (
	AttendanceNone   Attendance = ""       // No row has ever existed
	AttendanceActive Attendance = "active" // Currently signed up
	AttendanceLeft   Attendance = "left"   // Signed up once, since left
)

type AttendanceRecord struct {
	EventID   EventID
	UserID    UserID
	Status    Attendance
	JoinedAt  time.Time
	UpdatedAt time.Time
}

func (r AttendanceRecord) Active() bool { return r.Status == AttendanceActive }

// Attendee is an attendance row joined with the supervisor flag of its user
// at query time.
type Attendee struct {
	AttendanceRecord
	IsInstructor bool
}

// =============================================================================
// WAITLIST
// =============================================================================

type WaitlistEntry struct {
	ID       int64
	EventID  EventID
	UserID   UserID
	JoinedAt time.Time
}

// =============================================================================
// PROFILE - Eligibility inputs supplied by the profile store
// =============================================================================

type Profile struct {
	UserID          UserID
	Name            string
	IsMember        bool
	FreeSessions    int
	FilledLegalInfo bool
	IsInstructor    bool // qualified supervisor
}

// EligibilityProfile is a Profile plus the ledger-derived balance.
type EligibilityProfile struct {
	Profile
	Balance decimal.Decimal
}

// =============================================================================
// STATE MACHINE VOCABULARY
// =============================================================================

type State string

const (
	StateNotAttending State = "not_attending"
	StateAttending    State = "attending"
	StateOnWaitlist   State = "on_waitlist"
)

type Action string

const (
	ActionAttend        Action = "attend"
	ActionLeave         Action = "leave"
	ActionJoinWaitlist  Action = "join_waitlist"
	ActionLeaveWaitlist Action = "leave_waitlist"
)

// ParseAction validates an action name coming from the request layer.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAttend, ActionLeave, ActionJoinWaitlist, ActionLeaveWaitlist:
		return a, nil
	}
	return "", &UnknownActionError{Action: s}
}

// =============================================================================
// SETTINGS - Global club settings
// =============================================================================

const (
	SettingDebtThreshold  = "debt_threshold"
	SettingMembershipCost = "membership_cost"
)

type Settings struct {
	DebtThreshold  decimal.Decimal
	MembershipCost decimal.Decimal
}

// DefaultSettings are the club's standing values: members may owe up to 20
// before sign-up is blocked.
func DefaultSettings() Settings {
	return Settings{
		DebtThreshold:  decimal.NewFromInt(-20),
		MembershipCost: decimal.NewFromInt(50),
	}
}
