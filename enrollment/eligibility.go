/*
eligibility.go - Pure eligibility evaluator

PURPOSE:
  Composes event timing, supervisor presence, capacity, legal form,
  membership / free sessions and ledger balance into one Decision with an
  ordered list of human-readable blocking reasons.

EVALUATION ORDER:
  Terminal timing reasons are mutually exclusive, first match wins:
    1. EventCanceled  event.IsCanceled
    2. EventEnded     now > event.End
    3. EventStarted   now > event.Start
  Otherwise every applicable reason is collected so the UI can show all
  blockers at once:
    4. NoSupervisorYet            no active supervisor, requester not one
    5. LegalFormIncomplete        legal/medical form not filled
    6. NoMembershipNoFreeSessions not a member and no free session left
    7. OutstandingDebt            balance < DebtThreshold and not paying
  Capacity is reported separately in IsFull: a full event is not a block,
  it turns "attend" into "join waitlist".

BYPASS:
  Users already attending or waitlisted can always leave. Rules 4-7 never
  apply to the leave direction.

PURITY:
  Evaluate performs no I/O. All inputs are explicit.
*/
package enrollment

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BLOCKING REASONS
// =============================================================================

type ReasonCode string

const (
	ReasonEventCanceled              ReasonCode = "event_canceled"
	ReasonEventEnded                 ReasonCode = "event_ended"
	ReasonEventStarted               ReasonCode = "event_started"
	ReasonNoSupervisorYet            ReasonCode = "no_supervisor_yet"
	ReasonLegalFormIncomplete        ReasonCode = "legal_form_incomplete"
	ReasonNoMembershipNoFreeSessions ReasonCode = "no_membership_no_free_sessions"
	ReasonOutstandingDebt            ReasonCode = "outstanding_debt"
)

var reasonMessages = map[ReasonCode]string{
	ReasonEventCanceled:              "This event has been canceled.",
	ReasonEventEnded:                 "This event has already ended.",
	ReasonEventStarted:               "This event has already started.",
	ReasonNoSupervisorYet:            "No coach has signed up yet. You can sign up once one has.",
	ReasonLegalFormIncomplete:        "You need to fill in the legal and medical form first.",
	ReasonNoMembershipNoFreeSessions: "You have used all your free sessions. Join the club to keep signing up.",
	ReasonOutstandingDebt:            "Your account balance is below the debt limit. Please settle up first.",
}

type BlockingReason struct {
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
}

func reason(code ReasonCode) BlockingReason {
	return BlockingReason{Code: code, Message: reasonMessages[code]}
}

// Terminal reports whether no sign-up or waitlist action is possible.
func (r BlockingReason) Terminal() bool {
	switch r.Code {
	case ReasonEventCanceled, ReasonEventEnded, ReasonEventStarted:
		return true
	}
	return false
}

// =============================================================================
// DECISION
// =============================================================================

type Decision struct {
	State   State            `json:"state"`
	Reasons []BlockingReason `json:"reasons"`

	CanAttend       bool `json:"can_attend"`
	CanJoinWaitlist bool `json:"can_join_waitlist"`
	CanLeave        bool `json:"can_leave"`

	IsFull       bool `json:"is_full"`
	ActiveCount  int  `json:"active_count"`
	MaxAttendees int  `json:"max_attendees"`
}

// Blocked reports whether any reason blocks the attend direction.
func (d Decision) Blocked() bool { return len(d.Reasons) > 0 }

// Terminal reports whether the event no longer accepts sign-ups.
func (d Decision) Terminal() bool {
	return len(d.Reasons) == 1 && d.Reasons[0].Terminal()
}

// =============================================================================
// EVALUATOR
// =============================================================================

// Input is everything the evaluator looks at.
type Input struct {
	Profile   EligibilityProfile
	Event     Event
	Attendees []Attendee // rows of the event; only active ones matter
	State     State      // the requester's current relation to the event
	Now       time.Time

	// IsPaying is supplied by the payment-intent collaborator: the user has
	// arranged to pay the upfront cost out-of-band.
	IsPaying      bool
	DebtThreshold decimal.Decimal
}

// Evaluate returns the decision for in.Profile acting on in.Event.
func Evaluate(in Input) Decision {
	if in.State == "" {
		in.State = StateNotAttending
	}
	active := ActiveCount(in.Attendees)
	d := Decision{
		State:        in.State,
		Reasons:      []BlockingReason{},
		ActiveCount:  active,
		MaxAttendees: in.Event.MaxAttendees,
		IsFull:       IsFull(in.Event, active),
		CanLeave:     in.State != StateNotAttending,
	}

	// Already attending: attend is a no-op, leave is always allowed.
	if in.State == StateAttending {
		return d
	}

	if r, ok := timingReason(in.Event, in.Now); ok {
		d.Reasons = append(d.Reasons, r)
		return d
	}

	if !in.Profile.IsInstructor && !HasSupervisor(in.Attendees) {
		d.Reasons = append(d.Reasons, reason(ReasonNoSupervisorYet))
	}
	if !in.Profile.FilledLegalInfo {
		d.Reasons = append(d.Reasons, reason(ReasonLegalFormIncomplete))
	}
	if !in.Profile.IsMember && in.Profile.FreeSessions <= 0 {
		d.Reasons = append(d.Reasons, reason(ReasonNoMembershipNoFreeSessions))
	}
	if in.Profile.Balance.LessThan(in.DebtThreshold) && !in.IsPaying {
		d.Reasons = append(d.Reasons, reason(ReasonOutstandingDebt))
	}

	if in.State == StateNotAttending {
		d.CanAttend = !d.Blocked() && !d.IsFull
		d.CanJoinWaitlist = d.IsFull
	}
	return d
}

// timingReason returns the terminal reason, if any. Canceled takes
// precedence, then ended, then started.
func timingReason(event Event, now time.Time) (BlockingReason, bool) {
	switch {
	case event.IsCanceled:
		return reason(ReasonEventCanceled), true
	case !event.End.IsZero() && now.After(event.End):
		return reason(ReasonEventEnded), true
	case !event.Start.IsZero() && now.After(event.Start):
		return reason(ReasonEventStarted), true
	}
	return BlockingReason{}, false
}
