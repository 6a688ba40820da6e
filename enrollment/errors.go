/*
errors.go - Error types for the enrollment engine

ERROR CATEGORIES:
  1. Precondition errors - expected, user facing (NotEligible, EventNotFull,
     AlreadyActive, OnWaitlist, CascadeNotConfirmed)
  2. Not found errors - unknown user or event
  3. Store errors - wrapped with context by the store implementations

  Consistency outcomes (lost capacity race, cascade target already left)
  are not errors: the Result reports the final state instead.
*/
package enrollment

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrEventNotFound = errors.New("event not found")
	ErrUserNotFound  = errors.New("user not found")

	// ErrNotEligible is returned when the evaluator blocks an attend.
	ErrNotEligible = errors.New("not eligible")

	ErrEventEnded    = errors.New("event has ended")
	ErrEventStarted  = errors.New("event has started")
	ErrEventCanceled = errors.New("event is canceled")

	// ErrEventNotFull is returned when joining the waitlist of an event
	// that still has room.
	ErrEventNotFull = errors.New("event is not full")

	// ErrAlreadyActive is returned when joining the waitlist while already
	// attending.
	ErrAlreadyActive = errors.New("already an active attendee")

	// ErrOnWaitlist is returned when attending while on the waiting list.
	ErrOnWaitlist = errors.New("user is on the waiting list")

	// ErrCascadeNotConfirmed is returned when the last supervisor leaves
	// without having confirmed the cascade.
	ErrCascadeNotConfirmed = errors.New("supervisor cascade requires confirmation")

	ErrUnknownAction = errors.New("unknown enrollment action")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// NotEligibleError lists every reason blocking the action.
type NotEligibleError struct {
	EventID EventID
	UserID  UserID
	Reasons []BlockingReason
}

func (e *NotEligibleError) Error() string {
	codes := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		codes[i] = string(r.Code)
	}
	return fmt.Sprintf("not eligible for event %s: %s", e.EventID, strings.Join(codes, ", "))
}

func (e *NotEligibleError) Unwrap() error { return ErrNotEligible }

// Is lets terminal timing reasons match their sentinels.
func (e *NotEligibleError) Is(target error) bool {
	for _, r := range e.Reasons {
		switch {
		case r.Code == ReasonEventEnded && target == ErrEventEnded,
			r.Code == ReasonEventStarted && target == ErrEventStarted,
			r.Code == ReasonEventCanceled && target == ErrEventCanceled:
			return true
		}
	}
	return false
}

// CascadeRequiredError is returned by an unconfirmed leave that would
// remove every remaining attendee.
type CascadeRequiredError struct {
	EventID  EventID
	UserID   UserID
	Affected []UserID
}

func (e *CascadeRequiredError) Error() string {
	return fmt.Sprintf("last supervisor %s leaving event %s would remove %d attendees",
		e.UserID, e.EventID, len(e.Affected))
}

func (e *CascadeRequiredError) Unwrap() error { return ErrCascadeNotConfirmed }

type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown enrollment action %q", e.Action)
}

func (e *UnknownActionError) Unwrap() error { return ErrUnknownAction }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing user or event.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrUserNotFound)
}

// IsClientError returns true for expected, user-facing precondition failures.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrEventNotFull) ||
		errors.Is(err, ErrAlreadyActive) ||
		errors.Is(err, ErrOnWaitlist) ||
		errors.Is(err, ErrCascadeNotConfirmed) ||
		errors.Is(err, ErrUnknownAction)
}
