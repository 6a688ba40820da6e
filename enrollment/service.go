/*
service.go - Enrollment state machine

PURPOSE:
  Entry point for the request layer. Every action re-evaluates eligibility
  at call time, inside the same transaction that commits the result, so a
  stale page or a concurrent sign-up cannot overshoot capacity.

ACTION FLOW:
  Perform(req)
    └─ resolve isPaying (collaborator, outside the transaction)
    └─ WithTx
         ├─ LockEvent, Profile, Attendees, Waitlist
         ├─ attend:         Evaluate ─▶ active row (+ upfront-cost entry)
         ├─ leave:          CheckLeave ─▶ left row(s) (+ refunds)
         ├─ join waitlist:  full? not active? ─▶ waitlist entry
         ├─ leave waitlist: ─▶ entry removed
         └─ audit entry per changed row

  Withdraw(tx, user)
    └─ leave, as above, for each active row of an event not yet ended

CONSISTENCY OUTCOMES:
  Losing the race for the last seat, leaving an event you are not
  attending or leaving a waitlist you are not on are not errors. The
  Result reports Changed=false and the final state.

SEE ALSO:
  - eligibility.go: Evaluate
  - supervisor.go:  CheckLeave
*/
package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/ducc/signup-engine/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentIntents reports whether a user has arranged to pay an event's
// upfront cost out-of-band. It exempts them from the debt rule and from the
// upfront-cost charge.
type PaymentIntents interface {
	IsPaying(ctx context.Context, userID UserID, eventID EventID) (bool, error)
}

// PaymentIntentsFunc adapts a function to PaymentIntents.
type PaymentIntentsFunc func(ctx context.Context, userID UserID, eventID EventID) (bool, error)

func (f PaymentIntentsFunc) IsPaying(ctx context.Context, userID UserID, eventID EventID) (bool, error) {
	return f(ctx, userID, eventID)
}

type noPaymentIntents struct{}

func (noPaymentIntents) IsPaying(context.Context, UserID, EventID) (bool, error) { return false, nil }

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    Store
	payments PaymentIntents
	defaults Settings
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Service)

func WithPaymentIntents(p PaymentIntents) Option {
	return func(s *Service) { s.payments = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDefaults sets the settings used when the settings store has no
// override.
func WithDefaults(d Settings) Option {
	return func(s *Service) { s.defaults = d }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		payments: noPaymentIntents{},
		defaults: DefaultSettings(),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request is one enrollment action. ActorID is the authenticated user; it
// differs from UserID when an event manager acts on someone's behalf.
type Request struct {
	Action         Action
	EventID        EventID
	UserID         UserID
	ActorID        UserID
	ConfirmCascade bool
	IsPaying       *bool // overrides the PaymentIntents collaborator when set
}

type Result struct {
	Action  Action  `json:"action"`
	EventID EventID `json:"event_id"`
	UserID  UserID  `json:"user_id"`
	State   State   `json:"state"`
	Changed bool    `json:"changed"`
	IsFull  bool    `json:"is_full"`

	Position      int              `json:"position,omitempty"`
	Cascaded      []UserID         `json:"cascaded,omitempty"`
	LedgerEntries []ledger.EntryID `json:"ledger_entries,omitempty"`
}

// =============================================================================
// QUERIES
// =============================================================================

// Eligibility evaluates the user against the event right now.
func (s *Service) Eligibility(ctx context.Context, eventID EventID, userID UserID, isPaying *bool) (Decision, error) {
	paying, err := s.resolvePaying(ctx, userID, eventID, isPaying)
	if err != nil {
		return Decision{}, err
	}
	snap, err := s.load(ctx, s.store, eventID, userID, false)
	if err != nil {
		return Decision{}, err
	}
	settings, err := ResolveSettings(ctx, s.store, s.defaults)
	if err != nil {
		return Decision{}, err
	}
	return snap.evaluate(s.now(), paying, settings.DebtThreshold), nil
}

// ActiveCount returns the number of active attendees of the event.
func (s *Service) ActiveCount(ctx context.Context, eventID EventID) (int, error) {
	if _, err := s.store.Event(ctx, eventID); err != nil {
		return 0, err
	}
	attendees, err := s.store.Attendees(ctx, eventID)
	if err != nil {
		return 0, err
	}
	return ActiveCount(attendees), nil
}

// Attendees returns the full attendance history of the event, "left"
// rows included.
func (s *Service) Attendees(ctx context.Context, eventID EventID) ([]Attendee, error) {
	if _, err := s.store.Event(ctx, eventID); err != nil {
		return nil, err
	}
	return s.store.Attendees(ctx, eventID)
}

// LeavePreview is the query step of the two-phase leave.
func (s *Service) LeavePreview(ctx context.Context, eventID EventID, userID UserID) (LeaveCheck, error) {
	snap, err := s.load(ctx, s.store, eventID, userID, false)
	if err != nil {
		return LeaveCheck{}, err
	}
	return CheckLeave(snap.attendees, userID), nil
}

// WaitlistSummary returns the waiting count and the user's position.
func (s *Service) WaitlistSummary(ctx context.Context, eventID EventID, userID UserID) (Summary, error) {
	if _, err := s.store.Event(ctx, eventID); err != nil {
		return Summary{}, err
	}
	entries, err := s.store.Waitlist(ctx, eventID)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(entries, userID), nil
}

// Waitlist returns the ordered waiting list. Callers restrict it to users
// with event-management capability.
func (s *Service) Waitlist(ctx context.Context, eventID EventID) ([]UserID, error) {
	if _, err := s.store.Event(ctx, eventID); err != nil {
		return nil, err
	}
	entries, err := s.store.Waitlist(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return Ordered(entries), nil
}

func (s *Service) AuditTrail(ctx context.Context, eventID EventID) ([]AuditEntry, error) {
	if _, err := s.store.Event(ctx, eventID); err != nil {
		return nil, err
	}
	return s.store.AuditTrail(ctx, eventID)
}

// =============================================================================
// STATE MACHINE
// =============================================================================

// Perform executes one action atomically.
func (s *Service) Perform(ctx context.Context, req Request) (Result, error) {
	if _, err := ParseAction(string(req.Action)); err != nil {
		return Result{}, err
	}
	if req.ActorID == "" {
		req.ActorID = req.UserID
	}
	paying, err := s.resolvePaying(ctx, req.UserID, req.EventID, req.IsPaying)
	if err != nil {
		return Result{}, err
	}

	var result Result
	err = s.store.WithTx(ctx, func(tx Tx) error {
		result, err = s.perform(ctx, tx, req, paying)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	s.logResult(result)
	return result, nil
}

// Withdraw leaves every event the user still attends that has not ended,
// inside tx. Each leave goes through the supervisor check: without
// confirmCascade, removing the last supervisor of an event fails with
// CascadeRequiredError, and the caller's transaction is expected to roll
// back. Used by account deletion.
func (s *Service) Withdraw(ctx context.Context, tx Tx, userID, actorID UserID, confirmCascade bool) ([]Result, error) {
	records, err := tx.AttendanceOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("attendance of %s: %w", userID, err)
	}
	if actorID == "" {
		actorID = userID
	}

	var results []Result
	for _, r := range records {
		if !r.Active() {
			continue
		}
		event, err := tx.LockEvent(ctx, r.EventID)
		if err != nil {
			return nil, err
		}
		if !s.now().Before(event.End) {
			continue
		}
		res, err := s.perform(ctx, tx, Request{
			Action:         ActionLeave,
			EventID:        r.EventID,
			UserID:         userID,
			ActorID:        actorID,
			ConfirmCascade: confirmCascade,
		}, false)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	for _, res := range results {
		s.logResult(res)
	}
	return results, nil
}

func (s *Service) perform(ctx context.Context, tx Tx, req Request, paying bool) (Result, error) {
	snap, err := s.load(ctx, tx, req.EventID, req.UserID, true)
	if err != nil {
		return Result{}, err
	}
	op := &operation{
		svc:    s,
		tx:     tx,
		req:    req,
		snap:   snap,
		now:    s.now().UTC(),
		paying: paying,
		ledger: &ledger.DefaultLedger{Store: tx, Now: s.now},
	}
	switch req.Action {
	case ActionAttend:
		return op.attend(ctx)
	case ActionLeave:
		return op.leave(ctx)
	case ActionJoinWaitlist:
		return op.joinWaitlist(ctx)
	case ActionLeaveWaitlist:
		return op.leaveWaitlist(ctx)
	}
	return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
}

func (s *Service) logResult(result Result) {
	s.logger.Debug("enrollment action",
		zap.String("action", string(result.Action)),
		zap.String("event_id", string(result.EventID)),
		zap.String("user_id", string(result.UserID)),
		zap.String("state", string(result.State)),
		zap.Bool("changed", result.Changed),
	)
	if len(result.Cascaded) > 0 {
		s.logger.Info("supervisor cascade applied",
			zap.String("event_id", string(result.EventID)),
			zap.String("supervisor_id", string(result.UserID)),
			zap.Int("affected", len(result.Cascaded)),
		)
	}
}

func (s *Service) resolvePaying(ctx context.Context, userID UserID, eventID EventID, override *bool) (bool, error) {
	if override != nil {
		return *override, nil
	}
	paying, err := s.payments.IsPaying(ctx, userID, eventID)
	if err != nil {
		return false, fmt.Errorf("payment intent for %s on %s: %w", userID, eventID, err)
	}
	return paying, nil
}

// =============================================================================
// SNAPSHOT - Everything one decision needs, read in one place
// =============================================================================

type snapshot struct {
	event     Event
	profile   EligibilityProfile
	attendees []Attendee
	waitlist  []WaitlistEntry
	state     State
	entries   []ledger.Entry
}

func (s *Service) load(ctx context.Context, r Reader, eventID EventID, userID UserID, lock bool) (*snapshot, error) {
	var (
		event Event
		err   error
	)
	if tx, ok := r.(Tx); ok && lock {
		event, err = tx.LockEvent(ctx, eventID)
	} else {
		event, err = r.Event(ctx, eventID)
	}
	if err != nil {
		return nil, err
	}

	profile, err := r.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := r.Entries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ledger for %s: %w", userID, err)
	}
	attendees, err := r.Attendees(ctx, eventID)
	if err != nil {
		return nil, err
	}
	waitlist, err := r.Waitlist(ctx, eventID)
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		event:     event,
		profile:   EligibilityProfile{Profile: profile, Balance: ledger.Sum(entries)},
		attendees: attendees,
		waitlist:  waitlist,
		entries:   entries,
		state:     StateNotAttending,
	}
	if _, ok := Position(waitlist, userID); ok {
		snap.state = StateOnWaitlist
	}
	for _, a := range attendees {
		if a.UserID == userID && a.Active() {
			snap.state = StateAttending
		}
	}
	return snap, nil
}

func (sn *snapshot) evaluate(now time.Time, paying bool, threshold decimal.Decimal) Decision {
	return Evaluate(Input{
		Profile:       sn.profile,
		Event:         sn.event,
		Attendees:     sn.attendees,
		State:         sn.state,
		Now:           now,
		IsPaying:      paying,
		DebtThreshold: threshold,
	})
}

func (sn *snapshot) attendee(userID UserID) (Attendee, bool) {
	for _, a := range sn.attendees {
		if a.UserID == userID {
			return a, true
		}
	}
	return Attendee{}, false
}
