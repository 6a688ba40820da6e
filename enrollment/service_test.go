package enrollment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ducc/signup-engine/enrollment"
	"github.com/ducc/signup-engine/ledger"
	"github.com/ducc/signup-engine/store/memory"
	"github.com/ducc/signup-engine/store/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var baseTime = time.Date(2026, time.May, 4, 10, 0, 0, 0, time.UTC)

// clock is a settable time source shared by the service and its ledger.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store enrollment.Store
	svc   *enrollment.Service
	clock *clock
}

func forEachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	stores := map[string]func(t *testing.T) enrollment.Store{
		"memory": func(t *testing.T) enrollment.Store { return memory.New() },
		"sqlite": func(t *testing.T) enrollment.Store {
			s, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for _, name := range []string{"memory", "sqlite"} {
		open := stores[name]
		t.Run(name, func(t *testing.T) {
			c := &clock{now: baseTime}
			store := open(t)
			fn(t, &fixture{
				store: store,
				svc:   enrollment.NewService(store, enrollment.WithClock(c.Now)),
				clock: c,
			})
		})
	}
}

func (f *fixture) seed(t *testing.T, events []enrollment.Event, profiles ...enrollment.Profile) {
	t.Helper()
	ctx := context.Background()
	err := f.store.WithTx(ctx, func(tx enrollment.Tx) error {
		for _, p := range profiles {
			if err := tx.SaveProfile(ctx, p); err != nil {
				return err
			}
		}
		for _, e := range events {
			if err := tx.SaveEvent(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, action enrollment.Action, eventID enrollment.EventID, userID enrollment.UserID) enrollment.Result {
	t.Helper()
	res, err := f.svc.Perform(context.Background(), enrollment.Request{Action: action, EventID: eventID, UserID: userID})
	require.NoError(t, err)
	return res
}

func (f *fixture) activeCount(t *testing.T, eventID enrollment.EventID) int {
	t.Helper()
	n, err := f.svc.ActiveCount(context.Background(), eventID)
	require.NoError(t, err)
	return n
}

func (f *fixture) balance(t *testing.T, userID enrollment.UserID) string {
	t.Helper()
	b, err := ledger.NewLedger(f.store).Balance(context.Background(), userID)
	require.NoError(t, err)
	return ledger.FormatAmount(b)
}

func newEvent(id enrollment.EventID, max int) enrollment.Event {
	start := baseTime.Add(72 * time.Hour)
	return enrollment.Event{
		ID:           id,
		Title:        string(id),
		Start:        start,
		End:          start.Add(2 * time.Hour),
		Location:     "Lake",
		MaxAttendees: max,
	}
}

func coach(id enrollment.UserID) enrollment.Profile {
	p := member(id)
	p.IsInstructor = true
	return p
}

func member(id enrollment.UserID) enrollment.Profile {
	return enrollment.Profile{UserID: id, Name: string(id), IsMember: true, FilledLegalInfo: true}
}

func paying(v bool) *bool { return &v }

// =============================================================================
// ATTEND / WAITLIST
// =============================================================================

func TestPerform_OneSeatEvent(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: A one-seat event with no attendees
		f.seed(t, []enrollment.Event{newEvent("pool", 1)}, coach("anna"), member("ben"))

		// WHEN: The coach attends
		res := f.do(t, enrollment.ActionAttend, "pool", "anna")

		// THEN: Attending, event now full
		assert.True(t, res.Changed)
		assert.Equal(t, enrollment.StateAttending, res.State)
		assert.True(t, res.IsFull)
		assert.Equal(t, 1, f.activeCount(t, "pool"))

		// WHEN: A member tries to attend
		res = f.do(t, enrollment.ActionAttend, "pool", "ben")

		// THEN: Nothing changes, the event is reported full
		assert.False(t, res.Changed)
		assert.True(t, res.IsFull)
		assert.Equal(t, enrollment.StateNotAttending, res.State)
		assert.Equal(t, 1, f.activeCount(t, "pool"))

		// WHEN: The member joins the waitlist
		res = f.do(t, enrollment.ActionJoinWaitlist, "pool", "ben")

		// THEN: Position 1
		assert.True(t, res.Changed)
		assert.Equal(t, enrollment.StateOnWaitlist, res.State)
		assert.Equal(t, 1, res.Position)

		summary, err := f.svc.WaitlistSummary(context.Background(), "pool", "ben")
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Count)
		require.NotNil(t, summary.Position)
		assert.Equal(t, 1, *summary.Position)
	})
}

func TestPerform_AttendTwiceIsNoop(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		f.seed(t, []enrollment.Event{newEvent("pool", 5)}, coach("anna"))

		f.do(t, enrollment.ActionAttend, "pool", "anna")
		res := f.do(t, enrollment.ActionAttend, "pool", "anna")

		assert.False(t, res.Changed)
		assert.Equal(t, enrollment.StateAttending, res.State)
		assert.Equal(t, 1, f.activeCount(t, "pool"))
	})
}

func TestPerform_NotEligible(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: A member with no legal form on an event without a coach
		newcomer := member("eve")
		newcomer.FilledLegalInfo = false
		f.seed(t, []enrollment.Event{newEvent("pool", 5)}, newcomer)

		// WHEN: Attending
		_, err := f.svc.Perform(context.Background(), enrollment.Request{
			Action: enrollment.ActionAttend, EventID: "pool", UserID: "eve",
		})

		// THEN: Every reason is reported and nothing is written
		require.Error(t, err)
		assert.ErrorIs(t, err, enrollment.ErrNotEligible)
		assert.True(t, enrollment.IsClientError(err))

		var notEligible *enrollment.NotEligibleError
		require.True(t, errors.As(err, &notEligible))
		require.Len(t, notEligible.Reasons, 2)
		assert.Equal(t, enrollment.ReasonNoSupervisorYet, notEligible.Reasons[0].Code)
		assert.Equal(t, enrollment.ReasonLegalFormIncomplete, notEligible.Reasons[1].Code)

		assert.Equal(t, 0, f.activeCount(t, "pool"))
	})
}

func TestPerform_StartedEvent(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		f.seed(t, []enrollment.Event{newEvent("pool", 5)}, coach("anna"), member("ben"))
		f.do(t, enrollment.ActionAttend, "pool", "anna")

		f.clock.Advance(73 * time.Hour)

		_, err := f.svc.Perform(context.Background(), enrollment.Request{
			Action: enrollment.ActionAttend, EventID: "pool", UserID: "ben",
		})
		assert.ErrorIs(t, err, enrollment.ErrEventStarted)

		_, err = f.svc.Perform(context.Background(), enrollment.Request{
			Action: enrollment.ActionJoinWaitlist, EventID: "pool", UserID: "ben",
		})
		assert.ErrorIs(t, err, enrollment.ErrEventStarted)

		// Leaving is still allowed after the start.
		res := f.do(t, enrollment.ActionLeave, "pool", "anna")
		assert.True(t, res.Changed)
	})
}

func TestPerform_CanceledEvent(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		event := newEvent("pool", 5)
		event.IsCanceled = true
		f.seed(t, []enrollment.Event{event}, coach("anna"))

		_, err := f.svc.Perform(context.Background(), enrollment.Request{
			Action: enrollment.ActionAttend, EventID: "pool", UserID: "anna",
		})
		assert.ErrorIs(t, err, enrollment.ErrEventCanceled)
	})
}

func TestPerform_WaitlistRules(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t, []enrollment.Event{newEvent("pool", 2)}, coach("anna"), member("ben"), member("cleo"))
		f.do(t, enrollment.ActionAttend, "pool", "anna")

		// Not full yet
		_, err := f.svc.Perform(ctx, enrollment.Request{Action: enrollment.ActionJoinWaitlist, EventID: "pool", UserID: "ben"})
		assert.ErrorIs(t, err, enrollment.ErrEventNotFull)

		f.do(t, enrollment.ActionAttend, "pool", "ben")

		// Already attending
		_, err = f.svc.Perform(ctx, enrollment.Request{Action: enrollment.ActionJoinWaitlist, EventID: "pool", UserID: "ben"})
		assert.ErrorIs(t, err, enrollment.ErrAlreadyActive)

		// Full: cleo waits, joining twice keeps one entry
		assert.True(t, f.do(t, enrollment.ActionJoinWaitlist, "pool", "cleo").Changed)
		again := f.do(t, enrollment.ActionJoinWaitlist, "pool", "cleo")
		assert.False(t, again.Changed)
		assert.Equal(t, 1, again.Position)

		// Waitlisted users cannot attend even once a seat opens
		f.do(t, enrollment.ActionLeave, "pool", "ben")
		_, err = f.svc.Perform(ctx, enrollment.Request{Action: enrollment.ActionAttend, EventID: "pool", UserID: "cleo"})
		assert.ErrorIs(t, err, enrollment.ErrOnWaitlist)

		// Leaving the waitlist, then attending
		res := f.do(t, enrollment.ActionLeaveWaitlist, "pool", "cleo")
		assert.True(t, res.Changed)
		assert.Equal(t, enrollment.StateNotAttending, res.State)
		assert.False(t, f.do(t, enrollment.ActionLeaveWaitlist, "pool", "cleo").Changed)

		assert.True(t, f.do(t, enrollment.ActionAttend, "pool", "cleo").Changed)

		users, err := f.svc.Waitlist(ctx, "pool")
		require.NoError(t, err)
		assert.Empty(t, users)
	})
}

func TestPerform_WaitlistOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t, []enrollment.Event{newEvent("pool", 1)}, coach("anna"), member("ben"), member("cleo"), member("dan"))
		f.do(t, enrollment.ActionAttend, "pool", "anna")

		for i, u := range []enrollment.UserID{"dan", "ben", "cleo"} {
			res := f.do(t, enrollment.ActionJoinWaitlist, "pool", u)
			assert.Equal(t, i+1, res.Position)
		}

		users, err := f.svc.Waitlist(ctx, "pool")
		require.NoError(t, err)
		assert.Equal(t, []enrollment.UserID{"dan", "ben", "cleo"}, users)

		// Leaving from the middle closes the gap
		f.do(t, enrollment.ActionLeaveWaitlist, "pool", "ben")
		summary, err := f.svc.WaitlistSummary(ctx, "pool", "cleo")
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Count)
		require.NotNil(t, summary.Position)
		assert.Equal(t, 2, *summary.Position)
	})
}

func TestPerform_Validation(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t, []enrollment.Event{newEvent("pool", 1)}, coach("anna"))

		_, err := f.svc.Perform(ctx, enrollment.Request{Action: "teleport", EventID: "pool", UserID: "anna"})
		assert.ErrorIs(t, err, enrollment.ErrUnknownAction)

		_, err = f.svc.Perform(ctx, enrollment.Request{Action: enrollment.ActionAttend, EventID: "nope", UserID: "anna"})
		assert.ErrorIs(t, err, enrollment.ErrEventNotFound)
		assert.True(t, enrollment.IsNotFound(err))

		_, err = f.svc.Perform(ctx, enrollment.Request{Action: enrollment.ActionAttend, EventID: "pool", UserID: "ghost"})
		assert.ErrorIs(t, err, enrollment.ErrUserNotFound)
	})
}

// =============================================================================
// LEAVE AND SUPERVISOR CASCADE
// =============================================================================

func TestPerform_LeaveWhenNotAttendingIsNoop(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		f.seed(t, []enrollment.Event{newEvent("pool", 3)}, coach("anna"), member("ben"))

		res := f.do(t, enrollment.ActionLeave, "pool", "ben")
		assert.False(t, res.Changed)
		assert.Equal(t, enrollment.StateNotAttending, res.State)

		f.do(t, enrollment.ActionAttend, "pool", "anna")
		f.do(t, enrollment.ActionAttend, "pool", "ben")
		assert.True(t, f.do(t, enrollment.ActionLeave, "pool", "ben").Changed)
		assert.False(t, f.do(t, enrollment.ActionLeave, "pool", "ben").Changed)

		assert.Equal(t, 1, f.activeCount(t, "pool"))
	})
}

func TestPerform_LastSupervisorCascade(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		// GIVEN: A sole coach and three members attending
		f.seed(t, []enrollment.Event{newEvent("trip", 8)},
			coach("anna"), member("ben"), member("cleo"), member("dan"))
		for _, u := range []enrollment.UserID{"anna", "ben", "cleo", "dan"} {
			f.do(t, enrollment.ActionAttend, "trip", u)
		}

		// WHEN: The coach asks to leave
		check, err := f.svc.LeavePreview(ctx, "trip", "anna")
		require.NoError(t, err)

		// THEN: A cascade over the three members is announced
		assert.True(t, check.CascadeRequired)
		assert.ElementsMatch(t, []enrollment.UserID{"ben", "cleo", "dan"}, check.Affected)

		// WHEN: Leaving without confirmation
		_, err = f.svc.Perform(ctx, enrollment.Request{Action: enrollment.ActionLeave, EventID: "trip", UserID: "anna"})

		// THEN: Refused, nothing changed
		assert.ErrorIs(t, err, enrollment.ErrCascadeNotConfirmed)
		var cascade *enrollment.CascadeRequiredError
		require.True(t, errors.As(err, &cascade))
		assert.Len(t, cascade.Affected, 3)
		assert.Equal(t, 4, f.activeCount(t, "trip"))

		// WHEN: Leaving with confirmation
		res, err := f.svc.Perform(ctx, enrollment.Request{
			Action: enrollment.ActionLeave, EventID: "trip", UserID: "anna", ConfirmCascade: true,
		})
		require.NoError(t, err)

		// THEN: All four rows are "left"
		assert.True(t, res.Changed)
		assert.ElementsMatch(t, []enrollment.UserID{"ben", "cleo", "dan"}, res.Cascaded)
		assert.Equal(t, 0, f.activeCount(t, "trip"))

		attendees, err := f.svc.Attendees(ctx, "trip")
		require.NoError(t, err)
		require.Len(t, attendees, 4)
		for _, a := range attendees {
			assert.Equal(t, enrollment.AttendanceLeft, a.Status, a.UserID)
		}

		// AND: The audit trail records the leave and each cascade
		trail, err := f.svc.AuditTrail(ctx, "trip")
		require.NoError(t, err)
		counts := map[enrollment.AuditAction]int{}
		for _, e := range trail {
			counts[e.Action]++
			if e.Action == enrollment.AuditCascadeLeft {
				assert.Equal(t, enrollment.UserID("anna"), e.ActorID)
				assert.Equal(t, "anna", e.Detail["supervisor"])
			}
		}
		assert.Equal(t, 4, counts[enrollment.AuditAttended])
		assert.Equal(t, 1, counts[enrollment.AuditLeft])
		assert.Equal(t, 3, counts[enrollment.AuditCascadeLeft])
	})
}

func TestPerform_SecondSupervisorPreventsCascade(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		f.seed(t, []enrollment.Event{newEvent("trip", 8)}, coach("anna"), coach("carl"), member("ben"))
		for _, u := range []enrollment.UserID{"anna", "carl", "ben"} {
			f.do(t, enrollment.ActionAttend, "trip", u)
		}

		res := f.do(t, enrollment.ActionLeave, "trip", "anna")

		assert.True(t, res.Changed)
		assert.Empty(t, res.Cascaded)
		assert.Equal(t, 2, f.activeCount(t, "trip"))
	})
}

func TestPerform_SupervisorAlwaysPresent(t *testing.T) {
	// GIVEN: A random-ish sequence of joins and confirmed leaves
	// THEN: After every step, active ordinaries imply an active supervisor
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t, []enrollment.Event{newEvent("trip", 0)},
			coach("anna"), coach("carl"), member("ben"), member("cleo"))

		steps := []struct {
			action enrollment.Action
			user   enrollment.UserID
		}{
			{enrollment.ActionAttend, "ben"}, // blocked: no supervisor
			{enrollment.ActionAttend, "anna"},
			{enrollment.ActionAttend, "ben"},
			{enrollment.ActionAttend, "carl"},
			{enrollment.ActionLeave, "anna"},
			{enrollment.ActionAttend, "cleo"},
			{enrollment.ActionLeave, "carl"},
			{enrollment.ActionAttend, "anna"},
		}
		for _, s := range steps {
			_, _ = f.svc.Perform(ctx, enrollment.Request{
				Action: s.action, EventID: "trip", UserID: s.user, ConfirmCascade: true,
			})
			attendees, err := f.svc.Attendees(ctx, "trip")
			require.NoError(t, err)
			assert.True(t, enrollment.SupervisorSatisfied(attendees), "after %s %s", s.action, s.user)
		}
	})
}

func TestPerform_ReattendResetsJoinedAt(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t, []enrollment.Event{newEvent("pool", 5)}, coach("anna"))

		f.do(t, enrollment.ActionAttend, "pool", "anna")
		f.do(t, enrollment.ActionLeave, "pool", "anna")
		f.clock.Advance(time.Hour)
		f.do(t, enrollment.ActionAttend, "pool", "anna")

		attendees, err := f.svc.Attendees(ctx, "pool")
		require.NoError(t, err)
		require.Len(t, attendees, 1)
		assert.True(t, attendees[0].Active())
		assert.True(t, attendees[0].JoinedAt.Equal(baseTime.Add(time.Hour)))
		assert.True(t, attendees[0].IsInstructor)
	})
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestPerform_ConcurrentAttendsNeverOvershoot(t *testing.T) {
	// GIVEN: An event with 4 seats, one taken by the coach
	// WHEN: 12 members attend at once
	// THEN: Exactly 3 succeed, the rest see a full event
	forEachStore(t, func(t *testing.T, f *fixture) {
		const seats, contenders = 4, 12

		profiles := []enrollment.Profile{coach("anna")}
		for i := 0; i < contenders; i++ {
			profiles = append(profiles, member(enrollment.UserID(fmt.Sprintf("m%02d", i))))
		}
		f.seed(t, []enrollment.Event{newEvent("pool", seats)}, profiles...)
		f.do(t, enrollment.ActionAttend, "pool", "anna")

		var (
			mu      sync.Mutex
			changed int
			full    int
		)
		g, ctx := errgroup.WithContext(context.Background())
		for i := 0; i < contenders; i++ {
			userID := enrollment.UserID(fmt.Sprintf("m%02d", i))
			g.Go(func() error {
				res, err := f.svc.Perform(ctx, enrollment.Request{
					Action: enrollment.ActionAttend, EventID: "pool", UserID: userID,
				})
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if res.Changed {
					changed++
				} else if res.IsFull {
					full++
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, seats-1, changed)
		assert.Equal(t, contenders-(seats-1), full)
		assert.Equal(t, seats, f.activeCount(t, "pool"))
	})
}

// =============================================================================
// UPFRONT COST
// =============================================================================

func upfrontEvent(cutoff *time.Time) enrollment.Event {
	e := newEvent("trip", 8)
	e.UpfrontCost = decimal.RequireFromString("12.50")
	e.UpfrontRefundCutoff = cutoff
	return e
}

func TestPerform_UpfrontCostChargedAndRefunded(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		f.seed(t, []enrollment.Event{upfrontEvent(nil)}, coach("anna"), member("ben"))
		f.do(t, enrollment.ActionAttend, "trip", "anna")

		// Attend charges the cost
		res := f.do(t, enrollment.ActionAttend, "trip", "ben")
		assert.Len(t, res.LedgerEntries, 1)
		assert.Equal(t, "-12.50", f.balance(t, "ben"))

		// Leave with no cutoff refunds it
		res = f.do(t, enrollment.ActionLeave, "trip", "ben")
		assert.Len(t, res.LedgerEntries, 1)
		assert.Equal(t, "0.00", f.balance(t, "ben"))

		// Attend again charges again
		f.do(t, enrollment.ActionAttend, "trip", "ben")
		assert.Equal(t, "-12.50", f.balance(t, "ben"))

		entries, err := ledger.NewLedger(f.store).Entries(context.Background(), "ben")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, ledger.KindCharge, entries[0].Kind)
		assert.Equal(t, ledger.KindRefund, entries[1].Kind)
		assert.Equal(t, "event:trip", entries[1].Reference)
	})
}

func TestPerform_NoRefundAfterCutoff(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		cutoff := baseTime.Add(24 * time.Hour)
		f.seed(t, []enrollment.Event{upfrontEvent(&cutoff)}, coach("anna"), member("ben"))
		f.do(t, enrollment.ActionAttend, "trip", "anna")
		f.do(t, enrollment.ActionAttend, "trip", "ben")

		f.clock.Advance(25 * time.Hour)
		res := f.do(t, enrollment.ActionLeave, "trip", "ben")

		assert.True(t, res.Changed)
		assert.Empty(t, res.LedgerEntries)
		assert.Equal(t, "-12.50", f.balance(t, "ben"))
	})
}

func TestPerform_CascadeAlwaysRefunds(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		cutoff := baseTime.Add(24 * time.Hour)
		f.seed(t, []enrollment.Event{upfrontEvent(&cutoff)}, coach("anna"), member("ben"), member("cleo"))
		for _, u := range []enrollment.UserID{"anna", "ben", "cleo"} {
			f.do(t, enrollment.ActionAttend, "trip", u)
		}

		// GIVEN: The refund cutoff has passed
		f.clock.Advance(25 * time.Hour)

		// WHEN: The coach leaves and the members are removed
		res, err := f.svc.Perform(context.Background(), enrollment.Request{
			Action: enrollment.ActionLeave, EventID: "trip", UserID: "anna", ConfirmCascade: true,
		})
		require.NoError(t, err)

		// THEN: The coach keeps the charge, the members are refunded
		assert.Len(t, res.Cascaded, 2)
		assert.Equal(t, "-12.50", f.balance(t, "anna"))
		assert.Equal(t, "0.00", f.balance(t, "ben"))
		assert.Equal(t, "0.00", f.balance(t, "cleo"))
	})
}

func TestPerform_PayingUserNotCharged(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		f.seed(t, []enrollment.Event{upfrontEvent(nil)}, coach("anna"), member("ben"))
		f.do(t, enrollment.ActionAttend, "trip", "anna")

		res, err := f.svc.Perform(context.Background(), enrollment.Request{
			Action: enrollment.ActionAttend, EventID: "trip", UserID: "ben", IsPaying: paying(true),
		})
		require.NoError(t, err)

		assert.True(t, res.Changed)
		assert.Empty(t, res.LedgerEntries)
		assert.Equal(t, "0.00", f.balance(t, "ben"))
	})
}

// =============================================================================
// DEBT AND SETTINGS
// =============================================================================

func TestPerform_DebtThreshold(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t, []enrollment.Event{newEvent("pool", 5)}, coach("anna"), member("ben"))
		f.do(t, enrollment.ActionAttend, "pool", "anna")
		_, err := ledger.NewLedger(f.store).AppendEntry(ctx, "ben", decimal.RequireFromString("-25"), "Kit hire")
		require.NoError(t, err)

		// Blocked at the default -20 threshold
		_, err = f.svc.Perform(ctx, enrollment.Request{Action: enrollment.ActionAttend, EventID: "pool", UserID: "ben"})
		var notEligible *enrollment.NotEligibleError
		require.True(t, errors.As(err, &notEligible))
		assert.Equal(t, enrollment.ReasonOutstandingDebt, notEligible.Reasons[0].Code)

		// Eligibility mirrors it
		decision, err := f.svc.Eligibility(ctx, "pool", "ben", nil)
		require.NoError(t, err)
		assert.False(t, decision.CanAttend)

		// Paying out-of-band bypasses the rule
		decision, err = f.svc.Eligibility(ctx, "pool", "ben", paying(true))
		require.NoError(t, err)
		assert.True(t, decision.CanAttend)

		// A stored override relaxes the threshold
		require.NoError(t, f.store.WithTx(ctx, func(tx enrollment.Tx) error {
			return tx.SaveSetting(ctx, enrollment.SettingDebtThreshold, "-30")
		}))
		res := f.do(t, enrollment.ActionAttend, "pool", "ben")
		assert.True(t, res.Changed)
	})
}

func TestPerform_PaymentIntentsCollaborator(t *testing.T) {
	store := memory.New()
	intents := enrollment.PaymentIntentsFunc(func(_ context.Context, userID enrollment.UserID, eventID enrollment.EventID) (bool, error) {
		return userID == "ben" && eventID == "pool", nil
	})
	svc := enrollment.NewService(store,
		enrollment.WithClock(func() time.Time { return baseTime }),
		enrollment.WithPaymentIntents(intents),
	)
	f := &fixture{store: store, svc: svc}
	f.seed(t, []enrollment.Event{newEvent("pool", 5)}, coach("anna"), member("ben"), member("cleo"))
	f.do(t, enrollment.ActionAttend, "pool", "anna")

	ctx := context.Background()
	l := ledger.NewLedger(store)
	for _, u := range []enrollment.UserID{"ben", "cleo"} {
		_, err := l.AppendEntry(ctx, u, decimal.RequireFromString("-40"), "Old trip")
		require.NoError(t, err)
	}

	assert.True(t, f.do(t, enrollment.ActionAttend, "pool", "ben").Changed)

	_, err := svc.Perform(ctx, enrollment.Request{Action: enrollment.ActionAttend, EventID: "pool", UserID: "cleo"})
	assert.ErrorIs(t, err, enrollment.ErrNotEligible)
}

func TestPerform_PaymentIntentsFailure(t *testing.T) {
	store := memory.New()
	boom := errors.New("payments down")
	svc := enrollment.NewService(store, enrollment.WithPaymentIntents(enrollment.PaymentIntentsFunc(
		func(context.Context, enrollment.UserID, enrollment.EventID) (bool, error) { return false, boom },
	)))

	_, err := svc.Perform(context.Background(), enrollment.Request{Action: enrollment.ActionAttend, EventID: "pool", UserID: "ben"})
	assert.ErrorIs(t, err, boom)
}

func TestResolveSettings(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	got, err := enrollment.ResolveSettings(ctx, store, enrollment.DefaultSettings())
	require.NoError(t, err)
	assert.True(t, got.DebtThreshold.Equal(decimal.NewFromInt(-20)))
	assert.True(t, got.MembershipCost.Equal(decimal.NewFromInt(50)))

	require.NoError(t, store.WithTx(ctx, func(tx enrollment.Tx) error {
		return tx.SaveSetting(ctx, enrollment.SettingMembershipCost, "65.00")
	}))
	got, err = enrollment.ResolveSettings(ctx, store, enrollment.DefaultSettings())
	require.NoError(t, err)
	assert.True(t, got.MembershipCost.Equal(decimal.NewFromInt(65)))

	require.NoError(t, store.WithTx(ctx, func(tx enrollment.Tx) error {
		return tx.SaveSetting(ctx, enrollment.SettingDebtThreshold, "lots")
	}))
	_, err = enrollment.ResolveSettings(ctx, store, enrollment.DefaultSettings())
	assert.Error(t, err)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestPerform_AuditRecordsActor(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t, []enrollment.Event{newEvent("pool", 5)}, coach("anna"), member("ben"))
		f.do(t, enrollment.ActionAttend, "pool", "anna")

		_, err := f.svc.Perform(ctx, enrollment.Request{
			Action: enrollment.ActionAttend, EventID: "pool", UserID: "ben", ActorID: "anna",
		})
		require.NoError(t, err)

		trail, err := f.svc.AuditTrail(ctx, "pool")
		require.NoError(t, err)
		require.Len(t, trail, 2)
		assert.Equal(t, enrollment.UserID("anna"), trail[0].ActorID)
		assert.Equal(t, enrollment.UserID("anna"), trail[1].ActorID)
		assert.Equal(t, enrollment.UserID("ben"), trail[1].UserID)
		assert.Equal(t, enrollment.AuditAttended, trail[1].Action)
		assert.Equal(t, enrollment.EventID("pool"), trail[1].EventID)
	})
}

func TestPerform_NoAuditForNoop(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t, []enrollment.Event{newEvent("pool", 5)}, member("ben"))

		f.do(t, enrollment.ActionLeave, "pool", "ben")
		f.do(t, enrollment.ActionLeaveWaitlist, "pool", "ben")

		trail, err := f.svc.AuditTrail(ctx, "pool")
		require.NoError(t, err)
		assert.Empty(t, trail)
	})
}
