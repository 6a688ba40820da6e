package enrollment

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ducc/signup-engine/ledger"
)

// operation is one Perform call inside its transaction.
type operation struct {
	svc    *Service
	tx     Tx
	req    Request
	snap   *snapshot
	now    time.Time
	paying bool
	ledger *ledger.DefaultLedger
}

func (op *operation) result(state State, changed bool) Result {
	return Result{
		Action:  op.req.Action,
		EventID: op.req.EventID,
		UserID:  op.req.UserID,
		State:   state,
		Changed: changed,
		IsFull:  IsFull(op.snap.event, ActiveCount(op.snap.attendees)),
	}
}

func (op *operation) audit(ctx context.Context, action AuditAction, userID UserID, opts ...auditOption) error {
	entry := newAuditEntry(op.now, op.req.ActorID, action, op.req.EventID, userID, opts...)
	if err := op.tx.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

// =============================================================================
// ATTEND
// =============================================================================

func (op *operation) attend(ctx context.Context) (Result, error) {
	switch op.snap.state {
	case StateAttending:
		return op.result(StateAttending, false), nil
	case StateOnWaitlist:
		return Result{}, fmt.Errorf("%w: leave the waiting list of %s first", ErrOnWaitlist, op.req.EventID)
	}

	settings, err := ResolveSettings(ctx, op.tx, op.svc.defaults)
	if err != nil {
		return Result{}, err
	}
	decision := op.snap.evaluate(op.now, op.paying, settings.DebtThreshold)
	if decision.Blocked() {
		return Result{}, &NotEligibleError{
			EventID: op.req.EventID,
			UserID:  op.req.UserID,
			Reasons: decision.Reasons,
		}
	}
	if decision.IsFull {
		// Lost the last seat or the page was stale; the only option now is
		// the waiting list.
		return op.result(StateNotAttending, false), nil
	}

	record := AttendanceRecord{
		EventID:   op.req.EventID,
		UserID:    op.req.UserID,
		Status:    AttendanceActive,
		JoinedAt:  op.now,
		UpdatedAt: op.now,
	}
	if err := op.tx.SaveAttendance(ctx, record); err != nil {
		return Result{}, fmt.Errorf("save attendance: %w", err)
	}
	op.markActive(op.req.UserID)

	res := op.result(StateAttending, true)
	if id, charged, err := op.chargeUpfront(ctx); err != nil {
		return Result{}, err
	} else if charged {
		res.LedgerEntries = append(res.LedgerEntries, id)
	}
	if err := op.audit(ctx, AuditAttended, op.req.UserID); err != nil {
		return Result{}, err
	}
	return res, nil
}

// chargeUpfront appends the event's upfront cost unless the user pays
// out-of-band or still holds an unrefunded charge for this event.
func (op *operation) chargeUpfront(ctx context.Context) (ledger.EntryID, bool, error) {
	event := op.snap.event
	if !event.UpfrontCost.IsPositive() || op.paying {
		return "", false, nil
	}
	if ledger.SumReference(op.snap.entries, event.ledgerReference()).IsNegative() {
		return "", false, nil
	}
	id, err := op.ledger.Append(ctx, ledger.Entry{
		UserID:      op.req.UserID,
		Amount:      event.UpfrontCost.Neg(),
		Description: "Upfront cost: " + event.Title,
		Kind:        ledger.KindCharge,
		Reference:   event.ledgerReference(),
		CreatedBy:   string(op.req.ActorID),
		CreatedAt:   op.now,
	})
	if err != nil {
		return "", false, fmt.Errorf("charge upfront cost: %w", err)
	}
	return id, true, nil
}

// =============================================================================
// LEAVE
// =============================================================================

func (op *operation) leave(ctx context.Context) (Result, error) {
	if op.snap.state != StateAttending {
		return op.result(op.snap.state, false), nil
	}

	check := CheckLeave(op.snap.attendees, op.req.UserID)
	if check.CascadeRequired && !op.req.ConfirmCascade {
		return Result{}, &CascadeRequiredError{
			EventID:  op.req.EventID,
			UserID:   op.req.UserID,
			Affected: check.Affected,
		}
	}

	res := op.result(StateNotAttending, true)
	refundDue := op.refundWindowOpen()

	id, refunded, err := op.markLeft(ctx, op.req.UserID, refundDue)
	if err != nil {
		return Result{}, err
	}
	if refunded {
		res.LedgerEntries = append(res.LedgerEntries, id)
	}
	if err := op.audit(ctx, AuditLeft, op.req.UserID, withDetail("refunded", strconv.FormatBool(refunded))); err != nil {
		return Result{}, err
	}

	if check.CascadeRequired {
		for _, userID := range check.Affected {
			if a, ok := op.snap.attendee(userID); !ok || !a.Active() {
				continue
			}
			// Removed through no fault of their own: always refunded.
			id, refunded, err := op.markLeft(ctx, userID, true)
			if err != nil {
				return Result{}, err
			}
			if refunded {
				res.LedgerEntries = append(res.LedgerEntries, id)
			}
			if err := op.audit(ctx, AuditCascadeLeft, userID,
				withDetail("supervisor", string(op.req.UserID)),
				withDetail("refunded", strconv.FormatBool(refunded)),
			); err != nil {
				return Result{}, err
			}
			res.Cascaded = append(res.Cascaded, userID)
		}
	}
	res.IsFull = IsFull(op.snap.event, ActiveCount(op.snap.attendees))
	return res, nil
}

func (op *operation) refundWindowOpen() bool {
	cutoff := op.snap.event.UpfrontRefundCutoff
	return cutoff == nil || op.now.Before(*cutoff)
}

// markLeft flips the user's row to "left" and, when refund is set, offsets
// any outstanding upfront-cost charge for this event.
func (op *operation) markLeft(ctx context.Context, userID UserID, refund bool) (ledger.EntryID, bool, error) {
	a, _ := op.snap.attendee(userID)
	record := a.AttendanceRecord
	record.Status = AttendanceLeft
	record.UpdatedAt = op.now
	if err := op.tx.SaveAttendance(ctx, record); err != nil {
		return "", false, fmt.Errorf("save attendance for %s: %w", userID, err)
	}
	op.markInactive(userID)

	if !refund {
		return "", false, nil
	}
	entries := op.snap.entries
	if userID != op.req.UserID {
		var err error
		if entries, err = op.tx.Entries(ctx, userID); err != nil {
			return "", false, fmt.Errorf("ledger for %s: %w", userID, err)
		}
	}
	held := ledger.SumReference(entries, op.snap.event.ledgerReference())
	if !held.IsNegative() {
		return "", false, nil
	}
	id, err := op.ledger.Append(ctx, ledger.Entry{
		UserID:      userID,
		Amount:      held.Neg(),
		Description: "Refund: " + op.snap.event.Title,
		Kind:        ledger.KindRefund,
		Reference:   op.snap.event.ledgerReference(),
		CreatedBy:   string(op.req.ActorID),
		CreatedAt:   op.now,
	})
	if err != nil {
		return "", false, fmt.Errorf("refund upfront cost: %w", err)
	}
	return id, true, nil
}

// =============================================================================
// WAITLIST
// =============================================================================

func (op *operation) joinWaitlist(ctx context.Context) (Result, error) {
	switch op.snap.state {
	case StateAttending:
		return Result{}, fmt.Errorf("%w: %s attends %s", ErrAlreadyActive, op.req.UserID, op.req.EventID)
	case StateOnWaitlist:
		res := op.result(StateOnWaitlist, false)
		res.Position, _ = Position(op.snap.waitlist, op.req.UserID)
		return res, nil
	}

	if r, ok := timingReason(op.snap.event, op.now); ok {
		return Result{}, &NotEligibleError{
			EventID: op.req.EventID,
			UserID:  op.req.UserID,
			Reasons: []BlockingReason{r},
		}
	}
	if !IsFull(op.snap.event, ActiveCount(op.snap.attendees)) {
		return Result{}, fmt.Errorf("%w: %s has room", ErrEventNotFull, op.req.EventID)
	}

	entry := WaitlistEntry{EventID: op.req.EventID, UserID: op.req.UserID, JoinedAt: op.now}
	id, err := op.tx.AddToWaitlist(ctx, entry)
	if err != nil {
		return Result{}, fmt.Errorf("join waitlist: %w", err)
	}
	entry.ID = id
	op.snap.waitlist = append(op.snap.waitlist, entry)

	res := op.result(StateOnWaitlist, true)
	res.Position, _ = Position(op.snap.waitlist, op.req.UserID)
	if err := op.audit(ctx, AuditWaitlistJoin, op.req.UserID, withDetail("position", strconv.Itoa(res.Position))); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (op *operation) leaveWaitlist(ctx context.Context) (Result, error) {
	if op.snap.state != StateOnWaitlist {
		return op.result(op.snap.state, false), nil
	}
	removed, err := op.tx.RemoveFromWaitlist(ctx, op.req.EventID, op.req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("leave waitlist: %w", err)
	}
	if !removed {
		return op.result(StateNotAttending, false), nil
	}
	if err := op.audit(ctx, AuditWaitlistLeave, op.req.UserID); err != nil {
		return Result{}, err
	}
	return op.result(StateNotAttending, true), nil
}

// =============================================================================
// SNAPSHOT BOOKKEEPING
// =============================================================================

func (op *operation) markActive(userID UserID) {
	for i := range op.snap.attendees {
		if op.snap.attendees[i].UserID == userID {
			op.snap.attendees[i].Status = AttendanceActive
			return
		}
	}
	op.snap.attendees = append(op.snap.attendees, Attendee{
		AttendanceRecord: AttendanceRecord{EventID: op.req.EventID, UserID: userID, Status: AttendanceActive, JoinedAt: op.now},
		IsInstructor:     op.snap.profile.IsInstructor,
	})
}

func (op *operation) markInactive(userID UserID) {
	for i := range op.snap.attendees {
		if op.snap.attendees[i].UserID == userID {
			op.snap.attendees[i].Status = AttendanceLeft
		}
	}
}
