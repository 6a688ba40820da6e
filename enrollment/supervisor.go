/*
supervisor.go - At-least-one-supervisor rule

RULE:
  An event with any active ordinary attendee must also have an active
  supervisor (a user with IsInstructor set at the time of the check).

  - Joining: a non-supervisor cannot attend while no supervisor is active
    (ReasonNoSupervisorYet in eligibility.go).
  - Leaving: when the last active supervisor leaves while ordinary attendees
    remain, every remaining active attendee is moved to "left" in the same
    transaction (the cascade). The leaver must confirm first.

TWO PHASES:
  CheckLeave is the query step: it reports whether a cascade would fire and
  who it would affect. The service commits only with confirmation.
*/
package enrollment

// LeaveCheck is the answer to "can this user leave without a cascade".
type LeaveCheck struct {
	Attending       bool     `json:"attending"`
	Allowed         bool     `json:"allowed"`
	CascadeRequired bool     `json:"cascade_required"`
	Affected        []UserID `json:"affected,omitempty"`
}

// HasSupervisor reports whether any active attendee is a supervisor.
func HasSupervisor(attendees []Attendee) bool {
	for _, a := range attendees {
		if a.Active() && a.IsInstructor {
			return true
		}
	}
	return false
}

// SupervisorSatisfied reports whether the active set respects the rule:
// either empty or containing a supervisor.
func SupervisorSatisfied(attendees []Attendee) bool {
	return len(activeAttendees(attendees)) == 0 || HasSupervisor(attendees)
}

// CheckLeave evaluates userID leaving the event. Leaving is always allowed;
// CascadeRequired is set when userID is the last active supervisor and at
// least one active non-supervisor would remain. Affected lists every other
// active attendee, which the cascade would remove.
func CheckLeave(attendees []Attendee, userID UserID) LeaveCheck {
	var (
		leaving             *Attendee
		otherSupervisors    int
		remainingOrdinaries int
		others              []UserID
	)
	for i := range attendees {
		a := &attendees[i]
		if !a.Active() {
			continue
		}
		if a.UserID == userID {
			leaving = a
			continue
		}
		others = append(others, a.UserID)
		if a.IsInstructor {
			otherSupervisors++
		} else {
			remainingOrdinaries++
		}
	}

	if leaving == nil {
		return LeaveCheck{Attending: false, Allowed: true}
	}
	check := LeaveCheck{Attending: true, Allowed: true}
	if leaving.IsInstructor && otherSupervisors == 0 && remainingOrdinaries > 0 {
		check.CascadeRequired = true
		check.Affected = others
	}
	return check
}
