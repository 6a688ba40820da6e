package enrollment

// =============================================================================
// CAPACITY TRACKER
// =============================================================================

// ActiveCount counts attendees whose row is active. "Left" rows are kept
// for history and never count.
func ActiveCount(attendees []Attendee) int {
	n := 0
	for _, a := range attendees {
		if a.Active() {
			n++
		}
	}
	return n
}

// IsFull reports whether activeCount has reached the event's cap. An event
// with MaxAttendees <= 0 is never full.
func IsFull(event Event, activeCount int) bool {
	if event.Unlimited() {
		return false
	}
	return activeCount >= event.MaxAttendees
}

func activeAttendees(attendees []Attendee) []Attendee {
	out := make([]Attendee, 0, len(attendees))
	for _, a := range attendees {
		if a.Active() {
			out = append(out, a)
		}
	}
	return out
}
