package enrollment

import "sort"

// =============================================================================
// WAITLIST MANAGER
// =============================================================================

// Summary is what an ordinary user sees of a waiting list.
type Summary struct {
	Count    int  `json:"count"`
	Position *int `json:"position"`
}

// sortWaitlist orders entries by JoinedAt, ties broken by ID.
func sortWaitlist(entries []WaitlistEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].JoinedAt.Before(entries[j].JoinedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

// Position returns the 1-indexed position of userID, or false when the user
// is not waiting.
func Position(entries []WaitlistEntry, userID UserID) (int, bool) {
	ordered := append([]WaitlistEntry(nil), entries...)
	sortWaitlist(ordered)
	for i, e := range ordered {
		if e.UserID == userID {
			return i + 1, true
		}
	}
	return 0, false
}

// Ordered returns the waiting users, front of the queue first.
func Ordered(entries []WaitlistEntry) []UserID {
	ordered := append([]WaitlistEntry(nil), entries...)
	sortWaitlist(ordered)
	users := make([]UserID, len(ordered))
	for i, e := range ordered {
		users[i] = e.UserID
	}
	return users
}

// Summarize returns the total waiting count and userID's position.
func Summarize(entries []WaitlistEntry, userID UserID) Summary {
	s := Summary{Count: len(entries)}
	if pos, ok := Position(entries, userID); ok {
		s.Position = &pos
	}
	return s
}
