package enrollment

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditAttended      AuditAction = "attended"
	AuditLeft          AuditAction = "left"
	AuditCascadeLeft   AuditAction = "cascade_left"
	AuditWaitlistJoin  AuditAction = "waitlist_joined"
	AuditWaitlistLeave AuditAction = "waitlist_left"
)

// AuditEntry records one committed transition. Written in the same
// transaction as the transition itself.
type AuditEntry struct {
	ID      string
	At      time.Time
	ActorID UserID
	Action  AuditAction
	EventID EventID
	UserID  UserID
	Detail  map[string]string
}

type auditOption func(*AuditEntry)

func withDetail(key, value string) auditOption {
	return func(e *AuditEntry) {
		e.Detail[key] = value
	}
}

func newAuditEntry(at time.Time, actor UserID, action AuditAction, eventID EventID, userID UserID, opts ...auditOption) AuditEntry {
	e := AuditEntry{
		ID:      uuid.NewString(),
		At:      at.UTC(),
		ActorID: actor,
		Action:  action,
		EventID: eventID,
		UserID:  userID,
		Detail:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}
