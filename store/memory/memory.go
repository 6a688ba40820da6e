// Package memory provides an in-memory implementation of enrollment.Store
// for tests and demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ducc/signup-engine/enrollment"
	"github.com/ducc/signup-engine/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type attendanceKey struct {
	EventID enrollment.EventID
	UserID  enrollment.UserID
}

type dataset struct {
	events     map[enrollment.EventID]enrollment.Event
	profiles   map[enrollment.UserID]enrollment.Profile
	attendance map[attendanceKey]enrollment.AttendanceRecord
	waitlist   map[enrollment.EventID][]enrollment.WaitlistEntry
	entries    map[enrollment.UserID][]ledger.Entry
	entryIDs   map[ledger.EntryID]bool
	audit      map[enrollment.EventID][]enrollment.AuditEntry
	settings   map[string]string
	waitSeq    int64
}

func newDataset() *dataset {
	return &dataset{
		events:     make(map[enrollment.EventID]enrollment.Event),
		profiles:   make(map[enrollment.UserID]enrollment.Profile),
		attendance: make(map[attendanceKey]enrollment.AttendanceRecord),
		waitlist:   make(map[enrollment.EventID][]enrollment.WaitlistEntry),
		entries:    make(map[enrollment.UserID][]ledger.Entry),
		entryIDs:   make(map[ledger.EntryID]bool),
		audit:      make(map[enrollment.EventID][]enrollment.AuditEntry),
		settings:   make(map[string]string),
	}
}

// Store is safe for concurrent use. WithTx holds the lock for the whole
// transaction, so transitions are serialized.
type Store struct {
	mu   sync.Mutex
	data *dataset
}

func New() *Store {
	return &Store{data: newDataset()}
}

// WithTx executes fn on a transactional view. On error the state is
// restored from a snapshot taken before fn ran.
func (s *Store) WithTx(ctx context.Context, fn func(enrollment.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&view{data: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Reset drops every row.
func (s *Store) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = newDataset()
	return nil
}

func (s *Store) read() *view {
	return &view{data: s.data}
}

// Reads outside a transaction take the lock for the duration of one call.

func (s *Store) Append(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().Append(ctx, e)
}

func (s *Store) Entries(ctx context.Context, userID enrollment.UserID) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().Entries(ctx, userID)
}

func (s *Store) UserExists(ctx context.Context, userID enrollment.UserID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().UserExists(ctx, userID)
}

func (s *Store) Event(ctx context.Context, id enrollment.EventID) (enrollment.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().Event(ctx, id)
}

func (s *Store) Profile(ctx context.Context, userID enrollment.UserID) (enrollment.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().Profile(ctx, userID)
}

func (s *Store) Attendance(ctx context.Context, eventID enrollment.EventID, userID enrollment.UserID) (enrollment.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().Attendance(ctx, eventID, userID)
}

func (s *Store) Attendees(ctx context.Context, eventID enrollment.EventID) ([]enrollment.Attendee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().Attendees(ctx, eventID)
}

func (s *Store) AttendanceOf(ctx context.Context, userID enrollment.UserID) ([]enrollment.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().AttendanceOf(ctx, userID)
}

func (s *Store) Waitlist(ctx context.Context, eventID enrollment.EventID) ([]enrollment.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().Waitlist(ctx, eventID)
}

func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().Settings(ctx)
}

func (s *Store) AuditTrail(ctx context.Context, eventID enrollment.EventID) ([]enrollment.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().AuditTrail(ctx, eventID)
}

// =============================================================================
// VIEW - Unlocked access to a dataset, used as the Tx
// =============================================================================

type view struct {
	data *dataset
}

var _ enrollment.Tx = (*view)(nil)
var _ enrollment.Store = (*Store)(nil)

func (v *view) Append(_ context.Context, e ledger.Entry) error {
	if v.data.entryIDs[e.ID] {
		return ledger.ErrDuplicateEntry
	}
	txs := v.data.entries[e.UserID]

	// Binary search for insertion point keeps entries chronological even
	// when a backdated entry arrives late.
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].CreatedAt.After(e.CreatedAt)
	})
	txs = append(txs, ledger.Entry{})
	copy(txs[i+1:], txs[i:])
	txs[i] = e
	v.data.entries[e.UserID] = txs
	v.data.entryIDs[e.ID] = true
	return nil
}

func (v *view) Entries(_ context.Context, userID enrollment.UserID) ([]ledger.Entry, error) {
	return append([]ledger.Entry(nil), v.data.entries[userID]...), nil
}

func (v *view) UserExists(_ context.Context, userID enrollment.UserID) (bool, error) {
	_, ok := v.data.profiles[userID]
	return ok, nil
}

func (v *view) Event(_ context.Context, id enrollment.EventID) (enrollment.Event, error) {
	e, ok := v.data.events[id]
	if !ok {
		return enrollment.Event{}, fmt.Errorf("%w: %s", enrollment.ErrEventNotFound, id)
	}
	e.Tags = append([]string(nil), e.Tags...)
	return e, nil
}

func (v *view) LockEvent(ctx context.Context, id enrollment.EventID) (enrollment.Event, error) {
	return v.Event(ctx, id)
}

func (v *view) Profile(_ context.Context, userID enrollment.UserID) (enrollment.Profile, error) {
	p, ok := v.data.profiles[userID]
	if !ok {
		return enrollment.Profile{}, fmt.Errorf("%w: %s", enrollment.ErrUserNotFound, userID)
	}
	return p, nil
}

func (v *view) Attendance(_ context.Context, eventID enrollment.EventID, userID enrollment.UserID) (enrollment.AttendanceRecord, error) {
	r, ok := v.data.attendance[attendanceKey{eventID, userID}]
	if !ok {
		return enrollment.AttendanceRecord{EventID: eventID, UserID: userID, Status: enrollment.AttendanceNone}, nil
	}
	return r, nil
}

func (v *view) Attendees(_ context.Context, eventID enrollment.EventID) ([]enrollment.Attendee, error) {
	var out []enrollment.Attendee
	for k, r := range v.data.attendance {
		if k.EventID != eventID {
			continue
		}
		out = append(out, enrollment.Attendee{
			AttendanceRecord: r,
			IsInstructor:     v.data.profiles[k.UserID].IsInstructor,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (v *view) AttendanceOf(_ context.Context, userID enrollment.UserID) ([]enrollment.AttendanceRecord, error) {
	var out []enrollment.AttendanceRecord
	for k, r := range v.data.attendance {
		if k.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

func (v *view) Waitlist(_ context.Context, eventID enrollment.EventID) ([]enrollment.WaitlistEntry, error) {
	return append([]enrollment.WaitlistEntry(nil), v.data.waitlist[eventID]...), nil
}

func (v *view) Settings(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(v.data.settings))
	for k, val := range v.data.settings {
		out[k] = val
	}
	return out, nil
}

func (v *view) AuditTrail(_ context.Context, eventID enrollment.EventID) ([]enrollment.AuditEntry, error) {
	return append([]enrollment.AuditEntry(nil), v.data.audit[eventID]...), nil
}

func (v *view) SaveEvent(_ context.Context, e enrollment.Event) error {
	e.Tags = append([]string(nil), e.Tags...)
	v.data.events[e.ID] = e
	return nil
}

func (v *view) SaveProfile(_ context.Context, p enrollment.Profile) error {
	v.data.profiles[p.UserID] = p
	return nil
}

func (v *view) SaveSetting(_ context.Context, key, value string) error {
	v.data.settings[key] = value
	return nil
}

func (v *view) SaveAttendance(_ context.Context, r enrollment.AttendanceRecord) error {
	if _, ok := v.data.events[r.EventID]; !ok {
		return fmt.Errorf("%w: %s", enrollment.ErrEventNotFound, r.EventID)
	}
	v.data.attendance[attendanceKey{r.EventID, r.UserID}] = r
	return nil
}

func (v *view) AddToWaitlist(_ context.Context, e enrollment.WaitlistEntry) (int64, error) {
	for _, existing := range v.data.waitlist[e.EventID] {
		if existing.UserID == e.UserID {
			return 0, fmt.Errorf("user %s already waiting for %s", e.UserID, e.EventID)
		}
	}
	v.data.waitSeq++
	e.ID = v.data.waitSeq
	v.data.waitlist[e.EventID] = append(v.data.waitlist[e.EventID], e)
	return e.ID, nil
}

func (v *view) RemoveFromWaitlist(_ context.Context, eventID enrollment.EventID, userID enrollment.UserID) (bool, error) {
	entries := v.data.waitlist[eventID]
	for i, e := range entries {
		if e.UserID == userID {
			v.data.waitlist[eventID] = append(entries[:i:i], entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (v *view) AppendAudit(_ context.Context, e enrollment.AuditEntry) error {
	v.data.audit[e.EventID] = append(v.data.audit[e.EventID], e)
	return nil
}

func (v *view) DeleteUser(_ context.Context, userID enrollment.UserID) error {
	delete(v.data.profiles, userID)
	for eventID := range v.data.waitlist {
		v.RemoveFromWaitlist(context.Background(), eventID, userID)
	}
	return nil
}

// =============================================================================
// SNAPSHOT - Rollback support
// =============================================================================

func (d *dataset) clone() *dataset {
	c := newDataset()
	for k, v := range d.events {
		c.events[k] = v
	}
	for k, v := range d.profiles {
		c.profiles[k] = v
	}
	for k, v := range d.attendance {
		c.attendance[k] = v
	}
	for k, v := range d.waitlist {
		c.waitlist[k] = append([]enrollment.WaitlistEntry(nil), v...)
	}
	for k, v := range d.entries {
		c.entries[k] = append([]ledger.Entry(nil), v...)
	}
	for k, v := range d.entryIDs {
		c.entryIDs[k] = v
	}
	for k, v := range d.audit {
		c.audit[k] = append([]enrollment.AuditEntry(nil), v...)
	}
	for k, v := range d.settings {
		c.settings[k] = v
	}
	c.waitSeq = d.waitSeq
	return c
}
