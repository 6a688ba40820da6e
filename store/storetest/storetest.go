/*
Package storetest is the behavior every enrollment.Store must share.

Each store package runs it from its own tests:

	func TestConformance(t *testing.T) {
		storetest.Run(t, func(t *testing.T) storetest.Backend { return memory.New() })
	}

Times used here are whole microseconds so databases with microsecond
timestamps round-trip them exactly.
*/
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ducc/signup-engine/enrollment"
	"github.com/ducc/signup-engine/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Backend is a store that can also be wiped.
type Backend interface {
	enrollment.Store
	Reset(ctx context.Context) error
}

var day = time.Date(2026, time.July, 11, 9, 30, 0, 123456000, time.UTC)

// Run executes the suite. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Backend)
	}{
		{"EventRoundTrip", testEventRoundTrip},
		{"ProfileUpsert", testProfileUpsert},
		{"AttendanceRows", testAttendanceRows},
		{"WaitlistEntries", testWaitlistEntries},
		{"LedgerEntries", testLedgerEntries},
		{"SettingsOverwrite", testSettingsOverwrite},
		{"AuditTrail", testAuditTrail},
		{"RollbackOnError", testRollbackOnError},
		{"DeleteUserKeepsHistory", testDeleteUserKeepsHistory},
		{"Reset", testReset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func write(t *testing.T, s Backend, fn func(ctx context.Context, tx enrollment.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx enrollment.Tx) error { return fn(ctx, tx) }))
}

func seedBasics(t *testing.T, s Backend) {
	t.Helper()
	write(t, s, func(ctx context.Context, tx enrollment.Tx) error {
		for _, p := range []enrollment.Profile{
			{UserID: "anna", Name: "Anna", IsMember: true, FilledLegalInfo: true, IsInstructor: true},
			{UserID: "ben", Name: "Ben", IsMember: true, FilledLegalInfo: true},
			{UserID: "cleo", Name: "Cleo", FreeSessions: 2},
		} {
			if err := tx.SaveProfile(ctx, p); err != nil {
				return err
			}
		}
		return tx.SaveEvent(ctx, enrollment.Event{
			ID: "pool", Title: "Pool", Start: day.Add(48 * time.Hour), End: day.Add(50 * time.Hour), MaxAttendees: 4,
		})
	})
}

// =============================================================================
// EVENTS / PROFILES
// =============================================================================

func testEventRoundTrip(t *testing.T, s Backend) {
	ctx := context.Background()
	cutoff := day.Add(24 * time.Hour)
	want := enrollment.Event{
		ID:                  "trip",
		Title:               "River Trip",
		Start:               day.Add(72 * time.Hour),
		End:                 day.Add(80 * time.Hour),
		Location:            "Upper weir",
		MaxAttendees:        8,
		DifficultyLevel:     "grade-2",
		UpfrontCost:         decimal.RequireFromString("12.50"),
		UpfrontRefundCutoff: &cutoff,
		Tags:                []string{"river", "weekend"},
	}
	write(t, s, func(ctx context.Context, tx enrollment.Tx) error { return tx.SaveEvent(ctx, want) })

	got, err := s.Event(ctx, "trip")
	require.NoError(t, err)
	assert.Equal(t, want.Title, got.Title)
	assert.True(t, want.Start.Equal(got.Start))
	assert.True(t, want.End.Equal(got.End))
	assert.Equal(t, want.Location, got.Location)
	assert.Equal(t, 8, got.MaxAttendees)
	assert.Equal(t, "grade-2", got.DifficultyLevel)
	assert.True(t, got.UpfrontCost.Equal(want.UpfrontCost), got.UpfrontCost.String())
	require.NotNil(t, got.UpfrontRefundCutoff)
	assert.True(t, cutoff.Equal(*got.UpfrontRefundCutoff))
	assert.Equal(t, want.Tags, got.Tags)
	assert.False(t, got.IsCanceled)

	// Upsert
	want.IsCanceled = true
	want.UpfrontRefundCutoff = nil
	write(t, s, func(ctx context.Context, tx enrollment.Tx) error { return tx.SaveEvent(ctx, want) })
	got, err = s.Event(ctx, "trip")
	require.NoError(t, err)
	assert.True(t, got.IsCanceled)
	assert.Nil(t, got.UpfrontRefundCutoff)

	_, err = s.Event(ctx, "missing")
	assert.ErrorIs(t, err, enrollment.ErrEventNotFound)
}

func testProfileUpsert(t *testing.T, s Backend) {
	ctx := context.Background()
	seedBasics(t, s)

	got, err := s.Profile(ctx, "cleo")
	require.NoError(t, err)
	assert.Equal(t, enrollment.Profile{UserID: "cleo", Name: "Cleo", FreeSessions: 2}, got)

	got.IsMember = true
	got.FreeSessions = 0
	write(t, s, func(ctx context.Context, tx enrollment.Tx) error { return tx.SaveProfile(ctx, got) })

	again, err := s.Profile(ctx, "cleo")
	require.NoError(t, err)
	assert.Equal(t, got, again)

	ok, err := s.UserExists(ctx, "cleo")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.UserExists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Profile(ctx, "ghost")
	assert.ErrorIs(t, err, enrollment.ErrUserNotFound)
}

// =============================================================================
// ATTENDANCE / WAITLIST
// =============================================================================

func testAttendanceRows(t *testing.T, s Backend) {
	ctx := context.Background()
	seedBasics(t, s)

	none, err := s.Attendance(ctx, "pool", "ben")
	require.NoError(t, err)
	assert.Equal(t, enrollment.AttendanceNone, none.Status)

	write(t, s, func(ctx context.Context, tx enrollment.Tx) error {
		for i, u := range []enrollment.UserID{"ben", "anna"} {
			at := day.Add(time.Duration(i) * time.Minute)
			if err := tx.SaveAttendance(ctx, enrollment.AttendanceRecord{
				EventID: "pool", UserID: u, Status: enrollment.AttendanceActive, JoinedAt: at, UpdatedAt: at,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	// Flipping to "left" keeps the row
	write(t, s, func(ctx context.Context, tx enrollment.Tx) error {
		return tx.SaveAttendance(ctx, enrollment.AttendanceRecord{
			EventID: "pool", UserID: "ben", Status: enrollment.AttendanceLeft, JoinedAt: day, UpdatedAt: day.Add(time.Hour),
		})
	})

	rec, err := s.Attendance(ctx, "pool", "ben")
	require.NoError(t, err)
	assert.Equal(t, enrollment.AttendanceLeft, rec.Status)
	assert.True(t, rec.JoinedAt.Equal(day))
	assert.True(t, rec.UpdatedAt.Equal(day.Add(time.Hour)))

	attendees, err := s.Attendees(ctx, "pool")
	require.NoError(t, err)
	require.Len(t, attendees, 2)
	assert.Equal(t, enrollment.UserID("ben"), attendees[0].UserID)
	assert.False(t, attendees[0].IsInstructor)
	assert.Equal(t, enrollment.UserID("anna"), attendees[1].UserID)
	assert.True(t, attendees[1].IsInstructor)
	assert.Equal(t, 1, enrollment.ActiveCount(attendees))

	mine, err := s.AttendanceOf(ctx, "ben")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, enrollment.EventID("pool"), mine[0].EventID)
	assert.Equal(t, enrollment.AttendanceLeft, mine[0].Status)
	assert.True(t, mine[0].JoinedAt.Equal(day))

	cleos, err := s.AttendanceOf(ctx, "cleo")
	require.NoError(t, err)
	assert.Empty(t, cleos)

	err = s.WithTx(ctx, func(tx enrollment.Tx) error {
		return tx.SaveAttendance(ctx, enrollment.AttendanceRecord{
			EventID: "missing", UserID: "ben", Status: enrollment.AttendanceActive, JoinedAt: day, UpdatedAt: day,
		})
	})
	assert.Error(t, err)
}

func testWaitlistEntries(t *testing.T, s Backend) {
	ctx := context.Background()
	seedBasics(t, s)

	var ids []int64
	write(t, s, func(ctx context.Context, tx enrollment.Tx) error {
		for _, u := range []enrollment.UserID{"cleo", "ben"} {
			id, err := tx.AddToWaitlist(ctx, enrollment.WaitlistEntry{EventID: "pool", UserID: u, JoinedAt: day})
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	require.Len(t, ids, 2)
	assert.Less(t, ids[0], ids[1])

	entries, err := s.Waitlist(ctx, "pool")
	require.NoError(t, err)
	assert.Equal(t, []enrollment.UserID{"cleo", "ben"}, enrollment.Ordered(entries))

	err = s.WithTx(ctx, func(tx enrollment.Tx) error {
		_, err := tx.AddToWaitlist(ctx, enrollment.WaitlistEntry{EventID: "pool", UserID: "cleo", JoinedAt: day})
		return err
	})
	assert.Error(t, err)

	var removed, again bool
	write(t, s, func(ctx context.Context, tx enrollment.Tx) error {
		var err error
		if removed, err = tx.RemoveFromWaitlist(ctx, "pool", "cleo"); err != nil {
			return err
		}
		again, err = tx.RemoveFromWaitlist(ctx, "pool", "cleo")
		return err
	})
	assert.True(t, removed)
	assert.False(t, again)

	entries, err = s.Waitlist(ctx, "pool")
	require.NoError(t, err)
	assert.Equal(t, []enrollment.UserID{"ben"}, enrollment.Ordered(entries))
}

// =============================================================================
// LEDGER / SETTINGS / AUDIT
// =============================================================================

func testLedgerEntries(t *testing.T, s Backend) {
	ctx := context.Background()
	seedBasics(t, s)

	entries := []ledger.Entry{
		{ID: "e2", UserID: "ben", Amount: decimal.RequireFromString("-12.34"), Description: "Trip", Kind: ledger.KindCharge, Reference: "event:trip", CreatedBy: "anna", CreatedAt: day},
		{ID: "e1", UserID: "ben", Amount: decimal.RequireFromString("50.00"), Description: "Cash", Kind: ledger.KindCredit, CreatedAt: day},
		{ID: "e0", UserID: "ben", Amount: decimal.RequireFromString("1.00"), Description: "Earlier", Kind: ledger.KindAdjustment, CreatedAt: day.Add(-time.Hour)},
		{ID: "x1", UserID: "anna", Amount: decimal.RequireFromString("-3"), Description: "Other", Kind: ledger.KindCharge, CreatedAt: day},
	}
	for _, e := range entries {
		require.NoError(t, s.Append(ctx, e))
	}
	assert.ErrorIs(t, s.Append(ctx, entries[0]), ledger.ErrDuplicateEntry)

	got, err := s.Entries(ctx, "ben")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ledger.EntryID("e0"), got[0].ID)
	assert.Equal(t, ledger.EntryID("e2"), got[1].ID) // same CreatedAt: insertion order
	assert.Equal(t, ledger.EntryID("e1"), got[2].ID)
	assert.Equal(t, "38.66", ledger.FormatAmount(ledger.Sum(got)))

	assert.Equal(t, "Trip", got[1].Description)
	assert.Equal(t, ledger.KindCharge, got[1].Kind)
	assert.Equal(t, "event:trip", got[1].Reference)
	assert.Equal(t, "anna", got[1].CreatedBy)
	assert.True(t, got[1].CreatedAt.Equal(day))

	none, err := s.Entries(ctx, "cleo")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testSettingsOverwrite(t *testing.T, s Backend) {
	ctx := context.Background()

	settings, err := s.Settings(ctx)
	require.NoError(t, err)
	assert.Empty(t, settings)

	write(t, s, func(ctx context.Context, tx enrollment.Tx) error {
		if err := tx.SaveSetting(ctx, enrollment.SettingDebtThreshold, "-20"); err != nil {
			return err
		}
		return tx.SaveSetting(ctx, enrollment.SettingDebtThreshold, "-35.50")
	})

	settings, err = s.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{enrollment.SettingDebtThreshold: "-35.50"}, settings)
}

func testAuditTrail(t *testing.T, s Backend) {
	ctx := context.Background()
	seedBasics(t, s)

	write(t, s, func(ctx context.Context, tx enrollment.Tx) error {
		for i, a := range []enrollment.AuditAction{enrollment.AuditAttended, enrollment.AuditLeft} {
			if err := tx.AppendAudit(ctx, enrollment.AuditEntry{
				ID:      string(a),
				At:      day,
				ActorID: "anna",
				Action:  a,
				EventID: "pool",
				UserID:  "ben",
				Detail:  map[string]string{"step": string(rune('a' + i))},
			}); err != nil {
				return err
			}
		}
		return nil
	})

	trail, err := s.AuditTrail(ctx, "pool")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, enrollment.AuditAttended, trail[0].Action)
	assert.Equal(t, enrollment.AuditLeft, trail[1].Action)
	assert.Equal(t, enrollment.UserID("anna"), trail[0].ActorID)
	assert.Equal(t, map[string]string{"step": "b"}, trail[1].Detail)
	assert.True(t, trail[0].At.Equal(day))

	other, err := s.AuditTrail(ctx, "trip")
	require.NoError(t, err)
	assert.Empty(t, other)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testRollbackOnError(t *testing.T, s Backend) {
	ctx := context.Background()
	seedBasics(t, s)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx enrollment.Tx) error {
		if err := tx.SaveAttendance(ctx, enrollment.AttendanceRecord{
			EventID: "pool", UserID: "ben", Status: enrollment.AttendanceActive, JoinedAt: day, UpdatedAt: day,
		}); err != nil {
			return err
		}
		if err := tx.Append(ctx, ledger.Entry{
			ID: "r1", UserID: "ben", Amount: decimal.NewFromInt(-5), Description: "Rolled back", Kind: ledger.KindCharge, CreatedAt: day,
		}); err != nil {
			return err
		}
		// Writes are visible inside the transaction
		rec, err := tx.Attendance(ctx, "pool", "ben")
		if err != nil {
			return err
		}
		if !rec.Active() {
			return errors.New("attendance not visible inside transaction")
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rec, err := s.Attendance(ctx, "pool", "ben")
	require.NoError(t, err)
	assert.Equal(t, enrollment.AttendanceNone, rec.Status)

	entries, err := s.Entries(ctx, "ben")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testDeleteUserKeepsHistory(t *testing.T, s Backend) {
	ctx := context.Background()
	seedBasics(t, s)

	write(t, s, func(ctx context.Context, tx enrollment.Tx) error {
		if err := tx.SaveAttendance(ctx, enrollment.AttendanceRecord{
			EventID: "pool", UserID: "cleo", Status: enrollment.AttendanceLeft, JoinedAt: day, UpdatedAt: day,
		}); err != nil {
			return err
		}
		if _, err := tx.AddToWaitlist(ctx, enrollment.WaitlistEntry{EventID: "pool", UserID: "cleo", JoinedAt: day}); err != nil {
			return err
		}
		return tx.Append(ctx, ledger.Entry{
			ID: "c1", UserID: "cleo", Amount: decimal.NewFromInt(5), Description: "Credit", Kind: ledger.KindCredit, CreatedAt: day,
		})
	})

	write(t, s, func(ctx context.Context, tx enrollment.Tx) error { return tx.DeleteUser(ctx, "cleo") })

	_, err := s.Profile(ctx, "cleo")
	assert.ErrorIs(t, err, enrollment.ErrUserNotFound)

	// The "left" row stays in the history without its profile
	attendees, err := s.Attendees(ctx, "pool")
	require.NoError(t, err)
	require.Len(t, attendees, 1)
	assert.Equal(t, enrollment.UserID("cleo"), attendees[0].UserID)
	assert.Equal(t, enrollment.AttendanceLeft, attendees[0].Status)
	assert.False(t, attendees[0].IsInstructor)

	waiting, err := s.Waitlist(ctx, "pool")
	require.NoError(t, err)
	assert.Empty(t, waiting)

	entries, err := s.Entries(ctx, "cleo")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testReset(t *testing.T, s Backend) {
	ctx := context.Background()
	seedBasics(t, s)
	require.NoError(t, s.Append(ctx, ledger.Entry{
		ID: "z1", UserID: "ben", Amount: decimal.NewFromInt(1), Description: "x", Kind: ledger.KindCredit, CreatedAt: day,
	}))

	require.NoError(t, s.Reset(ctx))

	_, err := s.Event(ctx, "pool")
	assert.ErrorIs(t, err, enrollment.ErrEventNotFound)
	ok, err := s.UserExists(ctx, "ben")
	require.NoError(t, err)
	assert.False(t, ok)
	entries, err := s.Entries(ctx, "ben")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Usable again after a reset
	seedBasics(t, s)
	_, err = s.Event(ctx, "pool")
	assert.NoError(t, err)
}
