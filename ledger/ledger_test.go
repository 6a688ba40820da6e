package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/ducc/signup-engine/enrollment"
	"github.com/ducc/signup-engine/ledger"
	"github.com/ducc/signup-engine/store/memory"
	"github.com/ducc/signup-engine/store/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type backend interface {
	enrollment.Store
}

// forEachStore runs fn against every store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, store backend)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, memory.New())
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

func createUser(t *testing.T, store backend, id ledger.UserID) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx enrollment.Tx) error {
		return tx.SaveProfile(context.Background(), enrollment.Profile{UserID: id, Name: string(id)})
	})
	require.NoError(t, err)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// BALANCE
// =============================================================================

func TestBalance_SumOfEntries(t *testing.T) {
	// GIVEN: Entries of +50.00 and -12.34
	// WHEN: Computing the balance
	// THEN: It is exactly 37.66

	forEachStore(t, func(t *testing.T, store backend) {
		ctx := context.Background()
		createUser(t, store, "alice")
		l := ledger.NewLedger(store)

		_, err := l.AppendEntry(ctx, "alice", dec("50.00"), "Paid at the pool")
		require.NoError(t, err)
		_, err = l.AppendEntry(ctx, "alice", dec("-12.34"), "Trip fuel")
		require.NoError(t, err)

		balance, err := l.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "37.66", ledger.FormatAmount(balance))
		assert.True(t, balance.Equal(dec("37.66")))
	})
}

func TestBalance_NoEntriesIsZero(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		createUser(t, store, "alice")

		balance, err := ledger.NewLedger(store).Balance(context.Background(), "alice")
		require.NoError(t, err)
		assert.True(t, balance.IsZero())
		assert.Equal(t, "0.00", ledger.FormatAmount(balance))
	})
}

func TestBalance_EqualsSumAfterEveryAppend(t *testing.T) {
	// GIVEN: A sequence of charges and credits
	// WHEN: Reading the balance after each append
	// THEN: It always equals the exact sum of amounts appended so far

	forEachStore(t, func(t *testing.T, store backend) {
		ctx := context.Background()
		createUser(t, store, "alice")
		l := ledger.NewLedger(store)

		amounts := []string{"0.10", "0.20", "-0.30", "19.99", "-45.01", "100", "-0.01"}
		expected := decimal.Zero
		for _, a := range amounts {
			_, err := l.AppendEntry(ctx, "alice", dec(a), "entry "+a)
			require.NoError(t, err)
			expected = expected.Add(dec(a))

			balance, err := l.Balance(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, balance.Equal(expected), "after %s: got %s want %s", a, balance, expected)
		}
		assert.Equal(t, "74.97", ledger.FormatAmount(expected))
	})
}

func TestSum_OrderIndependent(t *testing.T) {
	entries := []ledger.Entry{
		{Amount: dec("0.10")}, {Amount: dec("-3.33")}, {Amount: dec("7.00")},
	}
	reversed := []ledger.Entry{entries[2], entries[1], entries[0]}

	assert.True(t, ledger.Sum(entries).Equal(ledger.Sum(reversed)))
	assert.Equal(t, "3.77", ledger.FormatAmount(ledger.Sum(entries)))
}

func TestSumReference(t *testing.T) {
	entries := []ledger.Entry{
		{Amount: dec("-10"), Reference: "event:trip"},
		{Amount: dec("-5"), Reference: "event:pool"},
		{Amount: dec("10"), Reference: "event:trip"},
		{Amount: dec("20")},
	}

	assert.True(t, ledger.SumReference(entries, "event:trip").IsZero())
	assert.True(t, ledger.SumReference(entries, "event:pool").Equal(dec("-5")))
}

// =============================================================================
// APPEND
// =============================================================================

func TestAppend_UnknownUser(t *testing.T) {
	// GIVEN: No user "ghost"
	// WHEN: Appending to their ledger
	// THEN: ErrUserNotFound, and nothing is written

	forEachStore(t, func(t *testing.T, store backend) {
		ctx := context.Background()
		l := ledger.NewLedger(store)

		_, err := l.AppendEntry(ctx, "ghost", dec("-5"), "Nope")
		assert.ErrorIs(t, err, ledger.ErrUserNotFound)
		assert.True(t, ledger.IsNotFound(err))

		_, err = l.Balance(ctx, "ghost")
		assert.ErrorIs(t, err, ledger.ErrUserNotFound)

		entries, err := store.Entries(ctx, "ghost")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestAppend_NeverRejectedByBalance(t *testing.T) {
	// GIVEN: A user with an empty ledger
	// WHEN: Charging far below any debt threshold
	// THEN: The append succeeds; gating is the evaluator's job

	forEachStore(t, func(t *testing.T, store backend) {
		ctx := context.Background()
		createUser(t, store, "alice")
		l := ledger.NewLedger(store)

		_, err := l.AppendEntry(ctx, "alice", dec("-1000"), "Boat repair")
		require.NoError(t, err)

		balance, err := l.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "-1000.00", ledger.FormatAmount(balance))
	})
}

func TestAppend_TruncatesToPrecision(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		ctx := context.Background()
		createUser(t, store, "alice")
		l := ledger.NewLedger(store)

		_, err := l.AppendEntry(ctx, "alice", dec("10.129"), "Odd amount")
		require.NoError(t, err)

		balance, err := l.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "10.12", ledger.FormatAmount(balance))
	})
}

func TestAppendEntry_KindFollowsSign(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		ctx := context.Background()
		createUser(t, store, "alice")
		l := ledger.NewLedger(store)

		_, err := l.AppendEntry(ctx, "alice", dec("-3"), "Charge")
		require.NoError(t, err)
		_, err = l.AppendEntry(ctx, "alice", dec("3"), "Credit")
		require.NoError(t, err)

		entries, err := l.Entries(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, ledger.KindCharge, entries[0].Kind)
		assert.Equal(t, ledger.KindCredit, entries[1].Kind)
		assert.NotEmpty(t, entries[0].ID)
		assert.NotEqual(t, entries[0].ID, entries[1].ID)
	})
}

func TestAppend_DuplicateID(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		ctx := context.Background()
		createUser(t, store, "alice")
		l := ledger.NewLedger(store)

		entry := ledger.Entry{ID: "entry-1", UserID: "alice", Amount: dec("5"), Description: "First", Kind: ledger.KindCredit}
		_, err := l.Append(ctx, entry)
		require.NoError(t, err)

		_, err = l.Append(ctx, entry)
		assert.ErrorIs(t, err, ledger.ErrDuplicateEntry)

		balance, err := l.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "5.00", ledger.FormatAmount(balance))
	})
}

// =============================================================================
// HISTORY
// =============================================================================

func TestEntries_OldestFirst(t *testing.T) {
	// GIVEN: Entries written out of chronological order
	// WHEN: Listing the history
	// THEN: They come back ordered by CreatedAt, fields intact

	forEachStore(t, func(t *testing.T, store backend) {
		ctx := context.Background()
		createUser(t, store, "alice")
		l := ledger.NewLedger(store)

		day := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
		_, err := l.Append(ctx, ledger.Entry{
			UserID: "alice", Amount: dec("-12.34"), Description: "Trip", Kind: ledger.KindCharge,
			Reference: "event:trip", CreatedBy: "coach", CreatedAt: day.Add(time.Hour),
		})
		require.NoError(t, err)
		_, err = l.Append(ctx, ledger.Entry{
			UserID: "alice", Amount: dec("50"), Description: "Cash", Kind: ledger.KindCredit, CreatedAt: day,
		})
		require.NoError(t, err)

		entries, err := l.Entries(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, "Cash", entries[0].Description)
		assert.True(t, entries[0].CreatedAt.Equal(day))
		assert.Equal(t, "Trip", entries[1].Description)
		assert.Equal(t, "event:trip", entries[1].Reference)
		assert.Equal(t, "coach", entries[1].CreatedBy)
		assert.Equal(t, "-12.34", ledger.FormatAmount(entries[1].Amount))
	})
}

func TestAppend_UsesLedgerClock(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		ctx := context.Background()
		createUser(t, store, "alice")

		fixed := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)
		l := &ledger.DefaultLedger{Store: store, Now: func() time.Time { return fixed }}

		_, err := l.AppendEntry(ctx, "alice", dec("1"), "Tip")
		require.NoError(t, err)

		entries, err := l.Entries(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].CreatedAt.Equal(fixed))
	})
}
