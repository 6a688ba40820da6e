/*
ledger.go - Append-only account ledger

PURPOSE:
  The Ledger is the source of truth for a member's account. Balance is
  always computed by summing entries - there is no balance column that
  can drift from the entries.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IMMUTABLE: Once written, entries cannot be modified
  3. DERIVED BALANCE: Balance(user) == sum(entry.Amount) for that user
  4. NEUTRAL: Appends are never rejected because of the resulting balance.
     Gating on balance belongs to the eligibility rules.

CORRECTIONS:
  A refund or reversal is a new entry with the opposite sign. Both entries
  stay in the ledger.

EXAMPLE FLOW:
  1. Member joins the club:        -50.00 membership fee
  2. Pays at the pool session:     +50.00 credit
  3. Signs up for a paid trip:     -12.34 upfront cost
  4. Leaves before refund cutoff:  +12.34 refund

  Ledger: [-50.00, +50.00, -12.34, +12.34] = 0.00

SEE ALSO:
  - store.go: Low-level persistence interface
  - membership/: Fee and adjustment flows writing to the ledger
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER - Append-only entry log
// =============================================================================

// Ledger records signed monetary entries and derives balances from them.
type Ledger interface {
	// AppendEntry records amount for the user and returns the new entry id.
	// Fails with ErrUserNotFound if the user does not exist.
	AppendEntry(ctx context.Context, userID UserID, amount decimal.Decimal, description string) (EntryID, error)

	// Append records a fully described entry. ID and CreatedAt are filled
	// in when empty.
	Append(ctx context.Context, entry Entry) (EntryID, error)

	// Balance recomputes the user's balance from scratch.
	Balance(ctx context.Context, userID UserID) (decimal.Decimal, error)

	// Entries returns the user's entries, oldest first.
	Entries(ctx context.Context, userID UserID) ([]Entry, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
	Now   func() time.Time
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store, Now: time.Now}
}

func (l *DefaultLedger) AppendEntry(ctx context.Context, userID UserID, amount decimal.Decimal, description string) (EntryID, error) {
	kind := KindCharge
	if amount.IsPositive() {
		kind = KindCredit
	}
	return l.Append(ctx, Entry{
		UserID:      userID,
		Amount:      amount,
		Description: description,
		Kind:        kind,
	})
}

func (l *DefaultLedger) Append(ctx context.Context, entry Entry) (EntryID, error) {
	if err := l.requireUser(ctx, entry.UserID); err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = EntryID(uuid.NewString())
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.Amount = Normalize(entry.Amount)

	if err := l.Store.Append(ctx, entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (l *DefaultLedger) Balance(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	entries, err := l.Entries(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return Sum(entries), nil
}

func (l *DefaultLedger) Entries(ctx context.Context, userID UserID) ([]Entry, error) {
	if err := l.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	return l.Store.Entries(ctx, userID)
}

func (l *DefaultLedger) requireUser(ctx context.Context, userID UserID) error {
	ok, err := l.Store.UserExists(ctx, userID)
	if err != nil {
		return fmt.Errorf("check user %s: %w", userID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return nil
}

func (l *DefaultLedger) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}
