/*
Package ledger provides the append-only account ledger of the signup engine.

PURPOSE:
  Every monetary change to a member's account (membership fee, event upfront
  cost, refunds, administrative credit/debit) is recorded as an immutable
  signed Entry. A user's balance is never stored: it is recomputed by summing
  that user's entries on every read.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: An immutable signed amount with description and audit fields
  - Kind: What produced the entry (charge, refund, membership fee, ...)
  - Precision: Currency precision (two decimal places, truncated at write)

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified or deleted, only offset
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Derived balance: sum(amount) over the user's entries, nothing cached

USAGE:
  l := ledger.NewLedger(store)
  id, err := l.AppendEntry(ctx, "user-1", decimal.RequireFromString("-12.34"), "Kayak hire")
  balance, err := l.Balance(ctx, "user-1")

SEE ALSO:
  - ledger.go: Ledger interface and DefaultLedger
  - store.go: Persistence contract
  - errors.go: Sentinel and structured errors
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places kept for currency amounts.
const Precision int32 = 2

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string

// =============================================================================
// ENTRY - Immutable signed amount
// =============================================================================

type Kind string

const (
	KindCharge        Kind = "charge"         // Money owed by the member (negative)
	KindCredit        Kind = "credit"         // Money paid in by the member (positive)
	KindRefund        Kind = "refund"         // Offset of an earlier charge
	KindMembershipFee Kind = "membership_fee" // Yearly membership fee
	KindAdjustment    Kind = "adjustment"     // Manual admin correction, either sign
)

type Entry struct {
	ID          EntryID
	UserID      UserID
	Amount      decimal.Decimal
	Description string
	Kind        Kind

	// Reference ties the entry to what caused it, e.g. "event:kayak-42".
	Reference string

	CreatedBy string
	CreatedAt time.Time
}

// Normalize truncates an amount to Precision. It is applied once, when an
// entry is written; reads never round.
func Normalize(amount decimal.Decimal) decimal.Decimal {
	return amount.Truncate(Precision)
}

// Sum returns the exact sum of the entry amounts. Order does not matter.
func Sum(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}

// SumReference sums only the entries carrying the given reference.
func SumReference(entries []Entry, reference string) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if e.Reference == reference {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// FormatAmount renders an amount with exactly Precision decimals.
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(Precision)
}
