package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUserNotFound is returned when appending to or reading the ledger of
	// a user that does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateEntry is returned when an entry id is written twice.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")

	// ErrNegativeBalance is returned by flows that refuse to proceed while
	// the account is in debt (account deletion). The ledger itself never
	// rejects an append because of the resulting balance.
	ErrNegativeBalance = errors.New("account has a negative balance")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// NegativeBalanceError carries the balance that blocked an operation.
type NegativeBalanceError struct {
	UserID  UserID
	Balance decimal.Decimal
}

func (e *NegativeBalanceError) Error() string {
	return fmt.Sprintf("account %s has a negative balance of %s", e.UserID, FormatAmount(e.Balance))
}

func (e *NegativeBalanceError) Unwrap() error {
	return ErrNegativeBalance
}

// IsNotFound returns true if the error indicates a missing user.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}
