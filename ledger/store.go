/*
store.go - Persistence contract for ledger entries

APPEND-ONLY CONTRACT:
  The Store interface has a single write, Append. There is no Update and
  no Delete. Corrections are new entries with the opposite sign.

IMPLEMENTATIONS:
  - store/memory: In-memory, for tests and demos
  - store/sqlite: SQLite (default)
  - store/postgres: PostgreSQL via pgx

SEE ALSO:
  - ledger.go: Higher-level ledger using Store
*/
package ledger

import "context"

// Store handles persistence of ledger entries.
type Store interface {
	// Append persists an entry. Returns ErrDuplicateEntry if the id exists.
	// This is the ONLY write operation.
	Append(ctx context.Context, entry Entry) error

	// Entries returns every entry of the user, oldest first. Entries with
	// the same CreatedAt keep their insertion order.
	Entries(ctx context.Context, userID UserID) ([]Entry, error)

	// UserExists reports whether the user owning the ledger exists.
	UserExists(ctx context.Context, userID UserID) (bool, error)
}
