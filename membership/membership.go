/*
Package membership holds the account flows that write to the ledger
outside of event enrollment.

OPERATIONS:
  Join:               member flag + membership fee entry, one transaction
  Adjust:             administrative credit or debit
  GrantFreeSessions:  top up a non-member's free session quota
  ConsumeFreeSession: use one free session
  DeleteAccount:      leaves upcoming events through the enrollment state
                      machine, then removes the profile; refused while
                      the derived balance is negative

SEE ALSO:
  - ledger/: Entries written here
  - enrollment/: Profile and Store contract reused here
*/
package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ducc/signup-engine/enrollment"
	"github.com/ducc/signup-engine/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrAlreadyMember  = errors.New("user is already a member")
	ErrNoFreeSessions = errors.New("no free sessions left")
	ErrInvalidGrant   = errors.New("free session grant must be positive")
)

type Service struct {
	store    enrollment.Store
	events   *enrollment.Service
	defaults enrollment.Settings
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(store enrollment.Store, defaults enrollment.Settings, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{store: store, defaults: defaults, now: time.Now, logger: logger}
	s.events = enrollment.NewService(store,
		enrollment.WithDefaults(defaults),
		enrollment.WithLogger(logger),
		enrollment.WithClock(func() time.Time { return s.now() }),
	)
	return s
}

// DeleteRequest describes an account deletion. ActorID defaults to UserID.
type DeleteRequest struct {
	UserID         enrollment.UserID
	ActorID        enrollment.UserID
	ConfirmCascade bool
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Join makes the user a member and charges the membership fee.
func (s *Service) Join(ctx context.Context, userID enrollment.UserID) (ledger.EntryID, error) {
	var id ledger.EntryID
	var fee decimal.Decimal
	err := s.store.WithTx(ctx, func(tx enrollment.Tx) error {
		profile, err := tx.Profile(ctx, userID)
		if err != nil {
			return err
		}
		if profile.IsMember {
			return fmt.Errorf("%w: %s", ErrAlreadyMember, userID)
		}
		settings, err := enrollment.ResolveSettings(ctx, tx, s.defaults)
		if err != nil {
			return err
		}
		fee = settings.MembershipCost

		profile.IsMember = true
		if err := tx.SaveProfile(ctx, profile); err != nil {
			return fmt.Errorf("save profile: %w", err)
		}
		id, err = s.ledgerFor(tx).Append(ctx, ledger.Entry{
			UserID:      userID,
			Amount:      fee.Neg(),
			Description: "Membership fee",
			Kind:        ledger.KindMembershipFee,
			Reference:   "membership",
			CreatedBy:   string(userID),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("membership fee charged",
		zap.String("user_id", string(userID)),
		zap.String("amount", ledger.FormatAmount(fee)),
	)
	return id, nil
}

// Adjust records an administrative credit (positive) or debit (negative).
func (s *Service) Adjust(ctx context.Context, userID enrollment.UserID, amount decimal.Decimal, description, actor string) (ledger.EntryID, error) {
	id, err := s.ledgerFor(s.store).Append(ctx, ledger.Entry{
		UserID:      userID,
		Amount:      amount,
		Description: description,
		Kind:        ledger.KindAdjustment,
		CreatedBy:   actor,
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("ledger adjustment",
		zap.String("user_id", string(userID)),
		zap.String("amount", ledger.FormatAmount(amount)),
		zap.String("actor", actor),
	)
	return id, nil
}

func (s *Service) GrantFreeSessions(ctx context.Context, userID enrollment.UserID, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidGrant, n)
	}
	return s.store.WithTx(ctx, func(tx enrollment.Tx) error {
		profile, err := tx.Profile(ctx, userID)
		if err != nil {
			return err
		}
		profile.FreeSessions += n
		return tx.SaveProfile(ctx, profile)
	})
}

// ConsumeFreeSession decrements the counter and returns what is left.
func (s *Service) ConsumeFreeSession(ctx context.Context, userID enrollment.UserID) (int, error) {
	var remaining int
	err := s.store.WithTx(ctx, func(tx enrollment.Tx) error {
		profile, err := tx.Profile(ctx, userID)
		if err != nil {
			return err
		}
		if profile.FreeSessions <= 0 {
			return fmt.Errorf("%w: %s", ErrNoFreeSessions, userID)
		}
		profile.FreeSessions--
		remaining = profile.FreeSessions
		return tx.SaveProfile(ctx, profile)
	})
	return remaining, err
}

// DeleteAccount removes the user unless they are in debt. Every upcoming
// event the user attends is left first, in the same transaction, so the
// supervisor rule and upfront-cost refunds apply as for an ordinary leave.
// If the user is the last supervisor of an event with ordinary attendees
// left, deletion fails with enrollment.CascadeRequiredError unless
// ConfirmCascade is set. Attendance rows and ledger entries outlive the
// account.
func (s *Service) DeleteAccount(ctx context.Context, req DeleteRequest) ([]enrollment.Result, error) {
	userID := req.UserID
	var left []enrollment.Result
	err := s.store.WithTx(ctx, func(tx enrollment.Tx) error {
		if _, err := tx.Profile(ctx, userID); err != nil {
			return err
		}
		var err error
		left, err = s.events.Withdraw(ctx, tx, userID, req.ActorID, req.ConfirmCascade)
		if err != nil {
			return err
		}
		// Refunds from the withdrawals count towards the balance.
		entries, err := tx.Entries(ctx, userID)
		if err != nil {
			return err
		}
		if balance := ledger.Sum(entries); balance.IsNegative() {
			return &ledger.NegativeBalanceError{UserID: userID, Balance: balance}
		}
		if err := tx.DeleteUser(ctx, userID); err != nil {
			return fmt.Errorf("delete user %s: %w", userID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("account deleted",
		zap.String("user_id", string(userID)),
		zap.Int("events_left", len(left)),
	)
	return left, nil
}

func (s *Service) ledgerFor(store ledger.Store) *ledger.DefaultLedger {
	return &ledger.DefaultLedger{Store: store, Now: s.now}
}
