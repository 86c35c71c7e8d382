// Package services – LedgerService
//
// LedgerService owns per-account credit balances and the append-only
// ledger. Every debit is an immutable entry keyed by (account, reference id)
// written in the same transaction as the balance update, so a reference is
// never charged twice and total consumption is reconstructable from the
// ledger alone.
//
// Guests never own a balance row. Their chargeable actions are checked
// against a fixed allocation, and low-cost actions are capped per guest per
// home-timezone calendar day.
//
// Monthly reset is lazy: the first read-modify-write after next_reset_at
// refills the balance inside the same transaction.
package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/deepdive-relay/internal/domain"
	"github.com/tbourn/deepdive-relay/internal/observability"
	"github.com/tbourn/deepdive-relay/internal/repo"
)

// HomeZone is the application's home timezone (UTC+9). Guest daily caps
// and monthly resets follow its calendar.
var HomeZone = time.FixedZone("UTC+9", 9*60*60)

// HomeDay returns the home-timezone calendar day of t as YYYY-MM-DD.
func HomeDay(t time.Time) string {
	return t.In(HomeZone).Format("2006-01-02")
}

// NextMonthlyReset returns the first instant of the home-timezone month
// after t.
func NextMonthlyReset(t time.Time) time.Time {
	l := t.In(HomeZone)
	return time.Date(l.Year(), l.Month()+1, 1, 0, 0, 0, 0, HomeZone).UTC()
}

// LedgerService implements Affordable/Consume and the balance views.
type LedgerService struct {
	DB *gorm.DB

	MonthlyAllocation int
	GuestAllocation   int
	GuestDailyCap     int

	now func() time.Time
}

// NewLedgerService returns a LedgerService with the given allocations.
func NewLedgerService(db *gorm.DB, monthly, guestAllocation, guestDailyCap int) *LedgerService {
	return &LedgerService{
		DB:                db,
		MonthlyAllocation: monthly,
		GuestAllocation:   guestAllocation,
		GuestDailyCap:     guestDailyCap,
		now:               time.Now,
	}
}

// Charge describes one debit to apply during a commit.
type Charge struct {
	AccountID   string
	Amount      int
	Reason      string
	ReferenceID string
}

// prepare creates the balance row on first use and applies a due monthly
// reset. Both are writes, so the transaction takes the write lock before it
// reads anything.
func (s *LedgerService) prepare(ctx context.Context, tx *gorm.DB, accountID string) error {
	now := s.now().UTC()
	next := NextMonthlyReset(now)
	if err := repo.EnsureBalance(ctx, tx, accountID, s.MonthlyAllocation, next); err != nil {
		return err
	}
	_, err := repo.ResetBalanceIfDue(ctx, tx, accountID, now, next)
	return err
}

// Affordable reports whether id can pay amount. Guests are checked against
// the fixed guest allocation. For accounts the check is read-only: a
// missing row counts as a fresh monthly allocation, a due reset as a
// refilled one.
func (s *LedgerService) Affordable(ctx context.Context, id domain.Identity, amount int) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	switch {
	case id.IsGuest():
		return amount <= s.GuestAllocation, nil
	case !id.IsAccount():
		return false, ErrUnauthenticated
	}

	b, err := repo.GetBalance(ctx, s.DB, id.AccountID)
	if errors.Is(err, repo.ErrNotFound) {
		return amount <= s.MonthlyAllocation, nil
	}
	if err != nil {
		return false, err
	}
	available := b.Balance
	if !s.now().UTC().Before(b.NextResetAt) {
		available = b.MonthlyAllocation
	}
	return amount <= available, nil
}

// Consume debits amount from the account behind id and records the ledger
// entry (reason, referenceID). It must only be called once the paid-for
// work succeeded. Replaying a reference is a no-op that returns the current
// balance. Guests and zero amounts never touch the ledger.
func (s *LedgerService) Consume(ctx context.Context, id domain.Identity, amount int, reason, referenceID string) (int, error) {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "Consume",
		trace.WithAttributes(
			attribute.String("identity", id.String()),
			attribute.Int("amount", amount),
			attribute.String("reason", reason),
			attribute.String("reference.id", referenceID),
		),
	)
	defer span.End()

	switch {
	case id.IsGuest():
		return s.GuestAllocation, nil
	case !id.IsAccount():
		return 0, ErrUnauthenticated
	}

	// The balance row and any due reset are committed on their own, so a
	// debit that fails still leaves the account with a readable balance.
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.prepare(ctx, tx, id.AccountID)
	})
	if err != nil {
		return 0, err
	}

	var (
		balance int
		charged bool
	)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		charged, err = s.ConsumeTx(ctx, tx, Charge{
			AccountID:   id.AccountID,
			Amount:      amount,
			Reason:      reason,
			ReferenceID: referenceID,
		})
		if err != nil {
			return err
		}
		b, err := repo.GetBalance(ctx, tx, id.AccountID)
		if err != nil {
			return err
		}
		balance = b.Balance
		return nil
	})
	if err != nil {
		return 0, err
	}
	if charged {
		observability.LedgerDebits.WithLabelValues(reason).Add(float64(amount))
	}
	return balance, nil
}

// ConsumeTx applies ch inside the caller's transaction and reports whether
// a debit happened (false for zero amounts and replays). The caller owns
// the metric update once the transaction commits.
func (s *LedgerService) ConsumeTx(ctx context.Context, tx *gorm.DB, ch Charge) (bool, error) {
	if ch.Amount <= 0 {
		return false, nil
	}
	if err := s.prepare(ctx, tx, ch.AccountID); err != nil {
		return false, err
	}
	err := repo.InsertLedgerEntry(ctx, tx, &domain.LedgerEntry{
		AccountID:   ch.AccountID,
		ReferenceID: ch.ReferenceID,
		Amount:      ch.Amount,
		Reason:      ch.Reason,
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := repo.DebitBalance(ctx, tx, ch.AccountID, ch.Amount); err != nil {
		if errors.Is(err, repo.ErrInsufficientFunds) {
			return false, ErrInsufficientBalance
		}
		return false, err
	}
	return true, nil
}

// Grant tops up accountID by amount with a "grant" ledger entry. The same
// referenceID is applied only once. It returns the resulting balance.
func (s *LedgerService) Grant(ctx context.Context, accountID string, amount int, referenceID string) (int, error) {
	if accountID == "" || amount <= 0 || referenceID == "" {
		return 0, errors.New("grant needs an account, a positive amount and a reference")
	}
	var balance int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.prepare(ctx, tx, accountID); err != nil {
			return err
		}
		err := repo.InsertLedgerEntry(ctx, tx, &domain.LedgerEntry{
			AccountID:   accountID,
			ReferenceID: referenceID,
			Amount:      amount,
			Reason:      domain.ReasonGrant,
		})
		switch {
		case errors.Is(err, repo.ErrDuplicate):
		case err != nil:
			return err
		default:
			if err := repo.CreditBalance(ctx, tx, accountID, amount); err != nil {
				return err
			}
		}
		b, err := repo.GetBalance(ctx, tx, accountID)
		if err != nil {
			return err
		}
		balance = b.Balance
		return nil
	})
	return balance, err
}

// BalanceView is the account balance summary.
type BalanceView struct {
	Balance           int       `json:"balance"`
	MonthlyAllocation int       `json:"monthly_allocation"`
	NextResetAt       time.Time `json:"next_reset_at"`
	Debits            int64     `json:"debits"`
	Consumed          int64     `json:"consumed"`
}

// Balance returns the summary for accountID, creating the row and applying
// a due reset first. Consumed is reconstructed from the ledger.
func (s *LedgerService) Balance(ctx context.Context, accountID string) (*BalanceView, error) {
	var b *domain.Balance
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.prepare(ctx, tx, accountID); err != nil {
			return err
		}
		var err error
		b, err = repo.GetBalance(ctx, tx, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	debits, consumed, err := repo.LedgerStats(ctx, s.DB, accountID)
	if err != nil {
		return nil, err
	}
	return &BalanceView{
		Balance:           b.Balance,
		MonthlyAllocation: b.MonthlyAllocation,
		NextResetAt:       b.NextResetAt,
		Debits:            debits,
		Consumed:          consumed,
	}, nil
}

// EntriesPage returns a page of ledger entries for accountID, newest first,
// and the total count. page is 1-based; pageSize is clamped to [1,100].
func (s *LedgerService) EntriesPage(ctx context.Context, accountID string, page, pageSize int) ([]domain.LedgerEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	total, err := repo.CountLedgerEntries(ctx, s.DB, accountID)
	if err != nil {
		return nil, 0, err
	}
	items, err := repo.ListLedgerEntriesPage(ctx, s.DB, accountID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Charged reports whether accountID already has a ledger entry for
// referenceID.
func (s *LedgerService) Charged(ctx context.Context, accountID, referenceID string) (bool, error) {
	_, err := repo.GetLedgerEntry(ctx, s.DB, accountID, referenceID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repo.ErrNotFound):
		return false, nil
	}
	return false, err
}

// ConversationCharges returns how many turns of a conversation were charged
// to accountID.
func (s *LedgerService) ConversationCharges(ctx context.Context, accountID, kind, conversationID string) (int64, error) {
	return repo.CountLedgerEntriesWithPrefix(ctx, s.DB, accountID, kind+":"+conversationID+":")
}

// GuestCapCheck returns ErrGuestCapReached when guestID already used
// today's allowance of action.
func (s *LedgerService) GuestCapCheck(ctx context.Context, guestID, action string) error {
	n, err := repo.GuestUsageCount(ctx, s.DB, guestID, HomeDay(s.now()), action)
	if err != nil {
		return err
	}
	if n >= s.GuestDailyCap {
		return ErrGuestCapReached
	}
	return nil
}

// RecordGuestUse counts one successful use of action for guestID today.
// ErrGuestCapReached is returned when a concurrent request used the last
// slot first.
func (s *LedgerService) RecordGuestUse(ctx context.Context, guestID, action string) (int, error) {
	n, err := repo.IncrementGuestUsage(ctx, s.DB, guestID, HomeDay(s.now()), action, s.GuestDailyCap)
	if errors.Is(err, repo.ErrLimitReached) {
		return n, ErrGuestCapReached
	}
	return n, err
}
