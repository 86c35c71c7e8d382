// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for account balances
// and the append-only ledger.
//
// Balance mutations are single conditional UPDATE statements so they are
// atomic on their own and compose inside a caller-managed transaction:
//
//	err := db.Transaction(func(tx *gorm.DB) error {
//	    if err := repo.InsertLedgerEntry(ctx, tx, entry); err != nil {
//	        return err // ErrDuplicate on replay
//	    }
//	    return repo.DebitBalance(ctx, tx, accountID, amount)
//	})
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/deepdive-relay/internal/domain"
)

var (
	// ErrDuplicate indicates a unique-key collision, e.g. a ledger entry that
	// already exists for the given (account_id, reference_id) pair.
	ErrDuplicate = errors.New("duplicate")

	// ErrInsufficientFunds is returned by DebitBalance when the balance is
	// lower than the requested amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	low := strings.ToLower(err.Error())
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// GetBalance returns the balance row for accountID, or ErrNotFound.
func GetBalance(ctx context.Context, db *gorm.DB, accountID string) (*domain.Balance, error) {
	var b domain.Balance
	if err := db.WithContext(ctx).Where("account_id = ?", accountID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// EnsureBalance creates the balance row for accountID with a full monthly
// allocation when it does not exist yet. Existing rows are left untouched.
func EnsureBalance(ctx context.Context, db *gorm.DB, accountID string, monthly int, nextReset time.Time) error {
	now := time.Now().UTC()
	b := &domain.Balance{
		AccountID:         accountID,
		Balance:           monthly,
		MonthlyAllocation: monthly,
		NextResetAt:       nextReset.UTC(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(b).Error
}

// ResetBalanceIfDue refills the balance to its monthly allocation and moves
// next_reset_at forward when the reset time has passed. It reports whether a
// reset happened.
func ResetBalanceIfDue(ctx context.Context, db *gorm.DB, accountID string, now, nextReset time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Balance{}).
		Where("account_id = ? AND next_reset_at <= ?", accountID, now.UTC()).
		Updates(map[string]any{
			"balance":       gorm.Expr("monthly_allocation"),
			"next_reset_at": nextReset.UTC(),
			"updated_at":    now.UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// DebitBalance subtracts amount when the balance covers it. It returns
// ErrInsufficientFunds when it does not (or ErrNotFound when there is no
// row) and never lets the balance go negative.
func DebitBalance(ctx context.Context, db *gorm.DB, accountID string, amount int) error {
	res := db.WithContext(ctx).
		Model(&domain.Balance{}).
		Where("account_id = ? AND balance >= ?", accountID, amount).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := GetBalance(ctx, db, accountID); err != nil {
			return err
		}
		return ErrInsufficientFunds
	}
	return nil
}

// CreditBalance adds amount to the balance.
func CreditBalance(ctx context.Context, db *gorm.DB, accountID string, amount int) error {
	res := db.WithContext(ctx).
		Model(&domain.Balance{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertLedgerEntry appends an immutable ledger entry. ID and CreatedAt are
// filled when empty. A second entry for the same (account_id, reference_id)
// returns ErrDuplicate.
func InsertLedgerEntry(ctx context.Context, db *gorm.DB, e *domain.LedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetLedgerEntry returns the entry for (accountID, referenceID), or
// ErrNotFound.
func GetLedgerEntry(ctx context.Context, db *gorm.DB, accountID, referenceID string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("account_id = ? AND reference_id = ?", accountID, referenceID).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CountLedgerEntries returns how many entries accountID has.
func CountLedgerEntries(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("account_id = ?", accountID).
		Count(&total).Error
	return total, err
}

// ListLedgerEntriesPage returns a page of entries for accountID, newest
// first.
func ListLedgerEntriesPage(ctx context.Context, db *gorm.DB, accountID string, offset, limit int) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountLedgerEntriesWithPrefix counts entries for accountID whose reference
// id starts with prefix. Conversation debits use "<kind>:<conversation id>:"
// so this yields the number of charges for one conversation.
func CountLedgerEntriesWithPrefix(ctx context.Context, db *gorm.DB, accountID, prefix string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("account_id = ? AND substr(reference_id, 1, ?) = ?", accountID, len(prefix), prefix).
		Count(&total).Error
	return total, err
}
