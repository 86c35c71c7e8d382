// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for guest sessions
// and their per-day usage counters.
//
// A guest session is "active" when it is unexpired and not migrated. Both
// terminal states are final: lookups ignore such rows and migration refuses
// them.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/deepdive-relay/internal/domain"
)

// ErrLimitReached is returned by IncrementGuestUsage when the counter is
// already at the cap.
var ErrLimitReached = errors.New("usage limit reached")

func activeGuest(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("expires_at > ? AND migrated_to_account_id IS NULL", now.UTC())
	}
}

// FindActiveGuest returns the active guest session for tokenHash, or
// ErrNotFound when none exists, it expired, or it was migrated.
func FindActiveGuest(ctx context.Context, db *gorm.DB, tokenHash string, now time.Time) (*domain.GuestSession, error) {
	var g domain.GuestSession
	err := db.WithContext(ctx).
		Scopes(activeGuest(now)).
		Where("token_hash = ?", tokenHash).
		First(&g).Error
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGuestByTokenHash returns the session for tokenHash in any state.
func GetGuestByTokenHash(ctx context.Context, db *gorm.DB, tokenHash string) (*domain.GuestSession, error) {
	var g domain.GuestSession
	if err := db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGuest inserts a new guest session for tokenHash expiring at
// expiresAt. ErrDuplicate is returned when the hash is already known.
func CreateGuest(ctx context.Context, db *gorm.DB, tokenHash string, expiresAt time.Time) (*domain.GuestSession, error) {
	now := time.Now().UTC()
	g := &domain.GuestSession{
		ID:        uuid.NewString(),
		TokenHash: tokenHash,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(g).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return g, nil
}

// TouchGuest slides the expiry of an active session to expiresAt. It returns
// ErrNotFound when the session is no longer active.
func TouchGuest(ctx context.Context, db *gorm.DB, id string, expiresAt, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.GuestSession{}).
		Scopes(activeGuest(now)).
		Where("id = ?", id).
		Updates(map[string]any{"expires_at": expiresAt.UTC(), "updated_at": now.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkGuestMigrated sets migrated_to_account_id on the active session id.
// The conditional UPDATE makes the transition happen at most once; a second
// call (or a call on an expired session) returns ErrNotFound.
func MarkGuestMigrated(ctx context.Context, db *gorm.DB, id, accountID string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.GuestSession{}).
		Scopes(activeGuest(now)).
		Where("id = ?", id).
		Updates(map[string]any{"migrated_to_account_id": accountID, "updated_at": now.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RetireExpiredGuests drops the usage counters of sessions that expired
// before cutoff and stamps them retired. The session row itself stays: its
// token hash must keep resolving as a terminal guest, or the same token
// would start a fresh session. It returns how many sessions were retired.
func RetireExpiredGuests(ctx context.Context, db *gorm.DB, cutoff, now time.Time) (int64, error) {
	var retired int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := func(q *gorm.DB) *gorm.DB {
			return q.Where("expires_at < ? AND migrated_to_account_id IS NULL AND retired_at IS NULL", cutoff.UTC())
		}
		stale := tx.Model(&domain.GuestSession{}).Select("id").Scopes(expired)
		if err := tx.Where("guest_id IN (?)", stale).Delete(&domain.GuestUsage{}).Error; err != nil {
			return err
		}
		res := tx.Model(&domain.GuestSession{}).
			Scopes(expired).
			Updates(map[string]any{"retired_at": now.UTC(), "updated_at": now.UTC()})
		retired = res.RowsAffected
		return res.Error
	})
	return retired, err
}

// GuestUsageCount returns the counter for (guestID, day, action); zero when
// nothing was recorded yet.
func GuestUsageCount(ctx context.Context, db *gorm.DB, guestID, day, action string) (int, error) {
	var u domain.GuestUsage
	err := db.WithContext(ctx).
		Where("guest_id = ? AND day = ? AND action = ?", guestID, day, action).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return u.Count, err
}

// IncrementGuestUsage atomically adds one to the counter for
// (guestID, day, action) as long as it stays <= limit, and returns the new
// count. ErrLimitReached is returned, with the current count, when the
// counter is already at limit.
func IncrementGuestUsage(ctx context.Context, db *gorm.DB, guestID, day, action string, limit int) (int, error) {
	var count int
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := &domain.GuestUsage{GuestID: guestID, Day: day, Action: action}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
			return err
		}
		res := tx.Model(&domain.GuestUsage{}).
			Where("guest_id = ? AND day = ? AND action = ? AND count < ?", guestID, day, action, limit).
			Update("count", gorm.Expr("count + 1"))
		if res.Error != nil {
			return res.Error
		}
		var u domain.GuestUsage
		if err := tx.Where("guest_id = ? AND day = ? AND action = ?", guestID, day, action).First(&u).Error; err != nil {
			return err
		}
		count = u.Count
		if res.RowsAffected == 0 {
			return ErrLimitReached
		}
		return nil
	})
	return count, err
}
