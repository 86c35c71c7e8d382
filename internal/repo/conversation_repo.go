// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
//
// Concurrency model:
//
//   - ClaimConversation takes a short lease on a row (claim_token +
//     claimed_until) and bumps its version. Only one submission at a time can
//     hold the lease; others see ErrClaimHeld and may retry.
//   - CommitConversation writes {turns, turn_count, scores, next_prompt,
//     status, updated_at} in one UPDATE guarded by the version and the claim
//     token observed at claim time, and clears the lease. A mismatch yields
//     ErrVersionConflict and writes nothing.
//   - ReleaseConversation clears a lease without touching state.
//
// Error semantics:
//   - When a conversation is not found, functions return ErrNotFound
//     (an alias of gorm.ErrRecordNotFound).
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/deepdive-relay/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

var (
	// ErrClaimHeld means another submission currently holds the lease on the
	// conversation row.
	ErrClaimHeld = errors.New("conversation claimed by another submission")

	// ErrVersionConflict means the row changed since it was read; nothing was
	// written.
	ErrVersionConflict = errors.New("conversation version conflict")
)

// ownerScope restricts a query to the conversation identified by
// (kind, subject, owner).
func ownerScope(kind, subjectID string, owner domain.Identity) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("kind = ? AND subject_id = ? AND account_id = ? AND guest_id = ?",
			kind, subjectID, owner.AccountID, owner.GuestID)
	}
}

// FindConversation fetches the conversation for (kind, subject, owner), or
// ErrNotFound.
func FindConversation(ctx context.Context, db *gorm.DB, kind, subjectID string, owner domain.Identity) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Scopes(ownerScope(kind, subjectID, owner)).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversation fetches a conversation by primary key, or ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConversation inserts an empty in_progress conversation for
// (kind, subject, owner). If a row for the same key already exists it
// returns ErrDuplicate.
func CreateConversation(ctx context.Context, db *gorm.DB, kind, subjectID string, owner domain.Identity) (*domain.Conversation, error) {
	if !owner.Valid() {
		return nil, errors.New("conversation owner must be exactly one of account or guest")
	}
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:        uuid.NewString(),
		Kind:      kind,
		SubjectID: subjectID,
		AccountID: owner.AccountID,
		GuestID:   owner.GuestID,
		Turns:     datatypes.NewJSONSlice([]domain.Turn{}),
		Scores:    datatypes.NewJSONType(domain.Scores{}),
		Status:    domain.StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return c, nil
}

// ClaimConversation leases the row for token until now+lease when no live
// lease exists, bumping its version. It returns the claimed row as stored
// after the update. ErrClaimHeld is returned when another token holds a live
// lease, ErrNotFound when the row does not exist.
func ClaimConversation(ctx context.Context, db *gorm.DB, id, token string, lease time.Duration, now time.Time) (*domain.Conversation, error) {
	now = now.UTC()
	until := now.Add(lease)
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND (claim_token IS NULL OR claimed_until IS NULL OR claimed_until < ?)", id, now).
		Updates(map[string]any{
			"claim_token":   token,
			"claimed_until": until,
			"version":       gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := GetConversation(ctx, db, id); err != nil {
			return nil, err
		}
		return nil, ErrClaimHeld
	}
	return GetConversation(ctx, db, id)
}

// CommitConversation persists the mutable state of c in a single UPDATE,
// provided the stored version still equals c.Version and the lease is held
// by token. On success the lease is cleared, c.Version is advanced and
// c.UpdatedAt is refreshed. Otherwise ErrVersionConflict is returned and no
// column is changed.
func CommitConversation(ctx context.Context, db *gorm.DB, c *domain.Conversation, token string) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND version = ? AND claim_token = ?", c.ID, c.Version, token).
		Updates(map[string]any{
			"turns":         c.Turns,
			"turn_count":    c.TurnCount,
			"scores":        c.Scores,
			"next_prompt":   c.NextPrompt,
			"status":        c.Status,
			"updated_at":    now,
			"version":       gorm.Expr("version + 1"),
			"claim_token":   nil,
			"claimed_until": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	c.Version++
	c.UpdatedAt = now
	c.ClaimToken = nil
	c.ClaimedUntil = nil
	return nil
}

// ReleaseConversation drops the lease held by token. Releasing a lease that
// is no longer held is not an error.
func ReleaseConversation(ctx context.Context, db *gorm.DB, id, token string) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(map[string]any{"claim_token": nil, "claimed_until": nil}).Error
}

// ReleaseStaleClaims clears every lease that expired before now and returns
// the number of rows touched.
func ReleaseStaleClaims(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("claim_token IS NOT NULL AND claimed_until < ?", now.UTC()).
		Updates(map[string]any{"claim_token": nil, "claimed_until": nil})
	return res.RowsAffected, res.Error
}

// ReassignGuestConversations moves every conversation owned by guestID to
// accountID, skipping subjects for which the account already has its own
// conversation of the same kind. It returns the number of rows moved.
func ReassignGuestConversations(ctx context.Context, db *gorm.DB, guestID, accountID string) (int64, error) {
	res := db.WithContext(ctx).Exec(`
UPDATE conversations
   SET account_id = ?, guest_id = '', updated_at = ?
 WHERE guest_id = ?
   AND NOT EXISTS (
       SELECT 1 FROM conversations owned
        WHERE owned.kind = conversations.kind
          AND owned.subject_id = conversations.subject_id
          AND owned.account_id = ?
   )`, accountID, time.Now().UTC(), guestID, accountID)
	return res.RowsAffected, res.Error
}
