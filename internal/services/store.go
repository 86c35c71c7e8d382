package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/deepdive-relay/internal/domain"
	"github.com/tbourn/deepdive-relay/internal/repo"
)

// ConversationStore is the persistence contract for conversation state.
// GormStore (SQLite) and dynamo.Store implement it; both report failures
// with the repo sentinels.
type ConversationStore interface {
	// Find returns the conversation for (kind, subject, owner) or
	// repo.ErrNotFound.
	Find(ctx context.Context, kind, subjectID string, owner domain.Identity) (*domain.Conversation, error)

	// Create inserts an empty conversation; repo.ErrDuplicate when one exists.
	Create(ctx context.Context, kind, subjectID string, owner domain.Identity) (*domain.Conversation, error)

	// Claim leases c for token and returns the freshly stored row.
	// repo.ErrClaimHeld when another submission holds a live lease.
	Claim(ctx context.Context, c *domain.Conversation, token string, lease time.Duration, now time.Time) (*domain.Conversation, error)

	// Commit writes turns, turn count, scores, next prompt and status in one
	// conditional update and drops the lease. repo.ErrVersionConflict when c
	// is stale or the lease was lost.
	Commit(ctx context.Context, c *domain.Conversation, token string) error

	// Release drops the lease held by token without changing state.
	Release(ctx context.Context, c *domain.Conversation, token string) error

	// ReassignGuest moves a guest's conversations to an account.
	ReassignGuest(ctx context.Context, guestID, accountID string) (int64, error)
}

// GormStore implements ConversationStore on the SQL repository.
type GormStore struct {
	DB *gorm.DB
}

// NewGormStore returns a store bound to db.
func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{DB: db} }

// WithTx returns a copy of the store that runs on tx.
func (s *GormStore) WithTx(tx *gorm.DB) *GormStore { return &GormStore{DB: tx} }

func (s *GormStore) Find(ctx context.Context, kind, subjectID string, owner domain.Identity) (*domain.Conversation, error) {
	return repo.FindConversation(ctx, s.DB, kind, subjectID, owner)
}

func (s *GormStore) Create(ctx context.Context, kind, subjectID string, owner domain.Identity) (*domain.Conversation, error) {
	return repo.CreateConversation(ctx, s.DB, kind, subjectID, owner)
}

func (s *GormStore) Claim(ctx context.Context, c *domain.Conversation, token string, lease time.Duration, now time.Time) (*domain.Conversation, error) {
	return repo.ClaimConversation(ctx, s.DB, c.ID, token, lease, now)
}

func (s *GormStore) Commit(ctx context.Context, c *domain.Conversation, token string) error {
	return repo.CommitConversation(ctx, s.DB, c, token)
}

func (s *GormStore) Release(ctx context.Context, c *domain.Conversation, token string) error {
	return repo.ReleaseConversation(ctx, s.DB, c.ID, token)
}

func (s *GormStore) ReassignGuest(ctx context.Context, guestID, accountID string) (int64, error) {
	return repo.ReassignGuestConversations(ctx, s.DB, guestID, accountID)
}
