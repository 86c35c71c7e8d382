// Package services – IdentityService
//
// IdentityService resolves the caller of a request to exactly one of a
// registered account (from a signed session token) or a guest session (from
// a client-held device token), and performs the one-time guest-to-account
// migration.
//
// Guest tokens are never stored: only their BLAKE3 hash is. Expired and
// migrated guests are terminal; a token that maps to one of them authorizes
// nothing and is never re-created.
package services

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/deepdive-relay/internal/domain"
	"github.com/tbourn/deepdive-relay/internal/repo"
)

const (
	sessionKeyContext = "deepdive-relay 2026-10 session token v1"

	minGuestTokenLen = 16
	maxGuestTokenLen = 256
	maxAccountIDLen  = 64
)

// IdentityService resolves callers and migrates guests.
type IdentityService struct {
	DB    *gorm.DB
	Store ConversationStore

	// GuestTTL is the fixed lifetime of a guest session, refreshed on use.
	GuestTTL time.Duration

	key [32]byte
	now func() time.Time
}

// NewIdentityService derives the session signing key from secret.
func NewIdentityService(db *gorm.DB, store ConversationStore, secret string, guestTTL time.Duration) (*IdentityService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session secret must not be empty")
	}
	s := &IdentityService{DB: db, Store: store, GuestTTL: guestTTL, now: time.Now}
	blake3.DeriveKey(sessionKeyContext, []byte(secret), s.key[:])
	return s, nil
}

// HashGuestToken returns the hex BLAKE3-256 digest stored for a guest token.
func HashGuestToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IssueSession returns a session token for accountID valid for ttl. The
// format is "<accountID>.<unix expiry>.<mac>".
func (s *IdentityService) IssueSession(accountID string, ttl time.Duration) (string, error) {
	if accountID == "" || len(accountID) > maxAccountIDLen || strings.Contains(accountID, ".") {
		return "", errors.New("invalid account id")
	}
	exp := strconv.FormatInt(s.now().Add(ttl).Unix(), 10)
	payload := accountID + "." + exp
	return payload + "." + s.mac(payload), nil
}

// VerifySession returns the account id carried by a valid, unexpired
// session token.
func (s *IdentityService) VerifySession(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" {
		return "", ErrUnauthenticated
	}
	payload := parts[0] + "." + parts[1]
	if subtle.ConstantTimeCompare([]byte(s.mac(payload)), []byte(parts[2])) != 1 {
		return "", ErrUnauthenticated
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || s.now().Unix() >= exp {
		return "", ErrUnauthenticated
	}
	return parts[0], nil
}

func (s *IdentityService) mac(payload string) string {
	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		// key is always 32 bytes
		panic(err)
	}
	_, _ = h.WriteString(payload)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Resolve returns the caller identity. A valid session wins; otherwise the
// guest token is looked up by hash, refreshing its expiry, and an unknown
// token starts a new guest session. ErrUnauthenticated is returned when
// neither yields an identity.
func (s *IdentityService) Resolve(ctx context.Context, session, guestToken string) (domain.Identity, error) {
	if session != "" {
		if accountID, err := s.VerifySession(session); err == nil {
			return domain.AccountIdentity(accountID), nil
		}
	}
	if guestToken == "" {
		return domain.Identity{}, ErrUnauthenticated
	}
	g, err := s.ResolveGuest(ctx, guestToken)
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.GuestIdentity(g.ID), nil
}

// ResolveGuest returns the active guest session for token, creating it on
// first contact.
func (s *IdentityService) ResolveGuest(ctx context.Context, token string) (*domain.GuestSession, error) {
	if n := len(token); n < minGuestTokenLen || n > maxGuestTokenLen {
		return nil, ErrUnauthenticated
	}
	hash := HashGuestToken(token)
	now := s.now().UTC()
	expires := now.Add(s.GuestTTL)

	g, err := repo.FindActiveGuest(ctx, s.DB, hash, now)
	switch {
	case err == nil:
		if err := repo.TouchGuest(ctx, s.DB, g.ID, expires, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, ErrUnauthenticated
			}
			return nil, err
		}
		g.ExpiresAt = expires
		return g, nil
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}

	// Known but expired or migrated: terminal.
	if _, err := repo.GetGuestByTokenHash(ctx, s.DB, hash); err == nil {
		return nil, ErrUnauthenticated
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	g, err = repo.CreateGuest(ctx, s.DB, hash, expires)
	if errors.Is(err, repo.ErrDuplicate) {
		// lost a first-contact race; the winner's row is active
		g, err = repo.FindActiveGuest(ctx, s.DB, hash, now)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
	}
	return g, err
}

// Migrate marks the guest behind token as migrated to accountID and moves
// its conversations to the account. It succeeds once; afterwards, and for
// expired or unknown tokens, it returns ErrNotFound. It returns the number
// of conversations moved.
func (s *IdentityService) Migrate(ctx context.Context, token, accountID string) (int64, error) {
	tr := otel.Tracer("services/IdentityService")
	ctx, span := tr.Start(ctx, "Migrate",
		trace.WithAttributes(attribute.String("account.id", accountID)),
	)
	defer span.End()

	if token == "" || accountID == "" {
		return 0, ErrNotFound
	}
	g, err := repo.GetGuestByTokenHash(ctx, s.DB, HashGuestToken(token))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	var moved int64
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.MarkGuestMigrated(ctx, tx, g.ID, accountID, s.now()); err != nil {
			return err
		}
		store := s.Store
		if gs, ok := store.(*GormStore); ok {
			store = gs.WithTx(tx)
		}
		n, err := store.ReassignGuest(ctx, g.ID, accountID)
		if err != nil {
			return fmt.Errorf("reassigning guest conversations: %w", err)
		}
		moved = n
		return nil
	})
	if errors.Is(err, repo.ErrNotFound) {
		return 0, ErrNotFound
	}
	return moved, err
}

// Sweep retires guest sessions that expired before olderThan ago and clears
// conversation leases that have run out. It returns both counts. Retired
// sessions keep their token hash, so the token stays terminal.
func (s *IdentityService) Sweep(ctx context.Context, olderThan time.Duration) (guests, claims int64, err error) {
	now := s.now()
	guests, err = repo.RetireExpiredGuests(ctx, s.DB, now.Add(-olderThan), now)
	if err != nil {
		return 0, 0, err
	}
	if _, ok := s.Store.(*GormStore); ok || s.Store == nil {
		claims, err = repo.ReleaseStaleClaims(ctx, s.DB, now)
	}
	return guests, claims, err
}
