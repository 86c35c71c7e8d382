// Package handlers exposes the relay's REST and streaming endpoints:
//
//   - POST /deep-dives/{subjectId}/turns, POST /reviews/{subjectId}/turns
//     (submit a turn, answered as a text/event-stream)
//   - GET  /deep-dives/{subjectId}, GET /reviews/{subjectId}
//   - GET  /balance, GET /balance/entries
//   - POST /companies/lookup
//   - POST /guest/migrate
//
// Handlers are transport-thin: they validate input, call application
// services, and translate results into HTTP responses.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/deepdive-relay/internal/domain"
	"github.com/tbourn/deepdive-relay/internal/http/middleware"
	"github.com/tbourn/deepdive-relay/internal/services"
	"github.com/tbourn/deepdive-relay/internal/upstream"
	"github.com/tbourn/deepdive-relay/internal/utils"
)

//
// Service contracts (context-aware)
//

// ConversationService runs turn submission and reads conversation state.
type ConversationService interface {
	// Begin validates, claims and opens the upstream stream for one turn.
	Begin(ctx context.Context, id domain.Identity, kind domain.ConversationKind, subjectID, text string) (*services.PendingTurn, error)
	// Get returns the persisted conversation for the caller.
	Get(ctx context.Context, id domain.Identity, kind domain.ConversationKind, subjectID string) (*domain.Conversation, error)
}

// LedgerService serves the account balance views.
type LedgerService interface {
	Balance(ctx context.Context, accountID string) (*services.BalanceView, error)
	EntriesPage(ctx context.Context, accountID string, page, pageSize int) ([]domain.LedgerEntry, int64, error)
	ConversationCharges(ctx context.Context, accountID, kind, conversationID string) (int64, error)
}

// GuestMigrator moves a guest's conversations to an account.
type GuestMigrator interface {
	Migrate(ctx context.Context, guestToken, accountID string) (int64, error)
}

// CompanyService runs the metered company lookup.
type CompanyService interface {
	Lookup(ctx context.Context, id domain.Identity, query, idemKey string) (upstream.LookupResponse, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints. It depends on abstract service
// interfaces to keep transport concerns separate from business logic.
type Handlers struct {
	convSvc    ConversationService
	ledgerSvc  LedgerService
	guestSvc   GuestMigrator
	companySvc CompanyService

	// StreamQueue is the per-stream client frame buffer (64 when zero).
	StreamQueue int
}

// New constructs and returns a Handlers instance bound to the given services.
func New(convSvc ConversationService, ledgerSvc LedgerService, guestSvc GuestMigrator, companySvc CompanyService) *Handlers {
	return &Handlers{convSvc: convSvc, ledgerSvc: ledgerSvc, guestSvc: guestSvc, companySvc: companySvc}
}

// caller returns the identity resolved by middleware.Identity, aborting
// with 401 when there is none.
func caller(c *gin.Context) (domain.Identity, bool) {
	id, found := middleware.IdentityFrom(c)
	if !found {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "a session or guest token is required")
	}
	return id, found
}

// account returns the caller's account id, aborting with 403 for guests.
func account(c *gin.Context) (string, bool) {
	id, found := caller(c)
	if !found {
		return "", false
	}
	if !id.IsAccount() {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "an account session is required")
		return "", false
	}
	return id.AccountID, true
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(p utils.Page, total int64) Pagination {
	return Pagination{
		Page:       p.Number,
		PageSize:   p.Size,
		Total:      total,
		TotalPages: p.TotalPages(total),
		HasNext:    p.HasNext(total),
	}
}

// pageParams reads the page and page_size query params.
func pageParams(c *gin.Context) utils.Page {
	return utils.ParsePage(c.Query("page"), c.Query("page_size"), 20, 100)
}
