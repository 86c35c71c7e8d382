package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/deepdive-relay/internal/domain"
)

// ListEntriesResponse wraps a page of ledger entries and pagination
// information.
type ListEntriesResponse struct {
	Entries    []domain.LedgerEntry `json:"entries"`
	Pagination Pagination           `json:"pagination"`
}

// GetBalance godoc
// @ID          getBalance
// @Summary     Current credit balance
// @Description Returns the account balance, monthly allocation, next reset and the total consumed, reconstructed from the ledger. A due monthly reset is applied first.
// @Tags        Billing
// @Produce     json
//
// @Param       Authorization  header  string  true  "Bearer session token"
//
// @Success     200  {object}  services.BalanceView
// @Failure     401  {object}  handlers.ErrorResponse  "No identity"
// @Failure     403  {object}  handlers.ErrorResponse  "Guests have no balance"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /balance [get]
func (h *Handlers) GetBalance(c *gin.Context) {
	accountID, found := account(c)
	if !found {
		return
	}
	view, err := h.ledgerSvc.Balance(c.Request.Context(), accountID)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, view)
}

// ListEntries godoc
// @ID          listLedgerEntries
// @Summary     Ledger entries (paginated)
// @Description Returns the account's ledger entries, newest first.
// @Tags        Billing
// @Produce     json
//
// @Param       Authorization  header  string  true   "Bearer session token"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListEntriesResponse
// @Failure     401  {object}  handlers.ErrorResponse  "No identity"
// @Failure     403  {object}  handlers.ErrorResponse  "Guests have no ledger"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /balance/entries [get]
func (h *Handlers) ListEntries(c *gin.Context) {
	accountID, found := account(c)
	if !found {
		return
	}
	page := pageParams(c)

	items, total, err := h.ledgerSvc.EntriesPage(c.Request.Context(), accountID, page.Number, page.Size)
	if err != nil {
		failService(c, err)
		return
	}
	if items == nil {
		items = []domain.LedgerEntry{}
	}
	ok(c, http.StatusOK, ListEntriesResponse{
		Entries:    items,
		Pagination: newPagination(page, total),
	})
}
