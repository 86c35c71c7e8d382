package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/deepdive-relay/internal/http/middleware"
)

// LookupCompanyRequest is the JSON payload for a company lookup.
type LookupCompanyRequest struct {
	// Query is a company name or registry number.
	Query string `json:"query" example:"Acme Holdings"`
}

// LookupCompany godoc
// @ID          lookupCompany
// @Summary     Look up a company
// @Description Proxies the lookup to the inference service. Guests are limited per day; accounts are charged the configured cost once per Idempotency-Key.
// @Tags        Companies
// @Accept      json
// @Produce     json
//
// @Param       Authorization    header  string  false "Bearer session token"
// @Param       X-Guest-Token    header  string  false "Guest device token"
// @Param       Idempotency-Key  header  string  false "Retry key; a repeated key is not charged again"  example(lookup-7f3a)
// @Param       body             body    handlers.LookupCompanyRequest  true  "Lookup payload"
//
// @Success     200  {object}  object                  "Upstream lookup result"
// @Header      200  {string}  Idempotency-Replayed    "true when the key was already charged"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "No identity"
// @Failure     402  {object}  handlers.ErrorResponse  "Insufficient balance or guest limit"
// @Failure     503  {object}  handlers.ErrorResponse  "Upstream unavailable"
// @Failure     504  {object}  handlers.ErrorResponse  "Upstream timeout"
// @Router      /companies/lookup [post]
func (h *Handlers) LookupCompany(c *gin.Context) {
	id, found := caller(c)
	if !found {
		return
	}
	var req LookupCompanyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	resp, err := h.companySvc.Lookup(c.Request.Context(), id, req.Query, key)
	if err != nil {
		failService(c, err)
		return
	}
	if middleware.IsReplay(c) {
		c.Header("Idempotency-Replayed", "true")
	}
	ok(c, http.StatusOK, json.RawMessage(resp))
}
