package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/deepdive-relay/internal/http/middleware"
)

// MigrateGuestResponse reports how many conversations moved to the account.
type MigrateGuestResponse struct {
	Migrated int64 `json:"migrated" example:"2"`
}

// MigrateGuest godoc
// @ID          migrateGuest
// @Summary     Move guest conversations to the signed-in account
// @Description One-time migration of the guest identified by X-Guest-Token. Conversations for subjects the account already has stay with the guest. An expired, unknown or already migrated guest yields 404 and nothing changes.
// @Tags        Guests
// @Produce     json
//
// @Param       Authorization  header  string  true  "Bearer session token"
// @Param       X-Guest-Token  header  string  true  "Guest device token"
//
// @Success     200  {object}  handlers.MigrateGuestResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Missing guest token"
// @Failure     401  {object}  handlers.ErrorResponse  "No identity"
// @Failure     403  {object}  handlers.ErrorResponse  "Account session required"
// @Failure     404  {object}  handlers.ErrorResponse  "Guest not eligible"
// @Router      /guest/migrate [post]
func (h *Handlers) MigrateGuest(c *gin.Context) {
	accountID, found := account(c)
	if !found {
		return
	}
	token := strings.TrimSpace(c.GetHeader(middleware.HeaderGuestToken))
	if token == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "X-Guest-Token header required")
		return
	}

	n, err := h.guestSvc.Migrate(c.Request.Context(), token, accountID)
	if err != nil {
		failService(c, err)
		return
	}
	middleware.LoggerFrom(c).Info().Int64("migrated", n).Msg("guest migrated")
	ok(c, http.StatusOK, MigrateGuestResponse{Migrated: n})
}
