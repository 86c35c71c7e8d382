package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/deepdive-relay/internal/domain"
	"github.com/tbourn/deepdive-relay/internal/services"
)

const (
	identityKey = "identity"
	// userIDKey is read by KeyByIdentityOrIP and logged by handlers.
	userIDKey = "userID"
)

// Resolver turns request credentials into an identity.
// *services.IdentityService satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, session, guestToken string) (domain.Identity, error)
}

// Identity resolves the caller from "Authorization: Bearer <session>" or
// the X-Guest-Token header and stores it in the Gin context. Requests with
// no usable credential are rejected with 401.
func Identity(res Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := bearer(c.GetHeader("Authorization"))
		guest := strings.TrimSpace(c.GetHeader(HeaderGuestToken))

		id, err := res.Resolve(c.Request.Context(), session, guest)
		if err != nil {
			rid := c.Writer.Header().Get(requestIDHeader)
			if errors.Is(err, services.ErrUnauthenticated) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"request_id": rid,
					"code":       "unauthorized",
					"message":    "a session or guest token is required",
				})
				return
			}
			LoggerFrom(c).Error().Err(err).Msg("resolving caller identity")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
			return
		}

		c.Set(identityKey, id)
		c.Set(userIDKey, id.String())
		storeLogger(c, LoggerFrom(c).With().Str("identity", id.String()).Logger())
		c.Next()
	}
}

// IdentityFrom returns the identity stored by Identity.
func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return domain.Identity{}, false
	}
	id, ok := v.(domain.Identity)
	return id, ok && id.Valid()
}

// bearer extracts the token of an "Authorization: Bearer" header.
func bearer(h string) string {
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
