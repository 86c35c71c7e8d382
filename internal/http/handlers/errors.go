// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants and the translation of
// service errors into the `{request_id, code, message}` envelope written by
// fail(). Once a turn stream has started, errors travel as `error` frames
// instead and never reach this mapping.
//
// Conventions:
//   - Codes are lowercase snake_case.
//   - Generic codes mirror HTTP status semantics; domain codes name the
//     business rule that refused the request.
//   - Clients are expected to branch on codes, never on messages.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "insufficient_balance",
//	  "message": "not enough credits for this action"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/deepdive-relay/internal/services"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeInsufficientBalance   = "insufficient_balance"
	ErrCodeGuestCapReached       = "guest_limit_reached"
	ErrCodeConversationCompleted = "conversation_completed"
	ErrCodeConversationBusy      = "conversation_busy"
	ErrCodeUpstreamUnavailable   = "upstream_unavailable"
	ErrCodeUpstreamTimeout       = "upstream_timeout"
	ErrCodeMethodNotAllowed      = "method_not_allowed"
)

// serviceError maps a service error to its HTTP status, code and message.
func serviceError(err error) (int, string, string) {
	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		return http.StatusUnauthorized, ErrCodeUnauthorized, "a session or guest token is required"
	case errors.Is(err, services.ErrInsufficientBalance):
		return http.StatusPaymentRequired, ErrCodeInsufficientBalance, "not enough credits for this action"
	case errors.Is(err, services.ErrGuestCapReached):
		return http.StatusPaymentRequired, ErrCodeGuestCapReached, "daily guest limit reached"
	case errors.Is(err, services.ErrConversationCompleted):
		return http.StatusBadRequest, ErrCodeConversationCompleted, "conversation already completed"
	case errors.Is(err, services.ErrEmptyTurn):
		return http.StatusBadRequest, ErrCodeBadRequest, "message must not be empty"
	case errors.Is(err, services.ErrEmptyQuery):
		return http.StatusBadRequest, ErrCodeBadRequest, "query must not be empty"
	case errors.Is(err, services.ErrTurnTooLong):
		return http.StatusBadRequest, ErrCodeBadRequest, "input too long"
	case errors.Is(err, services.ErrUnknownKind):
		return http.StatusBadRequest, ErrCodeBadRequest, "unknown conversation kind"
	case errors.Is(err, services.ErrConversationBusy):
		return http.StatusConflict, ErrCodeConversationBusy, "conversation is busy, retry shortly"
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "resource not found"
	case errors.Is(err, services.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, ErrCodeUpstreamTimeout, "upstream service timed out"
	case errors.Is(err, services.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, ErrCodeUpstreamUnavailable, "upstream service unavailable"
	}
	return http.StatusInternalServerError, ErrCodeInternal, "internal server error"
}

// failService aborts with the envelope for err. Unmapped errors are logged
// with their cause; the client only sees a generic message.
func failService(c *gin.Context, err error) {
	status, code, msg := serviceError(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	fail(c, status, code, msg)
}
