// Conversation HTTP handlers.
//
// This file exposes, for each conversation kind:
//   - POST /{kind}/{subjectId}/turns   (submit a turn; text/event-stream)
//   - GET  /{kind}/{subjectId}         (persisted state, weak ETag support)
//
// Submission runs in two phases. Everything that can refuse the turn
// (identity, validation, balance, claim, opening the upstream call) happens
// before the first byte is written and is answered with the JSON error
// envelope. Once the stream starts, outcomes travel as frames.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/deepdive-relay/internal/domain"
	"github.com/tbourn/deepdive-relay/internal/http/middleware"
	"github.com/tbourn/deepdive-relay/internal/relay"
)

// SubmitTurnRequest is the JSON payload for a new turn.
type SubmitTurnRequest struct {
	// Message is the caller's answer to the current prompt.
	Message string `json:"message" example:"I want to work on payments infrastructure."`
}

// ConversationResponse is the persisted conversation plus, for accounts,
// how many of its turns were charged.
type ConversationResponse struct {
	*domain.Conversation
	Charges int64 `json:"charges,omitempty"`
}

// SubmitDeepDiveTurn godoc
// @ID          submitDeepDiveTurn
// @Summary     Submit a deep-dive turn
// @Description Relays the turn to the inference service and streams `progress`, then exactly one `complete` or `error` frame as `data: <json>` lines.
// @Tags        Conversations
// @Accept      json
// @Produce     text/event-stream
//
// @Param       Authorization  header  string  false "Bearer session token"
// @Param       X-Guest-Token  header  string  false "Guest device token"
// @Param       subjectId      path    string  true  "Subject (company) id"  example(acme-42)
// @Param       body           body    handlers.SubmitTurnRequest  true  "Turn payload"
//
// @Success     200  {string}  string                  "event stream"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid input or conversation completed"
// @Failure     401  {object}  handlers.ErrorResponse  "No identity"
// @Failure     402  {object}  handlers.ErrorResponse  "Insufficient balance"
// @Failure     409  {object}  handlers.ErrorResponse  "Conversation busy"
// @Failure     503  {object}  handlers.ErrorResponse  "Upstream unavailable"
// @Failure     504  {object}  handlers.ErrorResponse  "Upstream timeout"
// @Router      /deep-dives/{subjectId}/turns [post]
func (h *Handlers) SubmitDeepDiveTurn(c *gin.Context) { h.submitTurn(c, domain.KindDeepDive) }

// SubmitReviewTurn godoc
// @ID          submitReviewTurn
// @Summary     Submit a document-review turn
// @Description Same contract as the deep-dive turn, under the document-review billing policy.
// @Tags        Conversations
// @Accept      json
// @Produce     text/event-stream
//
// @Param       Authorization  header  string  false "Bearer session token"
// @Param       X-Guest-Token  header  string  false "Guest device token"
// @Param       subjectId      path    string  true  "Subject (document) id"
// @Param       body           body    handlers.SubmitTurnRequest  true  "Turn payload"
//
// @Success     200  {string}  string                  "event stream"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid input or conversation completed"
// @Failure     401  {object}  handlers.ErrorResponse  "No identity"
// @Failure     402  {object}  handlers.ErrorResponse  "Insufficient balance"
// @Failure     409  {object}  handlers.ErrorResponse  "Conversation busy"
// @Failure     503  {object}  handlers.ErrorResponse  "Upstream unavailable"
// @Failure     504  {object}  handlers.ErrorResponse  "Upstream timeout"
// @Router      /reviews/{subjectId}/turns [post]
func (h *Handlers) SubmitReviewTurn(c *gin.Context) { h.submitTurn(c, domain.KindDocumentReview) }

func (h *Handlers) submitTurn(c *gin.Context, kind domain.ConversationKind) {
	id, found := caller(c)
	if !found {
		return
	}
	var req SubmitTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	p, err := h.convSvc.Begin(c.Request.Context(), id, kind, c.Param("subjectId"), req.Message)
	if err != nil {
		failService(c, err)
		return
	}

	middleware.EventStreamHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	sink := relay.NewWriterSink(c.Request.Context(), c.Writer, c.Writer.Flush, h.StreamQueue)
	res := p.Relay(c.Request.Context(), sink)
	sink.Close()

	lg := middleware.LoggerFrom(c)
	ev := lg.Info()
	if res.Outcome != relay.Committed {
		ev = lg.Warn().Err(res.Err)
	}
	ev.Str("conversation_id", p.Conversation().ID).
		Str("outcome", res.Outcome.String()).
		Bool("charging", p.Charging()).
		Int("frames", res.Frames).
		Bool("client_gone", sink.Gone()).
		Int64("dropped_frames", sink.Dropped()).
		Msg("turn relayed")
}

// GetDeepDive godoc
// @ID          getDeepDive
// @Summary     Get deep-dive state
// @Description Returns the persisted deep-dive for the caller. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Conversations
// @Produce     json
//
// @Param       subjectId      path    string  true  "Subject (company) id"
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
//
// @Success     200  {object}  handlers.ConversationResponse
// @Success     304  {string}  string "Not Modified"
// @Failure     401  {object}  handlers.ErrorResponse  "No identity"
// @Failure     404  {object}  handlers.ErrorResponse  "No conversation yet"
// @Router      /deep-dives/{subjectId} [get]
func (h *Handlers) GetDeepDive(c *gin.Context) { h.getConversation(c, domain.KindDeepDive) }

// GetReview godoc
// @ID          getReview
// @Summary     Get document-review state
// @Tags        Conversations
// @Produce     json
//
// @Param       subjectId      path    string  true  "Subject (document) id"
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
//
// @Success     200  {object}  handlers.ConversationResponse
// @Success     304  {string}  string "Not Modified"
// @Failure     401  {object}  handlers.ErrorResponse  "No identity"
// @Failure     404  {object}  handlers.ErrorResponse  "No conversation yet"
// @Router      /reviews/{subjectId} [get]
func (h *Handlers) GetReview(c *gin.Context) { h.getConversation(c, domain.KindDocumentReview) }

func (h *Handlers) getConversation(c *gin.Context, kind domain.ConversationKind) {
	id, found := caller(c)
	if !found {
		return
	}
	ctx := c.Request.Context()

	conv, err := h.convSvc.Get(ctx, id, kind, c.Param("subjectId"))
	if err != nil {
		failService(c, err)
		return
	}

	// The version changes with every claim and commit.
	etag := fmt.Sprintf(`W/"conv:%s:%d"`, conv.ID, conv.Version)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	resp := ConversationResponse{Conversation: conv}
	if id.IsAccount() {
		n, err := h.ledgerSvc.ConversationCharges(ctx, id.AccountID, conv.Kind, conv.ID)
		if err != nil {
			failService(c, err)
			return
		}
		resp.Charges = n
	}
	ok(c, http.StatusOK, resp)
}
