// Package services – ConversationService
//
// ConversationService runs the conversation state machine and orchestrates
// one submitted turn:
//
//  1. validate and normalize the text, find or create the conversation;
//  2. claim the row (waiting with backoff while another turn holds it);
//  3. decide whether this turn is a charging turn and, if so, check
//     affordability before any upstream cost is incurred;
//  4. open the upstream stream on a context detached from the caller;
//  5. relay frames to the client, committing state and debit when the
//     upstream completes, and releasing the claim otherwise.
//
// Steps 1-4 happen in Begin and fail with plain errors. Step 5 is
// PendingTurn.Relay, whose failures are reported to the client as frames.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/datatypes"

	"github.com/tbourn/deepdive-relay/internal/config"
	"github.com/tbourn/deepdive-relay/internal/domain"
	"github.com/tbourn/deepdive-relay/internal/relay"
	"github.com/tbourn/deepdive-relay/internal/repo"
	"github.com/tbourn/deepdive-relay/internal/upstream"
)

const (
	claimBackoffStart = 25 * time.Millisecond
	claimBackoffMax   = time.Second
)

// TurnStreamer opens the upstream stream for one turn. *upstream.Client
// satisfies it.
type TurnStreamer interface {
	StreamTurn(ctx context.Context, req upstream.TurnRequest) (io.ReadCloser, error)
}

// ConversationService coordinates turn submission for every kind.
type ConversationService struct {
	Store     ConversationStore
	Committer TurnCommitter
	Ledger    *LedgerService
	Upstream  TurnStreamer
	Policies  config.Policies

	// ClaimWait bounds how long Begin waits for a busy conversation.
	ClaimWait time.Duration
	// Lease is how long a claim stays valid; it must outlive the upstream
	// timeout plus the commit.
	Lease time.Duration

	now func() time.Time
}

// NewConversationService wires a ConversationService.
func NewConversationService(store ConversationStore, committer TurnCommitter, ledger *LedgerService, up TurnStreamer, policies config.Policies, claimWait, lease time.Duration) *ConversationService {
	return &ConversationService{
		Store:     store,
		Committer: committer,
		Ledger:    ledger,
		Upstream:  up,
		Policies:  policies,
		ClaimWait: claimWait,
		Lease:     lease,
		now:       time.Now,
	}
}

// ReferenceID is the ledger reference for the charge of turn n of a
// conversation. It is unique per conversation turn, so a turn is never
// charged twice.
func ReferenceID(kind, conversationID string, turn int) string {
	return fmt.Sprintf("%s:%s:turn-%d", kind, conversationID, turn)
}

// ShouldCharge reports whether turn n is a charging turn under p.
func ShouldCharge(p config.BillingConfig, turn int) bool {
	return p.ChargeCost > 0 && p.ChargeEvery > 0 && turn%p.ChargeEvery == 0
}

// Get returns the persisted conversation for (kind, subject, caller).
func (s *ConversationService) Get(ctx context.Context, id domain.Identity, kind domain.ConversationKind, subjectID string) (*domain.Conversation, error) {
	if !kind.Valid() {
		return nil, ErrUnknownKind
	}
	if !id.Valid() {
		return nil, ErrUnauthenticated
	}
	c, err := s.Store.Find(ctx, string(kind), subjectID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return c, err
}

// PendingTurn is a claimed conversation with an open upstream stream. Relay
// must be called exactly once.
type PendingTurn struct {
	svc      *ConversationService
	identity domain.Identity
	conv     *domain.Conversation
	token    string
	text     string
	policy   config.BillingConfig
	charge   bool
	body     io.ReadCloser
}

// Conversation returns the claimed conversation state the turn started from.
func (p *PendingTurn) Conversation() *domain.Conversation { return p.conv }

// Charging reports whether this turn will be debited on completion.
func (p *PendingTurn) Charging() bool { return p.charge }

// Begin validates a submission and prepares its relay. On error no claim is
// held and no upstream call is open. Only the pre-flight part honours ctx
// cancellation; the upstream call outlives the caller.
func (s *ConversationService) Begin(ctx context.Context, id domain.Identity, kind domain.ConversationKind, subjectID, text string) (*PendingTurn, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Begin",
		trace.WithAttributes(
			attribute.String("identity", id.String()),
			attribute.String("conversation.kind", string(kind)),
			attribute.String("subject.id", subjectID),
		),
	)
	defer span.End()

	if !kind.Valid() {
		return nil, ErrUnknownKind
	}
	if !id.Valid() {
		return nil, ErrUnauthenticated
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, ErrNotFound
	}
	policy := s.Policies.For(string(kind))

	text = norm.NFC.String(strings.TrimSpace(text))
	if text == "" {
		return nil, ErrEmptyTurn
	}
	if policy.MaxTurnRunes > 0 && utf8.RuneCountInString(text) > policy.MaxTurnRunes {
		return nil, ErrTurnTooLong
	}

	c, err := s.findOrCreate(ctx, id, string(kind), subjectID)
	if err != nil {
		return nil, err
	}
	if c.Completed() {
		return nil, ErrConversationCompleted
	}

	token := uuid.NewString()
	c, err = s.claim(ctx, c, token)
	if err != nil {
		return nil, err
	}
	release := func() {
		if err := s.Store.Release(context.WithoutCancel(ctx), c, token); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("conversation_id", c.ID).Msg("releasing conversation claim")
		}
	}
	if c.Completed() {
		release()
		return nil, ErrConversationCompleted
	}

	turn := c.TurnCount + 1
	charge := ShouldCharge(policy, turn)
	span.SetAttributes(attribute.Int("turn", turn), attribute.Bool("charge", charge))
	if charge {
		ok, err := s.Ledger.Affordable(ctx, id, policy.ChargeCost)
		if err != nil {
			release()
			return nil, err
		}
		if !ok {
			release()
			return nil, ErrInsufficientBalance
		}
	}

	body, err := s.Upstream.StreamTurn(context.WithoutCancel(ctx), upstream.TurnRequest{
		Kind:      c.Kind,
		SubjectID: c.SubjectID,
		Turns:     []domain.Turn(c.Turns),
		Scores:    c.Scores.Data(),
		TurnCount: turn,
		Message:   text,
	})
	if err != nil {
		release()
		return nil, upstreamError(err)
	}

	return &PendingTurn{
		svc:      s,
		identity: id,
		conv:     c,
		token:    token,
		text:     text,
		policy:   policy,
		charge:   charge,
		body:     body,
	}, nil
}

func upstreamError(err error) error {
	if upstream.IsTimeout(err) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}

func (s *ConversationService) findOrCreate(ctx context.Context, id domain.Identity, kind, subjectID string) (*domain.Conversation, error) {
	c, err := s.Store.Find(ctx, kind, subjectID, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	c, err = s.Store.Create(ctx, kind, subjectID, id)
	if errors.Is(err, repo.ErrDuplicate) {
		return s.Store.Find(ctx, kind, subjectID, id)
	}
	return c, err
}

// claim takes the lease on c, retrying with exponential backoff while
// another submission holds it, for at most ClaimWait.
func (s *ConversationService) claim(ctx context.Context, c *domain.Conversation, token string) (*domain.Conversation, error) {
	wait := s.ClaimWait
	if wait <= 0 {
		wait = time.Minute
	}
	deadline := s.now().Add(wait)
	backoff := claimBackoffStart

	for {
		claimed, err := s.Store.Claim(ctx, c, token, s.Lease, s.now())
		switch {
		case err == nil:
			return claimed, nil
		case errors.Is(err, repo.ErrNotFound):
			return nil, ErrNotFound
		case !errors.Is(err, repo.ErrClaimHeld):
			return nil, err
		}

		if s.now().Add(backoff).After(deadline) {
			return nil, ErrConversationBusy
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > claimBackoffMax {
			backoff = claimBackoffMax
		}
	}
}

// Relay streams the upstream answer to sink and commits the turn when the
// upstream completes. Whatever happens, the claim is gone when it returns:
// a commit drops it, any other outcome releases it.
func (p *PendingTurn) Relay(ctx context.Context, sink relay.Sink) relay.Result {
	ctx = context.WithoutCancel(ctx)
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Relay",
		trace.WithAttributes(
			attribute.String("conversation.id", p.conv.ID),
			attribute.Int("turn", p.conv.TurnCount+1),
		),
	)
	defer span.End()

	r := &relay.Relay{
		Sink:   sink,
		Commit: p.commit,
		Logger: zerolog.Ctx(ctx).With().Str("conversation_id", p.conv.ID).Logger(),
	}
	res := r.Run(ctx, p.body)
	span.SetAttributes(attribute.String("outcome", res.Outcome.String()))

	if res.Outcome != relay.Committed {
		if err := p.svc.Store.Release(ctx, p.conv, p.token); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("conversation_id", p.conv.ID).Msg("releasing conversation claim")
		}
	}
	return res
}

// commit applies a completed upstream turn: append the caller's text and
// the next prompt, bump the counter, replace the scores when a snapshot was
// sent, and complete the conversation when every score reaches the
// threshold and the turn floor is met.
func (p *PendingTurn) commit(ctx context.Context, done relay.Completion) (relay.Snapshot, error) {
	next := *p.conv
	turns := make([]domain.Turn, 0, len(p.conv.Turns)+2)
	turns = append(turns, p.conv.Turns...)
	turns = append(turns, domain.Turn{Role: domain.RoleResponder, Text: p.text})
	if done.NextPrompt != nil {
		turns = append(turns, domain.Turn{Role: domain.RolePrompter, Text: *done.NextPrompt})
	}
	next.Turns = datatypes.NewJSONSlice(turns)
	next.TurnCount = p.conv.TurnCount + 1
	next.NextPrompt = done.NextPrompt
	if done.Scores != nil {
		next.Scores = datatypes.NewJSONType(*done.Scores)
	}
	scores := next.Scores.Data()
	if scores.AllAtLeast(p.policy.ScoreThreshold) && next.TurnCount >= p.policy.MinTurns {
		next.Status = domain.StatusCompleted
	}

	var ch *Charge
	if p.charge && p.identity.IsAccount() {
		ch = &Charge{
			AccountID:   p.identity.AccountID,
			Amount:      p.policy.ChargeCost,
			Reason:      next.Kind,
			ReferenceID: ReferenceID(next.Kind, next.ID, next.TurnCount),
		}
	}

	if err := p.svc.Committer.CommitTurn(ctx, &next, p.token, ch); err != nil {
		return relay.Snapshot{}, err
	}
	p.conv = &next

	return relay.Snapshot{
		Messages:   turns,
		NextPrompt: next.NextPrompt,
		Scores:     scores,
		Completed:  next.Completed(),
		TurnCount:  next.TurnCount,
	}, nil
}

// Abandon releases the claim and closes the upstream stream without
// relaying, for callers that cannot start the client stream after Begin.
func (p *PendingTurn) Abandon(ctx context.Context) {
	_ = p.body.Close()
	if err := p.svc.Store.Release(context.WithoutCancel(ctx), p.conv, p.token); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("conversation_id", p.conv.ID).Msg("releasing conversation claim")
	}
}
