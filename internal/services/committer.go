package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/deepdive-relay/internal/domain"
	"github.com/tbourn/deepdive-relay/internal/observability"
	"github.com/tbourn/deepdive-relay/internal/repo"
)

// Commit steps reported in consistency alerts.
const (
	StepTransaction = "transaction"
	StepPersist     = "persist"
	StepDebit       = "debit"
)

// TurnCommitter durably applies a completed turn: the conversation write
// and, when ch is non-nil, its debit. On success c reflects the stored row.
type TurnCommitter interface {
	CommitTurn(ctx context.Context, c *domain.Conversation, token string, ch *Charge) error
}

// SQLCommitter commits the conversation and the debit in one SQL
// transaction: either both happen or neither does.
type SQLCommitter struct {
	DB     *gorm.DB
	Ledger *LedgerService
}

// CommitTurn implements TurnCommitter.
func (s *SQLCommitter) CommitTurn(ctx context.Context, c *domain.Conversation, token string, ch *Charge) error {
	var charged bool
	next := *c
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ch != nil {
			var err error
			if charged, err = s.Ledger.ConsumeTx(ctx, tx, *ch); err != nil {
				return err
			}
		}
		return repo.CommitConversation(ctx, tx, &next, token)
	})
	if err != nil {
		alert(ctx, StepTransaction, c, ch, err)
		return fmt.Errorf("%w: %w", ErrCommitFailure, err)
	}
	*c = next
	if charged {
		observability.LedgerDebits.WithLabelValues(ch.Reason).Add(float64(ch.Amount))
	}
	return nil
}

// SequentialCommitter is used when conversations live outside the SQL
// database (DynamoDB). It persists first and debits second, so a failure
// can at worst leave an unbilled turn, never a charge for unsaved work.
// A debit failure after persistence is not rolled back; it is reported as a
// consistency alert.
type SequentialCommitter struct {
	Store  ConversationStore
	Ledger *LedgerService
}

// CommitTurn implements TurnCommitter.
func (s *SequentialCommitter) CommitTurn(ctx context.Context, c *domain.Conversation, token string, ch *Charge) error {
	next := *c
	if err := s.Store.Commit(ctx, &next, token); err != nil {
		alert(ctx, StepPersist, c, ch, err)
		return fmt.Errorf("%w: %w", ErrCommitFailure, err)
	}
	*c = next
	if ch == nil {
		return nil
	}
	if _, err := s.Ledger.Consume(ctx, domain.AccountIdentity(ch.AccountID), ch.Amount, ch.Reason, ch.ReferenceID); err != nil {
		alert(ctx, StepDebit, c, ch, err)
		return fmt.Errorf("%w: %w", ErrCommitFailure, err)
	}
	return nil
}

// alert logs a commit failure that happened after the upstream reported
// success, and counts it.
func alert(ctx context.Context, step string, c *domain.Conversation, ch *Charge, err error) {
	observability.ConsistencyAlerts.WithLabelValues(step).Inc()
	ev := zerolog.Ctx(ctx).Error().
		Err(err).
		Str("alert", "consistency").
		Str("step", step).
		Str("conversation_id", c.ID).
		Str("kind", c.Kind).
		Str("subject_id", c.SubjectID).
		Int("turn", c.TurnCount)
	if ch != nil {
		ev = ev.Str("reference_id", ch.ReferenceID).Int("amount", ch.Amount)
	}
	ev.Msg("upstream succeeded but the turn could not be committed")
}
