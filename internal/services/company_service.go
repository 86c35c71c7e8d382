package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/deepdive-relay/internal/domain"
	"github.com/tbourn/deepdive-relay/internal/observability"
	"github.com/tbourn/deepdive-relay/internal/upstream"
)

const maxQueryRunes = 200

// CompanyLooker performs a company lookup. *upstream.Client satisfies it.
type CompanyLooker interface {
	LookupCompany(ctx context.Context, req upstream.LookupRequest) (upstream.LookupResponse, error)
}

// CompanyService runs the metered company lookup. Guests are limited to a
// daily count and never charged; accounts pay Cost credits per lookup
// (nothing when Cost is zero). Usage is recorded only after the upstream
// answered.
type CompanyService struct {
	Ledger   *LedgerService
	Upstream CompanyLooker
	Cost     int
}

// Lookup resolves query for the caller. idemKey, when set, becomes the
// ledger reference so a retried request is charged once.
func (s *CompanyService) Lookup(ctx context.Context, id domain.Identity, query, idemKey string) (upstream.LookupResponse, error) {
	tr := otel.Tracer("services/CompanyService")
	ctx, span := tr.Start(ctx, "Lookup",
		trace.WithAttributes(attribute.String("identity", id.String())),
	)
	defer span.End()

	if !id.Valid() {
		return nil, ErrUnauthenticated
	}
	query = norm.NFC.String(strings.TrimSpace(query))
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if utf8.RuneCountInString(query) > maxQueryRunes {
		return nil, ErrTurnTooLong
	}

	if id.IsGuest() {
		if err := s.Ledger.GuestCapCheck(ctx, id.GuestID, domain.ReasonCompanyLookup); err != nil {
			return nil, err
		}
	} else if s.Cost > 0 {
		if err := s.checkAffordable(ctx, id, idemKey); err != nil {
			return nil, err
		}
	}

	resp, err := s.Upstream.LookupCompany(ctx, upstream.LookupRequest{Query: query})
	if err != nil {
		return nil, upstreamError(err)
	}

	lg := zerolog.Ctx(ctx)
	if id.IsGuest() {
		if _, err := s.Ledger.RecordGuestUse(context.WithoutCancel(ctx), id.GuestID, domain.ReasonCompanyLookup); err != nil {
			// The answer is already paid for upstream; a lost race on the
			// last slot is tolerated.
			lg.Warn().Err(err).Str("guest_id", id.GuestID).Msg("recording guest lookup")
		}
		return resp, nil
	}
	if s.Cost == 0 {
		return resp, nil
	}

	ref := domain.ReasonCompanyLookup + ":" + idemKey
	if idemKey == "" {
		ref = domain.ReasonCompanyLookup + ":" + uuid.NewString()
	}
	if _, err := s.Ledger.Consume(context.WithoutCancel(ctx), id, s.Cost, domain.ReasonCompanyLookup, ref); err != nil {
		observability.ConsistencyAlerts.WithLabelValues(StepDebit).Inc()
		lg.Error().Err(err).
			Str("alert", "consistency").
			Str("step", StepDebit).
			Str("account_id", id.AccountID).
			Str("reference_id", ref).
			Msg("company lookup answered but the debit failed")
		return nil, fmt.Errorf("%w: %w", ErrCommitFailure, err)
	}
	return resp, nil
}

// checkAffordable refuses an account that cannot pay Cost. A request whose
// idempotency key was already charged is a replay and always passes; its
// debit will be a no-op.
func (s *CompanyService) checkAffordable(ctx context.Context, id domain.Identity, idemKey string) error {
	if idemKey != "" {
		charged, err := s.Ledger.Charged(ctx, id.AccountID, domain.ReasonCompanyLookup+":"+idemKey)
		if err != nil {
			return err
		}
		if charged {
			return nil
		}
	}
	ok, err := s.Ledger.Affordable(ctx, id, s.Cost)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientBalance
	}
	return nil
}
