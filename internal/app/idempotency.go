package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-emission-service/internal/domain"
	"github.com/transfa/payment-emission-service/internal/store"
)

// EmissionKey derives the idempotency key of one emission attempt of a cycle.
// attempt is the schedule retry count, so a re-emitted cycle gets its own key.
func EmissionKey(societeID, scheduleID string, cycleDate time.Time, attempt int) string {
	raw := strings.Join([]string{
		"emission",
		societeID,
		scheduleID,
		cycleDate.Format(domain.DateLayout),
		strconv.Itoa(attempt),
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return "em_" + hex.EncodeToString(sum[:])
}

// IdempotencyGuard creates at most one payment intent per idempotency key.
type IdempotencyGuard struct {
	repo   Repository
	ledger *Ledger
	logger *slog.Logger
}

func NewIdempotencyGuard(repo Repository, ledger *Ledger, logger *slog.Logger) *IdempotencyGuard {
	return &IdempotencyGuard{repo: repo, ledger: ledger, logger: logger}
}

// GetOrCreateIntent returns the intent stored under key, creating a PENDING one
// for the schedule cycle when none exists. created is false when the intent
// already existed; no event is recorded in that case.
func (g *IdempotencyGuard) GetOrCreateIntent(ctx context.Context, s domain.Schedule, cycleDate time.Time, key string) (*domain.PaymentIntent, bool, error) {
	cycle := domain.DateOnly(cycleDate)
	scheduleID := s.ID
	metadata := map[string]interface{}{
		"source":     "emission",
		"cycle_date": cycle.Format(domain.DateLayout),
		"attempt":    s.RetryCount,
	}
	if org := s.OrganisationRef(); org != "" {
		metadata["organisationId"] = org
	}
	if s.ContratID != nil {
		metadata["contratId"] = *s.ContratID
	}

	return g.getOrCreate(ctx, domain.PaymentIntent{
		ID:             uuid.NewString(),
		ScheduleID:     &scheduleID,
		ClientID:       s.ClientID,
		SocieteID:      s.SocieteID,
		FactureID:      s.FactureID,
		Provider:       s.Provider,
		Amount:         s.Amount,
		Currency:       s.Currency,
		Status:         domain.IntentPending,
		IdempotencyKey: key,
		CycleDate:      &cycle,
		Metadata:       metadata,
	})
}

func (g *IdempotencyGuard) getOrCreate(ctx context.Context, candidate domain.PaymentIntent) (*domain.PaymentIntent, bool, error) {
	existing, err := g.repo.GetIntentByIdempotencyKey(ctx, candidate.IdempotencyKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	cs := store.Changeset{NewIntent: &candidate}
	event := g.ledger.Record(domain.EventPaymentCreated, domain.IntentScope(&candidate), map[string]interface{}{
		"amount":          candidate.Amount,
		"currency":        candidate.Currency,
		"provider":        string(candidate.Provider),
		"idempotency_key": candidate.IdempotencyKey,
	})
	if err := g.ledger.Attach(&cs, event); err != nil {
		return nil, false, err
	}

	if err := g.repo.Commit(ctx, cs); err != nil {
		if !errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			return nil, false, err
		}
		// Lost an insert race; the winner's row is the intent.
		g.logger.Info("idempotency key created concurrently; reusing existing intent", "idempotency_key", candidate.IdempotencyKey)
		existing, err := g.repo.GetIntentByIdempotencyKey(ctx, candidate.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("failed to reload intent after duplicate key: %w", err)
		}
		return existing, false, nil
	}
	return &candidate, true, nil
}
