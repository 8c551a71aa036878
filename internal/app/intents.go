/**
 * @description
 * Payment intent operations outside of the emission run: one-off charges,
 * provider settlements, cancellations, refunds and manual re-escalation.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/payment-emission-service/internal/domain"
	"github.com/transfa/payment-emission-service/internal/store"
)

// OneOffIntentInput describes a standalone charge not attached to a schedule.
type OneOffIntentInput struct {
	OrganisationID string
	SocieteID      string
	ClientID       string
	FactureID      *string
	Provider       string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]interface{}
}

// SettlementUpdate is a provider's final word on a submitted payment. Either
// IntentID or ProviderPaymentID identifies the intent.
type SettlementUpdate struct {
	IntentID          string
	ProviderPaymentID string
	Status            domain.IntentStatus
	Code              string
	Message           string
}

type IntentService struct {
	repo      Repository
	guard     *IdempotencyGuard
	ledger    *Ledger
	escalator *Escalator
	clock     Clock
	logger    *slog.Logger
}

func NewIntentService(repo Repository, guard *IdempotencyGuard, ledger *Ledger, escalator *Escalator, clock Clock, logger *slog.Logger) *IntentService {
	if clock == nil {
		clock = SystemClock{}
	}
	return &IntentService{repo: repo, guard: guard, ledger: ledger, escalator: escalator, clock: clock, logger: logger}
}

func (s *IntentService) Get(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	return s.repo.GetIntent(ctx, id)
}

// CreateOneOff creates a PENDING intent under the caller's idempotency key.
func (s *IntentService) CreateOneOff(ctx context.Context, in OneOffIntentInput) (*domain.PaymentIntent, bool, error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	switch {
	case key == "":
		return nil, false, domain.Validationf("idempotency_key is required")
	case strings.TrimSpace(in.SocieteID) == "":
		return nil, false, domain.Validationf("societe_id is required")
	case strings.TrimSpace(in.ClientID) == "":
		return nil, false, domain.Validationf("client_id is required")
	case in.Amount <= 0:
		return nil, false, domain.Validationf("amount must be positive")
	case strings.TrimSpace(in.Provider) == "":
		return nil, false, domain.Validationf("provider is required")
	}

	metadata := map[string]interface{}{"source": "one_off"}
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	if org := strings.TrimSpace(in.OrganisationID); org != "" {
		metadata["organisationId"] = org
	}

	return s.guard.getOrCreate(ctx, domain.PaymentIntent{
		ID:             uuid.NewString(),
		ClientID:       strings.TrimSpace(in.ClientID),
		SocieteID:      strings.TrimSpace(in.SocieteID),
		FactureID:      in.FactureID,
		Provider:       domain.NormalizeProvider(in.Provider),
		Amount:         in.Amount,
		Currency:       domain.NormalizeCurrency(in.Currency),
		Status:         domain.IntentPending,
		IdempotencyKey: key,
		Metadata:       metadata,
	})
}

// ApplySettlement records a provider outcome. Replaying an outcome the intent
// already has is a no-op; a failure is escalated to the retry service.
func (s *IntentService) ApplySettlement(ctx context.Context, update SettlementUpdate) (*domain.PaymentIntent, error) {
	pi, err := s.findSettlementTarget(ctx, update)
	if err != nil {
		return nil, err
	}
	if pi.Status == update.Status || (update.Status == domain.IntentSucceeded && pi.Status.IsCollected()) {
		return pi, nil
	}

	expected := pi.Status
	cs := store.Changeset{}
	var (
		eventType domain.EventType
		payload   = map[string]interface{}{"from_status": string(expected)}
	)
	if update.ProviderPaymentID != "" {
		payload["provider_payment_id"] = update.ProviderPaymentID
	}

	switch update.Status {
	case domain.IntentSucceeded:
		if err := pi.MarkSucceeded(s.clock.Now().UTC()); err != nil {
			return nil, err
		}
		eventType = domain.EventPaymentSucceeded
	case domain.IntentFailed:
		rejection := ClassifyReason(update.Code, update.Message)
		if err := pi.MarkFailed(rejection); err != nil {
			return nil, err
		}
		eventType = domain.EventPaymentFailed
		payload["rejection_code"] = string(rejection.Code)
		payload["reason"] = rejection.Message
		payload["retryable"] = rejection.Retryable
		schedule := s.scheduleOf(ctx, pi)
		if _, err := s.escalator.Attach(&cs, pi, schedule, rejection); err != nil {
			return nil, err
		}
	case domain.IntentCancelled:
		if err := pi.TransitionTo(domain.IntentCancelled); err != nil {
			return nil, err
		}
		eventType = domain.EventPaymentCancelled
	default:
		return nil, domain.Validationf("unsupported settlement status %q", update.Status)
	}

	cs.IntentUpdate = &store.IntentChange{Intent: *pi, ExpectedStatus: expected}
	if err := s.ledger.Attach(&cs, s.ledger.Record(eventType, domain.IntentScope(pi), payload)); err != nil {
		return nil, err
	}
	if err := s.repo.Commit(ctx, cs); err != nil {
		return nil, err
	}

	s.logger.Info("settlement applied", "payment_intent_id", pi.ID, "from", expected, "to", pi.Status)
	return pi, nil
}

func (s *IntentService) findSettlementTarget(ctx context.Context, update SettlementUpdate) (*domain.PaymentIntent, error) {
	if id := strings.TrimSpace(update.IntentID); id != "" {
		return s.repo.GetIntent(ctx, id)
	}
	if ref := strings.TrimSpace(update.ProviderPaymentID); ref != "" {
		return s.repo.GetIntentByProviderPaymentID(ctx, ref)
	}
	return nil, domain.Validationf("settlement carries neither payment_intent_id nor provider_payment_id")
}

// Cancel stops an in-flight intent. Cancelling a cancelled intent is a no-op.
func (s *IntentService) Cancel(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	pi, err := s.repo.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if pi.Status == domain.IntentCancelled {
		return pi, nil
	}

	expected := pi.Status
	if err := pi.TransitionTo(domain.IntentCancelled); err != nil {
		return nil, err
	}
	cs := store.Changeset{IntentUpdate: &store.IntentChange{Intent: *pi, ExpectedStatus: expected}}
	event := s.ledger.Record(domain.EventPaymentCancelled, domain.IntentScope(pi), map[string]interface{}{"from_status": string(expected)})
	if err := s.ledger.Attach(&cs, event); err != nil {
		return nil, err
	}
	if err := s.repo.Commit(ctx, cs); err != nil {
		return nil, err
	}
	return pi, nil
}

// RecordRefund adds a refund to a collected intent. The refunded total never
// exceeds the intent amount.
func (s *IntentService) RecordRefund(ctx context.Context, id string, amount int64) (*domain.PaymentIntent, error) {
	pi, err := s.repo.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}

	expected := pi.Status
	if err := pi.ApplyRefund(amount); err != nil {
		return nil, err
	}
	cs := store.Changeset{IntentUpdate: &store.IntentChange{Intent: *pi, ExpectedStatus: expected}}
	event := s.ledger.Record(domain.EventRefundSucceeded, domain.IntentScope(pi), map[string]interface{}{
		"amount":          amount,
		"refunded_amount": pi.RefundedAmount,
		"remaining":       pi.RemainingRefundable(),
		"status":          string(pi.Status),
	})
	if err := s.ledger.Attach(&cs, event); err != nil {
		return nil, err
	}
	if err := s.repo.Commit(ctx, cs); err != nil {
		return nil, err
	}

	s.logger.Info("refund recorded", "payment_intent_id", pi.ID, "amount", amount, "refunded_amount", pi.RefundedAmount)
	return pi, nil
}

// Escalate queues the retry-service notification of a FAILED intent. When an
// escalation is already queued under the intent's key, that stored event is
// returned and nothing new is written.
func (s *IntentService) Escalate(ctx context.Context, id string) (domain.PaymentRejection, error) {
	pi, err := s.repo.GetIntent(ctx, id)
	if err != nil {
		return domain.PaymentRejection{}, err
	}
	if pi.Status != domain.IntentFailed {
		return domain.PaymentRejection{}, domain.TransitionError("payment intent", string(pi.Status), "escalated")
	}

	if queued, err := s.repo.GetOutboxMessageByDedupeKey(ctx, EscalationKey(pi.ID)); err == nil {
		var stored domain.PaymentRejection
		if err := json.Unmarshal(queued.Payload, &stored); err != nil {
			return domain.PaymentRejection{}, fmt.Errorf("failed to decode queued escalation of %s: %w", pi.ID, err)
		}
		return stored, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.PaymentRejection{}, err
	}

	rejection := rejectionOf(pi)
	schedule := s.scheduleOf(ctx, pi)
	payload, ok := s.escalator.Build(pi, schedule, rejection)
	if !ok {
		return domain.PaymentRejection{}, domain.Validationf("payment intent %s has no organisation; cannot escalate", pi.ID)
	}

	cs := store.Changeset{}
	if _, err := s.escalator.Attach(&cs, pi, schedule, rejection); err != nil {
		return domain.PaymentRejection{}, err
	}
	if err := s.repo.Commit(ctx, cs); err != nil {
		return domain.PaymentRejection{}, err
	}
	return payload, nil
}

// scheduleOf loads the schedule of pi, or nil for one-off intents.
func (s *IntentService) scheduleOf(ctx context.Context, pi *domain.PaymentIntent) *domain.Schedule {
	if pi.ScheduleID == nil {
		return nil
	}
	schedule, err := s.repo.GetSchedule(ctx, *pi.ScheduleID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("failed to load schedule of intent", "payment_intent_id", pi.ID, "error", err)
		}
		return nil
	}
	return schedule
}

// rejectionOf rebuilds the classified rejection stored on a FAILED intent.
func rejectionOf(pi *domain.PaymentIntent) domain.Rejection {
	reason := deref(pi.FailureReason)
	code := deref(pi.RejectionCode)
	if code == "" {
		return ClassifyReason("", reason)
	}
	message := strings.TrimSpace(strings.TrimPrefix(reason, fmt.Sprintf("%s:", code)))
	return domain.Rejection{Code: domain.RejectionCode(code), Message: message, Retryable: retryableCode(domain.RejectionCode(code))}
}
