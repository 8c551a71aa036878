/**
 * @description
 * Hands failed payments to the retry-scheduling service. The escalation is an
 * outbox row written in the same transaction that marks the intent FAILED; the
 * outbox dispatcher delivers it later.
 */
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/payment-emission-service/internal/domain"
	"github.com/transfa/payment-emission-service/internal/store"
)

type Escalator struct {
	clock  Clock
	logger *slog.Logger
}

func NewEscalator(clock Clock, logger *slog.Logger) *Escalator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Escalator{clock: clock, logger: logger}
}

// EscalationKey is the idempotency key the retry service deduplicates on.
func EscalationKey(intentID string) string {
	return intentID + ":emission_failed"
}

// Build assembles the rejection payload. It returns false when the owning
// organisation cannot be resolved.
func (e *Escalator) Build(pi *domain.PaymentIntent, schedule *domain.Schedule, rejection domain.Rejection) (domain.PaymentRejection, bool) {
	orgID := ""
	var contratID *string
	if schedule != nil {
		orgID = schedule.OrganisationRef()
		contratID = schedule.ContratID
	}
	if orgID == "" {
		orgID = metadataString(pi.Metadata, "organisationId")
	}
	if contratID == nil {
		if v := metadataString(pi.Metadata, "contratId"); v != "" {
			contratID = &v
		}
	}
	if orgID == "" {
		return domain.PaymentRejection{}, false
	}

	return domain.PaymentRejection{
		EventID:           uuid.NewString(),
		OrganisationID:    orgID,
		SocieteID:         pi.SocieteID,
		PaymentID:         pi.ID,
		ScheduleID:        pi.ScheduleID,
		ClientID:          pi.ClientID,
		ContratID:         contratID,
		FactureID:         pi.FactureID,
		ReasonCode:        string(rejection.Code),
		ReasonMessage:     rejection.Message,
		Retryable:         rejection.Retryable,
		AmountMinorUnits:  pi.Amount,
		Currency:          pi.Currency,
		ProviderName:      pi.Provider.DisplayName(),
		ProviderPaymentID: pi.ProviderPaymentID,
		RejectedAt:        e.clock.Now().UTC(),
		IdempotencyKey:    EscalationKey(pi.ID),
	}, true
}

// Attach queues the escalation of pi on cs. It reports whether a message was queued.
func (e *Escalator) Attach(cs *store.Changeset, pi *domain.PaymentIntent, schedule *domain.Schedule, rejection domain.Rejection) (bool, error) {
	payload, ok := e.Build(pi, schedule, rejection)
	if !ok {
		e.logger.Warn("data quality gap: no organisation for failed payment; retry escalation skipped",
			"payment_intent_id", pi.ID, "societe_id", pi.SocieteID, "rejection_code", rejection.Code)
		return false, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode payment rejection: %w", err)
	}
	cs.Outbox = append(cs.Outbox, store.OutboxMessage{
		Destination: store.DestinationRetryScheduler,
		DedupeKey:   payload.IdempotencyKey,
		Payload:     body,
	})
	return true, nil
}

func metadataString(metadata map[string]interface{}, key string) string {
	if metadata == nil {
		return ""
	}
	v, ok := metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}
