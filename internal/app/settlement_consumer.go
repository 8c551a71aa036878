package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/transfa/payment-emission-service/internal/domain"
	"github.com/transfa/payment-emission-service/pkg/rabbitmq"
)

const (
	RoutingSettlementSucceeded = "payment.settlement.succeeded"
	RoutingSettlementFailed    = "payment.settlement.failed"
	RoutingSettlementCancelled = "payment.settlement.cancelled"
)

type settlementMessage struct {
	PaymentIntentID   string `json:"payment_intent_id"`
	ProviderPaymentID string `json:"provider_payment_id"`
	Code              string `json:"code"`
	Message           string `json:"message"`
}

// SettlementApplier is the intent operation the consumer drives.
type SettlementApplier interface {
	ApplySettlement(ctx context.Context, update SettlementUpdate) (*domain.PaymentIntent, error)
}

// SettlementConsumer applies provider settlement notifications to intents.
type SettlementConsumer struct {
	intents SettlementApplier
	logger  *slog.Logger
}

func NewSettlementConsumer(intents SettlementApplier, logger *slog.Logger) *SettlementConsumer {
	return &SettlementConsumer{intents: intents, logger: logger}
}

// Bindings maps every settlement routing key to its handler.
func (c *SettlementConsumer) Bindings() map[string]rabbitmq.Handler {
	return map[string]rabbitmq.Handler{
		RoutingSettlementSucceeded: c.handler(domain.IntentSucceeded),
		RoutingSettlementFailed:    c.handler(domain.IntentFailed),
		RoutingSettlementCancelled: c.handler(domain.IntentCancelled),
	}
}

// handler acks processed, unknown and malformed messages and requeues on
// transient errors.
func (c *SettlementConsumer) handler(status domain.IntentStatus) rabbitmq.Handler {
	return func(ctx context.Context, body []byte) bool {
		var msg settlementMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			c.logger.Error("dropping malformed settlement message", "status", status, "error", err)
			return true
		}

		_, err := c.intents.ApplySettlement(ctx, SettlementUpdate{
			IntentID:          msg.PaymentIntentID,
			ProviderPaymentID: msg.ProviderPaymentID,
			Status:            status,
			Code:              msg.Code,
			Message:           msg.Message,
		})
		switch {
		case err == nil:
			return true
		case errors.Is(err, domain.ErrNotFound):
			c.logger.Warn("settlement for unknown payment intent", "payment_intent_id", msg.PaymentIntentID, "provider_payment_id", msg.ProviderPaymentID)
			return true
		case errors.Is(err, domain.ErrInvalidStateTransition), errors.Is(err, domain.ErrValidation):
			c.logger.Warn("settlement rejected", "payment_intent_id", msg.PaymentIntentID, "provider_payment_id", msg.ProviderPaymentID, "status", status, "error", err)
			return true
		}
		c.logger.Error("failed to apply settlement; requeuing", "payment_intent_id", msg.PaymentIntentID, "provider_payment_id", msg.ProviderPaymentID, "error", err)
		return false
	}
}
