/**
 * @description
 * Event ledger. Events are immutable: the ledger builds them and attaches them
 * to the changeset of the state change they describe, so an event is stored if
 * and only if its change is.
 */
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/payment-emission-service/internal/domain"
	"github.com/transfa/payment-emission-service/internal/store"
)

type Ledger struct {
	repo     Repository
	clock    Clock
	fanout   bool
	exchange string
}

// NewLedger creates a ledger. With fanout enabled every attached event is also
// queued for the event bus.
func NewLedger(repo Repository, clock Clock, fanout bool, exchange string) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{repo: repo, clock: clock, fanout: fanout, exchange: exchange}
}

// Record builds one event for scope. It is not persisted until attached to a changeset.
func (l *Ledger) Record(eventType domain.EventType, scope domain.EventScope, payload map[string]interface{}) domain.PaymentEvent {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return domain.PaymentEvent{
		ID:              uuid.NewString(),
		Type:            eventType,
		PaymentIntentID: scope.PaymentIntentID,
		ScheduleID:      scope.ScheduleID,
		SocieteID:       scope.SocieteID,
		Payload:         payload,
		OccurredAt:      l.clock.Now().UTC(),
	}
}

// Attach adds events, and their bus copies, to cs.
func (l *Ledger) Attach(cs *store.Changeset, events ...domain.PaymentEvent) error {
	for _, event := range events {
		cs.Events = append(cs.Events, event)
		if !l.fanout {
			continue
		}
		body, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode %s event: %w", event.Type, err)
		}
		cs.Outbox = append(cs.Outbox, store.OutboxMessage{
			Destination: store.DestinationEventBus,
			Exchange:    l.exchange,
			RoutingKey:  EventRoutingKey(event.Type),
			DedupeKey:   "event:" + event.ID,
			Payload:     body,
		})
	}
	return nil
}

// EventRoutingKey is the bus routing key of an event type, e.g. payments.payment_failed.
func EventRoutingKey(t domain.EventType) string {
	return "payments." + strings.ToLower(string(t))
}

func (l *Ledger) ByIntent(ctx context.Context, intentID string) ([]domain.PaymentEvent, error) {
	return l.repo.ListEventsByIntent(ctx, intentID)
}

func (l *Ledger) BySchedule(ctx context.Context, scheduleID string) ([]domain.PaymentEvent, error) {
	return l.repo.ListEventsBySchedule(ctx, scheduleID)
}

func (l *Ledger) RecentBySociete(ctx context.Context, societeID string, limit int) ([]domain.PaymentEvent, error) {
	return l.repo.ListRecentEventsBySociete(ctx, societeID, limit)
}
