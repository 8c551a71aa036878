package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/transfa/payment-emission-service/internal/domain"
)

// The ledger is append-only: this file only inserts and reads payment_events.

const eventColumns = `id, event_type, payment_intent_id, schedule_id, societe_id, payload::text, occurred_at`

func insertEventTx(ctx context.Context, tx pgx.Tx, e *domain.PaymentEvent) error {
	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO payment_events (id, event_type, payment_intent_id, schedule_id, societe_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, e.ID, string(e.Type), e.PaymentIntentID, e.ScheduleID, e.SocieteID, payload, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", e.Type, err)
	}
	return nil
}

func (r *Repository) ListEventsByIntent(ctx context.Context, intentID string) ([]domain.PaymentEvent, error) {
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM payment_events WHERE payment_intent_id = $1 ORDER BY occurred_at ASC, id ASC`, intentID)
}

func (r *Repository) ListEventsBySchedule(ctx context.Context, scheduleID string) ([]domain.PaymentEvent, error) {
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM payment_events WHERE schedule_id = $1 ORDER BY occurred_at ASC, id ASC`, scheduleID)
}

func (r *Repository) ListRecentEventsBySociete(ctx context.Context, societeID string, limit int) ([]domain.PaymentEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM payment_events WHERE societe_id = $1 ORDER BY occurred_at DESC, id DESC LIMIT $2`, societeID, limit)
}

func (r *Repository) queryEvents(ctx context.Context, query string, args ...interface{}) ([]domain.PaymentEvent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.PaymentEvent{}
	for rows.Next() {
		var (
			e         domain.PaymentEvent
			eventType string
			payload   string
		)
		if err := rows.Scan(&e.ID, &eventType, &e.PaymentIntentID, &e.ScheduleID, &e.SocieteID, &payload, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(eventType)
		e.Payload = unmarshalObject(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
