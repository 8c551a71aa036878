/**
 * @description
 * This file implements the data access layer for the payment emission service.
 * Every state change is written through Commit, which applies the entity rows,
 * the ledger events and the outbox messages of one change in a single transaction.
 */
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/payment-emission-service/internal/domain"
)

var ErrDuplicateIdempotencyKey = errors.New("payment intent idempotency key already exists")

// ScheduleChange updates a schedule row provided it is still in ExpectedStatus
// and, when ExpectedDue is scheduled, still due on that date.
type ScheduleChange struct {
	Schedule       domain.Schedule
	ExpectedStatus domain.ScheduleStatus
	ExpectedDue    domain.DueDate
}

// IntentChange updates an intent row provided it is still in ExpectedStatus.
type IntentChange struct {
	Intent         domain.PaymentIntent
	ExpectedStatus domain.IntentStatus
}

// Changeset is one atomic unit of work.
type Changeset struct {
	NewSchedule    *domain.Schedule
	ScheduleUpdate *ScheduleChange
	NewIntent      *domain.PaymentIntent
	IntentUpdate   *IntentChange
	Events         []domain.PaymentEvent
	Outbox         []OutboxMessage
}

// Repository handles database operations for schedules, intents, events and the outbox.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Commit applies cs in one transaction. A guarded update that matches no row
// returns domain.ErrStaleState and nothing is written.
func (r *Repository) Commit(ctx context.Context, cs Changeset) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if cs.NewSchedule != nil {
		if err := insertScheduleTx(ctx, tx, cs.NewSchedule); err != nil {
			return err
		}
	}
	if cs.ScheduleUpdate != nil {
		if err := updateScheduleTx(ctx, tx, cs.ScheduleUpdate); err != nil {
			return err
		}
	}
	if cs.NewIntent != nil {
		if err := insertIntentTx(ctx, tx, cs.NewIntent); err != nil {
			return err
		}
	}
	if cs.IntentUpdate != nil {
		if err := updateIntentTx(ctx, tx, cs.IntentUpdate); err != nil {
			return err
		}
	}
	for i := range cs.Events {
		if err := insertEventTx(ctx, tx, &cs.Events[i]); err != nil {
			return err
		}
	}
	for _, msg := range cs.Outbox {
		if err := enqueueOutboxTx(ctx, tx, msg); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func isUniqueViolation(err error, constraintHint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraintHint == "" || strings.Contains(pgErr.ConstraintName, constraintHint)
}

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(blob), nil
}

func unmarshalObject(raw string) map[string]interface{} {
	out := map[string]interface{}{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return err
}
