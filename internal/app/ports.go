package app

import (
	"context"
	"time"

	"github.com/transfa/payment-emission-service/internal/domain"
	"github.com/transfa/payment-emission-service/internal/store"
)

// Repository defines the persistence operations used by the app layer.
// Every write goes through Commit so that entity rows, ledger events and
// outbox messages of one change land in a single transaction.
type Repository interface {
	Commit(ctx context.Context, cs store.Changeset) error

	GetSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	BackfillPlannedDebitDates(ctx context.Context, organisationID string) (int64, error)
	ListDueSchedules(ctx context.Context, cutoff time.Time, organisationID string) ([]domain.Schedule, error)

	GetIntent(ctx context.Context, id string) (*domain.PaymentIntent, error)
	GetIntentByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentIntent, error)
	GetIntentByProviderPaymentID(ctx context.Context, providerPaymentID string) (*domain.PaymentIntent, error)
	FindInFlightIntent(ctx context.Context, scheduleID string) (*domain.PaymentIntent, error)
	ListStaleInFlightIntents(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentIntent, error)

	ListEventsByIntent(ctx context.Context, intentID string) ([]domain.PaymentEvent, error)
	ListEventsBySchedule(ctx context.Context, scheduleID string) ([]domain.PaymentEvent, error)
	ListRecentEventsBySociete(ctx context.Context, societeID string, limit int) ([]domain.PaymentEvent, error)

	GetOutboxMessageByDedupeKey(ctx context.Context, key string) (*store.OutboxMessage, error)
}

// OutboxRepository is the delivery side of the outbox table.
type OutboxRepository interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// Clock is injected wherever "today" matters.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
