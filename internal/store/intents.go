package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/transfa/payment-emission-service/internal/domain"
)

const intentColumns = `
	id, schedule_id, client_id, societe_id, facture_id, provider, provider_payment_id,
	amount, currency, status, failure_reason, rejection_code, refunded_amount,
	idempotency_key, cycle_date, paid_at, metadata::text, created_at, updated_at`

func scanIntent(row rowScanner) (*domain.PaymentIntent, error) {
	var (
		pi       domain.PaymentIntent
		provider string
		status   string
		metadata string
	)
	err := row.Scan(
		&pi.ID, &pi.ScheduleID, &pi.ClientID, &pi.SocieteID, &pi.FactureID, &provider, &pi.ProviderPaymentID,
		&pi.Amount, &pi.Currency, &status, &pi.FailureReason, &pi.RejectionCode, &pi.RefundedAmount,
		&pi.IdempotencyKey, &pi.CycleDate, &pi.PaidAt, &metadata, &pi.CreatedAt, &pi.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pi.Provider = domain.NormalizeProvider(provider)
	pi.Status = domain.IntentStatus(status)
	pi.Metadata = unmarshalObject(metadata)
	return &pi, nil
}

func insertIntentTx(ctx context.Context, tx pgx.Tx, pi *domain.PaymentIntent) error {
	metadata, err := marshalJSON(pi.Metadata)
	if err != nil {
		return err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO payment_intents (
			id, schedule_id, client_id, societe_id, facture_id, provider, provider_payment_id,
			amount, currency, status, failure_reason, rejection_code, refunded_amount,
			idempotency_key, cycle_date, paid_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15::date, $16, $17::jsonb)
		RETURNING created_at, updated_at
	`,
		pi.ID, pi.ScheduleID, pi.ClientID, pi.SocieteID, pi.FactureID, string(pi.Provider), pi.ProviderPaymentID,
		pi.Amount, pi.Currency, string(pi.Status), pi.FailureReason, pi.RejectionCode, pi.RefundedAmount,
		pi.IdempotencyKey, dateParam(pi.CycleDate), pi.PaidAt, metadata,
	).Scan(&pi.CreatedAt, &pi.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "idempotency") {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert payment intent: %w", err)
	}
	return nil
}

func updateIntentTx(ctx context.Context, tx pgx.Tx, change *IntentChange) error {
	pi := change.Intent
	tag, err := tx.Exec(ctx, `
		UPDATE payment_intents
		SET status = $3,
			provider_payment_id = $4,
			failure_reason = $5,
			rejection_code = $6,
			refunded_amount = $7,
			paid_at = $8,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, pi.ID, string(change.ExpectedStatus), string(pi.Status), pi.ProviderPaymentID,
		pi.FailureReason, pi.RejectionCode, pi.RefundedAmount, pi.PaidAt)
	if err != nil {
		return fmt.Errorf("failed to update payment intent %s: %w", pi.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment intent %s is no longer %s: %w", pi.ID, change.ExpectedStatus, domain.ErrStaleState)
	}
	return nil
}

// GetIntent loads one payment intent by id.
func (r *Repository) GetIntent(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	row := r.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)
	pi, err := scanIntent(row)
	if err != nil {
		return nil, notFound(err, "payment intent "+id)
	}
	return pi, nil
}

// GetIntentByIdempotencyKey loads the intent created for key.
func (r *Repository) GetIntentByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentIntent, error) {
	row := r.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE idempotency_key = $1`, key)
	pi, err := scanIntent(row)
	if err != nil {
		return nil, notFound(err, "payment intent with idempotency key")
	}
	return pi, nil
}

// GetIntentByProviderPaymentID loads the intent a provider reference belongs to.
func (r *Repository) GetIntentByProviderPaymentID(ctx context.Context, providerPaymentID string) (*domain.PaymentIntent, error) {
	row := r.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE provider_payment_id = $1`, providerPaymentID)
	pi, err := scanIntent(row)
	if err != nil {
		return nil, notFound(err, "payment intent for provider payment "+providerPaymentID)
	}
	return pi, nil
}

// FindInFlightIntent returns the newest PENDING or PROCESSING intent of a schedule, or nil.
func (r *Repository) FindInFlightIntent(ctx context.Context, scheduleID string) (*domain.PaymentIntent, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE schedule_id = $1 AND status IN ('PENDING', 'PROCESSING')
		ORDER BY created_at DESC
		LIMIT 1
	`, scheduleID)
	pi, err := scanIntent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pi, nil
}

// ListStaleInFlightIntents returns intents stuck in PENDING or PROCESSING since before olderThan.
func (r *Repository) ListStaleInFlightIntents(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE status IN ('PENDING', 'PROCESSING')
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []domain.PaymentIntent
	for rows.Next() {
		pi, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, *pi)
	}
	return intents, rows.Err()
}
