package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/transfa/payment-emission-service/internal/domain"
)

const scheduleColumns = `
	id, organisation_id, societe_id, client_id, contrat_id, facture_id,
	provider, provider_account_ref, provider_subscription_ref, provider_customer_ref,
	amount, currency, frequency, status, planned_debit_date, next_payment_date,
	last_payment_date, start_date, end_date, retry_count, max_retries,
	metadata::text, created_at, updated_at`

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var (
		s        domain.Schedule
		provider string
		freq     string
		status   string
		planned  *time.Time
		legacy   *time.Time
		metadata string
	)
	err := row.Scan(
		&s.ID, &s.OrganisationID, &s.SocieteID, &s.ClientID, &s.ContratID, &s.FactureID,
		&provider, &s.ProviderAccountRef, &s.ProviderSubscriptionRef, &s.ProviderCustomerRef,
		&s.Amount, &s.Currency, &freq, &status, &planned, &legacy,
		&s.LastPaymentDate, &s.StartDate, &s.EndDate, &s.RetryCount, &s.MaxRetries,
		&metadata, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Provider = domain.NormalizeProvider(provider)
	s.Frequency = domain.Frequency(freq)
	s.Status = domain.ScheduleStatus(status)
	s.Metadata = unmarshalObject(metadata)

	// Rows written before planned_debit_date existed only carry next_payment_date.
	switch {
	case s.Status.IsTerminal():
		s.Due = domain.NotScheduled()
	case planned != nil:
		s.Due = domain.Scheduled(*planned)
	case legacy != nil:
		s.Due = domain.Scheduled(*legacy)
	default:
		s.Due = domain.NotScheduled()
	}
	return &s, nil
}

func dateParam(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(domain.DateLayout)
	return &v
}

func dueParam(d domain.DueDate) *string {
	date, ok := d.Get()
	if !ok {
		return nil
	}
	return dateParam(&date)
}

func insertScheduleTx(ctx context.Context, tx pgx.Tx, s *domain.Schedule) error {
	metadata, err := marshalJSON(s.Metadata)
	if err != nil {
		return err
	}
	due := dueParam(s.Due)
	start := s.StartDate

	err = tx.QueryRow(ctx, `
		INSERT INTO payment_schedules (
			id, organisation_id, societe_id, client_id, contrat_id, facture_id,
			provider, provider_account_ref, provider_subscription_ref, provider_customer_ref,
			amount, currency, frequency, status, planned_debit_date, next_payment_date,
			last_payment_date, start_date, end_date, retry_count, max_retries, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15::date, $15::date, $16::date, $17::date, $18::date, $19, $20, $21::jsonb
		)
		RETURNING created_at, updated_at
	`,
		s.ID, s.OrganisationID, s.SocieteID, s.ClientID, s.ContratID, s.FactureID,
		string(s.Provider), s.ProviderAccountRef, s.ProviderSubscriptionRef, s.ProviderCustomerRef,
		s.Amount, s.Currency, string(s.Frequency), string(s.Status), due,
		dateParam(s.LastPaymentDate), dateParam(&start), dateParam(s.EndDate), s.RetryCount, s.MaxRetries, metadata,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func updateScheduleTx(ctx context.Context, tx pgx.Tx, change *ScheduleChange) error {
	s := change.Schedule
	metadata, err := marshalJSON(s.Metadata)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE payment_schedules
		SET status = $3,
			planned_debit_date = $4::date,
			next_payment_date = $4::date,
			last_payment_date = $5::date,
			retry_count = $6,
			metadata = $7::jsonb,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		  AND ($8::date IS NULL OR COALESCE(planned_debit_date, next_payment_date) = $8::date)
	`, s.ID, string(change.ExpectedStatus), string(s.Status), dueParam(s.Due),
		dateParam(s.LastPaymentDate), s.RetryCount, metadata, dueParam(change.ExpectedDue))
	if err != nil {
		return fmt.Errorf("failed to update schedule %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s is no longer %s due %s: %w", s.ID, change.ExpectedStatus, change.ExpectedDue, domain.ErrStaleState)
	}
	return nil
}

// GetSchedule loads one schedule by id.
func (r *Repository) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	row := r.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM payment_schedules WHERE id = $1`, id)
	s, err := scanSchedule(row)
	if err != nil {
		return nil, notFound(err, "schedule "+id)
	}
	return s, nil
}

// BackfillPlannedDebitDates copies the legacy next_payment_date into
// planned_debit_date for live schedules that never had one.
func (r *Repository) BackfillPlannedDebitDates(ctx context.Context, organisationID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_schedules
		SET planned_debit_date = next_payment_date,
			updated_at = NOW()
		WHERE planned_debit_date IS NULL
		  AND next_payment_date IS NOT NULL
		  AND status IN ('ACTIVE', 'PAUSED')
		  AND ($1::text = '' OR organisation_id = $1::text OR metadata->>'organisationId' = $1::text)
	`, organisationID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListDueSchedules returns ACTIVE schedules due on or before cutoff, oldest first.
func (r *Repository) ListDueSchedules(ctx context.Context, cutoff time.Time, organisationID string) ([]domain.Schedule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM payment_schedules
		WHERE status = 'ACTIVE'
		  AND planned_debit_date IS NOT NULL
		  AND planned_debit_date <= $1::date
		  AND ($2::text = '' OR organisation_id = $2::text OR metadata->>'organisationId' = $2::text)
		ORDER BY planned_debit_date ASC, id ASC
	`, cutoff.Format(domain.DateLayout), organisationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}
