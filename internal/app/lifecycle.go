/**
 * @description
 * Schedule lifecycle: provisioning, pause/resume/cancel and the move from one
 * billing cycle to the next. Every mutation is committed with the status the
 * schedule was read in, so a concurrent change surfaces as domain.ErrStaleState.
 */
package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-emission-service/internal/domain"
	"github.com/transfa/payment-emission-service/internal/store"
	"github.com/transfa/payment-emission-service/pkg/calendarclient"
)

// CalendarClient resolves the planned debit date of a billing cycle.
type CalendarClient interface {
	Configured() bool
	CalculatePlannedDebitDate(ctx context.Context, payload calendarclient.PlannedDateRequest) (time.Time, error)
}

// CreateScheduleInput carries what a provisioning flow supplies.
type CreateScheduleInput struct {
	OrganisationID          string
	SocieteID               string
	ClientID                string
	ContratID               *string
	FactureID               *string
	Provider                string
	ProviderAccountRef      *string
	ProviderSubscriptionRef *string
	ProviderCustomerRef     *string
	Amount                  int64
	Currency                string
	Frequency               string
	StartDate               time.Time
	EndDate                 *time.Time
	MaxRetries              *int
	Metadata                map[string]interface{}
}

type Lifecycle struct {
	repo              Repository
	ledger            *Ledger
	calendar          CalendarClient
	clock             Clock
	logger            *slog.Logger
	defaultMaxRetries int
}

func NewLifecycle(repo Repository, ledger *Ledger, calendar CalendarClient, clock Clock, logger *slog.Logger, defaultMaxRetries int) *Lifecycle {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Lifecycle{
		repo:              repo,
		ledger:            ledger,
		calendar:          calendar,
		clock:             clock,
		logger:            logger,
		defaultMaxRetries: defaultMaxRetries,
	}
}

// Create provisions an ACTIVE schedule due on its start date.
func (l *Lifecycle) Create(ctx context.Context, in CreateScheduleInput) (*domain.Schedule, error) {
	frequency, err := domain.ParseFrequency(in.Frequency)
	if err != nil {
		return nil, err
	}
	maxRetries := l.defaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}

	metadata := make(map[string]interface{}, len(in.Metadata)+1)
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	var organisationID *string
	if org := strings.TrimSpace(in.OrganisationID); org != "" {
		organisationID = &org
		metadata["organisationId"] = org
	}

	start := domain.DateOnly(in.StartDate)
	var end *time.Time
	if in.EndDate != nil {
		e := domain.DateOnly(*in.EndDate)
		end = &e
	}

	s := domain.Schedule{
		ID:                      uuid.NewString(),
		OrganisationID:          organisationID,
		SocieteID:               strings.TrimSpace(in.SocieteID),
		ClientID:                strings.TrimSpace(in.ClientID),
		ContratID:               in.ContratID,
		FactureID:               in.FactureID,
		Provider:                domain.NormalizeProvider(in.Provider),
		ProviderAccountRef:      in.ProviderAccountRef,
		ProviderSubscriptionRef: in.ProviderSubscriptionRef,
		ProviderCustomerRef:     in.ProviderCustomerRef,
		Amount:                  in.Amount,
		Currency:                domain.NormalizeCurrency(in.Currency),
		Frequency:               frequency,
		Status:                  domain.ScheduleActive,
		Due:                     domain.Scheduled(start),
		StartDate:               start,
		EndDate:                 end,
		MaxRetries:              maxRetries,
		Metadata:                metadata,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	cs := store.Changeset{NewSchedule: &s}
	event := l.ledger.Record(domain.EventScheduleCreated, domain.ScheduleScope(&s), map[string]interface{}{
		"amount":             s.Amount,
		"currency":           s.Currency,
		"frequency":          string(s.Frequency),
		"provider":           string(s.Provider),
		"planned_debit_date": s.Due.String(),
	})
	if err := l.ledger.Attach(&cs, event); err != nil {
		return nil, err
	}
	if err := l.repo.Commit(ctx, cs); err != nil {
		return nil, err
	}

	l.logger.Info("schedule created", "schedule_id", s.ID, "societe_id", s.SocieteID, "provider", s.Provider, "planned_debit_date", s.Due.String())
	return &s, nil
}

func (l *Lifecycle) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	return l.repo.GetSchedule(ctx, id)
}

func (l *Lifecycle) Pause(ctx context.Context, id string) (*domain.Schedule, error) {
	return l.mutate(ctx, id, domain.EventSchedulePaused, func(s *domain.Schedule) (bool, error) {
		return true, s.Pause()
	})
}

func (l *Lifecycle) Resume(ctx context.Context, id string) (*domain.Schedule, error) {
	return l.mutate(ctx, id, domain.EventScheduleResumed, func(s *domain.Schedule) (bool, error) {
		return true, s.Resume()
	})
}

// Cancel is a no-op for an already cancelled schedule.
func (l *Lifecycle) Cancel(ctx context.Context, id string) (*domain.Schedule, error) {
	return l.mutate(ctx, id, domain.EventScheduleCancelled, func(s *domain.Schedule) (bool, error) {
		return s.Cancel()
	})
}

func (l *Lifecycle) mutate(ctx context.Context, id string, eventType domain.EventType, apply func(*domain.Schedule) (bool, error)) (*domain.Schedule, error) {
	s, err := l.repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	expected, expectedDue := s.Status, s.Due
	changed, err := apply(s)
	if err != nil {
		return nil, err
	}
	if !changed {
		return s, nil
	}

	cs := store.Changeset{ScheduleUpdate: &store.ScheduleChange{Schedule: *s, ExpectedStatus: expected, ExpectedDue: expectedDue}}
	event := l.ledger.Record(eventType, domain.ScheduleScope(s), map[string]interface{}{
		"from_status": string(expected),
		"to_status":   string(s.Status),
	})
	if err := l.ledger.Attach(&cs, event); err != nil {
		return nil, err
	}
	if err := l.repo.Commit(ctx, cs); err != nil {
		return nil, err
	}

	l.logger.Info("schedule status changed", "schedule_id", s.ID, "from", expected, "to", s.Status)
	return s, nil
}

// AdvanceToNextCycle closes the current cycle of an ACTIVE schedule and commits it.
func (l *Lifecycle) AdvanceToNextCycle(ctx context.Context, s domain.Schedule) (*domain.Schedule, error) {
	cs := store.Changeset{}
	advanced, err := l.prepareAdvance(ctx, s, &cs)
	if err != nil {
		return nil, err
	}
	if err := l.repo.Commit(ctx, cs); err != nil {
		return nil, err
	}
	return advanced, nil
}

// prepareAdvance computes the next cycle and adds the schedule update and its
// event to cs without committing.
func (l *Lifecycle) prepareAdvance(ctx context.Context, s domain.Schedule, cs *store.Changeset) (*domain.Schedule, error) {
	prior, ok := s.Due.Get()
	if !ok {
		return nil, domain.TransitionError("schedule", "not_scheduled", "advanced")
	}
	expected, expectedDue := s.Status, s.Due
	next := l.nextDueDate(ctx, &s, prior)

	completed, err := s.Advance(next)
	if err != nil {
		return nil, err
	}

	eventType := domain.EventScheduleAdvanced
	payload := map[string]interface{}{
		"previous_due_date": prior.Format(domain.DateLayout),
		"next_due_date":     s.Due.String(),
	}
	if completed {
		eventType = domain.EventScheduleCompleted
		payload["next_due_date"] = nil
		payload["end_date"] = s.EndDate.Format(domain.DateLayout)
	}

	cs.ScheduleUpdate = &store.ScheduleChange{Schedule: s, ExpectedStatus: expected, ExpectedDue: expectedDue}
	if err := l.ledger.Attach(cs, l.ledger.Record(eventType, domain.ScheduleScope(&s), payload)); err != nil {
		return nil, err
	}
	return &s, nil
}

// nextDueDate applies the cadence locally and lets the calendar service move the
// date when it is configured. Calendar answers not after prior are ignored.
func (l *Lifecycle) nextDueDate(ctx context.Context, s *domain.Schedule, prior time.Time) time.Time {
	local, err := domain.NextDueDate(prior, s.Frequency, s.StartDate.Day())
	if err != nil {
		// Frequencies are validated at creation; fall back to a monthly cadence.
		local, _ = domain.NextDueDate(prior, domain.FrequencyMonthly, s.StartDate.Day())
	}

	orgID := s.OrganisationRef()
	if l.calendar == nil || !l.calendar.Configured() || orgID == "" {
		return local
	}

	planned, err := l.calendar.CalculatePlannedDebitDate(ctx, calendarclient.PlannedDateRequest{
		OrganisationID: orgID,
		ContratID:      s.ContratID,
		ClientID:       s.ClientID,
		SocieteID:      s.SocieteID,
		ReferenceDate:  prior.Format(domain.DateLayout),
		TargetMonth:    int(local.Month()),
		TargetYear:     local.Year(),
	})
	if err != nil {
		l.logger.Warn("calendar lookup failed; using local cadence", "schedule_id", s.ID, "error", err)
		return local
	}
	planned = domain.DateOnly(planned)
	if !planned.After(prior) {
		l.logger.Warn("calendar returned a date not after the current cycle; using local cadence",
			"schedule_id", s.ID, "calendar_date", planned.Format(domain.DateLayout), "current_due", prior.Format(domain.DateLayout))
		return local
	}
	return planned
}
