/**
 * @description
 * Emission pipeline. A run selects the schedules due today (business timezone),
 * plans them without I/O, then executes each item in isolation:
 * in-flight check, intent creation, provider dispatch, then either the move to
 * the next cycle or the failure path with retry escalation.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-emission-service/internal/domain"
	"github.com/transfa/payment-emission-service/internal/store"
	"golang.org/x/sync/errgroup"
)

// persistTimeout bounds the write that records a provider outcome. That write
// does not inherit the run's cancellation.
const persistTimeout = 30 * time.Second

type ItemStatus string

const (
	ItemSucceeded ItemStatus = "success"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// PlanItem is one schedule cycle to emit.
type PlanItem struct {
	Schedule       domain.Schedule
	CycleDate      time.Time
	IdempotencyKey string
}

type EmissionPlan struct {
	RunDate time.Time
	Items   []PlanItem
}

type planItemView struct {
	ScheduleID     string          `json:"schedule_id"`
	SocieteID      string          `json:"societe_id"`
	ClientID       string          `json:"client_id"`
	Provider       domain.Provider `json:"provider"`
	Amount         int64           `json:"amount"`
	Currency       string          `json:"currency"`
	CycleDate      string          `json:"cycle_date"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (p EmissionPlan) MarshalJSON() ([]byte, error) {
	items := make([]planItemView, 0, len(p.Items))
	for _, item := range p.Items {
		items = append(items, planItemView{
			ScheduleID:     item.Schedule.ID,
			SocieteID:      item.Schedule.SocieteID,
			ClientID:       item.Schedule.ClientID,
			Provider:       item.Schedule.Provider,
			Amount:         item.Schedule.Amount,
			Currency:       item.Schedule.Currency,
			CycleDate:      item.CycleDate.Format(domain.DateLayout),
			Attempt:        item.Schedule.RetryCount,
			IdempotencyKey: item.IdempotencyKey,
		})
	}
	return json.Marshal(struct {
		RunDate string         `json:"run_date"`
		Total   int            `json:"total"`
		Items   []planItemView `json:"items"`
	}{RunDate: p.RunDate.Format(domain.DateLayout), Total: len(items), Items: items})
}

type ItemResult struct {
	ScheduleID        string     `json:"schedule_id"`
	PaymentIntentID   string     `json:"payment_intent_id,omitempty"`
	Status            ItemStatus `json:"status"`
	ProviderPaymentID string     `json:"provider_payment_id,omitempty"`
	RejectionCode     string     `json:"rejection_code,omitempty"`
	Error             string     `json:"error,omitempty"`
}

type Summary struct {
	RunID      string       `json:"run_id"`
	ExecutedAt time.Time    `json:"executed_at"`
	RunDate    string       `json:"run_date"`
	Total      int          `json:"total"`
	Processed  int          `json:"processed"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Results    []ItemResult `json:"results"`
}

type EmissionScheduler struct {
	repo        Repository
	lifecycle   *Lifecycle
	guard       *IdempotencyGuard
	dispatcher  *Dispatcher
	escalator   *Escalator
	ledger      *Ledger
	lock        RunLock
	clock       Clock
	location    *time.Location
	concurrency int
	logger      *slog.Logger
}

type EmissionDeps struct {
	Repo       Repository
	Lifecycle  *Lifecycle
	Guard      *IdempotencyGuard
	Dispatcher *Dispatcher
	Escalator  *Escalator
	Ledger     *Ledger
	Lock       RunLock
	Clock      Clock
	Location   *time.Location
	// Concurrency above 1 runs items in parallel, one goroutine per schedule.
	Concurrency int
	Logger      *slog.Logger
}

func NewEmissionScheduler(deps EmissionDeps) *EmissionScheduler {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Lock == nil {
		deps.Lock = NewGuardedRunLock(nil)
	}
	if deps.Concurrency < 1 {
		deps.Concurrency = 1
	}
	return &EmissionScheduler{
		repo:        deps.Repo,
		lifecycle:   deps.Lifecycle,
		guard:       deps.Guard,
		dispatcher:  deps.Dispatcher,
		escalator:   deps.Escalator,
		ledger:      deps.Ledger,
		lock:        deps.Lock,
		clock:       deps.Clock,
		location:    deps.Location,
		concurrency: deps.Concurrency,
		logger:      deps.Logger,
	}
}

// Today is the business calendar date of the injected clock.
func (e *EmissionScheduler) Today() time.Time {
	return domain.CalendarDay(e.clock.Now(), e.location)
}

// Select returns ACTIVE schedules due on or before today, oldest first.
func (e *EmissionScheduler) Select(ctx context.Context, organisationID string) ([]domain.Schedule, error) {
	if n, err := e.repo.BackfillPlannedDebitDates(ctx, organisationID); err != nil {
		e.logger.Warn("failed to backfill planned debit dates", "error", err)
	} else if n > 0 {
		e.logger.Info("backfilled planned debit dates from legacy column", "count", n)
	}

	schedules, err := e.repo.ListDueSchedules(ctx, e.Today(), organisationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	return schedules, nil
}

// Plan keeps the schedules that are ACTIVE and due on the calendar day of now,
// sorted by due date then id, and derives their idempotency keys.
func (e *EmissionScheduler) Plan(schedules []domain.Schedule, now time.Time) EmissionPlan {
	today := domain.CalendarDay(now, e.location)
	plan := EmissionPlan{RunDate: today}
	for _, s := range schedules {
		if s.Status != domain.ScheduleActive || !s.Due.OnOrBefore(today) {
			continue
		}
		due, _ := s.Due.Get()
		plan.Items = append(plan.Items, PlanItem{
			Schedule:       s,
			CycleDate:      due,
			IdempotencyKey: EmissionKey(s.SocieteID, s.ID, due, s.RetryCount),
		})
	}
	sort.SliceStable(plan.Items, func(i, j int) bool {
		a, b := plan.Items[i], plan.Items[j]
		if !a.CycleDate.Equal(b.CycleDate) {
			return a.CycleDate.Before(b.CycleDate)
		}
		return a.Schedule.ID < b.Schedule.ID
	})
	return plan
}

// Execute processes every plan item. One item's failure never stops the others;
// results keep plan order.
func (e *EmissionScheduler) Execute(ctx context.Context, plan EmissionPlan) Summary {
	summary := Summary{
		RunID:      uuid.NewString(),
		ExecutedAt: e.clock.Now().UTC(),
		RunDate:    plan.RunDate.Format(domain.DateLayout),
		Total:      len(plan.Items),
		Results:    make([]ItemResult, len(plan.Items)),
	}

	if e.concurrency <= 1 {
		for i, item := range plan.Items {
			summary.Results[i] = e.processItem(ctx, item)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(e.concurrency)
		for i := range plan.Items {
			g.Go(func() error {
				summary.Results[i] = e.processItem(ctx, plan.Items[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, r := range summary.Results {
		switch r.Status {
		case ItemSucceeded:
			summary.Succeeded++
		case ItemFailed:
			summary.Failed++
		case ItemSkipped:
			summary.Skipped++
		}
	}
	summary.Processed = summary.Succeeded + summary.Failed
	return summary
}

// Run performs one full emission run under the run lock.
func (e *EmissionScheduler) Run(ctx context.Context, organisationID string) (Summary, error) {
	unlock, acquired, err := e.lock.TryLock(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to acquire emission run lock: %w", err)
	}
	if !acquired {
		return Summary{}, domain.ErrEmissionInProgress
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			e.logger.Error("failed to release emission run lock", "error", err)
		}
	}()

	schedules, err := e.Select(ctx, organisationID)
	if err != nil {
		return Summary{}, err
	}
	plan := e.Plan(schedules, e.clock.Now())
	summary := e.Execute(ctx, plan)

	e.logger.Info("emission run finished",
		"run_id", summary.RunID,
		"run_date", summary.RunDate,
		"organisation_id", organisationID,
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
	return summary, nil
}

// DryRun selects and plans without executing.
func (e *EmissionScheduler) DryRun(ctx context.Context, organisationID string) (EmissionPlan, error) {
	schedules, err := e.Select(ctx, organisationID)
	if err != nil {
		return EmissionPlan{}, err
	}
	return e.Plan(schedules, e.clock.Now()), nil
}

func (e *EmissionScheduler) processItem(ctx context.Context, item PlanItem) (result ItemResult) {
	s := item.Schedule
	result = ItemResult{ScheduleID: s.ID}
	logger := e.logger.With("schedule_id", s.ID, "cycle_date", item.CycleDate.Format(domain.DateLayout))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while emitting schedule", "panic", r)
			result.Status = ItemFailed
			result.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	inFlight, err := e.repo.FindInFlightIntent(ctx, s.ID)
	if err != nil {
		logger.Error("failed to check in-flight intents", "error", err)
		return failedResult(result, err)
	}
	if inFlight != nil {
		result.PaymentIntentID = inFlight.ID
		if awaitingSubmission(inFlight) {
			// The provider call or its recording did not complete. The intent keeps
			// its idempotency key, so the provider returns the original payment.
			logger.Warn("resubmitting intent left pending without a provider outcome", "payment_intent_id", inFlight.ID)
			return e.dispatch(ctx, logger, s, inFlight, result)
		}
		result.Status = ItemSkipped
		result.Error = "payment already in flight"
		return result
	}

	pi, created, err := e.guard.GetOrCreateIntent(ctx, s, item.CycleDate, item.IdempotencyKey)
	if err != nil {
		logger.Error("failed to create payment intent", "error", err)
		return failedResult(result, err)
	}
	result.PaymentIntentID = pi.ID
	if !created {
		return e.resolveExisting(ctx, logger, s, pi, result)
	}

	return e.dispatch(ctx, logger, s, pi, result)
}

// dispatch submits pi and records the outcome on a context detached from the
// run, so a cancelled run still saves what the provider accepted.
func (e *EmissionScheduler) dispatch(ctx context.Context, logger *slog.Logger, s domain.Schedule, pi *domain.PaymentIntent, result ItemResult) ItemResult {
	submitted, dispatchErr := e.dispatcher.Submit(ctx, s, *pi)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if dispatchErr != nil {
		return e.recordFailure(persistCtx, logger, s, pi, dispatchErr, result)
	}
	return e.recordSubmission(persistCtx, logger, s, pi, submitted, result)
}

// awaitingSubmission reports an intent created for a cycle whose provider
// outcome was never recorded.
func awaitingSubmission(pi *domain.PaymentIntent) bool {
	return pi.Status == domain.IntentPending && deref(pi.ProviderPaymentID) == ""
}

// resolveExisting handles a cycle whose intent already exists under the key.
func (e *EmissionScheduler) resolveExisting(ctx context.Context, logger *slog.Logger, s domain.Schedule, pi *domain.PaymentIntent, result ItemResult) ItemResult {
	result.Status = ItemSkipped
	result.ProviderPaymentID = deref(pi.ProviderPaymentID)

	switch {
	case pi.Status.IsInFlight():
		result.Error = "payment already in flight"
	case pi.Status.IsCollected():
		// The previous run collected the cycle but did not advance the schedule.
		if _, err := e.lifecycle.AdvanceToNextCycle(ctx, s); err != nil && !errors.Is(err, domain.ErrStaleState) {
			logger.Error("failed to advance schedule of a collected cycle", "payment_intent_id", pi.ID, "error", err)
			return failedResult(result, err)
		}
		logger.Info("cycle already collected; schedule advanced", "payment_intent_id", pi.ID)
		result.Error = "cycle already collected"
	default:
		result.Error = fmt.Sprintf("cycle attempt already %s", pi.Status)
	}
	return result
}

func (e *EmissionScheduler) recordSubmission(ctx context.Context, logger *slog.Logger, s domain.Schedule, pi *domain.PaymentIntent, submitted domain.SubmitResult, result ItemResult) ItemResult {
	expected := pi.Status
	if err := pi.MarkProcessing(submitted.ProviderPaymentID); err != nil {
		return failedResult(result, err)
	}

	cs := store.Changeset{IntentUpdate: &store.IntentChange{Intent: *pi, ExpectedStatus: expected}}
	event := e.ledger.Record(domain.EventPaymentProcessing, domain.IntentScope(pi), map[string]interface{}{
		"provider_payment_id": submitted.ProviderPaymentID,
		"provider_status":     submitted.ProviderStatus,
	})
	if err := e.ledger.Attach(&cs, event); err != nil {
		return failedResult(result, err)
	}
	if _, err := e.lifecycle.prepareAdvance(ctx, s, &cs); err != nil {
		logger.Error("failed to compute next cycle; intent recorded without advancing", "payment_intent_id", pi.ID, "error", err)
	}

	if err := e.repo.Commit(ctx, cs); err != nil {
		logger.Error("payment submitted but state could not be saved", "payment_intent_id", pi.ID, "provider_payment_id", submitted.ProviderPaymentID, "error", err)
		return failedResult(result, err)
	}

	logger.Info("payment submitted", "payment_intent_id", pi.ID, "provider", s.Provider, "provider_payment_id", submitted.ProviderPaymentID)
	result.Status = ItemSucceeded
	result.ProviderPaymentID = submitted.ProviderPaymentID
	return result
}

func (e *EmissionScheduler) recordFailure(ctx context.Context, logger *slog.Logger, s domain.Schedule, pi *domain.PaymentIntent, dispatchErr error, result ItemResult) ItemResult {
	rejection := Classify(dispatchErr)
	result.RejectionCode = string(rejection.Code)
	result.Error = rejection.FailureReason()

	expectedIntent := pi.Status
	if err := pi.MarkFailed(rejection); err != nil {
		return failedResult(result, err)
	}
	cs := store.Changeset{IntentUpdate: &store.IntentChange{Intent: *pi, ExpectedStatus: expectedIntent}}
	events := []domain.PaymentEvent{e.ledger.Record(domain.EventPaymentFailed, domain.IntentScope(pi), map[string]interface{}{
		"rejection_code": string(rejection.Code),
		"reason":         rejection.Message,
		"retryable":      rejection.Retryable,
	})}

	expectedSchedule, expectedDue := s.Status, s.Due
	if exhausted := s.RecordFailure(); exhausted {
		events = append(events, e.ledger.Record(domain.EventScheduleFailed, domain.ScheduleScope(&s), map[string]interface{}{
			"retry_count":    s.RetryCount,
			"max_retries":    s.MaxRetries,
			"rejection_code": string(rejection.Code),
		}))
	}
	cs.ScheduleUpdate = &store.ScheduleChange{Schedule: s, ExpectedStatus: expectedSchedule, ExpectedDue: expectedDue}

	if err := e.ledger.Attach(&cs, events...); err != nil {
		return failedResult(result, err)
	}
	if _, err := e.escalator.Attach(&cs, pi, &s, rejection); err != nil {
		return failedResult(result, err)
	}
	if err := e.repo.Commit(ctx, cs); err != nil {
		logger.Error("failed to record payment failure", "payment_intent_id", pi.ID, "error", err)
		result.Status = ItemFailed
		result.Error = fmt.Sprintf("%s; %v", rejection.FailureReason(), err)
		return result
	}

	logger.Warn("payment emission failed",
		"payment_intent_id", pi.ID,
		"provider", s.Provider,
		"rejection_code", rejection.Code,
		"retryable", rejection.Retryable,
		"retry_count", s.RetryCount,
		"schedule_status", s.Status,
	)
	result.Status = ItemFailed
	return result
}

func failedResult(result ItemResult, err error) ItemResult {
	result.Status = ItemFailed
	result.Error = err.Error()
	return result
}
