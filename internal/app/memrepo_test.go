package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/transfa/payment-emission-service/internal/domain"
	"github.com/transfa/payment-emission-service/internal/store"
)

// memRepo is an in-memory Repository and OutboxRepository with the same
// guarded-update and unique-key behaviour as the Postgres store.
type memRepo struct {
	mu        sync.Mutex
	clock     Clock
	schedules map[string]domain.Schedule
	intents   map[string]domain.PaymentIntent
	keys      map[string]string
	events    []domain.PaymentEvent
	outbox    []memOutboxRow
	dedupe    map[string]bool
	nextID    int64

	commitErr   error
	commits     int
	onKeyMiss   func(key string)
	commitHooks []func(cs store.Changeset) error
}

type memOutboxRow struct {
	msg       store.OutboxMessage
	published bool
	lastError string
}

func newMemRepo(clock Clock) *memRepo {
	return &memRepo{
		clock:     clock,
		schedules: map[string]domain.Schedule{},
		intents:   map[string]domain.PaymentIntent{},
		keys:      map[string]string{},
		dedupe:    map[string]bool{},
	}
}

func (r *memRepo) putSchedule(s domain.Schedule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[s.ID] = s
}

func (r *memRepo) putIntent(pi domain.PaymentIntent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents[pi.ID] = pi
	r.keys[pi.IdempotencyKey] = pi.ID
}

func (r *memRepo) schedule(id string) domain.Schedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schedules[id]
}

func (r *memRepo) intent(id string) domain.PaymentIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intents[id]
}

func (r *memRepo) intentsOf(scheduleID string) []domain.PaymentIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PaymentIntent
	for _, pi := range r.intents {
		if pi.ScheduleID != nil && *pi.ScheduleID == scheduleID {
			out = append(out, pi)
		}
	}
	return out
}

func (r *memRepo) eventTypes(filter func(domain.PaymentEvent) bool) []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EventType
	for _, e := range r.events {
		if filter == nil || filter(e) {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *memRepo) outboxFor(destination string) []store.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.OutboxMessage
	for _, row := range r.outbox {
		if row.msg.Destination == destination {
			out = append(out, row.msg)
		}
	}
	return out
}

func (r *memRepo) Commit(ctx context.Context, cs store.Changeset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.commits++
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.commitErr != nil {
		return r.commitErr
	}
	for _, hook := range r.commitHooks {
		if err := hook(cs); err != nil {
			return err
		}
	}

	if cs.NewSchedule != nil {
		if _, exists := r.schedules[cs.NewSchedule.ID]; exists {
			return fmt.Errorf("schedule %s already exists", cs.NewSchedule.ID)
		}
	}
	if cs.ScheduleUpdate != nil {
		current, ok := r.schedules[cs.ScheduleUpdate.Schedule.ID]
		if !ok || current.Status != cs.ScheduleUpdate.ExpectedStatus ||
			(cs.ScheduleUpdate.ExpectedDue.IsScheduled() && !current.Due.Equal(cs.ScheduleUpdate.ExpectedDue)) {
			return fmt.Errorf("schedule %s: %w", cs.ScheduleUpdate.Schedule.ID, domain.ErrStaleState)
		}
	}
	if cs.NewIntent != nil {
		if _, exists := r.keys[cs.NewIntent.IdempotencyKey]; exists {
			return store.ErrDuplicateIdempotencyKey
		}
	}
	if cs.IntentUpdate != nil {
		current, ok := r.intents[cs.IntentUpdate.Intent.ID]
		if !ok || current.Status != cs.IntentUpdate.ExpectedStatus {
			return fmt.Errorf("payment intent %s: %w", cs.IntentUpdate.Intent.ID, domain.ErrStaleState)
		}
	}

	now := r.clock.Now()
	if cs.NewSchedule != nil {
		s := *cs.NewSchedule
		s.CreatedAt, s.UpdatedAt = now, now
		r.schedules[s.ID] = s
	}
	if cs.ScheduleUpdate != nil {
		s := cs.ScheduleUpdate.Schedule
		s.UpdatedAt = now
		r.schedules[s.ID] = s
	}
	if cs.NewIntent != nil {
		pi := *cs.NewIntent
		pi.CreatedAt, pi.UpdatedAt = now, now
		r.intents[pi.ID] = pi
		r.keys[pi.IdempotencyKey] = pi.ID
	}
	if cs.IntentUpdate != nil {
		pi := cs.IntentUpdate.Intent
		pi.UpdatedAt = now
		r.intents[pi.ID] = pi
	}
	r.events = append(r.events, cs.Events...)
	for _, msg := range cs.Outbox {
		if msg.DedupeKey != "" {
			if r.dedupe[msg.DedupeKey] {
				continue
			}
			r.dedupe[msg.DedupeKey] = true
		}
		r.nextID++
		msg.ID = r.nextID
		r.outbox = append(r.outbox, memOutboxRow{msg: msg})
	}
	return nil
}

func (r *memRepo) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return &s, nil
}

func (r *memRepo) BackfillPlannedDebitDates(ctx context.Context, organisationID string) (int64, error) {
	return 0, nil
}

func (r *memRepo) ListDueSchedules(ctx context.Context, cutoff time.Time, organisationID string) ([]domain.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Schedule
	for _, s := range r.schedules {
		if s.Status != domain.ScheduleActive || !s.Due.OnOrBefore(cutoff) {
			continue
		}
		if organisationID != "" && s.OrganisationRef() != organisationID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i].Due.Get()
		b, _ := out[j].Due.Get()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memRepo) GetIntent(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pi, ok := r.intents[id]
	if !ok {
		return nil, fmt.Errorf("payment intent %s: %w", id, domain.ErrNotFound)
	}
	return &pi, nil
}

func (r *memRepo) GetIntentByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentIntent, error) {
	r.mu.Lock()
	id, ok := r.keys[key]
	hook := r.onKeyMiss
	r.mu.Unlock()
	if !ok {
		if hook != nil {
			hook(key)
		}
		return nil, fmt.Errorf("idempotency key: %w", domain.ErrNotFound)
	}
	return r.GetIntent(ctx, id)
}

func (r *memRepo) GetIntentByProviderPaymentID(ctx context.Context, providerPaymentID string) (*domain.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pi := range r.intents {
		if pi.ProviderPaymentID != nil && *pi.ProviderPaymentID == providerPaymentID {
			found := pi
			return &found, nil
		}
	}
	return nil, fmt.Errorf("provider payment %s: %w", providerPaymentID, domain.ErrNotFound)
}

func (r *memRepo) FindInFlightIntent(ctx context.Context, scheduleID string) (*domain.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pi := range r.intents {
		if pi.ScheduleID != nil && *pi.ScheduleID == scheduleID && pi.Status.IsInFlight() {
			found := pi
			return &found, nil
		}
	}
	return nil, nil
}

func (r *memRepo) ListStaleInFlightIntents(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PaymentIntent
	for _, pi := range r.intents {
		if pi.Status.IsInFlight() && pi.UpdatedAt.Before(olderThan) {
			out = append(out, pi)
		}
	}
	return out, nil
}

func (r *memRepo) ListEventsByIntent(ctx context.Context, intentID string) ([]domain.PaymentEvent, error) {
	return r.filterEvents(func(e domain.PaymentEvent) bool {
		return e.PaymentIntentID != nil && *e.PaymentIntentID == intentID
	}), nil
}

func (r *memRepo) ListEventsBySchedule(ctx context.Context, scheduleID string) ([]domain.PaymentEvent, error) {
	return r.filterEvents(func(e domain.PaymentEvent) bool {
		return e.ScheduleID != nil && *e.ScheduleID == scheduleID
	}), nil
}

func (r *memRepo) ListRecentEventsBySociete(ctx context.Context, societeID string, limit int) ([]domain.PaymentEvent, error) {
	events := r.filterEvents(func(e domain.PaymentEvent) bool { return e.SocieteID == societeID })
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (r *memRepo) filterEvents(keep func(domain.PaymentEvent) bool) []domain.PaymentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PaymentEvent
	for _, e := range r.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (r *memRepo) GetOutboxMessageByDedupeKey(ctx context.Context, key string) (*store.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.outbox {
		if row.msg.DedupeKey == key {
			msg := row.msg
			return &msg, nil
		}
	}
	return nil, fmt.Errorf("outbox message %s: %w", key, domain.ErrNotFound)
}

func (r *memRepo) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.OutboxMessage
	for i := range r.outbox {
		if r.outbox[i].published {
			continue
		}
		r.outbox[i].msg.Attempts++
		out = append(out, r.outbox[i].msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.outbox {
		if r.outbox[i].msg.ID == id {
			r.outbox[i].published = true
		}
	}
	return nil
}

func (r *memRepo) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.outbox {
		if r.outbox[i].msg.ID == id {
			r.outbox[i].lastError = reason
		}
	}
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

func date(raw string) time.Time {
	t, err := time.Parse(domain.DateLayout, raw)
	if err != nil {
		panic(err)
	}
	return t
}
