package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/transfa/payment-emission-service/internal/domain"
	"github.com/transfa/payment-emission-service/internal/store"
)

type providerStub struct {
	mu     sync.Mutex
	calls  []domain.SubmitRequest
	submit func(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error)
}

func (p *providerStub) Submit(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	if p.submit == nil {
		return domain.SubmitResult{ProviderPaymentID: "pi_" + req.Metadata["schedule_id"], ProviderStatus: "processing"}, nil
	}
	return p.submit(ctx, req)
}

func (p *providerStub) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type harness struct {
	repo      *memRepo
	clock     fixedClock
	ledger    *Ledger
	lifecycle *Lifecycle
	guard     *IdempotencyGuard
	escalator *Escalator
	intents   *IntentService
	stripe    *providerStub
	emitter   *EmissionScheduler
}

type harnessOptions struct {
	fanout      bool
	concurrency int
	timeout     time.Duration
	lock        RunLock
}

func newHarness(now time.Time, opts harnessOptions) *harness {
	clock := fixedClock{now: now}
	logger := discardLogger()
	repo := newMemRepo(clock)
	ledger := NewLedger(repo, clock, opts.fanout, "payments.events")
	lifecycle := NewLifecycle(repo, ledger, nil, clock, logger, 3)
	guard := NewIdempotencyGuard(repo, ledger, logger)
	escalator := NewEscalator(clock, logger)
	stripe := &providerStub{}
	dispatcher := NewDispatcher(map[domain.Provider]ProviderHandler{domain.ProviderStripe: stripe}, nil, opts.timeout)

	return &harness{
		repo:      repo,
		clock:     clock,
		ledger:    ledger,
		lifecycle: lifecycle,
		guard:     guard,
		escalator: escalator,
		intents:   NewIntentService(repo, guard, ledger, escalator, clock, logger),
		stripe:    stripe,
		emitter: NewEmissionScheduler(EmissionDeps{
			Repo:        repo,
			Lifecycle:   lifecycle,
			Guard:       guard,
			Dispatcher:  dispatcher,
			Escalator:   escalator,
			Ledger:      ledger,
			Lock:        opts.lock,
			Clock:       clock,
			Location:    time.UTC,
			Concurrency: opts.concurrency,
			Logger:      logger,
		}),
	}
}

func monthlySchedule(id, due string) domain.Schedule {
	return domain.Schedule{
		ID:                  id,
		OrganisationID:      strPtr("org_1"),
		SocieteID:           "soc_1",
		ClientID:            "cli_" + id,
		Provider:            domain.ProviderStripe,
		ProviderCustomerRef: strPtr("cus_" + id),
		Amount:              4990,
		Currency:            "EUR",
		Frequency:           domain.FrequencyMonthly,
		Status:              domain.ScheduleActive,
		Due:                 domain.Scheduled(date(due)),
		StartDate:           date(due),
		MaxRetries:          3,
		Metadata:            map[string]interface{}{"organisationId": "org_1"},
	}
}

func runAt(t *testing.T, h *harness) Summary {
	t.Helper()
	summary, err := h.emitter.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return summary
}

func TestRun_SuccessfulCycleAdvancesSchedule(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{})
	h.repo.putSchedule(monthlySchedule("sch_1", "2024-03-01"))
	h.stripe.submit = func(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{ProviderPaymentID: "pi_123", ProviderStatus: "processing"}, nil
	}

	summary := runAt(t, h)
	if summary.Total != 1 || summary.Succeeded != 1 || summary.Processed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.RunDate != "2024-03-01" {
		t.Fatalf("unexpected run date %s", summary.RunDate)
	}

	intents := h.repo.intentsOf("sch_1")
	if len(intents) != 1 {
		t.Fatalf("expected one intent, got %d", len(intents))
	}
	pi := intents[0]
	if pi.Status != domain.IntentProcessing || deref(pi.ProviderPaymentID) != "pi_123" {
		t.Fatalf("unexpected intent %+v", pi)
	}
	if pi.Amount != 4990 || pi.Currency != "EUR" {
		t.Fatalf("unexpected amount %d %s", pi.Amount, pi.Currency)
	}
	if summary.Results[0].PaymentIntentID != pi.ID || summary.Results[0].ProviderPaymentID != "pi_123" {
		t.Fatalf("unexpected result %+v", summary.Results[0])
	}

	s := h.repo.schedule("sch_1")
	if s.Due.String() != "2024-04-01" {
		t.Fatalf("expected next due 2024-04-01, got %s", s.Due)
	}
	if s.LastPaymentDate == nil || s.LastPaymentDate.Format(domain.DateLayout) != "2024-03-01" {
		t.Fatalf("unexpected last payment date %v", s.LastPaymentDate)
	}

	got := h.repo.eventTypes(nil)
	want := []domain.EventType{domain.EventPaymentCreated, domain.EventPaymentProcessing, domain.EventScheduleAdvanced}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}

	second := runAt(t, h)
	if second.Total != 0 {
		t.Fatalf("expected same-day re-run to find nothing, got %+v", second)
	}
	if h.stripe.callCount() != 1 {
		t.Fatalf("expected one provider call, got %d", h.stripe.callCount())
	}
	if len(h.repo.intentsOf("sch_1")) != 1 {
		t.Fatal("re-run created a second intent")
	}
}

func TestRun_InsufficientFundsEscalatesOnce(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{})
	h.repo.putSchedule(monthlySchedule("sch_1", "2024-03-01"))
	h.stripe.submit = func(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{}, &domain.ProviderRejectedError{Code: "insufficient_funds", Message: "insufficient funds"}
	}

	summary := runAt(t, h)
	if summary.Failed != 1 || summary.Results[0].RejectionCode != "AM04" {
		t.Fatalf("unexpected summary %+v", summary)
	}

	pi := h.repo.intentsOf("sch_1")[0]
	if pi.Status != domain.IntentFailed {
		t.Fatalf("expected FAILED intent, got %s", pi.Status)
	}
	if !strings.HasPrefix(deref(pi.FailureReason), "AM04: ") {
		t.Fatalf("unexpected failure reason %q", deref(pi.FailureReason))
	}

	escalations := h.repo.outboxFor(store.DestinationRetryScheduler)
	if len(escalations) != 1 {
		t.Fatalf("expected one escalation, got %d", len(escalations))
	}
	if escalations[0].DedupeKey != pi.ID+":emission_failed" {
		t.Fatalf("unexpected dedupe key %q", escalations[0].DedupeKey)
	}
	var rejection domain.PaymentRejection
	if err := json.Unmarshal(escalations[0].Payload, &rejection); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if rejection.ReasonCode != "AM04" || !rejection.Retryable || rejection.ProviderName != "STRIPE" {
		t.Fatalf("unexpected rejection %+v", rejection)
	}
	if rejection.OrganisationID != "org_1" || rejection.AmountMinorUnits != 4990 || rejection.IdempotencyKey != pi.ID+":emission_failed" {
		t.Fatalf("unexpected rejection %+v", rejection)
	}

	s := h.repo.schedule("sch_1")
	if s.Status != domain.ScheduleActive || s.RetryCount != 1 || s.Due.String() != "2024-03-01" {
		t.Fatalf("unexpected schedule after failure %+v", s)
	}

	if _, err := h.intents.Escalate(context.Background(), pi.ID); err != nil {
		t.Fatalf("re-escalate: %v", err)
	}
	if got := len(h.repo.outboxFor(store.DestinationRetryScheduler)); got != 1 {
		t.Fatalf("re-escalation must not add a retry entry, got %d", got)
	}
}

func TestRun_FailureWithoutOrganisationSkipsEscalation(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{})
	s := monthlySchedule("sch_1", "2024-03-01")
	s.OrganisationID = nil
	s.Metadata = nil
	h.repo.putSchedule(s)
	h.stripe.submit = func(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{}, &domain.ProviderRejectedError{Code: "card_declined"}
	}

	summary := runAt(t, h)
	if summary.Failed != 1 || summary.Results[0].RejectionCode != "MS02" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := len(h.repo.outboxFor(store.DestinationRetryScheduler)); got != 0 {
		t.Fatalf("expected no escalation, got %d", got)
	}
}

func TestRun_ExhaustedRetriesFailSchedule(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{})
	s := monthlySchedule("sch_1", "2024-03-01")
	s.MaxRetries = 0
	h.repo.putSchedule(s)
	h.stripe.submit = func(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{}, &domain.ProviderRejectedError{Code: "account_closed"}
	}

	runAt(t, h)

	got := h.repo.schedule("sch_1")
	if got.Status != domain.ScheduleFailed || got.Due.IsScheduled() {
		t.Fatalf("expected FAILED schedule without due date, got %s %s", got.Status, got.Due)
	}
	types := h.repo.eventTypes(nil)
	if types[len(types)-1] != domain.EventScheduleFailed {
		t.Fatalf("expected SCHEDULE_FAILED last, got %v", types)
	}
}

func TestRun_IsolatesFailingSchedules(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{})
	h.repo.putSchedule(monthlySchedule("sch_a", "2024-02-28"))
	broken := monthlySchedule("sch_b", "2024-02-29")
	broken.Provider = domain.ProviderPaypal
	h.repo.putSchedule(broken)
	h.repo.putSchedule(monthlySchedule("sch_c", "2024-03-01"))

	summary := runAt(t, h)
	if summary.Total != 3 || summary.Succeeded != 2 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	order := []string{"sch_a", "sch_b", "sch_c"}
	for i, id := range order {
		if summary.Results[i].ScheduleID != id {
			t.Fatalf("expected results in due order %v, got %+v", order, summary.Results)
		}
	}
	if summary.Results[1].RejectionCode != "CFG1" {
		t.Fatalf("expected configuration rejection, got %+v", summary.Results[1])
	}
	if h.repo.schedule("sch_c").Due.String() != "2024-04-01" {
		t.Fatal("schedule after the failing one was not advanced")
	}
}

func TestRun_StorageErrorFailsOnlyItsItem(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{})
	h.repo.putSchedule(monthlySchedule("sch_a", "2024-03-01"))
	h.repo.putSchedule(monthlySchedule("sch_b", "2024-03-01"))
	h.repo.commitHooks = append(h.repo.commitHooks, func(cs store.Changeset) error {
		if cs.NewIntent != nil && cs.NewIntent.ScheduleID != nil && *cs.NewIntent.ScheduleID == "sch_a" {
			return errors.New("connection reset")
		}
		return nil
	})

	summary := runAt(t, h)
	if summary.Failed != 1 || summary.Succeeded != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Results[0].Status != ItemFailed || summary.Results[1].Status != ItemSucceeded {
		t.Fatalf("unexpected results %+v", summary.Results)
	}
}

func TestRun_CompletesScheduleAfterEndDate(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{})
	s := monthlySchedule("sch_1", "2024-03-01")
	end := date("2024-03-15")
	s.EndDate = &end
	h.repo.putSchedule(s)

	runAt(t, h)

	got := h.repo.schedule("sch_1")
	if got.Status != domain.ScheduleCompleted || got.Due.IsScheduled() {
		t.Fatalf("expected COMPLETED without due date, got %s %s", got.Status, got.Due)
	}
	types := h.repo.eventTypes(nil)
	if types[len(types)-1] != domain.EventScheduleCompleted {
		t.Fatalf("expected SCHEDULE_COMPLETED, got %v", types)
	}
}

func TestRun_SkipsInFlightIntent(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{})
	h.repo.putSchedule(monthlySchedule("sch_1", "2024-03-01"))
	h.repo.putIntent(domain.PaymentIntent{
		ID:             "pi_inflight",
		ScheduleID:     strPtr("sch_1"),
		Status:         domain.IntentProcessing,
		IdempotencyKey: "em_other",
	})

	summary := runAt(t, h)
	if summary.Skipped != 1 || summary.Results[0].PaymentIntentID != "pi_inflight" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if h.stripe.callCount() != 0 {
		t.Fatal("provider must not be called for an in-flight schedule")
	}
}

func TestRun_RepairsCollectedCycle(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{})
	s := monthlySchedule("sch_1", "2024-03-01")
	h.repo.putSchedule(s)
	h.repo.putIntent(domain.PaymentIntent{
		ID:             "pi_done",
		ScheduleID:     strPtr("sch_1"),
		Status:         domain.IntentSucceeded,
		IdempotencyKey: EmissionKey(s.SocieteID, s.ID, date("2024-03-01"), 0),
	})

	summary := runAt(t, h)
	if summary.Skipped != 1 || summary.Results[0].Error != "cycle already collected" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if h.stripe.callCount() != 0 {
		t.Fatal("provider must not be called for a collected cycle")
	}
	if h.repo.schedule("sch_1").Due.String() != "2024-04-01" {
		t.Fatal("collected cycle did not advance the schedule")
	}
}

func TestRun_ProviderTimeoutIsTechnical(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{timeout: 20 * time.Millisecond})
	h.repo.putSchedule(monthlySchedule("sch_1", "2024-03-01"))
	h.stripe.submit = func(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
		<-ctx.Done()
		return domain.SubmitResult{}, ctx.Err()
	}

	summary := runAt(t, h)
	if summary.Failed != 1 || summary.Results[0].RejectionCode != "TECH" {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestRun_ConcurrentExecutionKeepsPlanOrder(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{concurrency: 4})
	ids := []string{"sch_1", "sch_2", "sch_3", "sch_4", "sch_5"}
	for _, id := range ids {
		h.repo.putSchedule(monthlySchedule(id, "2024-03-01"))
	}

	summary := runAt(t, h)
	if summary.Succeeded != len(ids) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for i, id := range ids {
		if summary.Results[i].ScheduleID != id || summary.Results[i].ProviderPaymentID != "pi_"+id {
			t.Fatalf("unexpected result %d: %+v", i, summary.Results[i])
		}
	}
}

type busyLock struct{}

func (busyLock) TryLock(ctx context.Context) (func(context.Context) error, bool, error) {
	return nil, false, nil
}

func TestRun_ReturnsInProgressWhenLocked(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{lock: busyLock{}})
	h.repo.putSchedule(monthlySchedule("sch_1", "2024-03-01"))

	_, err := h.emitter.Run(context.Background(), "")
	if !errors.Is(err, domain.ErrEmissionInProgress) {
		t.Fatalf("expected ErrEmissionInProgress, got %v", err)
	}
	if h.stripe.callCount() != 0 {
		t.Fatal("locked run must not dispatch")
	}
}

func TestRun_FanoutQueuesLedgerEvents(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{fanout: true})
	h.repo.putSchedule(monthlySchedule("sch_1", "2024-03-01"))

	runAt(t, h)

	bus := h.repo.outboxFor(store.DestinationEventBus)
	if len(bus) != 3 {
		t.Fatalf("expected one bus message per event, got %d", len(bus))
	}
	if bus[0].RoutingKey != "payments.payment_created" || bus[0].Exchange != "payments.events" {
		t.Fatalf("unexpected bus message %+v", bus[0])
	}
}

func TestPlan_FiltersAndSorts(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{})
	paused := monthlySchedule("sch_paused", "2024-02-01")
	paused.Status = domain.SchedulePaused
	retried := monthlySchedule("sch_b", "2024-02-15")
	retried.RetryCount = 2

	plan := h.emitter.Plan([]domain.Schedule{
		monthlySchedule("sch_future", "2024-03-02"),
		monthlySchedule("sch_c", "2024-03-01"),
		paused,
		retried,
		monthlySchedule("sch_a", "2024-03-01"),
	}, h.clock.Now())

	var got []string
	for _, item := range plan.Items {
		got = append(got, item.Schedule.ID)
	}
	want := "sch_b,sch_a,sch_c"
	if strings.Join(got, ",") != want {
		t.Fatalf("expected %s, got %v", want, got)
	}
	if plan.Items[0].IdempotencyKey != EmissionKey("soc_1", "sch_b", date("2024-02-15"), 2) {
		t.Fatal("plan key does not include the attempt")
	}
}

func TestPlan_UsesBusinessTimezone(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 23:30 UTC on Feb 29 is already Mar 1 in Paris.
	now := time.Date(2024, 2, 29, 23, 30, 0, 0, time.UTC)
	e := NewEmissionScheduler(EmissionDeps{Location: paris, Clock: fixedClock{now: now}, Logger: discardLogger()})

	plan := e.Plan([]domain.Schedule{monthlySchedule("sch_1", "2024-03-01")}, now)
	if len(plan.Items) != 1 || plan.RunDate.Format(domain.DateLayout) != "2024-03-01" {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestEmissionPlanJSON(t *testing.T) {
	plan := EmissionPlan{RunDate: date("2024-03-01"), Items: []PlanItem{{
		Schedule:       monthlySchedule("sch_1", "2024-03-01"),
		CycleDate:      date("2024-03-01"),
		IdempotencyKey: "em_x",
	}}}
	raw, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, fragment := range []string{`"run_date":"2024-03-01"`, `"cycle_date":"2024-03-01"`, `"idempotency_key":"em_x"`, `"total":1`} {
		if !strings.Contains(string(raw), fragment) {
			t.Fatalf("expected %s in %s", fragment, raw)
		}
	}
}

func TestRun_CancelledRunStillRecordsSubmission(t *testing.T) {
	h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{})
	h.repo.putSchedule(monthlySchedule("sch_1", "2024-03-01"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.stripe.submit = func(_ context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
		// The caller goes away after the provider has accepted the charge.
		cancel()
		return domain.SubmitResult{ProviderPaymentID: "pi_123", ProviderStatus: "processing"}, nil
	}

	summary, err := h.emitter.Run(ctx, "")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	pi := h.repo.intentsOf("sch_1")[0]
	if pi.Status != domain.IntentProcessing || deref(pi.ProviderPaymentID) != "pi_123" {
		t.Fatalf("expected PROCESSING intent with pi_123, got %s %q", pi.Status, deref(pi.ProviderPaymentID))
	}
	if due := h.repo.schedule("sch_1").Due.String(); due != "2024-04-01" {
		t.Fatalf("expected schedule advanced to 2024-04-01, got %s", due)
	}

	settled, err := h.intents.ApplySettlement(context.Background(), SettlementUpdate{ProviderPaymentID: "pi_123", Status: domain.IntentSucceeded})
	if err != nil || settled.ID != pi.ID {
		t.Fatalf("settlement for pi_123 did not reach the intent: %v", err)
	}
}

func TestRun_RecoversWhenSubmissionCannotBeSaved(t *testing.T) {
	tests := []struct {
		name        string
		cancelRun   bool
		failCommits int
		failWith    error
		runs        int
	}{
		{name: "run cancelled during submit", cancelRun: true, runs: 1},
		{name: "commit error after submit", failCommits: 1, failWith: errors.New("connection reset"), runs: 2},
		{name: "stale schedule after submit", failCommits: 1, failWith: domain.ErrStaleState, runs: 2},
		{name: "commit keeps failing for two runs", failCommits: 2, failWith: errors.New("connection reset"), runs: 3},
		{name: "cancelled run and commit error", cancelRun: true, failCommits: 1, failWith: context.Canceled, runs: 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), harnessOptions{})
			h.repo.putSchedule(monthlySchedule("sch_1", "2024-03-01"))

			remaining := tc.failCommits
			h.repo.commitHooks = append(h.repo.commitHooks, func(cs store.Changeset) error {
				if remaining > 0 && cs.IntentUpdate != nil && cs.IntentUpdate.Intent.Status == domain.IntentProcessing {
					remaining--
					return tc.failWith
				}
				return nil
			})

			var cancel context.CancelFunc
			h.stripe.submit = func(_ context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
				if cancel != nil {
					cancel()
				}
				return domain.SubmitResult{ProviderPaymentID: "pi_123", ProviderStatus: "processing"}, nil
			}

			var last Summary
			for i := 0; i < tc.runs; i++ {
				ctx := context.Background()
				if tc.cancelRun {
					ctx, cancel = context.WithCancel(context.Background())
				}
				summary, err := h.emitter.Run(ctx, "")
				if cancel != nil {
					cancel()
					cancel = nil
				}
				if err != nil {
					t.Fatalf("run %d failed: %v", i+1, err)
				}
				if i < tc.runs-1 {
					pending := h.repo.intentsOf("sch_1")
					if len(pending) != 1 || pending[0].Status != domain.IntentPending {
						t.Fatalf("run %d: expected the intent to stay PENDING for resubmission, got %+v", i+1, pending)
					}
				}
				last = summary
			}

			if last.Succeeded != 1 || last.Results[0].ProviderPaymentID != "pi_123" {
				t.Fatalf("expected the last run to record pi_123, got %+v", last)
			}
			intents := h.repo.intentsOf("sch_1")
			if len(intents) != 1 {
				t.Fatalf("expected a single intent, got %d", len(intents))
			}
			if intents[0].Status != domain.IntentProcessing || deref(intents[0].ProviderPaymentID) != "pi_123" {
				t.Fatalf("unexpected intent %+v", intents[0])
			}
			if due := h.repo.schedule("sch_1").Due.String(); due != "2024-04-01" {
				t.Fatalf("expected schedule advanced to 2024-04-01, got %s", due)
			}

			h.stripe.mu.Lock()
			calls := append([]domain.SubmitRequest(nil), h.stripe.calls...)
			h.stripe.mu.Unlock()
			if len(calls) != tc.runs {
				t.Fatalf("expected %d provider calls, got %d", tc.runs, len(calls))
			}
			for _, call := range calls {
				if call.IdempotencyKey != intents[0].IdempotencyKey {
					t.Fatalf("resubmission changed the idempotency key: %q vs %q", call.IdempotencyKey, intents[0].IdempotencyKey)
				}
			}
		})
	}
}
