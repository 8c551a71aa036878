package domain

import (
	"errors"
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextDueDate(t *testing.T) {
	tests := []struct {
		name   string
		from   time.Time
		freq   Frequency
		anchor int
		want   time.Time
	}{
		{name: "weekly", from: date(2024, 3, 1), freq: FrequencyWeekly, want: date(2024, 3, 8)},
		{name: "monthly", from: date(2024, 3, 1), freq: FrequencyMonthly, anchor: 1, want: date(2024, 4, 1)},
		{name: "monthly clamps to leap february", from: date(2024, 1, 31), freq: FrequencyMonthly, anchor: 31, want: date(2024, 2, 29)},
		{name: "monthly re-anchors after short month", from: date(2024, 2, 29), freq: FrequencyMonthly, anchor: 31, want: date(2024, 3, 31)},
		{name: "monthly without anchor keeps day", from: date(2024, 5, 15), freq: FrequencyMonthly, want: date(2024, 6, 15)},
		{name: "quarterly crosses year", from: date(2024, 11, 30), freq: FrequencyQuarterly, anchor: 30, want: date(2025, 2, 28)},
		{name: "yearly from leap day", from: date(2024, 2, 29), freq: FrequencyYearly, anchor: 29, want: date(2025, 2, 28)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextDueDate(tt.from, tt.freq, tt.anchor)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("expected %s, got %s", tt.want.Format(DateLayout), got.Format(DateLayout))
			}
		})
	}
}

func TestNextDueDate_UnknownFrequency(t *testing.T) {
	if _, err := NextDueDate(date(2024, 1, 1), Frequency("DAILY"), 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func newActiveSchedule() *Schedule {
	return &Schedule{
		ID:         "sch_1",
		SocieteID:  "soc_1",
		ClientID:   "cli_1",
		Provider:   ProviderStripe,
		Amount:     4990,
		Currency:   "EUR",
		Frequency:  FrequencyMonthly,
		Status:     ScheduleActive,
		Due:        Scheduled(date(2024, 3, 1)),
		StartDate:  date(2024, 3, 1),
		MaxRetries: 3,
	}
}

func TestScheduleAdvance_MovesToNextCycle(t *testing.T) {
	s := newActiveSchedule()
	s.RetryCount = 2

	completed, err := s.Advance(date(2024, 4, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completed {
		t.Fatal("did not expect completion")
	}
	if got, _ := s.Due.Get(); !got.Equal(date(2024, 4, 1)) {
		t.Fatalf("expected due 2024-04-01, got %s", s.Due)
	}
	if s.LastPaymentDate == nil || !s.LastPaymentDate.Equal(date(2024, 3, 1)) {
		t.Fatalf("expected last payment 2024-03-01, got %v", s.LastPaymentDate)
	}
	if s.RetryCount != 0 {
		t.Fatalf("expected retry count reset, got %d", s.RetryCount)
	}
}

func TestScheduleAdvance_CompletesAfterEndDate(t *testing.T) {
	s := newActiveSchedule()
	end := date(2024, 3, 15)
	s.EndDate = &end

	completed, err := s.Advance(date(2024, 4, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !completed || s.Status != ScheduleCompleted {
		t.Fatalf("expected COMPLETED, got %s", s.Status)
	}
	if s.Due.IsScheduled() {
		t.Fatal("expected due date cleared on completion")
	}
	if s.Due.OnOrBefore(date(2030, 1, 1)) {
		t.Fatal("completed schedule must never be due")
	}
}

func TestScheduleAdvance_RejectsNonForwardDate(t *testing.T) {
	s := newActiveSchedule()
	if _, err := s.Advance(date(2024, 3, 1)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got, _ := s.Due.Get(); !got.Equal(date(2024, 3, 1)) {
		t.Fatal("schedule must be unchanged after a refused advance")
	}
}

func TestSchedulePauseResume(t *testing.T) {
	s := newActiveSchedule()
	if err := s.Resume(); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected resume on ACTIVE to fail, got %v", err)
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if err := s.Pause(); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected second pause to fail, got %v", err)
	}
	if err := s.Resume(); err != nil || s.Status != ScheduleActive {
		t.Fatalf("resume failed: %v (status %s)", err, s.Status)
	}
}

func TestScheduleTerminalStatesRefuseLifecycleChanges(t *testing.T) {
	for _, status := range []ScheduleStatus{ScheduleCompleted, ScheduleFailed, ScheduleCancelled} {
		t.Run(string(status), func(t *testing.T) {
			s := newActiveSchedule()
			s.Status = status
			if err := s.Pause(); !errors.Is(err, ErrInvalidStateTransition) {
				t.Fatalf("pause: expected invalid transition, got %v", err)
			}
			if err := s.Resume(); !errors.Is(err, ErrInvalidStateTransition) {
				t.Fatalf("resume: expected invalid transition, got %v", err)
			}
			if _, err := s.Advance(date(2024, 4, 1)); !errors.Is(err, ErrInvalidStateTransition) {
				t.Fatalf("advance: expected invalid transition, got %v", err)
			}
		})
	}
}

func TestScheduleCancel(t *testing.T) {
	s := newActiveSchedule()
	changed, err := s.Cancel()
	if err != nil || !changed {
		t.Fatalf("expected cancel to change state, got changed=%v err=%v", changed, err)
	}
	changed, err = s.Cancel()
	if err != nil || changed {
		t.Fatalf("expected idempotent cancel, got changed=%v err=%v", changed, err)
	}

	done := newActiveSchedule()
	done.Status = ScheduleCompleted
	if _, err := done.Cancel(); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected cancel on COMPLETED to fail, got %v", err)
	}
}

func TestScheduleRecordFailure(t *testing.T) {
	s := newActiveSchedule()
	s.MaxRetries = 1

	if s.RecordFailure() {
		t.Fatal("first failure should stay within the retry budget")
	}
	if !s.RecordFailure() {
		t.Fatal("second failure should exhaust the retry budget")
	}
	if s.Status != ScheduleFailed || s.Due.IsScheduled() {
		t.Fatalf("expected FAILED with no due date, got %s / %s", s.Status, s.Due)
	}
}

func TestScheduleOrganisationRef(t *testing.T) {
	s := newActiveSchedule()
	if s.OrganisationRef() != "" {
		t.Fatal("expected empty organisation")
	}
	s.Metadata = map[string]interface{}{"organisationId": " org_meta "}
	if got := s.OrganisationRef(); got != "org_meta" {
		t.Fatalf("expected metadata organisation, got %q", got)
	}
	org := "org_col"
	s.OrganisationID = &org
	if got := s.OrganisationRef(); got != "org_col" {
		t.Fatalf("expected column organisation, got %q", got)
	}
}

func TestScheduleValidate(t *testing.T) {
	s := newActiveSchedule()
	if err := s.Validate(); err != nil {
		t.Fatalf("expected valid schedule, got %v", err)
	}

	bad := newActiveSchedule()
	bad.Amount = 0
	if err := bad.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}

	bad = newActiveSchedule()
	end := date(2024, 1, 1)
	bad.EndDate = &end
	if err := bad.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for end before start, got %v", err)
	}
}

func TestDueDateMarshalJSON(t *testing.T) {
	b, _ := Scheduled(date(2024, 3, 1)).MarshalJSON()
	if string(b) != `"2024-03-01"` {
		t.Fatalf("unexpected json %s", b)
	}
	b, _ = NotScheduled().MarshalJSON()
	if string(b) != "null" {
		t.Fatalf("unexpected json %s", b)
	}
}

func TestDueDateEqual(t *testing.T) {
	march := Scheduled(date(2024, time.March, 1))
	tests := []struct {
		name  string
		a, b  DueDate
		equal bool
	}{
		{name: "same day", a: march, b: Scheduled(time.Date(2024, time.March, 1, 18, 0, 0, 0, time.UTC)), equal: true},
		{name: "different day", a: march, b: Scheduled(date(2024, time.April, 1)), equal: false},
		{name: "scheduled vs not", a: march, b: NotScheduled(), equal: false},
		{name: "both unscheduled", a: NotScheduled(), b: NotScheduled(), equal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.equal {
				t.Fatalf("expected %v, got %v", tt.equal, got)
			}
		})
	}
}
