/**
 * @description
 * Schedule is a recurring obligation to collect a fixed amount from a client on
 * behalf of a billing entity (societe). This file holds the entity, its status
 * machine and the calendar arithmetic used to move it from one cycle to the next.
 */
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "ACTIVE"
	SchedulePaused    ScheduleStatus = "PAUSED"
	ScheduleCancelled ScheduleStatus = "CANCELLED"
	ScheduleCompleted ScheduleStatus = "COMPLETED"
	ScheduleFailed    ScheduleStatus = "FAILED"
)

// IsTerminal reports whether no further emission or lifecycle change may happen.
func (s ScheduleStatus) IsTerminal() bool {
	switch s {
	case ScheduleCancelled, ScheduleCompleted, ScheduleFailed:
		return true
	}
	return false
}

type Frequency string

const (
	FrequencyWeekly    Frequency = "WEEKLY"
	FrequencyMonthly   Frequency = "MONTHLY"
	FrequencyQuarterly Frequency = "QUARTERLY"
	FrequencyYearly    Frequency = "YEARLY"
)

// ParseFrequency accepts the cadence names used by the provisioning flows.
func ParseFrequency(raw string) (Frequency, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "WEEKLY":
		return FrequencyWeekly, nil
	case "MONTHLY":
		return FrequencyMonthly, nil
	case "QUARTERLY":
		return FrequencyQuarterly, nil
	case "YEARLY", "ANNUAL", "ANNUALLY":
		return FrequencyYearly, nil
	}
	return "", Validationf("unknown frequency %q", raw)
}

// DueDate is the next date a schedule must be emitted on. A schedule is either
// Scheduled on a calendar date or NotScheduled (terminal schedules).
type DueDate struct {
	date      time.Time
	scheduled bool
}

func Scheduled(date time.Time) DueDate {
	return DueDate{date: DateOnly(date), scheduled: true}
}

func NotScheduled() DueDate {
	return DueDate{}
}

// Get returns the due date and whether one is set.
func (d DueDate) Get() (time.Time, bool) {
	return d.date, d.scheduled
}

func (d DueDate) IsScheduled() bool {
	return d.scheduled
}

func (d DueDate) Equal(other DueDate) bool {
	return d.scheduled == other.scheduled && d.date.Equal(other.date)
}

// OnOrBefore reports whether the schedule is due on the given calendar day.
func (d DueDate) OnOrBefore(day time.Time) bool {
	return d.scheduled && !d.date.After(DateOnly(day))
}

func (d DueDate) String() string {
	if !d.scheduled {
		return "not_scheduled"
	}
	return d.date.Format(DateLayout)
}

func (d DueDate) MarshalJSON() ([]byte, error) {
	if !d.scheduled {
		return []byte("null"), nil
	}
	return json.Marshal(d.date.Format(DateLayout))
}

// Schedule represents one recurring payment obligation.
type Schedule struct {
	ID                      string                 `json:"id"`
	OrganisationID          *string                `json:"organisation_id,omitempty"`
	SocieteID               string                 `json:"societe_id"`
	ClientID                string                 `json:"client_id"`
	ContratID               *string                `json:"contrat_id,omitempty"`
	FactureID               *string                `json:"facture_id,omitempty"`
	Provider                Provider               `json:"provider"`
	ProviderAccountRef      *string                `json:"provider_account_ref,omitempty"`
	ProviderSubscriptionRef *string                `json:"provider_subscription_ref,omitempty"`
	ProviderCustomerRef     *string                `json:"provider_customer_ref,omitempty"`
	Amount                  int64                  `json:"amount"`
	Currency                string                 `json:"currency"`
	Frequency               Frequency              `json:"frequency"`
	Status                  ScheduleStatus         `json:"status"`
	Due                     DueDate                `json:"planned_debit_date"`
	LastPaymentDate         *time.Time             `json:"last_payment_date,omitempty"`
	StartDate               time.Time              `json:"start_date"`
	EndDate                 *time.Time             `json:"end_date,omitempty"`
	RetryCount              int                    `json:"retry_count"`
	MaxRetries              int                    `json:"max_retries"`
	Metadata                map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt               time.Time              `json:"created_at"`
	UpdatedAt               time.Time              `json:"updated_at"`
}

// OrganisationRef resolves the owning organisation, falling back to metadata.
func (s *Schedule) OrganisationRef() string {
	if s.OrganisationID != nil && strings.TrimSpace(*s.OrganisationID) != "" {
		return strings.TrimSpace(*s.OrganisationID)
	}
	if s.Metadata == nil {
		return ""
	}
	if v, ok := s.Metadata["organisationId"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Validate checks the fields a provisioning flow must supply.
func (s *Schedule) Validate() error {
	switch {
	case strings.TrimSpace(s.SocieteID) == "":
		return Validationf("societe_id is required")
	case strings.TrimSpace(s.ClientID) == "":
		return Validationf("client_id is required")
	case s.Amount <= 0:
		return Validationf("amount must be positive")
	case s.Provider == "":
		return Validationf("provider is required")
	case s.StartDate.IsZero():
		return Validationf("start_date is required")
	case s.MaxRetries < 0:
		return Validationf("max_retries cannot be negative")
	}
	if _, err := ParseFrequency(string(s.Frequency)); err != nil {
		return err
	}
	if len(s.Currency) != 3 {
		return Validationf("currency must be an ISO 4217 code")
	}
	if s.EndDate != nil && s.EndDate.Before(s.StartDate) {
		return Validationf("end_date is before start_date")
	}
	return nil
}

func (s *Schedule) Pause() error {
	if s.Status != ScheduleActive {
		return TransitionError("schedule", string(s.Status), string(SchedulePaused))
	}
	s.Status = SchedulePaused
	return nil
}

func (s *Schedule) Resume() error {
	if s.Status != SchedulePaused {
		return TransitionError("schedule", string(s.Status), string(ScheduleActive))
	}
	s.Status = ScheduleActive
	return nil
}

// Cancel moves a live schedule to CANCELLED. It returns false without error when
// the schedule was already cancelled.
func (s *Schedule) Cancel() (bool, error) {
	if s.Status == ScheduleCancelled {
		return false, nil
	}
	if s.Status.IsTerminal() {
		return false, TransitionError("schedule", string(s.Status), string(ScheduleCancelled))
	}
	s.Status = ScheduleCancelled
	s.Due = NotScheduled()
	return true, nil
}

// Advance closes the current cycle. When next falls after EndDate the schedule
// completes and its due date is cleared; it returns true in that case.
func (s *Schedule) Advance(next time.Time) (bool, error) {
	if s.Status != ScheduleActive {
		return false, TransitionError("schedule", string(s.Status), "advanced")
	}
	prior, ok := s.Due.Get()
	if !ok {
		return false, TransitionError("schedule", "not_scheduled", "advanced")
	}
	next = DateOnly(next)
	if !next.After(prior) {
		return false, Validationf("next due date %s is not after %s", next.Format(DateLayout), prior.Format(DateLayout))
	}

	s.LastPaymentDate = &prior
	s.RetryCount = 0
	if s.EndDate != nil && next.After(DateOnly(*s.EndDate)) {
		s.Status = ScheduleCompleted
		s.Due = NotScheduled()
		return true, nil
	}
	s.Due = Scheduled(next)
	return false, nil
}

// RecordFailure counts a failed emission for the current cycle. Once the count
// exceeds MaxRetries the schedule fails terminally and true is returned.
func (s *Schedule) RecordFailure() bool {
	s.RetryCount++
	if s.RetryCount > s.MaxRetries {
		s.Status = ScheduleFailed
		s.Due = NotScheduled()
		return true
	}
	return false
}

// NextDueDate applies the schedule cadence to from. Month based cadences keep the
// anchor day of month when the target month has it and clamp to its last day otherwise.
func NextDueDate(from time.Time, freq Frequency, anchorDay int) (time.Time, error) {
	from = DateOnly(from)
	switch freq {
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7), nil
	case FrequencyMonthly:
		return addMonths(from, 1, anchorDay), nil
	case FrequencyQuarterly:
		return addMonths(from, 3, anchorDay), nil
	case FrequencyYearly:
		return addMonths(from, 12, anchorDay), nil
	}
	return time.Time{}, Validationf("unknown frequency %q", freq)
}

func addMonths(from time.Time, months, anchorDay int) time.Time {
	if anchorDay < 1 || anchorDay > 31 {
		anchorDay = from.Day()
	}
	first := time.Date(from.Year(), from.Month()+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	day := anchorDay
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

const DateLayout = "2006-01-02"

// DateOnly drops the clock part of t, keeping its calendar date.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CalendarDay returns the calendar date of instant t in loc.
func CalendarDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return DateOnly(t.In(loc))
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, Validationf("invalid date %q", raw)
	}
	return t, nil
}
