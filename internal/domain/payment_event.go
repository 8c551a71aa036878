package domain

import "time"

type EventType string

const (
	EventScheduleCreated   EventType = "SCHEDULE_CREATED"
	EventSchedulePaused    EventType = "SCHEDULE_PAUSED"
	EventScheduleResumed   EventType = "SCHEDULE_RESUMED"
	EventScheduleCancelled EventType = "SCHEDULE_CANCELLED"
	EventScheduleAdvanced  EventType = "SCHEDULE_ADVANCED"
	EventScheduleCompleted EventType = "SCHEDULE_COMPLETED"
	EventScheduleFailed    EventType = "SCHEDULE_FAILED"
	EventPaymentCreated    EventType = "PAYMENT_CREATED"
	EventPaymentProcessing EventType = "PAYMENT_PROCESSING"
	EventPaymentSucceeded  EventType = "PAYMENT_SUCCEEDED"
	EventPaymentFailed     EventType = "PAYMENT_FAILED"
	EventPaymentCancelled  EventType = "PAYMENT_CANCELLED"
	EventRefundSucceeded   EventType = "REFUND_SUCCEEDED"
)

// PaymentEvent is an immutable ledger entry. It references an intent, a schedule or both.
type PaymentEvent struct {
	ID              string                 `json:"id"`
	Type            EventType              `json:"event_type"`
	PaymentIntentID *string                `json:"payment_intent_id,omitempty"`
	ScheduleID      *string                `json:"schedule_id,omitempty"`
	SocieteID       string                 `json:"societe_id"`
	Payload         map[string]interface{} `json:"payload"`
	OccurredAt      time.Time              `json:"occurred_at"`
}

// EventScope names the entities an event is attached to.
type EventScope struct {
	PaymentIntentID *string
	ScheduleID      *string
	SocieteID       string
}

// ScheduleScope scopes an event to a schedule.
func ScheduleScope(s *Schedule) EventScope {
	id := s.ID
	return EventScope{ScheduleID: &id, SocieteID: s.SocieteID}
}

// IntentScope scopes an event to an intent and, when present, its schedule.
func IntentScope(pi *PaymentIntent) EventScope {
	id := pi.ID
	scope := EventScope{PaymentIntentID: &id, SocieteID: pi.SocieteID}
	if pi.ScheduleID != nil {
		scheduleID := *pi.ScheduleID
		scope.ScheduleID = &scheduleID
	}
	return scope
}
