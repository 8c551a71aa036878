/**
 * @description
 * PaymentIntent is one concrete attempt to collect money for one billing cycle
 * of a schedule, or a standalone one-off charge.
 */
package domain

import "time"

type IntentStatus string

const (
	IntentPending           IntentStatus = "PENDING"
	IntentProcessing        IntentStatus = "PROCESSING"
	IntentSucceeded         IntentStatus = "SUCCEEDED"
	IntentFailed            IntentStatus = "FAILED"
	IntentCancelled         IntentStatus = "CANCELLED"
	IntentRefunded          IntentStatus = "REFUNDED"
	IntentPartiallyRefunded IntentStatus = "PARTIALLY_REFUNDED"
)

var intentTransitions = map[IntentStatus][]IntentStatus{
	IntentPending:           {IntentProcessing, IntentSucceeded, IntentFailed, IntentCancelled},
	IntentProcessing:        {IntentSucceeded, IntentFailed, IntentCancelled},
	IntentSucceeded:         {IntentPartiallyRefunded, IntentRefunded},
	IntentPartiallyRefunded: {IntentPartiallyRefunded, IntentRefunded},
}

// CanTransition reports whether from -> to is allowed by the intent state machine.
func (from IntentStatus) CanTransition(to IntentStatus) bool {
	for _, allowed := range intentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsInFlight reports whether the intent is still waiting for a provider outcome.
func (s IntentStatus) IsInFlight() bool {
	return s == IntentPending || s == IntentProcessing
}

// IsCollected reports whether money was captured for the intent.
func (s IntentStatus) IsCollected() bool {
	return s == IntentSucceeded || s == IntentPartiallyRefunded || s == IntentRefunded
}

type PaymentIntent struct {
	ID                string                 `json:"id"`
	ScheduleID        *string                `json:"schedule_id,omitempty"`
	ClientID          string                 `json:"client_id"`
	SocieteID         string                 `json:"societe_id"`
	FactureID         *string                `json:"facture_id,omitempty"`
	Provider          Provider               `json:"provider"`
	ProviderPaymentID *string                `json:"provider_payment_id,omitempty"`
	Amount            int64                  `json:"amount"`
	Currency          string                 `json:"currency"`
	Status            IntentStatus           `json:"status"`
	FailureReason     *string                `json:"failure_reason,omitempty"`
	RejectionCode     *string                `json:"rejection_code,omitempty"`
	RefundedAmount    int64                  `json:"refunded_amount"`
	IdempotencyKey    string                 `json:"idempotency_key"`
	CycleDate         *time.Time             `json:"cycle_date,omitempty"`
	PaidAt            *time.Time             `json:"paid_at,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// TransitionTo moves the intent to status, enforcing the monotonic state machine.
func (pi *PaymentIntent) TransitionTo(status IntentStatus) error {
	if !pi.Status.CanTransition(status) {
		return TransitionError("payment intent", string(pi.Status), string(status))
	}
	pi.Status = status
	return nil
}

// MarkProcessing records the provider acknowledgement of a submission.
func (pi *PaymentIntent) MarkProcessing(providerPaymentID string) error {
	if err := pi.TransitionTo(IntentProcessing); err != nil {
		return err
	}
	pi.ProviderPaymentID = &providerPaymentID
	return nil
}

// MarkSucceeded records a confirmed collection.
func (pi *PaymentIntent) MarkSucceeded(at time.Time) error {
	if err := pi.TransitionTo(IntentSucceeded); err != nil {
		return err
	}
	pi.PaidAt = &at
	return nil
}

// MarkFailed records a failed attempt together with its classified rejection.
func (pi *PaymentIntent) MarkFailed(rejection Rejection) error {
	if err := pi.TransitionTo(IntentFailed); err != nil {
		return err
	}
	reason := rejection.FailureReason()
	code := string(rejection.Code)
	pi.FailureReason = &reason
	pi.RejectionCode = &code
	return nil
}

// ApplyRefund adds amount to the refunded total. On error the intent is left unchanged.
func (pi *PaymentIntent) ApplyRefund(amount int64) error {
	if amount <= 0 {
		return Validationf("refund amount must be positive")
	}
	if pi.Status != IntentSucceeded && pi.Status != IntentPartiallyRefunded {
		return TransitionError("payment intent", string(pi.Status), "refunded")
	}
	if pi.RefundedAmount+amount > pi.Amount {
		return ErrRefundExceedsAmount
	}

	pi.RefundedAmount += amount
	if pi.RefundedAmount == pi.Amount {
		pi.Status = IntentRefunded
	} else {
		pi.Status = IntentPartiallyRefunded
	}
	return nil
}

// RemainingRefundable is the amount that can still be refunded.
func (pi *PaymentIntent) RemainingRefundable() int64 {
	if !pi.Status.IsCollected() {
		return 0
	}
	return pi.Amount - pi.RefundedAmount
}
