package domain

import (
	"fmt"
	"time"
)

// RejectionCode is a normalized failure reason modeled on SEPA return codes.
type RejectionCode string

const (
	RejectionInsufficientFunds RejectionCode = "AM04"
	RejectionAccountClosed     RejectionCode = "AC04"
	RejectionNoMandate         RejectionCode = "MD01"
	RejectionInvalidAccount    RejectionCode = "AC01"
	RejectionAccountBlocked    RejectionCode = "AC06"
	RejectionRefusedByDebtor   RejectionCode = "MS02"
	RejectionConfiguration     RejectionCode = "CFG1"
	RejectionTechnical         RejectionCode = "TECH"
	RejectionUnspecified       RejectionCode = "MS03"
)

type Rejection struct {
	Code      RejectionCode `json:"code"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

// FailureReason is the text stored on a FAILED intent, e.g. "AM04: insufficient funds".
func (r Rejection) FailureReason() string {
	if r.Message == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// PaymentRejection is the payload handed to the retry-scheduling service.
type PaymentRejection struct {
	EventID           string    `json:"event_id"`
	OrganisationID    string    `json:"organisation_id"`
	SocieteID         string    `json:"societe_id"`
	PaymentID         string    `json:"payment_id"`
	ScheduleID        *string   `json:"schedule_id,omitempty"`
	ClientID          string    `json:"client_id"`
	ContratID         *string   `json:"contrat_id,omitempty"`
	FactureID         *string   `json:"facture_id,omitempty"`
	ReasonCode        string    `json:"reason_code"`
	ReasonMessage     string    `json:"reason_message"`
	Retryable         bool      `json:"retryable"`
	AmountMinorUnits  int64     `json:"amount_minor_units"`
	Currency          string    `json:"currency"`
	ProviderName      string    `json:"provider_name"`
	ProviderPaymentID *string   `json:"provider_payment_id,omitempty"`
	RejectedAt        time.Time `json:"rejected_at"`
	IdempotencyKey    string    `json:"idempotency_key"`
}
