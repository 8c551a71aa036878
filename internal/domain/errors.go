/**
 * @description
 * Sentinel errors shared by the payment emission service layers.
 */
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrValidation               = errors.New("validation failed")
	ErrInvalidStateTransition   = errors.New("invalid state transition")
	ErrStaleState               = errors.New("entity was modified concurrently")
	ErrRefundExceedsAmount      = errors.New("refund exceeds captured amount")
	ErrUnsupportedProvider      = errors.New("unsupported payment provider")
	ErrNoActiveMandate          = errors.New("no active mandate")
	ErrMissingCustomerReference = errors.New("missing provider customer reference")
	ErrProviderNotConfigured    = errors.New("payment provider not configured")
	ErrEmissionInProgress       = errors.New("emission run already in progress")
)

// ProviderRejectedError is returned when a provider accepted the request but refused the payment.
type ProviderRejectedError struct {
	Code    string
	Message string
}

func (e *ProviderRejectedError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("provider rejected payment: %s", e.Message)
	}
	return fmt.Sprintf("provider rejected payment (%s): %s", e.Code, e.Message)
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// TransitionError describes a refused status change.
func TransitionError(entity string, from, to string) error {
	return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidStateTransition, entity, from, to)
}
