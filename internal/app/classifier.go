package app

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/transfa/payment-emission-service/internal/domain"
)

type rejectionRule struct {
	code      domain.RejectionCode
	label     string
	retryable bool
	markers   []string
}

// Rules are checked in order; the first marker found wins.
var rejectionRules = []rejectionRule{
	{code: domain.RejectionInsufficientFunds, label: "insufficient funds", retryable: true, markers: []string{"am04", "insufficient_funds", "insufficient funds", "provision"}},
	{code: domain.RejectionNoMandate, label: "no valid mandate", markers: []string{"md01", "mandate"}},
	{code: domain.RejectionAccountClosed, label: "account closed", markers: []string{"ac04", "account_closed", "closed"}},
	{code: domain.RejectionInvalidAccount, label: "invalid account", markers: []string{"ac01", "invalid_account", "iban"}},
	{code: domain.RejectionAccountBlocked, label: "account blocked", markers: []string{"ac06", "account_blocked", "blocked"}},
	{code: domain.RejectionRefusedByDebtor, label: "refused by debtor", markers: []string{"ms02", "refer_to_customer", "do_not_honor", "card_declined", "refused"}},
	{code: domain.RejectionTechnical, label: "technical failure", retryable: true, markers: []string{"tech", "timeout", "timed out"}},
}

// Classify maps a dispatch error to a normalized rejection.
func Classify(err error) domain.Rejection {
	if err == nil {
		return unspecified("")
	}

	switch {
	case errors.Is(err, domain.ErrNoActiveMandate):
		return domain.Rejection{Code: domain.RejectionNoMandate, Message: "no active mandate"}
	case errors.Is(err, domain.ErrProviderNotConfigured),
		errors.Is(err, domain.ErrMissingCustomerReference),
		errors.Is(err, domain.ErrUnsupportedProvider):
		return domain.Rejection{Code: domain.RejectionConfiguration, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return domain.Rejection{Code: domain.RejectionTechnical, Message: "provider timeout", Retryable: true}
	}

	var rejected *domain.ProviderRejectedError
	if errors.As(err, &rejected) {
		return ClassifyReason(rejected.Code, rejected.Message)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.Rejection{Code: domain.RejectionTechnical, Message: err.Error(), Retryable: true}
	}
	return ClassifyReason("", err.Error())
}

// ClassifyReason maps a provider code and message to a rejection. The code is
// matched before the message.
func ClassifyReason(code, message string) domain.Rejection {
	message = strings.TrimSpace(message)
	for _, candidate := range []string{code, message} {
		normalized := strings.ToLower(strings.TrimSpace(candidate))
		if normalized == "" {
			continue
		}
		for _, rule := range rejectionRules {
			for _, marker := range rule.markers {
				if strings.Contains(normalized, marker) {
					text := message
					if text == "" {
						text = rule.label
					}
					return domain.Rejection{Code: rule.code, Message: text, Retryable: rule.retryable}
				}
			}
		}
	}
	return unspecified(message)
}

func unspecified(message string) domain.Rejection {
	if message == "" {
		message = "unspecified rejection"
	}
	return domain.Rejection{Code: domain.RejectionUnspecified, Message: message, Retryable: true}
}

func retryableCode(code domain.RejectionCode) bool {
	switch code {
	case domain.RejectionInsufficientFunds, domain.RejectionTechnical, domain.RejectionUnspecified:
		return true
	}
	return false
}
