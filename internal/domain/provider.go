package domain

import "strings"

// Provider identifies the payment service provider that collects a schedule.
type Provider string

const (
	ProviderGoCardless   Provider = "gocardless"
	ProviderStripe       Provider = "stripe"
	ProviderSlimpay      Provider = "slimpay"
	ProviderMultiSafepay Provider = "multisafepay"
	ProviderEmerchantpay Provider = "emerchantpay"
	ProviderPaypal       Provider = "paypal"
)

func NormalizeProvider(raw string) Provider {
	return Provider(strings.ToLower(strings.TrimSpace(raw)))
}

// DisplayName is the upper-case provider label expected by the retry service.
func (p Provider) DisplayName() string {
	return strings.ToUpper(string(p))
}

// SubmitRequest is what a provider collaborator needs to collect one payment.
type SubmitRequest struct {
	AccountRef           string
	Amount               int64
	Currency             string
	CustomerOrMandateRef string
	IdempotencyKey       string
	Metadata             map[string]string
}

// SubmitResult is the provider acknowledgement of a submission.
type SubmitResult struct {
	ProviderPaymentID string `json:"provider_payment_id"`
	ProviderStatus    string `json:"provider_status"`
}
