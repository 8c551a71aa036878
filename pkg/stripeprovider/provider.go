/**
 * @description
 * Card collection through Stripe PaymentIntents. Recurring debits are confirmed
 * off-session against the customer's saved payment method.
 */
package stripeprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/transfa/payment-emission-service/internal/domain"
)

// Provider submits payments with the Stripe API.
type Provider struct {
	api *client.API
}

// New builds a provider. An empty secret key yields an unconfigured provider.
// apiURL overrides the Stripe endpoint (stripe-mock, tests).
func New(secretKey, apiURL string) *Provider {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return &Provider{}
	}

	var backends *stripe.Backends
	if apiURL = strings.TrimSuffix(strings.TrimSpace(apiURL), "/"); apiURL != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(apiURL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		})
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}

	api := &client.API{}
	api.Init(secretKey, backends)
	return &Provider{api: api}
}

// Submit creates and confirms a PaymentIntent for the customer in req.
func (p *Provider) Submit(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
	if p == nil || p.api == nil {
		return domain.SubmitResult{}, domain.ErrProviderNotConfigured
	}

	params := &stripe.PaymentIntentParams{
		Amount:     stripe.Int64(req.Amount),
		Currency:   stripe.String(strings.ToLower(req.Currency)),
		Customer:   stripe.String(req.CustomerOrMandateRef),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	if req.AccountRef != "" {
		params.PaymentMethod = stripe.String(req.AccountRef)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return domain.SubmitResult{}, mapError(err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresPaymentMethod:
		return domain.SubmitResult{}, &domain.ProviderRejectedError{
			Code:    "authentication_required",
			Message: fmt.Sprintf("payment intent %s is %s", pi.ID, pi.Status),
		}
	case stripe.PaymentIntentStatusCanceled:
		return domain.SubmitResult{}, &domain.ProviderRejectedError{Code: "canceled", Message: fmt.Sprintf("payment intent %s was canceled", pi.ID)}
	}
	return domain.SubmitResult{ProviderPaymentID: pi.ID, ProviderStatus: string(pi.Status)}, nil
}

// mapError keeps API/5xx failures transient and turns card errors into rejections.
func mapError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("stripe request failed: %w", err)
	}
	if stripeErr.HTTPStatusCode >= 500 || stripeErr.Type == stripe.ErrorTypeAPI {
		return fmt.Errorf("stripe api error (status %d): %s", stripeErr.HTTPStatusCode, stripeErr.Msg)
	}

	code := string(stripeErr.DeclineCode)
	if code == "" {
		code = string(stripeErr.Code)
	}
	return &domain.ProviderRejectedError{Code: code, Message: stripeErr.Msg}
}
