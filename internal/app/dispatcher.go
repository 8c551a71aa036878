package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/transfa/payment-emission-service/internal/domain"
)

// ProviderHandler submits one payment to a provider.
type ProviderHandler interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error)
}

// MandateResolver finds the active direct-debit mandate of a client.
type MandateResolver interface {
	ActiveMandate(ctx context.Context, societeID, clientID string) (string, error)
}

// Dispatcher routes a payment intent to the handler of its schedule's provider.
type Dispatcher struct {
	handlers map[domain.Provider]ProviderHandler
	mandates MandateResolver
	timeout  time.Duration
}

func NewDispatcher(handlers map[domain.Provider]ProviderHandler, mandates MandateResolver, timeout time.Duration) *Dispatcher {
	if handlers == nil {
		handlers = map[domain.Provider]ProviderHandler{}
	}
	return &Dispatcher{handlers: handlers, mandates: mandates, timeout: timeout}
}

// Submit collects pi through the provider of s. The whole exchange, mandate
// lookup included, is bounded by the dispatcher timeout.
func (d *Dispatcher) Submit(ctx context.Context, s domain.Schedule, pi domain.PaymentIntent) (domain.SubmitResult, error) {
	handler, ok := d.handlers[s.Provider]
	if !ok || handler == nil {
		return domain.SubmitResult{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedProvider, s.Provider)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	ref, err := d.customerReference(ctx, s)
	if err != nil {
		return domain.SubmitResult{}, d.wrapTimeout(ctx, s.Provider, err)
	}

	req := domain.SubmitRequest{
		AccountRef:           deref(s.ProviderAccountRef),
		Amount:               pi.Amount,
		Currency:             pi.Currency,
		CustomerOrMandateRef: ref,
		IdempotencyKey:       pi.IdempotencyKey,
		Metadata: map[string]string{
			"payment_intent_id": pi.ID,
			"schedule_id":       s.ID,
			"societe_id":        s.SocieteID,
			"client_id":         s.ClientID,
		},
	}
	if pi.CycleDate != nil {
		req.Metadata["cycle_date"] = pi.CycleDate.Format(domain.DateLayout)
	}

	result, err := handler.Submit(ctx, req)
	if err != nil {
		return domain.SubmitResult{}, d.wrapTimeout(ctx, s.Provider, err)
	}
	if strings.TrimSpace(result.ProviderPaymentID) == "" {
		return domain.SubmitResult{}, fmt.Errorf("provider %s returned no payment id", s.Provider)
	}
	return result, nil
}

func (d *Dispatcher) customerReference(ctx context.Context, s domain.Schedule) (string, error) {
	switch s.Provider {
	case domain.ProviderGoCardless:
		if d.mandates == nil {
			return "", domain.ErrProviderNotConfigured
		}
		mandateID, err := d.mandates.ActiveMandate(ctx, s.SocieteID, s.ClientID)
		if err != nil {
			return "", err
		}
		if mandateID == "" {
			return "", domain.ErrNoActiveMandate
		}
		return mandateID, nil
	case domain.ProviderStripe:
		ref := deref(s.ProviderCustomerRef)
		if ref == "" {
			return "", domain.ErrMissingCustomerReference
		}
		return ref, nil
	}
	return deref(s.ProviderCustomerRef), nil
}

func (d *Dispatcher) wrapTimeout(ctx context.Context, provider domain.Provider, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("provider %s timed out after %s: %w (%v)", provider, d.timeout, context.DeadlineExceeded, err)
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
