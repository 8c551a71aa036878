/**
 * @description
 * Scheduled job implementations for the payment emission service.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/payment-emission-service/internal/config"
	"github.com/transfa/payment-emission-service/internal/domain"
)

const staleIntentReportLimit = 200

// Emitter runs one emission pass.
type Emitter interface {
	Run(ctx context.Context, organisationID string) (Summary, error)
}

// StaleIntentLister finds intents stuck waiting for a provider outcome.
type StaleIntentLister interface {
	ListStaleInFlightIntents(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentIntent, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	emitter Emitter
	intents StaleIntentLister
	clock   Clock
	logger  *slog.Logger
	config  config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(emitter Emitter, intents StaleIntentLister, clock Clock, logger *slog.Logger, cfg config.Config) *Jobs {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Jobs{
		emitter: emitter,
		intents: intents,
		clock:   clock,
		logger:  logger,
		config:  cfg,
	}
}

// EmitDuePayments runs the daily emission across all organisations.
func (j *Jobs) EmitDuePayments() {
	j.logger.Info("starting payment emission job")
	ctx := context.Background()

	summary, err := j.emitter.Run(ctx, "")
	if err != nil {
		if errors.Is(err, domain.ErrEmissionInProgress) {
			j.logger.Warn("payment emission job skipped; another run holds the lock")
			return
		}
		j.logger.Error("payment emission job failed", "error", err)
		return
	}

	j.logger.Info("payment emission job finished",
		"run_id", summary.RunID,
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
}

// ReportStaleIntents logs intents that have waited too long for a provider
// outcome. They are left untouched for manual follow-up.
func (j *Jobs) ReportStaleIntents() {
	ctx := context.Background()
	olderThan := j.clock.Now().Add(-j.config.StaleIntentAfter())

	intents, err := j.intents.ListStaleInFlightIntents(ctx, olderThan, staleIntentReportLimit)
	if err != nil {
		j.logger.Error("failed to list stale payment intents", "error", err)
		return
	}
	if len(intents) == 0 {
		return
	}

	for _, pi := range intents {
		j.logger.Warn("payment intent stuck in flight",
			"payment_intent_id", pi.ID,
			"status", pi.Status,
			"provider", pi.Provider,
			"provider_payment_id", deref(pi.ProviderPaymentID),
			"updated_at", pi.UpdatedAt,
		)
	}
	j.logger.Warn("stale payment intents found", "count", len(intents), "older_than", olderThan)
}
