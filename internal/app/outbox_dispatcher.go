package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/transfa/payment-emission-service/internal/domain"
	"github.com/transfa/payment-emission-service/internal/store"
	"github.com/transfa/payment-emission-service/pkg/rabbitmq"
)

const (
	defaultOutboxBatchSize       = 50
	defaultOutboxPollInterval    = 1200 * time.Millisecond
	defaultOutboxStaleProcessing = 2 * time.Minute
)

// RetryNotifier delivers payment rejections to the retry-scheduling service.
type RetryNotifier interface {
	HandlePaymentRejected(ctx context.Context, rejection domain.PaymentRejection) error
}

// OutboxDispatcher drains payment_outbox: retry escalations go to the retry
// service, ledger events to the event bus.
type OutboxDispatcher struct {
	repo                OutboxRepository
	retry               RetryNotifier
	publisher           rabbitmq.Publisher
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	logger              *slog.Logger
}

func NewOutboxDispatcher(repo OutboxRepository, retry RetryNotifier, publisher rabbitmq.Publisher, batchSize int, pollInterval time.Duration, logger *slog.Logger) *OutboxDispatcher {
	if batchSize <= 0 {
		batchSize = defaultOutboxBatchSize
	}
	if pollInterval <= 0 {
		pollInterval = defaultOutboxPollInterval
	}
	return &OutboxDispatcher{
		repo:                repo,
		retry:               retry,
		publisher:           publisher,
		batchSize:           batchSize,
		pollInterval:        pollInterval,
		staleProcessingTime: defaultOutboxStaleProcessing,
		logger:              logger,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				d.logger.Error("outbox flush failed", "error", err)
			}
		}
	}
}

// FlushOnce delivers one batch and returns how many messages were published.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		if err := d.deliver(ctx, message); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			d.logger.Warn("outbox delivery failed",
				"outbox_id", message.ID,
				"destination", message.Destination,
				"attempts", message.Attempts,
				"retry_after_seconds", retryAfter,
				"error", err,
			)
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				d.logger.Error("failed to reschedule outbox message", "outbox_id", message.ID, "error", markErr)
			}
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			d.logger.Error("failed to mark outbox message as published", "outbox_id", message.ID, "error", err)
			continue
		}
		published++
	}
	return published, nil
}

func (d *OutboxDispatcher) deliver(ctx context.Context, message store.OutboxMessage) error {
	switch message.Destination {
	case store.DestinationRetryScheduler:
		if d.retry == nil {
			return fmt.Errorf("no retry service client configured")
		}
		var rejection domain.PaymentRejection
		if err := json.Unmarshal(message.Payload, &rejection); err != nil {
			return fmt.Errorf("invalid payment rejection payload: %w", err)
		}
		return d.retry.HandlePaymentRejected(ctx, rejection)
	case store.DestinationEventBus:
		if d.publisher == nil {
			return fmt.Errorf("no event publisher configured")
		}
		messageID := message.DedupeKey
		if messageID == "" {
			messageID = strconv.FormatInt(message.ID, 10)
		}
		return d.publisher.Publish(ctx, message.Exchange, message.RoutingKey, messageID, message.Payload)
	}
	return fmt.Errorf("unknown outbox destination %q", message.Destination)
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
