package store

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
)

const maxOutboxErrorBytes = 2000

const (
	DestinationRetryScheduler = "retry-scheduler"
	DestinationEventBus       = "event-bus"
)

// OutboxMessage is a durable delivery request written alongside a state change.
type OutboxMessage struct {
	ID          int64
	Destination string
	Exchange    string
	RoutingKey  string
	DedupeKey   string
	Payload     []byte
	Attempts    int
}

func enqueueOutboxTx(ctx context.Context, tx pgx.Tx, msg OutboxMessage) error {
	payload := strings.TrimSpace(string(msg.Payload))
	if payload == "" {
		payload = "{}"
	}
	var dedupe *string
	if key := strings.TrimSpace(msg.DedupeKey); key != "" {
		dedupe = &key
	}

	// A second message with the same dedupe key is dropped silently.
	_, err := tx.Exec(ctx, `
		INSERT INTO payment_outbox (destination, exchange, routing_key, dedupe_key, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, strings.TrimSpace(msg.Destination), strings.TrimSpace(msg.Exchange), strings.TrimSpace(msg.RoutingKey), dedupe, payload)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox message: %w", err)
	}
	return nil
}

// ClaimOutboxMessages locks up to limit deliverable messages, including ones whose
// previous claim went stale, and bumps their attempt counter.
func (r *Repository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM payment_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE payment_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.destination, o.exchange, o.routing_key, COALESCE(o.dedupe_key, ''), o.payload::text, o.attempts
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Destination, &msg.Exchange, &msg.RoutingKey, &msg.DedupeKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetOutboxMessageByDedupeKey returns the message already queued under key,
// whatever its delivery status.
func (r *Repository) GetOutboxMessageByDedupeKey(ctx context.Context, key string) (*OutboxMessage, error) {
	var (
		msg         OutboxMessage
		payloadText string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, destination, exchange, routing_key, dedupe_key, payload::text, attempts
		FROM payment_outbox
		WHERE dedupe_key = $1
	`, strings.TrimSpace(key)).Scan(&msg.ID, &msg.Destination, &msg.Exchange, &msg.RoutingKey, &msg.DedupeKey, &payloadText, &msg.Attempts)
	if err != nil {
		return nil, notFound(err, "outbox message "+key)
	}
	msg.Payload = []byte(payloadText)
	return &msg, nil
}

func (r *Repository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payment_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *Repository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	reason = truncateUTF8(reason, maxOutboxErrorBytes)
	_, err := r.db.Exec(ctx, `
		UPDATE payment_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
