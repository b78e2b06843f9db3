package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketplace-payments/internal/models"
)

// InsertWebhookEvent stores a webhook before it is processed.
// It returns false when the event id was already stored.
func (s *Store) InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	query := `
		INSERT INTO webhook_events (event_id, event_type, payment_key, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id, created_at`

	err := s.db.QueryRowxContext(ctx, query,
		event.EventID, event.EventType, event.PaymentKey, event.Payload, models.WebhookEventPending).
		Scan(&event.ID, &event.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}

	event.Status = models.WebhookEventPending
	return true, nil
}

// GetWebhookEvent retrieves a stored webhook by gateway event id
func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := s.db.GetContext(ctx, &event, "SELECT * FROM webhook_events WHERE event_id = $1", eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: webhook event %s", ErrNotFound, eventID)
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// MarkWebhookProcessed records a successful processing
func (s *Store) MarkWebhookProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $1, processed_at = NOW(), error_message = NULL
		WHERE event_id = $2`,
		models.WebhookEventProcessed, eventID)
	return err
}

// MarkWebhookFailed records a failed processing attempt
func (s *Store) MarkWebhookFailed(ctx context.Context, eventID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $1, retry_count = retry_count + 1, error_message = $2
		WHERE event_id = $3`,
		models.WebhookEventFailed, message, eventID)
	return err
}

// ListReconcilableWebhookEvents returns failed events still under the retry limit
// and pending events that were stored before stuckBefore but never finished.
func (s *Store) ListReconcilableWebhookEvents(ctx context.Context, maxRetries int, stuckBefore time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM webhook_events
		WHERE (status = $1 AND retry_count < $2)
		   OR (status = $3 AND created_at < $4)
		ORDER BY created_at
		LIMIT $5`,
		models.WebhookEventFailed, maxRetries, models.WebhookEventPending, stuckBefore, limit)
	return events, err
}

// MarkPaymentWebhooksProcessed closes every unfinished webhook of a payment after reconciliation
func (s *Store) MarkPaymentWebhooksProcessed(ctx context.Context, paymentKey string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $1, processed_at = NOW(), error_message = NULL
		WHERE payment_key = $2 AND status <> $1`,
		models.WebhookEventProcessed, paymentKey)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
