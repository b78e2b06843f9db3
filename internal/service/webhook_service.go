package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/models"
	"marketplace-payments/internal/store"
	"marketplace-payments/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// WebhookService ingests gateway notifications
type WebhookService struct {
	repo      Repository
	gateway   PaymentGateway
	ledger    *PaymentLedger
	publisher EventPublisher
	logger    *zap.Logger
}

// NewWebhookService creates a new webhook service
func NewWebhookService(repo Repository, gw PaymentGateway, ledger *PaymentLedger, publisher EventPublisher) *WebhookService {
	return &WebhookService{
		repo:      repo,
		gateway:   gw,
		ledger:    ledger,
		publisher: publisher,
		logger:    util.ComponentLogger("webhook"),
	}
}

// WebhookResult is returned once the event is durably stored
type WebhookResult struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"-"`
	EventID   string `json:"-"`
}

// Handle verifies, stores and applies one notification.
// Errors are returned only before the event is stored; processing failures are recorded on the stored row.
func (s *WebhookService) Handle(ctx context.Context, body []byte) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookService.Handle")
	defer span.End()

	payload, event, err := ParseWebhook(body)
	if err != nil {
		util.WebhooksRejectedTotal.WithLabelValues("invalid_payload").Inc()
		return nil, err
	}

	span.SetAttributes(
		attribute.String("webhook.event_id", payload.EventID),
		attribute.String("webhook.event_type", payload.EventType),
		attribute.String("payment.key", payload.Data.PaymentKey))
	util.WebhooksReceivedTotal.WithLabelValues(payload.EventType).Inc()
	logger := util.WithTrace(ctx, s.logger).With(
		zap.String("event_id", payload.EventID),
		zap.String("event_type", payload.EventType),
		zap.String("payment_key", payload.Data.PaymentKey))

	if err := s.verify(ctx, payload); err != nil {
		logger.Warn("Webhook rejected", zap.Error(err))
		util.RecordError(span, err)
		return nil, err
	}

	record := &models.WebhookEvent{
		EventID:    payload.EventID,
		EventType:  payload.EventType,
		PaymentKey: payload.Data.PaymentKey,
		Payload:    body,
	}
	inserted, err := s.repo.InsertWebhookEvent(ctx, record)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if !inserted {
		util.WebhooksDuplicateTotal.Inc()
		logger.Info("Duplicate webhook ignored")
		s.redelivered(ctx, payload.EventID)
		return &WebhookResult{Success: true, Duplicate: true, EventID: payload.EventID}, nil
	}

	res, err := applyInTx(ctx, s.repo, s.ledger, event)
	if err != nil {
		util.WebhookProcessingFailedTotal.WithLabelValues(payload.EventType).Inc()
		util.RecordError(span, err)
		logger.Error("Webhook processing failed", zap.Error(err))

		if markErr := s.repo.MarkWebhookFailed(ctx, payload.EventID, err.Error()); markErr != nil {
			logger.Error("Failed to mark webhook failed", zap.Error(markErr))
		}
		s.requestReconcile(ctx, payload.EventID, payload.Data.PaymentKey, err.Error())
		return &WebhookResult{Success: false, EventID: payload.EventID}, nil
	}

	if err := s.repo.MarkWebhookProcessed(ctx, payload.EventID); err != nil {
		// the row stays pending; the reconciliation sweep re-derives it later
		logger.Error("Failed to mark webhook processed", zap.Error(err))
	}
	s.ledger.Committed(ctx, res)

	logger.Info("Webhook processed")
	return &WebhookResult{Success: true, EventID: payload.EventID}, nil
}

// verify asks the gateway for the live status of the payment and compares it to the claim
func (s *WebhookService) verify(ctx context.Context, payload *WebhookPayload) error {
	live, err := s.gateway.GetPayment(ctx, payload.Data.PaymentKey)
	if err != nil {
		var apiErr *gateway.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			util.WebhooksRejectedTotal.WithLabelValues("unknown_payment").Inc()
			return ErrUnauthenticated
		}
		util.WebhooksRejectedTotal.WithLabelValues("gateway_unavailable").Inc()
		return fromGateway(err)
	}

	if live.Status != payload.Data.Status {
		util.WebhooksRejectedTotal.WithLabelValues("status_mismatch").Inc()
		return ErrUnauthenticated
	}
	return nil
}

// applyInTx runs one ledger Apply in its own transaction
func applyInTx(ctx context.Context, repo Repository, ledger *PaymentLedger, event GatewayEvent) (*ApplyResult, error) {
	var res *ApplyResult
	err := repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = ledger.Apply(ctx, tx, event)
		return err
	})
	return res, err
}

// redelivered nudges reconciliation when the gateway resends an event whose processing failed
func (s *WebhookService) redelivered(ctx context.Context, eventID string) {
	stored, err := s.repo.GetWebhookEvent(ctx, eventID)
	if err != nil || stored.Status != models.WebhookEventFailed {
		return
	}

	message := ""
	if stored.ErrorMessage != nil {
		message = *stored.ErrorMessage
	}
	s.requestReconcile(ctx, eventID, stored.PaymentKey, message)
}

func (s *WebhookService) requestReconcile(ctx context.Context, eventID, paymentKey, message string) {
	if s.publisher == nil {
		return
	}

	event := &models.WebhookFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeWebhookFailed,
			Timestamp: time.Now(),
		},
		WebhookEventID: eventID,
		PaymentKey:     paymentKey,
		Error:          message,
	}
	if err := s.publisher.PublishWebhookFailed(ctx, event); err != nil {
		s.logger.Error("Failed to publish WebhookFailed event",
			zap.String("event_id", eventID),
			zap.Error(err))
	}
}
