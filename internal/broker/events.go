package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"marketplace-payments/internal/models"
	"marketplace-payments/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer       *Producer
	paymentTopic   string
	reconcileTopic string
}

// NewEventPublisher creates a new event publisher.
// Payment and cancellation events go to paymentTopic, reconciliation requests to reconcileTopic.
func NewEventPublisher(producer *Producer, paymentTopic, reconcileTopic string) *EventPublisher {
	return &EventPublisher{
		producer:       producer,
		paymentTopic:   paymentTopic,
		reconcileTopic: reconcileTopic,
	}
}

// PublishPaymentStatusChanged publishes a committed ledger transition
func (ep *EventPublisher) PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, ep.paymentTopic, paymentKey(event.PaymentID), event.EventType, event)
}

// PublishCancellation publishes a cancellation request lifecycle event
func (ep *EventPublisher) PublishCancellation(ctx context.Context, event *models.CancellationEvent) error {
	return ep.producer.PublishEvent(ctx, ep.paymentTopic, paymentKey(event.PaymentID), event.EventType, event)
}

// PublishWebhookFailed asks the reconciliation worker to look at a payment
func (ep *EventPublisher) PublishWebhookFailed(ctx context.Context, event *models.WebhookFailedEvent) error {
	return ep.producer.PublishEvent(ctx, ep.reconcileTopic, event.PaymentKey, event.EventType, event)
}

func paymentKey(paymentID int64) string {
	return fmt.Sprintf("payment-%d", paymentID)
}

// EventHandler routes incoming events to registered handlers
type EventHandler struct {
	onWebhookFailed func(context.Context, *models.WebhookFailedEvent) error
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnWebhookFailed registers a handler for WebhookFailed events
func (eh *EventHandler) OnWebhookFailed(handler func(context.Context, *models.WebhookFailedEvent) error) {
	eh.onWebhookFailed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	eventType := EventType(msg)
	if eventType == "" {
		var base models.BaseEvent
		if err := json.Unmarshal(msg.Value, &base); err != nil {
			return fmt.Errorf("failed to unmarshal base event: %w", err)
		}
		eventType = base.EventType
	}

	switch eventType {
	case models.EventTypeWebhookFailed:
		if eh.onWebhookFailed == nil {
			return nil
		}
		var event models.WebhookFailedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal WebhookFailed event: %w", err)
		}
		return eh.onWebhookFailed(ctx, &event)

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", eventType))
	}

	return nil
}
