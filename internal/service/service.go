package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/models"
	"marketplace-payments/internal/store"
)

// Error taxonomy surfaced to callers. Handlers map these to HTTP statuses.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrConflict           = errors.New("conflict")
	ErrUnauthenticated    = errors.New("webhook authenticity check failed")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrPolicyViolation    = errors.New("refund policy violation")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// Repository is the persistence the services need. *store.Store implements it.
type Repository interface {
	WithTx(ctx context.Context, fn func(tx store.Tx) error) error

	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentByKey(ctx context.Context, paymentKey string) (*models.Payment, error)
	ListRefunds(ctx context.Context, paymentID int64) ([]models.PaymentRefund, error)
	GetSettlementByPaymentID(ctx context.Context, paymentID int64) (*models.Settlement, error)
	GetCancellationRequest(ctx context.Context, id int64) (*models.CancellationRequest, error)

	InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, eventID string) error
	MarkWebhookFailed(ctx context.Context, eventID, message string) error
	ListReconcilableWebhookEvents(ctx context.Context, maxRetries int, stuckBefore time.Time, limit int) ([]models.WebhookEvent, error)
	MarkPaymentWebhooksProcessed(ctx context.Context, paymentKey string) (int64, error)
}

// PaymentGateway is the outbound side of the payment processor. *gateway.Client implements it.
type PaymentGateway interface {
	GetPayment(ctx context.Context, paymentKey string) (*gateway.Payment, error)
	CancelPayment(ctx context.Context, paymentKey string, req gateway.CancelRequest) (*gateway.Payment, error)
}

// Locker hands out short-lived exclusive leases. *redisclient.Client implements it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// EventPublisher emits domain events. *broker.EventPublisher implements it.
type EventPublisher interface {
	PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusChangedEvent) error
	PublishCancellation(ctx context.Context, event *models.CancellationEvent) error
	PublishWebhookFailed(ctx context.Context, event *models.WebhookFailedEvent) error
}

// fromStore lifts persistence errors into the service taxonomy
func fromStore(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %s", ErrConflict, err)
	case errors.Is(err, store.ErrStaleState):
		return fmt.Errorf("%w: %s", ErrConflict, err)
	default:
		return err
	}
}

// fromGateway lifts any failed outbound call into ErrGatewayUnavailable, keeping the cause
func fromGateway(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
}
