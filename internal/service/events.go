package service

import (
	"encoding/json"
	"fmt"

	"marketplace-payments/internal/gateway"
)

// Webhook event types sent by the gateway
const (
	EventPaymentDone            = "PAYMENT.DONE"
	EventPaymentCanceled        = "PAYMENT.CANCELED"
	EventPaymentPartialCanceled = "PAYMENT.PARTIAL_CANCELED"
	EventPaymentFailed          = "PAYMENT.FAILED"
	EventPaymentExpired         = "PAYMENT.EXPIRED"
)

// WebhookPayload is the body of an inbound gateway notification
type WebhookPayload struct {
	EventType string          `json:"eventType"`
	EventID   string          `json:"eventId"`
	Timestamp string          `json:"timestamp"`
	Data      gateway.Payment `json:"data"`
}

// GatewayEvent is a fact reported by the gateway about one payment.
// It is one of PaymentDone, PaymentCanceled, PaymentPartialCanceled, PaymentFailed or PaymentExpired.
type GatewayEvent interface {
	PaymentKey() string
	EventType() string
	isGatewayEvent()
}

// PaymentDone reports a captured payment
type PaymentDone struct{ Data gateway.Payment }

// PaymentCanceled reports a fully refunded payment
type PaymentCanceled struct{ Data gateway.Payment }

// PaymentPartialCanceled reports a partial refund. Data.Cancels holds the whole cancel history.
type PaymentPartialCanceled struct{ Data gateway.Payment }

// PaymentFailed reports an aborted payment
type PaymentFailed struct{ Data gateway.Payment }

// PaymentExpired reports a payment that was never completed in time
type PaymentExpired struct{ Data gateway.Payment }

func (e PaymentDone) PaymentKey() string            { return e.Data.PaymentKey }
func (e PaymentCanceled) PaymentKey() string        { return e.Data.PaymentKey }
func (e PaymentPartialCanceled) PaymentKey() string { return e.Data.PaymentKey }
func (e PaymentFailed) PaymentKey() string          { return e.Data.PaymentKey }
func (e PaymentExpired) PaymentKey() string         { return e.Data.PaymentKey }

func (PaymentDone) EventType() string            { return EventPaymentDone }
func (PaymentCanceled) EventType() string        { return EventPaymentCanceled }
func (PaymentPartialCanceled) EventType() string { return EventPaymentPartialCanceled }
func (PaymentFailed) EventType() string          { return EventPaymentFailed }
func (PaymentExpired) EventType() string         { return EventPaymentExpired }

func (PaymentDone) isGatewayEvent()            {}
func (PaymentCanceled) isGatewayEvent()        {}
func (PaymentPartialCanceled) isGatewayEvent() {}
func (PaymentFailed) isGatewayEvent()          {}
func (PaymentExpired) isGatewayEvent()         {}

// ParseWebhook decodes and validates a notification body
func ParseWebhook(body []byte) (*WebhookPayload, GatewayEvent, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}

	switch {
	case payload.EventID == "":
		return nil, nil, fmt.Errorf("%w: missing eventId", ErrInvalidPayload)
	case payload.Data.PaymentKey == "":
		return nil, nil, fmt.Errorf("%w: missing data.paymentKey", ErrInvalidPayload)
	case payload.Data.Status == "":
		return nil, nil, fmt.Errorf("%w: missing data.status", ErrInvalidPayload)
	}

	event, err := newGatewayEvent(payload.EventType, payload.Data)
	if err != nil {
		return nil, nil, err
	}
	return &payload, event, nil
}

func newGatewayEvent(eventType string, data gateway.Payment) (GatewayEvent, error) {
	switch eventType {
	case EventPaymentDone:
		return PaymentDone{Data: data}, nil
	case EventPaymentCanceled:
		return PaymentCanceled{Data: data}, nil
	case EventPaymentPartialCanceled:
		return PaymentPartialCanceled{Data: data}, nil
	case EventPaymentFailed:
		return PaymentFailed{Data: data}, nil
	case EventPaymentExpired:
		return PaymentExpired{Data: data}, nil
	default:
		return nil, fmt.Errorf("%w: unknown eventType %q", ErrInvalidPayload, eventType)
	}
}

// eventFromStatus derives the fact implied by a live gateway status.
// It returns false while the payment is still in flight on the gateway side.
func eventFromStatus(p gateway.Payment) (GatewayEvent, bool) {
	switch p.Status {
	case gateway.StatusDone:
		return PaymentDone{Data: p}, true
	case gateway.StatusCanceled:
		return PaymentCanceled{Data: p}, true
	case gateway.StatusPartialCanceled:
		return PaymentPartialCanceled{Data: p}, true
	case gateway.StatusAborted:
		return PaymentFailed{Data: p}, true
	case gateway.StatusExpired:
		return PaymentExpired{Data: p}, true
	default:
		return nil, false
	}
}
