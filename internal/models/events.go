package models

import "time"

// Event types
const (
	EventTypePaymentStatusChanged  = "PAYMENT_STATUS_CHANGED"
	EventTypeCancellationRequested = "CANCELLATION_REQUESTED"
	EventTypeCancellationApproved  = "CANCELLATION_APPROVED"
	EventTypeCancellationRejected  = "CANCELLATION_REJECTED"
	EventTypeWebhookFailed         = "WEBHOOK_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentStatusChangedEvent published after a ledger transition commits
type PaymentStatusChangedEvent struct {
	BaseEvent
	PaymentID    int64         `json:"payment_id"`
	PaymentKey   string        `json:"payment_key"`
	From         PaymentStatus `json:"from"`
	To           PaymentStatus `json:"to"`
	Amount       int64         `json:"amount"`
	RefundAmount int64         `json:"refund_amount"`
}

// CancellationEvent is the conversation-side record of a cancellation request.
// The chat service renders it into the booking conversation.
type CancellationEvent struct {
	BaseEvent
	RequestID     int64  `json:"request_id"`
	PaymentID     int64  `json:"payment_id"`
	RequesterID   int64  `json:"requester_id"`
	RequesterType string `json:"requester_type"`
	ReasonType    string `json:"reason_type"`
	RefundAmount  int64  `json:"refund_amount"`
	PolicyLabel   string `json:"policy_label,omitempty"`
	AdminNotes    string `json:"admin_notes,omitempty"`
}

// WebhookFailedEvent asks the reconciliation worker to re-derive a payment from the gateway
type WebhookFailedEvent struct {
	BaseEvent
	WebhookEventID string `json:"webhook_event_id"`
	PaymentKey     string `json:"payment_key"`
	Error          string `json:"error"`
}
