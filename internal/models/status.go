package models

// PaymentStatus is the ledger state of a payment
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusCancelled         PaymentStatus = "cancelled"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusExpired           PaymentStatus = "expired"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {
		PaymentStatusCompleted,
		PaymentStatusFailed,
		PaymentStatusExpired,
	},
	PaymentStatusCompleted: {
		PaymentStatusCancelled,
		PaymentStatusPartiallyRefunded,
		PaymentStatusRefunded,
	},
	PaymentStatusPartiallyRefunded: {
		PaymentStatusPartiallyRefunded,
		PaymentStatusRefunded,
	},
}

// CanTransitionTo reports whether the ledger allows moving from s to next
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// HasRefund reports whether money has already gone back to the payer
func (s PaymentStatus) HasRefund() bool {
	switch s {
	case PaymentStatusCancelled, PaymentStatusPartiallyRefunded, PaymentStatusRefunded:
		return true
	}
	return false
}

// WebhookEventStatus tracks processing of a stored webhook
type WebhookEventStatus string

const (
	WebhookEventPending   WebhookEventStatus = "pending"
	WebhookEventProcessed WebhookEventStatus = "processed"
	WebhookEventFailed    WebhookEventStatus = "failed"
)

// CancellationRequestStatus is the decision on a cancellation request
type CancellationRequestStatus string

const (
	CancellationStatusPending  CancellationRequestStatus = "pending"
	CancellationStatusApproved CancellationRequestStatus = "approved"
	CancellationStatusRejected CancellationRequestStatus = "rejected"
)

// SettlementStatus tracks the guide payout
type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "pending"
	SettlementStatusCompleted SettlementStatus = "completed"
)
