package models

import (
	"errors"
	"time"
)

// Payment is one purchase attempt, mirrored from the payment gateway
type Payment struct {
	ID             int64         `db:"id" json:"id"`
	Amount         int64         `db:"amount" json:"amount"`
	Currency       string        `db:"currency" json:"currency"`
	Status         PaymentStatus `db:"status" json:"status"`
	PaymentKey     string        `db:"payment_key" json:"payment_key"`
	OrderID        string        `db:"order_id" json:"order_id"`
	TripID         *int64        `db:"trip_id" json:"trip_id,omitempty"`
	OfferID        *int64        `db:"offer_id" json:"offer_id,omitempty"`
	ProductID      *int64        `db:"product_id" json:"product_id,omitempty"`
	ProductOfferID *int64        `db:"product_offer_id" json:"product_offer_id,omitempty"`
	PaidAt         *time.Time    `db:"paid_at" json:"paid_at,omitempty"`
	CancelledAt    *time.Time    `db:"cancelled_at" json:"cancelled_at,omitempty"`
	RefundedAt     *time.Time    `db:"refunded_at" json:"refunded_at,omitempty"`
	RefundAmount   int64         `db:"refund_amount" json:"refund_amount"`
	FailureReason  *string       `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// RefundableAmount is what is left to refund on the payment
func (p *Payment) RefundableAmount() int64 {
	return p.Amount - p.RefundAmount
}

// ErrInvalidBooking is returned when a payment is attached to both or neither booking kind
var ErrInvalidBooking = errors.New("payment must reference exactly one of trip/offer or product/product offer")

// BookingRef is what a payment pays for. It is either a TripBooking or a ProductBooking.
type BookingRef interface {
	isBookingRef()
}

// TripBooking is a guide offer accepted on a traveler's trip
type TripBooking struct {
	TripID  int64
	OfferID int64
}

// ProductBooking is a seat on a guide's product offer
type ProductBooking struct {
	ProductID      int64
	ProductOfferID int64
}

func (TripBooking) isBookingRef()    {}
func (ProductBooking) isBookingRef() {}

// Booking resolves which side of the trip/product pairing the payment belongs to
func (p *Payment) Booking() (BookingRef, error) {
	hasTrip := p.TripID != nil && p.OfferID != nil
	hasProduct := p.ProductID != nil && p.ProductOfferID != nil

	switch {
	case hasTrip && !hasProduct:
		return TripBooking{TripID: *p.TripID, OfferID: *p.OfferID}, nil
	case hasProduct && !hasTrip:
		return ProductBooking{ProductID: *p.ProductID, ProductOfferID: *p.ProductOfferID}, nil
	default:
		return nil, ErrInvalidBooking
	}
}

// PaymentRefund is one cancel transaction executed by the gateway
type PaymentRefund struct {
	ID             int64     `db:"id" json:"id"`
	PaymentID      int64     `db:"payment_id" json:"payment_id"`
	TransactionKey string    `db:"transaction_key" json:"transaction_key"`
	CancelAmount   int64     `db:"cancel_amount" json:"cancel_amount"`
	CancelReason   string    `db:"cancel_reason" json:"cancel_reason"`
	CanceledAt     time.Time `db:"canceled_at" json:"canceled_at"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// WebhookEvent is one inbound gateway notification, stored before it is processed
type WebhookEvent struct {
	ID           int64              `db:"id" json:"id"`
	EventID      string             `db:"event_id" json:"event_id"`
	EventType    string             `db:"event_type" json:"event_type"`
	PaymentKey   string             `db:"payment_key" json:"payment_key"`
	Payload      []byte             `db:"payload" json:"-"`
	Status       WebhookEventStatus `db:"status" json:"status"`
	RetryCount   int                `db:"retry_count" json:"retry_count"`
	ProcessedAt  *time.Time         `db:"processed_at" json:"processed_at,omitempty"`
	ErrorMessage *string            `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time          `db:"created_at" json:"created_at"`
}

// CancellationRequest is one attempt to cancel a paid booking
type CancellationRequest struct {
	ID                     int64                     `db:"id" json:"id"`
	PaymentID              int64                     `db:"payment_id" json:"payment_id"`
	RequesterID            int64                     `db:"requester_id" json:"requester_id"`
	RequesterType          string                    `db:"requester_type" json:"requester_type"`
	ReasonType             string                    `db:"reason_type" json:"reason_type"`
	ReasonDetail           *string                   `db:"reason_detail" json:"reason_detail,omitempty"`
	CalculatedRefundAmount int64                     `db:"calculated_refund_amount" json:"calculated_refund_amount"`
	ActualRefundAmount     *int64                    `db:"actual_refund_amount" json:"actual_refund_amount,omitempty"`
	RefundPercentage       int                       `db:"refund_percentage" json:"refund_percentage"`
	DaysBeforeTrip         int                       `db:"days_before_trip" json:"days_before_trip"`
	PolicyLabel            string                    `db:"policy_label" json:"policy_label"`
	Status                 CancellationRequestStatus `db:"status" json:"status"`
	ProcessedBy            *int64                    `db:"processed_by" json:"processed_by,omitempty"`
	ProcessedAt            *time.Time                `db:"processed_at" json:"processed_at,omitempty"`
	AdminNotes             *string                   `db:"admin_notes" json:"admin_notes,omitempty"`
	CreatedAt              time.Time                 `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time                 `db:"updated_at" json:"updated_at"`
}

// IsOpen reports whether the request still waits for a refund decision or for its refund to run.
// Auto-approved requests are stored approved but stay open until the refund is executed.
func (r CancellationRequest) IsOpen() bool {
	if r.ProcessedAt != nil {
		return false
	}
	return r.Status == CancellationStatusPending || r.Status == CancellationStatusApproved
}

// Settlement is the guide payout derived from a completed payment
type Settlement struct {
	ID               int64            `db:"id" json:"id"`
	PaymentID        int64            `db:"payment_id" json:"payment_id"`
	CommissionRate   string           `db:"commission_rate" json:"commission_rate"`
	CommissionAmount int64            `db:"commission_amount" json:"commission_amount"`
	TaxRate          string           `db:"tax_rate" json:"tax_rate"`
	TaxAmount        int64            `db:"tax_amount" json:"tax_amount"`
	SettlementAmount int64            `db:"settlement_amount" json:"settlement_amount"`
	Status           SettlementStatus `db:"status" json:"status"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
}

// Trip is a traveler's trip request; guides answer it with offers
type Trip struct {
	ID        int64     `db:"id" json:"id"`
	StartDate time.Time `db:"start_date" json:"start_date"`
	Status    string    `db:"status" json:"status"`
}

// ProductOffer is a scheduled departure of a guide's product
type ProductOffer struct {
	ID        int64     `db:"id" json:"id"`
	ProductID int64     `db:"product_id" json:"product_id"`
	StartDate time.Time `db:"start_date" json:"start_date"`
	Status    string    `db:"status" json:"status"`
}

// Booking statuses
const (
	TripStatusRecruiting = "recruiting"
	TripStatusConfirmed  = "confirmed"

	OfferStatusPending  = "pending"
	OfferStatusAccepted = "accepted"

	ProductOfferStatusOpen      = "open"
	ProductOfferStatusConfirmed = "confirmed"
)
