package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Gateway payment statuses
const (
	StatusReady             = "READY"
	StatusInProgress        = "IN_PROGRESS"
	StatusWaitingForDeposit = "WAITING_FOR_DEPOSIT"
	StatusDone              = "DONE"
	StatusCanceled          = "CANCELED"
	StatusPartialCanceled   = "PARTIAL_CANCELED"
	StatusAborted           = "ABORTED"
	StatusExpired           = "EXPIRED"
)

// Payment is the gateway's view of a payment. Webhook notifications carry the same shape in `data`.
type Payment struct {
	PaymentKey    string     `json:"paymentKey"`
	OrderID       string     `json:"orderId"`
	Status        string     `json:"status"`
	TotalAmount   int64      `json:"totalAmount"`
	BalanceAmount int64      `json:"balanceAmount"`
	ApprovedAt    *time.Time `json:"approvedAt,omitempty"`
	Cancels       []Cancel   `json:"cancels,omitempty"`
	Failure       *Failure   `json:"failure,omitempty"`
}

// CanceledTotal sums every cancel transaction on the payment
func (p *Payment) CanceledTotal() int64 {
	return SumCancels(p.Cancels)
}

// SumCancels adds up the amounts of a cancel history
func SumCancels(cancels []Cancel) int64 {
	var total int64
	for _, c := range cancels {
		total += c.CancelAmount
	}
	return total
}

// Cancel is one refund transaction executed by the gateway
type Cancel struct {
	TransactionKey   string    `json:"transactionKey"`
	CancelReason     string    `json:"cancelReason"`
	CanceledAt       time.Time `json:"canceledAt"`
	CancelAmount     int64     `json:"cancelAmount"`
	RefundableAmount int64     `json:"refundableAmount"`
	CancelStatus     string    `json:"cancelStatus"`
}

// Failure describes why the gateway aborted a payment
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (f *Failure) String() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// CancelRequest asks the gateway to refund part or all of a payment
type CancelRequest struct {
	CancelReason string `json:"cancelReason"`
	CancelAmount int64  `json:"cancelAmount"`
	// IdempotencyKey is sent as a header; the gateway answers retries with the first result
	IdempotencyKey string `json:"-"`
}

var (
	// ErrUnavailable means the gateway could not be reached or failed on its side
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrOutcomeUnknown means a call timed out in flight; the gateway may or may not have acted
	ErrOutcomeUnknown = fmt.Errorf("%w: outcome unknown", ErrUnavailable)
)

// APIError is a 4xx answer from the gateway
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %d %s: %s", e.Status, e.Code, e.Message)
}
