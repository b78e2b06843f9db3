package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/models"
	"marketplace-payments/internal/store"
	"marketplace-payments/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errAmountMismatch = errors.New("gateway amount does not match payment amount")

// Transition is a status change written by the ledger
type Transition struct {
	PaymentID    int64
	PaymentKey   string
	From         models.PaymentStatus
	To           models.PaymentStatus
	Amount       int64
	RefundAmount int64
}

// ApplyResult describes what one ledger operation changed inside its transaction
type ApplyResult struct {
	Payment           *models.Payment
	Transition        *Transition
	RefundsRecorded   int
	SettlementCreated bool
}

// PaymentLedger is the only writer of payment rows. Every method runs inside the caller's
// transaction and expects the payment row to be locked by a ForUpdate read.
type PaymentLedger struct {
	settlements *SettlementCalculator
	publisher   EventPublisher
	logger      *zap.Logger
	now         func() time.Time
}

// NewPaymentLedger creates a ledger that settles completed payments with calc
func NewPaymentLedger(calc *SettlementCalculator, publisher EventPublisher) *PaymentLedger {
	return &PaymentLedger{
		settlements: calc,
		publisher:   publisher,
		logger:      util.ComponentLogger("ledger"),
		now:         time.Now,
	}
}

// Apply records a gateway fact. Transitions the state machine does not allow are ignored.
func (l *PaymentLedger) Apply(ctx context.Context, tx store.Tx, event GatewayEvent) (*ApplyResult, error) {
	p, err := tx.GetPaymentByKeyForUpdate(ctx, event.PaymentKey())
	if err != nil {
		return nil, fromStore(err)
	}

	switch e := event.(type) {
	case PaymentDone:
		return l.applyDone(ctx, tx, p, e.Data)
	case PaymentCanceled:
		return l.applyCanceled(ctx, tx, p, e.Data)
	case PaymentPartialCanceled:
		return l.applyPartialCanceled(ctx, tx, p, e.Data)
	case PaymentFailed:
		reason := e.Data.Failure.String()
		if reason == "" {
			reason = e.Data.Status
		}
		return l.transition(ctx, tx, p, models.PaymentStatusFailed, func(next *models.Payment) {
			next.FailureReason = &reason
		})
	case PaymentExpired:
		return l.transition(ctx, tx, p, models.PaymentStatusExpired, nil)
	default:
		return nil, fmt.Errorf("unhandled gateway event %T", event)
	}
}

func (l *PaymentLedger) applyDone(ctx context.Context, tx store.Tx, p *models.Payment, data gateway.Payment) (*ApplyResult, error) {
	if !p.Status.CanTransitionTo(models.PaymentStatusCompleted) {
		return l.skip(p, models.PaymentStatusCompleted), nil
	}
	if data.TotalAmount != p.Amount {
		return nil, fmt.Errorf("%w: gateway %d, payment %d", errAmountMismatch, data.TotalAmount, p.Amount)
	}

	ref, err := p.Booking()
	if err != nil {
		return nil, err
	}

	paidAt := l.now()
	if data.ApprovedAt != nil {
		paidAt = *data.ApprovedAt
	}

	res, err := l.transition(ctx, tx, p, models.PaymentStatusCompleted, func(next *models.Payment) {
		next.PaidAt = &paidAt
	})
	if err != nil {
		return nil, err
	}

	if err := tx.MarkBooked(ctx, ref); err != nil {
		return nil, fmt.Errorf("failed to mark booking of payment %d: %w", p.ID, err)
	}

	created, err := l.settlements.EnsureSettlement(ctx, tx, p.ID, p.Amount)
	if err != nil {
		return nil, err
	}
	res.SettlementCreated = created
	return res, nil
}

// applyCanceled handles a full cancel; the booking goes back to its pre-acceptance state
func (l *PaymentLedger) applyCanceled(ctx context.Context, tx store.Tx, p *models.Payment, data gateway.Payment) (*ApplyResult, error) {
	var to models.PaymentStatus
	switch p.Status {
	case models.PaymentStatusCompleted:
		to = models.PaymentStatusCancelled
	case models.PaymentStatusPartiallyRefunded:
		to = models.PaymentStatusRefunded
	default:
		return l.skip(p, models.PaymentStatusCancelled), nil
	}

	res, err := l.recordRefunds(ctx, tx, p, data.Cancels, p.Amount-data.BalanceAmount, to)
	if err != nil {
		return nil, err
	}
	if err := l.revertBooking(ctx, tx, p); err != nil {
		return nil, err
	}
	return res, nil
}

// applyPartialCanceled recomputes the refund total from the full cancel history
func (l *PaymentLedger) applyPartialCanceled(ctx context.Context, tx store.Tx, p *models.Payment, data gateway.Payment) (*ApplyResult, error) {
	if p.Status != models.PaymentStatusCompleted && p.Status != models.PaymentStatusPartiallyRefunded {
		return l.skip(p, models.PaymentStatusPartiallyRefunded), nil
	}

	refund := refundTotal(p, data.Cancels, p.Amount-data.BalanceAmount)
	to := models.PaymentStatusPartiallyRefunded
	if data.BalanceAmount == 0 || refund == p.Amount {
		to = models.PaymentStatusRefunded
	}
	if to == p.Status && refund == p.RefundAmount {
		// redelivery: only unseen cancel entries are recorded
		n, err := l.insertRefunds(ctx, tx, p.ID, data.Cancels)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Payment: p, RefundsRecorded: n}, nil
	}

	return l.recordRefunds(ctx, tx, p, data.Cancels, p.Amount-data.BalanceAmount, to)
}

// RecordCancellationRefund books the refund executed for a cancellation request and
// reverts the booking. cancels is the full cancel history the gateway reported after the
// refund; it is empty when nothing was refunded. When a gateway notification already booked
// that history the payment keeps its status and only missing refund rows and the booking are written.
func (l *PaymentLedger) RecordCancellationRefund(ctx context.Context, tx store.Tx, p *models.Payment, amount int64, cancels []gateway.Cancel) (*ApplyResult, error) {
	if len(cancels) > 0 && p.Status.HasRefund() && p.RefundAmount >= gateway.SumCancels(cancels) {
		n, err := l.insertRefunds(ctx, tx, p.ID, cancels)
		if err != nil {
			return nil, err
		}
		if err := l.revertBooking(ctx, tx, p); err != nil {
			return nil, err
		}
		return &ApplyResult{Payment: p, RefundsRecorded: n}, nil
	}

	refund := refundTotal(p, cancels, p.RefundAmount+amount)

	var to models.PaymentStatus
	switch {
	case refund == p.Amount && p.Status == models.PaymentStatusCompleted:
		to = models.PaymentStatusCancelled
	case refund == p.Amount:
		to = models.PaymentStatusRefunded
	case refund == 0:
		to = models.PaymentStatusCancelled
	default:
		to = models.PaymentStatusPartiallyRefunded
	}

	if !p.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: payment %d is %s", ErrInvalidState, p.ID, p.Status)
	}

	res, err := l.recordRefunds(ctx, tx, p, cancels, refund, to)
	if err != nil {
		return nil, err
	}
	if err := l.revertBooking(ctx, tx, p); err != nil {
		return nil, err
	}
	return res, nil
}

// recordRefunds inserts unseen cancel entries and moves the payment to `to` with the new refund total
func (l *PaymentLedger) recordRefunds(ctx context.Context, tx store.Tx, p *models.Payment, cancels []gateway.Cancel, fallback int64, to models.PaymentStatus) (*ApplyResult, error) {
	refund := refundTotal(p, cancels, fallback)
	if refund > p.Amount {
		return nil, fmt.Errorf("%w: refunds total %d exceeds payment amount %d", ErrPolicyViolation, refund, p.Amount)
	}

	n, err := l.insertRefunds(ctx, tx, p.ID, cancels)
	if err != nil {
		return nil, err
	}

	var refundedAt time.Time
	for _, c := range cancels {
		if c.CanceledAt.After(refundedAt) {
			refundedAt = c.CanceledAt
		}
	}
	if refundedAt.IsZero() {
		refundedAt = l.now()
	}

	res, err := l.transition(ctx, tx, p, to, func(next *models.Payment) {
		next.RefundAmount = refund
		if refund > 0 {
			next.RefundedAt = &refundedAt
		}
		if to == models.PaymentStatusCancelled {
			next.CancelledAt = &refundedAt
		}
	})
	if err != nil {
		return nil, err
	}
	res.RefundsRecorded = n
	return res, nil
}

func (l *PaymentLedger) insertRefunds(ctx context.Context, tx store.Tx, paymentID int64, cancels []gateway.Cancel) (int, error) {
	var inserted int
	for _, c := range cancels {
		if c.TransactionKey == "" {
			continue
		}
		ok, err := tx.InsertRefund(ctx, &models.PaymentRefund{
			PaymentID:      paymentID,
			TransactionKey: c.TransactionKey,
			CancelAmount:   c.CancelAmount,
			CancelReason:   c.CancelReason,
			CanceledAt:     c.CanceledAt,
		})
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func (l *PaymentLedger) revertBooking(ctx context.Context, tx store.Tx, p *models.Payment) error {
	ref, err := p.Booking()
	if err != nil {
		return err
	}
	if err := tx.RevertBooking(ctx, ref); err != nil {
		return fmt.Errorf("failed to revert booking of payment %d: %w", p.ID, err)
	}
	return nil
}

// transition writes p with status `to` if the state machine allows it, guarded by the status it was read with
func (l *PaymentLedger) transition(ctx context.Context, tx store.Tx, p *models.Payment, to models.PaymentStatus, mutate func(next *models.Payment)) (*ApplyResult, error) {
	from := p.Status
	if !from.CanTransitionTo(to) {
		return l.skip(p, to), nil
	}

	next := *p
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}

	if err := tx.UpdatePayment(ctx, &next, from); err != nil {
		return nil, fromStore(err)
	}

	return &ApplyResult{
		Payment: &next,
		Transition: &Transition{
			PaymentID:    next.ID,
			PaymentKey:   next.PaymentKey,
			From:         from,
			To:           to,
			Amount:       next.Amount,
			RefundAmount: next.RefundAmount,
		},
	}, nil
}

func (l *PaymentLedger) skip(p *models.Payment, to models.PaymentStatus) *ApplyResult {
	util.PaymentTransitionsSkippedTotal.WithLabelValues(string(p.Status), string(to)).Inc()
	l.logger.Info("Ignoring disallowed payment transition",
		zap.Int64("payment_id", p.ID),
		zap.String("from", string(p.Status)),
		zap.String("to", string(to)))
	return &ApplyResult{Payment: p}
}

// Committed publishes what a committed transaction changed. Publishing is best-effort.
func (l *PaymentLedger) Committed(ctx context.Context, res *ApplyResult) {
	if res == nil {
		return
	}
	if res.SettlementCreated {
		util.SettlementsCreatedTotal.Inc()
	}

	t := res.Transition
	if t == nil {
		return
	}
	util.PaymentTransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
	util.WithTrace(ctx, l.logger).Info("Payment transitioned",
		zap.Int64("payment_id", t.PaymentID),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.Int64("refund_amount", t.RefundAmount))

	if l.publisher == nil {
		return
	}
	event := &models.PaymentStatusChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentStatusChanged,
			Timestamp: l.now(),
		},
		PaymentID:    t.PaymentID,
		PaymentKey:   t.PaymentKey,
		From:         t.From,
		To:           t.To,
		Amount:       t.Amount,
		RefundAmount: t.RefundAmount,
	}
	if err := l.publisher.PublishPaymentStatusChanged(ctx, event); err != nil {
		l.logger.Error("Failed to publish PaymentStatusChanged event",
			zap.Int64("payment_id", t.PaymentID),
			zap.Error(err))
	}
}

// refundTotal is the refunded sum implied by a cancel history, falling back when the history is empty.
// It never goes below what the ledger already recorded, so an older event cannot shrink a refund.
func refundTotal(p *models.Payment, cancels []gateway.Cancel, fallback int64) int64 {
	total := fallback
	if len(cancels) > 0 {
		total = gateway.SumCancels(cancels)
	}
	if total < p.RefundAmount {
		total = p.RefundAmount
	}
	return total
}
