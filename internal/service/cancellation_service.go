package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/models"
	"marketplace-payments/internal/policy"
	"marketplace-payments/internal/store"
	"marketplace-payments/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CancellationService runs the cancellation request workflow
type CancellationService struct {
	repo      Repository
	gateway   PaymentGateway
	locker    Locker
	publisher EventPublisher
	ledger    *PaymentLedger
	policy    *policy.Policy
	lockTTL   time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewCancellationService creates a new cancellation service.
// lockTTL bounds how long one approval may hold a request; it must cover a gateway round trip.
func NewCancellationService(
	repo Repository,
	gw PaymentGateway,
	locker Locker,
	publisher EventPublisher,
	ledger *PaymentLedger,
	refundPolicy *policy.Policy,
	lockTTL time.Duration,
) *CancellationService {
	return &CancellationService{
		repo:      repo,
		gateway:   gw,
		locker:    locker,
		publisher: publisher,
		ledger:    ledger,
		policy:    refundPolicy,
		lockTTL:   lockTTL,
		now:       time.Now,
		logger:    util.ComponentLogger("cancellation"),
	}
}

// CreateCancellationInput represents a request to cancel a paid booking
type CreateCancellationInput struct {
	PaymentID     int64                `json:"-"`
	RequesterID   int64                `json:"requester_id" binding:"required"`
	RequesterType policy.RequesterType `json:"requester_type" binding:"required"`
	ReasonType    policy.ReasonType    `json:"reason_type" binding:"required"`
	ReasonDetail  *string              `json:"reason_detail,omitempty"`
}

// CancellationResult is the stored request and the policy calculation behind it
type CancellationResult struct {
	Request           *models.CancellationRequest `json:"request"`
	RefundCalculation policy.Result               `json:"refund_calculation"`
}

// RequestCancellation prices a cancellation and stores the request. Requests that need no admin
// are approved and refunded immediately; if that refund cannot reach the gateway the result is
// returned together with ErrGatewayUnavailable and the request stays open for retry.
func (s *CancellationService) RequestCancellation(ctx context.Context, in CreateCancellationInput) (*CancellationResult, error) {
	ctx, span := util.StartSpan(ctx, "CancellationService.RequestCancellation",
		attribute.Int64("payment.id", in.PaymentID))
	defer span.End()

	if !in.RequesterType.Valid() {
		return nil, fmt.Errorf("%w: unknown requester_type %q", ErrInvalidPayload, in.RequesterType)
	}
	if in.ReasonType == "" {
		return nil, fmt.Errorf("%w: reason_type is required", ErrInvalidPayload)
	}

	var (
		req  *models.CancellationRequest
		calc policy.Result
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPaymentForUpdate(ctx, in.PaymentID)
		if err != nil {
			return fromStore(err)
		}
		if p.Status != models.PaymentStatusCompleted {
			return fmt.Errorf("%w: payment %d is %s", ErrInvalidState, p.ID, p.Status)
		}

		open, err := tx.HasOpenCancellation(ctx, p.ID)
		if err != nil {
			return err
		}
		if open {
			return fmt.Errorf("%w: payment %d already has an open cancellation request", ErrConflict, p.ID)
		}

		ref, err := p.Booking()
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidState, err)
		}
		tripStart, err := tx.BookingStartDate(ctx, ref)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: booking of payment %d has no start date", ErrInvalidState, p.ID)
		}
		if err != nil {
			return err
		}

		now := s.now()
		calc = s.policy.Calculate(policy.Input{
			Amount:      p.Amount,
			TripStart:   tripStart,
			CancelledAt: now,
			Now:         now,
			Requester:   in.RequesterType,
			Reason:      in.ReasonType,
		})

		status := models.CancellationStatusApproved
		if calc.RequiresAdminApproval {
			status = models.CancellationStatusPending
		}

		req = &models.CancellationRequest{
			PaymentID:              p.ID,
			RequesterID:            in.RequesterID,
			RequesterType:          string(in.RequesterType),
			ReasonType:             string(in.ReasonType),
			ReasonDetail:           in.ReasonDetail,
			CalculatedRefundAmount: calc.RefundAmount,
			RefundPercentage:       calc.Percentage,
			DaysBeforeTrip:         calc.DaysBeforeTrip,
			PolicyLabel:            calc.PolicyLabel,
			Status:                 status,
		}
		return fromStore(tx.CreateCancellationRequest(ctx, req))
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	path := "auto"
	if calc.RequiresAdminApproval {
		path = "admin"
	}
	util.CancellationRequestsTotal.WithLabelValues(string(in.RequesterType), path).Inc()
	util.WithTrace(ctx, s.logger).Info("Cancellation requested",
		zap.Int64("request_id", req.ID),
		zap.Int64("payment_id", req.PaymentID),
		zap.String("path", path),
		zap.Int64("refund_amount", calc.RefundAmount),
		zap.String("policy_label", calc.PolicyLabel))

	s.publish(ctx, models.EventTypeCancellationRequested, req, calc.RefundAmount)

	result := &CancellationResult{Request: req, RefundCalculation: calc}
	if calc.RequiresAdminApproval {
		return result, nil
	}

	approveErr := s.approve(ctx, req.ID, nil, nil, nil)
	if updated, err := s.repo.GetCancellationRequest(ctx, req.ID); err == nil {
		result.Request = updated
	}
	if approveErr != nil {
		util.RecordError(span, approveErr)
		return result, approveErr
	}
	return result, nil
}

// ApproveCancellation refunds an open request and cancels the booking.
// overrideAmount replaces the calculated refund. A gateway failure leaves the payment and the
// request untouched so the call can be retried.
func (s *CancellationService) ApproveCancellation(ctx context.Context, requestID int64, adminID, overrideAmount *int64) error {
	return s.approve(ctx, requestID, adminID, overrideAmount, nil)
}

func (s *CancellationService) approve(ctx context.Context, requestID int64, adminID, overrideAmount *int64, notes *string) error {
	ctx, span := util.StartSpan(ctx, "CancellationService.ApproveCancellation",
		attribute.Int64("cancellation.id", requestID))
	defer span.End()

	err := s.withRequestLock(ctx, requestID, func() error {
		req, err := s.repo.GetCancellationRequest(ctx, requestID)
		if err != nil {
			return fromStore(err)
		}
		if !req.IsOpen() {
			return fmt.Errorf("%w: cancellation request %d is %s", ErrInvalidState, req.ID, req.Status)
		}

		p, err := s.repo.GetPayment(ctx, req.PaymentID)
		if err != nil {
			return fromStore(err)
		}

		switch p.Status {
		case models.PaymentStatusCancelled, models.PaymentStatusRefunded:
			// a gateway notification already moved the money
			return s.finalize(ctx, req.ID, p.RefundAmount, adminID, notes, nil)
		case models.PaymentStatusCompleted, models.PaymentStatusPartiallyRefunded:
		default:
			return fmt.Errorf("%w: payment %d is %s", ErrInvalidState, p.ID, p.Status)
		}

		amount := req.CalculatedRefundAmount
		if overrideAmount != nil {
			amount = *overrideAmount
		}
		// refunds on the ledger can only come from this request, so an amount they cover needs no headroom
		if amount < 0 || (amount > p.RefundAmount && amount > p.RefundableAmount()) {
			return fmt.Errorf("%w: refund %d outside 0..%d", ErrPolicyViolation, amount, p.RefundableAmount())
		}

		cancels, err := s.executeRefund(ctx, req, p, amount)
		if err != nil {
			if !errors.Is(err, ErrPolicyViolation) {
				util.RefundFailuresTotal.WithLabelValues("gateway").Inc()
			}
			return err
		}

		return s.finalize(ctx, req.ID, amount, adminID, notes, &refundExecution{amount: amount, cancels: cancels})
	})
	if err != nil {
		util.RecordError(span, err)
		return err
	}

	util.CancellationDecisionsTotal.WithLabelValues("approve").Inc()
	return nil
}

type refundExecution struct {
	amount  int64
	cancels []gateway.Cancel
}

// finalize approves the request in one transaction. With a refund execution it also books the
// refund on the payment; without one the ledger already reflects the refund and only the booking
// is reverted.
func (s *CancellationService) finalize(ctx context.Context, requestID, refund int64, adminID *int64, notes *string, exec *refundExecution) error {
	var (
		req *models.CancellationRequest
		res *ApplyResult
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		req, err = tx.GetCancellationRequestForUpdate(ctx, requestID)
		if err != nil {
			return fromStore(err)
		}
		if !req.IsOpen() {
			return fmt.Errorf("%w: cancellation request %d is %s", ErrInvalidState, req.ID, req.Status)
		}

		p, err := tx.GetPaymentForUpdate(ctx, req.PaymentID)
		if err != nil {
			return fromStore(err)
		}

		if exec != nil {
			res, err = s.ledger.RecordCancellationRefund(ctx, tx, p, exec.amount, exec.cancels)
			if err != nil {
				return err
			}
		} else if err := s.ledger.revertBooking(ctx, tx, p); err != nil {
			return err
		}

		now := s.now()
		req.Status = models.CancellationStatusApproved
		req.ActualRefundAmount = &refund
		req.ProcessedBy = adminID
		req.ProcessedAt = &now
		if notes != nil {
			req.AdminNotes = notes
		}
		return tx.UpdateCancellationRequest(ctx, req)
	})
	if err != nil {
		if exec != nil && exec.amount > 0 {
			// money moved but the ledger did not record it; the gateway notification or a
			// retried approval with the same idempotency key will reconcile it
			util.RefundFailuresTotal.WithLabelValues("ledger").Inc()
			s.logger.Error("Refund executed but not recorded",
				zap.Int64("request_id", requestID),
				zap.Int64("amount", exec.amount),
				zap.Error(err))
		}
		return err
	}

	s.ledger.Committed(ctx, res)
	s.publish(ctx, models.EventTypeCancellationApproved, req, refund)
	util.WithTrace(ctx, s.logger).Info("Cancellation approved",
		zap.Int64("request_id", req.ID),
		zap.Int64("payment_id", req.PaymentID),
		zap.Int64("refund_amount", refund))
	return nil
}

// executeRefund moves the money on the gateway. A payment with an open request can only have been
// refunded for that request, so when the gateway or the ledger already shows a refund covering the
// amount (an approval whose cancel call timed out, possibly recorded since by a notification) the
// existing cancels are adopted and the gateway is not called again.
func (s *CancellationService) executeRefund(ctx context.Context, req *models.CancellationRequest, p *models.Payment, amount int64) ([]gateway.Cancel, error) {
	if amount == 0 {
		return nil, nil
	}

	live, err := s.gateway.GetPayment(ctx, p.PaymentKey)
	if err != nil {
		return nil, fromGateway(err)
	}

	refunded := live.CanceledTotal()
	if p.RefundAmount > refunded {
		refunded = p.RefundAmount
	}
	if refunded >= amount {
		s.logger.Warn("Adopting existing gateway refund",
			zap.Int64("request_id", req.ID),
			zap.Int64("payment_id", p.ID),
			zap.Int64("amount", amount),
			zap.Int64("refunded", refunded))
		return live.Cancels, nil
	}
	if amount > p.Amount-refunded {
		return nil, fmt.Errorf("%w: refund %d exceeds %d left on the gateway", ErrPolicyViolation, amount, p.Amount-refunded)
	}

	out, err := s.gateway.CancelPayment(ctx, p.PaymentKey, gateway.CancelRequest{
		CancelReason:   cancelReason(req),
		CancelAmount:   amount,
		IdempotencyKey: fmt.Sprintf("cancellation-%d", req.ID),
	})
	if err != nil {
		return nil, fromGateway(err)
	}

	util.RefundsExecutedTotal.Inc()
	return out.Cancels, nil
}

// RejectCancellation closes an open request without touching the payment
func (s *CancellationService) RejectCancellation(ctx context.Context, requestID, adminID int64, notes string) error {
	ctx, span := util.StartSpan(ctx, "CancellationService.RejectCancellation",
		attribute.Int64("cancellation.id", requestID))
	defer span.End()

	var req *models.CancellationRequest
	err := s.withRequestLock(ctx, requestID, func() error {
		return s.repo.WithTx(ctx, func(tx store.Tx) error {
			var err error
			req, err = tx.GetCancellationRequestForUpdate(ctx, requestID)
			if err != nil {
				return fromStore(err)
			}
			if !req.IsOpen() {
				return fmt.Errorf("%w: cancellation request %d is %s", ErrInvalidState, req.ID, req.Status)
			}

			now := s.now()
			req.Status = models.CancellationStatusRejected
			req.ProcessedBy = &adminID
			req.ProcessedAt = &now
			if notes != "" {
				req.AdminNotes = &notes
			}
			return tx.UpdateCancellationRequest(ctx, req)
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return err
	}

	util.CancellationDecisionsTotal.WithLabelValues("reject").Inc()
	s.publish(ctx, models.EventTypeCancellationRejected, req, 0)
	s.logger.Info("Cancellation rejected",
		zap.Int64("request_id", req.ID),
		zap.Int64("admin_id", adminID))
	return nil
}

// Decision is an admin's ruling on a request: Approve or Reject
type Decision interface {
	isDecision()
}

// Approve refunds the request, optionally with a different amount
type Approve struct {
	OverrideAmount *int64
}

// Reject closes the request without a refund
type Reject struct{}

func (Approve) isDecision() {}
func (Reject) isDecision()  {}

// ParseDecision reads the wire form of a decision
func ParseDecision(decision string, overrideAmount *int64) (Decision, error) {
	switch decision {
	case "approve":
		return Approve{OverrideAmount: overrideAmount}, nil
	case "reject":
		if overrideAmount != nil {
			return nil, fmt.Errorf("%w: override_amount is only valid when approving", ErrInvalidPayload)
		}
		return Reject{}, nil
	default:
		return nil, fmt.Errorf("%w: decision must be approve or reject, got %q", ErrInvalidPayload, decision)
	}
}

// ProcessCancellationInput is an admin action on a request
type ProcessCancellationInput struct {
	RequestID int64
	AdminID   int64
	Decision  Decision
	Notes     string
}

// ProcessCancellation applies an admin decision
func (s *CancellationService) ProcessCancellation(ctx context.Context, in ProcessCancellationInput) error {
	switch d := in.Decision.(type) {
	case Approve:
		var notes *string
		if in.Notes != "" {
			notes = &in.Notes
		}
		return s.approve(ctx, in.RequestID, &in.AdminID, d.OverrideAmount, notes)
	case Reject:
		return s.RejectCancellation(ctx, in.RequestID, in.AdminID, in.Notes)
	default:
		return fmt.Errorf("%w: unknown decision %T", ErrInvalidPayload, in.Decision)
	}
}

// withRequestLock serializes decisions on one request across instances
func (s *CancellationService) withRequestLock(ctx context.Context, requestID int64, fn func() error) error {
	key := fmt.Sprintf("cancellation:%d", requestID)
	token, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if err != nil {
		return fmt.Errorf("failed to lock cancellation request %d: %w", requestID, err)
	}
	if !ok {
		return fmt.Errorf("%w: cancellation request %d is being processed", ErrConflict, requestID)
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.Warn("Failed to release cancellation lock", zap.Int64("request_id", requestID), zap.Error(err))
		}
	}()

	return fn()
}

// publish emits a cancellation event. Failures never undo the request.
func (s *CancellationService) publish(ctx context.Context, eventType string, req *models.CancellationRequest, refund int64) {
	if s.publisher == nil {
		return
	}

	event := &models.CancellationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: s.now(),
		},
		RequestID:     req.ID,
		PaymentID:     req.PaymentID,
		RequesterID:   req.RequesterID,
		RequesterType: req.RequesterType,
		ReasonType:    req.ReasonType,
		RefundAmount:  refund,
		PolicyLabel:   req.PolicyLabel,
	}
	if req.AdminNotes != nil {
		event.AdminNotes = *req.AdminNotes
	}

	if err := s.publisher.PublishCancellation(ctx, event); err != nil {
		s.logger.Error("Failed to publish cancellation event",
			zap.String("event_type", eventType),
			zap.Int64("request_id", req.ID),
			zap.Error(err))
	}
}

func cancelReason(req *models.CancellationRequest) string {
	if req.ReasonDetail != nil && *req.ReasonDetail != "" {
		return fmt.Sprintf("%s: %s", req.ReasonType, *req.ReasonDetail)
	}
	return req.ReasonType
}
