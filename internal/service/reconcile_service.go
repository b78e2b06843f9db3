package service

import (
	"context"
	"fmt"
	"time"

	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/models"
	"marketplace-payments/internal/store"
	"marketplace-payments/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const sweepLockKey = "reconcile:sweep"

var (
	errStillInFlight = fmt.Errorf("%w: payment is still in flight on the gateway", ErrInvalidState)
	errNotReconciled = fmt.Errorf("%w: ledger cannot follow the gateway", ErrInvalidState)
)

// ReconcileConfig tunes the reconciliation sweep
type ReconcileConfig struct {
	// MaxRetries stops retrying a failed webhook after this many attempts
	MaxRetries int
	// StuckAfter is how long a webhook may stay pending before it is treated as lost
	StuckAfter time.Duration
	BatchSize  int
	LockTTL    time.Duration
}

// ReconcileService re-derives payments from the gateway when their webhooks did not apply
type ReconcileService struct {
	repo    Repository
	gateway PaymentGateway
	locker  Locker
	ledger  *PaymentLedger
	cfg     ReconcileConfig
	now     func() time.Time
	logger  *zap.Logger
}

// NewReconcileService creates a new reconciliation service
func NewReconcileService(repo Repository, gw PaymentGateway, locker Locker, ledger *PaymentLedger, cfg ReconcileConfig) *ReconcileService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &ReconcileService{
		repo:    repo,
		gateway: gw,
		locker:  locker,
		ledger:  ledger,
		cfg:     cfg,
		now:     time.Now,
		logger:  util.ComponentLogger("reconcile"),
	}
}

// ReconcilePayment applies the payment's live gateway status and closes its unfinished webhooks.
// A payment the gateway captured while the ledger still shows it pending is completed first.
// Webhooks stay open when the ledger can neither move to nor already match the live status.
func (s *ReconcileService) ReconcilePayment(ctx context.Context, paymentKey string) (*ApplyResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconcileService.ReconcilePayment",
		attribute.String("payment.key", paymentKey))
	defer span.End()

	live, err := s.gateway.GetPayment(ctx, paymentKey)
	if err != nil {
		err = fromGateway(err)
		util.RecordError(span, err)
		return nil, err
	}

	event, ok := eventFromStatus(*live)
	if !ok {
		return nil, fmt.Errorf("%w (%s)", errStillInFlight, live.Status)
	}

	var captured, res *ApplyResult
	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		captured = nil
		p, err := tx.GetPaymentByKeyForUpdate(ctx, paymentKey)
		if err != nil {
			return fromStore(err)
		}
		if _, done := event.(PaymentDone); !done && capturedOnGateway(live.Status) && p.Status == models.PaymentStatusPending {
			if captured, err = s.ledger.Apply(ctx, tx, PaymentDone{Data: *live}); err != nil {
				return err
			}
		}
		res, err = s.ledger.Apply(ctx, tx, event)
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	s.ledger.Committed(ctx, captured)
	s.ledger.Committed(ctx, res)

	if res.Transition == nil && !matchesGateway(res.Payment.Status, live.Status) {
		err := fmt.Errorf("%w: payment %s is %s, gateway reports %s",
			errNotReconciled, paymentKey, res.Payment.Status, live.Status)
		util.RecordError(span, err)
		return res, err
	}

	closed, err := s.repo.MarkPaymentWebhooksProcessed(ctx, paymentKey)
	if err != nil {
		return res, fmt.Errorf("failed to close webhooks of %s: %w", paymentKey, err)
	}

	s.logger.Info("Payment reconciled",
		zap.String("payment_key", paymentKey),
		zap.String("gateway_status", live.Status),
		zap.Int64("webhooks_closed", closed))
	return res, nil
}

// capturedOnGateway reports whether a gateway status can only follow a successful capture
func capturedOnGateway(status string) bool {
	switch status {
	case gateway.StatusDone, gateway.StatusCanceled, gateway.StatusPartialCanceled:
		return true
	}
	return false
}

// matchesGateway reports whether a ledger status already reflects a final gateway status
func matchesGateway(ledger models.PaymentStatus, status string) bool {
	switch status {
	case gateway.StatusDone:
		return ledger == models.PaymentStatusCompleted
	case gateway.StatusCanceled:
		return ledger == models.PaymentStatusCancelled || ledger == models.PaymentStatusRefunded
	case gateway.StatusPartialCanceled:
		return ledger == models.PaymentStatusPartiallyRefunded
	case gateway.StatusAborted:
		return ledger == models.PaymentStatusFailed
	case gateway.StatusExpired:
		return ledger == models.PaymentStatusExpired
	}
	return false
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Scanned    int
	Reconciled int
	Failed     int
	Skipped    bool
}

// Sweep reconciles every payment with a failed or stuck webhook. Only one instance sweeps at a time.
func (s *ReconcileService) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconcileService.Sweep")
	defer span.End()

	var result SweepResult

	token, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.cfg.LockTTL)
	if err != nil {
		return result, fmt.Errorf("failed to lock sweep: %w", err)
	}
	if !ok {
		result.Skipped = true
		util.ReconcileRunsTotal.WithLabelValues("skipped").Inc()
		return result, nil
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
			s.logger.Warn("Failed to release sweep lock", zap.Error(err))
		}
	}()

	stuckBefore := s.now().Add(-s.cfg.StuckAfter)
	events, err := s.repo.ListReconcilableWebhookEvents(ctx, s.cfg.MaxRetries, stuckBefore, s.cfg.BatchSize)
	if err != nil {
		util.ReconcileRunsTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		return result, fmt.Errorf("failed to list webhook events: %w", err)
	}
	result.Scanned = len(events)

	var keys []string
	byKey := make(map[string][]models.WebhookEvent)
	for _, e := range events {
		if _, ok := byKey[e.PaymentKey]; !ok {
			keys = append(keys, e.PaymentKey)
		}
		byKey[e.PaymentKey] = append(byKey[e.PaymentKey], e)
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}

		if _, err := s.ReconcilePayment(ctx, key); err != nil {
			result.Failed++
			util.ReconcileRunsTotal.WithLabelValues("failed").Inc()
			s.logger.Warn("Reconciliation failed", zap.String("payment_key", key), zap.Error(err))
			for _, e := range byKey[key] {
				if markErr := s.repo.MarkWebhookFailed(ctx, e.EventID, err.Error()); markErr != nil {
					s.logger.Error("Failed to mark webhook failed", zap.String("event_id", e.EventID), zap.Error(markErr))
				}
			}
		} else {
			result.Reconciled++
			util.ReconcileRunsTotal.WithLabelValues("reconciled").Inc()
		}

		held, err := s.locker.ExtendLock(ctx, sweepLockKey, token, s.cfg.LockTTL)
		if err != nil || !held {
			s.logger.Warn("Lost sweep lock, stopping early", zap.Error(err))
			break
		}
	}

	if result.Scanned > 0 {
		s.logger.Info("Reconciliation sweep finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("reconciled", result.Reconciled),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}
