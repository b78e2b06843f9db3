package worker

import (
	"context"
	"errors"
	"time"

	"marketplace-payments/internal/broker"
	"marketplace-payments/internal/models"
	"marketplace-payments/internal/service"
	"marketplace-payments/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reconciler is the part of the reconcile service the worker drives
type Reconciler interface {
	Sweep(ctx context.Context) (service.SweepResult, error)
	ReconcilePayment(ctx context.Context, paymentKey string) (*service.ApplyResult, error)
}

// Consumer delivers messages from the reconcile topic
type Consumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// ReconcileWorker repairs payments whose webhook processing failed. It sweeps the
// webhook table on an interval and reacts to WEBHOOK_FAILED events in between.
type ReconcileWorker struct {
	reconciler   Reconciler
	consumer     Consumer
	eventHandler *broker.EventHandler
	interval     time.Duration
	logger       *zap.Logger
}

// NewReconcileWorker creates a new reconcile worker. consumer may be nil, in which
// case only the periodic sweep runs.
func NewReconcileWorker(reconciler Reconciler, consumer Consumer, interval time.Duration) *ReconcileWorker {
	w := &ReconcileWorker{
		reconciler:   reconciler,
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		interval:     interval,
		logger:       util.ComponentLogger("reconcile-worker"),
	}
	w.eventHandler.OnWebhookFailed(w.handleWebhookFailed)
	return w
}

// Start runs the sweep loop and the consumer until ctx is done
func (w *ReconcileWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconcile worker", zap.Duration("interval", w.interval))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.sweepLoop(ctx)
	})
	if w.consumer != nil {
		g.Go(func() error {
			return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop closes the consumer
func (w *ReconcileWorker) Stop() error {
	w.logger.Info("Stopping reconcile worker")
	if w.consumer == nil {
		return nil
	}
	return w.consumer.Close()
}

func (w *ReconcileWorker) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.sweep(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *ReconcileWorker) sweep(ctx context.Context) {
	result, err := w.reconciler.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Reconcile sweep failed", zap.Error(err))
		}
		return
	}
	if result.Scanned > 0 {
		w.logger.Info("Reconcile sweep finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("reconciled", result.Reconciled),
			zap.Int("failed", result.Failed))
	}
}

func (w *ReconcileWorker) handleWebhookFailed(ctx context.Context, event *models.WebhookFailedEvent) error {
	logger := util.WithTrace(ctx, w.logger).With(
		zap.String("payment_key", event.PaymentKey),
		zap.String("webhook_event_id", event.WebhookEventID))

	_, err := w.reconciler.ReconcilePayment(ctx, event.PaymentKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrNotFound):
		// not retryable now; the sweep tracks the retry budget
		logger.Info("Payment not reconcilable yet", zap.Error(err))
		return nil
	default:
		logger.Warn("Reconcile from event failed", zap.Error(err))
		return err
	}
}
