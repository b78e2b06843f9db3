package service

import (
	"context"
	"testing"
	"time"

	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/models"
	"marketplace-payments/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepRetriesFailedWebhook(t *testing.T) {
	f := newFixture(t)
	p := f.pendingTripPayment(100000, 10)
	f.gw.setStatus(p.PaymentKey, gateway.StatusDone)
	f.repo.failures = 1

	res, err := f.webhooks.Handle(context.Background(), f.webhookBody(t, EventPaymentDone, p.PaymentKey))
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, models.PaymentStatusPending, f.payment(t, p.ID).Status)

	result, err := f.reconcile.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Reconciled: 1}, result)

	assert.Equal(t, models.PaymentStatusCompleted, f.payment(t, p.ID).Status)
	assert.Len(t, f.store.Settlements(), 1)
	events := f.store.WebhookEvents()
	require.Len(t, events, 1)
	assert.Equal(t, models.WebhookEventProcessed, events[0].Status)
	assert.False(t, f.locker.isHeld(sweepLockKey))

	// nothing left to do
	result, err = f.reconcile.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)
}

func TestSweepPicksUpStuckPendingWebhook(t *testing.T) {
	f := newFixture(t)
	p := f.completedTripPayment(t, 100000, 10)
	f.gw.addCancel(p.PaymentKey, 100000)

	// stored but never processed, e.g. the process died mid-request
	stuck := &models.WebhookEvent{EventID: "stuck-1", EventType: EventPaymentCanceled, PaymentKey: p.PaymentKey}
	inserted, err := f.store.InsertWebhookEvent(context.Background(), stuck)
	require.NoError(t, err)
	require.True(t, inserted)

	result, err := f.reconcile.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned, "fresh pending events are left alone")

	f.store.SetWebhookCreatedAt("stuck-1", time.Now().Add(-time.Hour))
	result, err = f.reconcile.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reconciled)

	got := f.payment(t, p.ID)
	assert.Equal(t, models.PaymentStatusCancelled, got.Status)
	assert.Equal(t, int64(100000), got.RefundAmount)
	assert.Equal(t, models.TripStatusRecruiting, f.store.TripStatus(*p.TripID))
}

func TestSweepCompletesPaymentBeforeApplyingGatewayRefund(t *testing.T) {
	f := newFixture(t)
	p := f.pendingTripPayment(100000, 10)
	f.gw.setStatus(p.PaymentKey, gateway.StatusDone)
	f.repo.failures = 1
	res, err := f.webhooks.Handle(context.Background(), f.webhookBody(t, EventPaymentDone, p.PaymentKey))
	require.NoError(t, err)
	require.False(t, res.Success)

	// partially refunded on the gateway before the sweep runs
	f.gw.addCancel(p.PaymentKey, 30000)

	result, err := f.reconcile.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Reconciled: 1}, result)

	got := f.payment(t, p.ID)
	assert.Equal(t, models.PaymentStatusPartiallyRefunded, got.Status)
	assert.Equal(t, int64(30000), got.RefundAmount)
	assert.NotNil(t, got.PaidAt)
	assert.Len(t, f.refunds(t, p.ID), 1)
	assert.Len(t, f.store.Settlements(), 1)

	events := f.store.WebhookEvents()
	require.Len(t, events, 1)
	assert.Equal(t, models.WebhookEventProcessed, events[0].Status)
}

func TestSweepKeepsWebhookFailedWhenLedgerCannotFollow(t *testing.T) {
	f := newFixture(t)
	p := f.pendingTripPayment(100000, 10)
	f.gw.setStatus(p.PaymentKey, gateway.StatusDone)
	f.repo.failures = 1
	_, err := f.webhooks.Handle(context.Background(), f.webhookBody(t, EventPaymentDone, p.PaymentKey))
	require.NoError(t, err)

	// expired locally while the gateway captured it
	require.NoError(t, f.store.WithTx(context.Background(), func(tx store.Tx) error {
		locked, err := tx.GetPaymentForUpdate(context.Background(), p.ID)
		if err != nil {
			return err
		}
		locked.Status = models.PaymentStatusExpired
		return tx.UpdatePayment(context.Background(), locked, models.PaymentStatusPending)
	}))

	result, err := f.reconcile.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	assert.Equal(t, models.PaymentStatusExpired, f.payment(t, p.ID).Status)
	assert.Empty(t, f.store.Settlements())

	events := f.store.WebhookEvents()
	require.Len(t, events, 1)
	assert.Equal(t, models.WebhookEventFailed, events[0].Status)
	assert.Equal(t, 2, events[0].RetryCount)
	require.NotNil(t, events[0].ErrorMessage)
	assert.Contains(t, *events[0].ErrorMessage, "ledger cannot follow the gateway")
}

func TestSweepInFlightPaymentCountsRetry(t *testing.T) {
	f := newFixture(t)
	p := f.pendingTripPayment(100000, 10)
	f.gw.setStatus(p.PaymentKey, gateway.StatusDone)
	f.repo.failures = 1
	_, err := f.webhooks.Handle(context.Background(), f.webhookBody(t, EventPaymentDone, p.PaymentKey))
	require.NoError(t, err)

	f.gw.setStatus(p.PaymentKey, gateway.StatusInProgress)
	for i := 0; i < 5; i++ {
		_, err := f.reconcile.Sweep(context.Background())
		require.NoError(t, err)
	}

	events := f.store.WebhookEvents()
	require.Len(t, events, 1)
	assert.Equal(t, models.WebhookEventFailed, events[0].Status)
	// one failure from the webhook, two more from sweeps until the retry limit of 3
	assert.Equal(t, 3, events[0].RetryCount)
	assert.Equal(t, models.PaymentStatusPending, f.payment(t, p.ID).Status)
}

func TestSweepSkipsWhenAnotherInstanceHoldsTheLock(t *testing.T) {
	f := newFixture(t)
	_, ok, err := f.locker.TryLock(context.Background(), sweepLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := f.reconcile.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestSweepGatewayDownMarksFailed(t *testing.T) {
	f := newFixture(t)
	p := f.pendingTripPayment(100000, 10)
	f.gw.setStatus(p.PaymentKey, gateway.StatusDone)
	f.repo.failures = 1
	_, err := f.webhooks.Handle(context.Background(), f.webhookBody(t, EventPaymentDone, p.PaymentKey))
	require.NoError(t, err)

	f.gw.getErr = gateway.ErrUnavailable
	result, err := f.reconcile.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	events := f.store.WebhookEvents()
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].RetryCount)
	require.NotNil(t, events[0].ErrorMessage)
	assert.Contains(t, *events[0].ErrorMessage, ErrGatewayUnavailable.Error())
}

func TestReconcilePaymentMapsAbortedToFailed(t *testing.T) {
	f := newFixture(t)
	p := f.pendingTripPayment(100000, 10)
	f.gw.set(gateway.Payment{
		PaymentKey:  p.PaymentKey,
		Status:      gateway.StatusAborted,
		TotalAmount: 100000,
		Failure:     &gateway.Failure{Code: "PAY_PROCESS_ABORTED", Message: "aborted"},
	})

	res, err := f.reconcile.ReconcilePayment(context.Background(), p.PaymentKey)
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.Equal(t, models.PaymentStatusFailed, res.Transition.To)

	got := f.payment(t, p.ID)
	assert.Equal(t, models.PaymentStatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "PAY_PROCESS_ABORTED: aborted", *got.FailureReason)
}

func TestReconcilePaymentInFlight(t *testing.T) {
	f := newFixture(t)
	p := f.pendingTripPayment(100000, 10)

	_, err := f.reconcile.ReconcilePayment(context.Background(), p.PaymentKey)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, models.PaymentStatusPending, f.payment(t, p.ID).Status)
}
