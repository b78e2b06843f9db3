package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/models"
	"marketplace-payments/internal/policy"
	"marketplace-payments/internal/store"
	"marketplace-payments/internal/store/storetest"

	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu            sync.Mutex
	payments      map[string]gateway.Payment
	getErr        error
	cancelErr     error
	applyThenFail bool
	cancelCalls   []gateway.CancelRequest
	txSeq         int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: map[string]gateway.Payment{}}
}

func (g *fakeGateway) set(p gateway.Payment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[p.PaymentKey] = clonePayment(p)
}

func (g *fakeGateway) setStatus(key, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.payments[key]
	p.Status = status
	g.payments[key] = p
}

// addCancel records a refund on the gateway side only
func (g *fakeGateway) addCancel(key string, amount int64) gateway.Payment {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelLocked(key, amount, "test")
}

func (g *fakeGateway) cancelLocked(key string, amount int64, reason string) gateway.Payment {
	g.txSeq++
	p := g.payments[key]
	p.Cancels = append(clonePayment(p).Cancels, gateway.Cancel{
		TransactionKey:   fmt.Sprintf("%s-tx-%d", key, g.txSeq),
		CancelReason:     reason,
		CanceledAt:       time.Date(2026, 1, 1, 12, 0, g.txSeq, 0, time.UTC),
		CancelAmount:     amount,
		RefundableAmount: p.BalanceAmount - amount,
		CancelStatus:     "DONE",
	})
	p.BalanceAmount -= amount
	if p.BalanceAmount == 0 {
		p.Status = gateway.StatusCanceled
	} else {
		p.Status = gateway.StatusPartialCanceled
	}
	g.payments[key] = p
	return clonePayment(p)
}

func (g *fakeGateway) GetPayment(ctx context.Context, paymentKey string) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.getErr != nil {
		return nil, g.getErr
	}
	p, ok := g.payments[paymentKey]
	if !ok {
		return nil, &gateway.APIError{Status: http.StatusNotFound, Code: "NOT_FOUND_PAYMENT"}
	}
	p = clonePayment(p)
	return &p, nil
}

func (g *fakeGateway) CancelPayment(ctx context.Context, paymentKey string, req gateway.CancelRequest) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancelCalls = append(g.cancelCalls, req)
	if g.cancelErr != nil && !g.applyThenFail {
		return nil, g.cancelErr
	}

	p := g.cancelLocked(paymentKey, req.CancelAmount, req.CancelReason)
	if g.applyThenFail {
		return nil, g.cancelErr
	}
	return &p, nil
}

func (g *fakeGateway) calls() []gateway.CancelRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.CancelRequest(nil), g.cancelCalls...)
}

// notifyingGateway delivers the gateway's own notification right after a cancel succeeds,
// before the caller sees the response
type notifyingGateway struct {
	*fakeGateway
	notify func(paymentKey string)
}

func (g *notifyingGateway) CancelPayment(ctx context.Context, paymentKey string, req gateway.CancelRequest) (*gateway.Payment, error) {
	out, err := g.fakeGateway.CancelPayment(ctx, paymentKey, req)
	if err == nil {
		g.notify(paymentKey)
	}
	return out, err
}

func clonePayment(p gateway.Payment) gateway.Payment {
	p.Cancels = append([]gateway.Cancel(nil), p.Cancels...)
	return p
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]string
	seq  int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]string{}}
}

func (l *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.seq++
	token := fmt.Sprintf("token-%d", l.seq)
	l.held[key] = token
	return token, true, nil
}

func (l *fakeLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

func (l *fakeLocker) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key] == token, nil
}

func (l *fakeLocker) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

type fakePublisher struct {
	mu            sync.Mutex
	err           error
	transitions   []*models.PaymentStatusChangedEvent
	cancellations []*models.CancellationEvent
	webhookFailed []*models.WebhookFailedEvent
}

func (p *fakePublisher) PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, event)
	return p.err
}

func (p *fakePublisher) PublishCancellation(ctx context.Context, event *models.CancellationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancellations = append(p.cancellations, event)
	return p.err
}

func (p *fakePublisher) PublishWebhookFailed(ctx context.Context, event *models.WebhookFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.webhookFailed = append(p.webhookFailed, event)
	return p.err
}

func (p *fakePublisher) cancellationTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.cancellations {
		out = append(out, e.EventType)
	}
	return out
}

// flakyRepo fails the next n transactions
type flakyRepo struct {
	*storetest.Store
	mu       sync.Mutex
	failures int
}

var errFlaky = errors.New("database unavailable")

func (r *flakyRepo) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return errFlaky
	}
	r.mu.Unlock()
	return r.Store.WithTx(ctx, fn)
}

type fixture struct {
	store         *storetest.Store
	repo          *flakyRepo
	gw            *fakeGateway
	locker        *fakeLocker
	pub           *fakePublisher
	ledger        *PaymentLedger
	webhooks      *WebhookService
	cancellations *CancellationService
	reconcile     *ReconcileService
	policy        *policy.Policy
	seq           int
}

const (
	testCommissionRate = "0.1"
	testTaxRate        = "0.033"
	exceptionReason    = policy.ReasonType("guide_no_show")
)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tiers, err := policy.ParseTiers("7:100,3:50,0:0")
	require.NoError(t, err)
	refundPolicy, err := policy.New(tiers, []policy.ReasonType{exceptionReason}, time.UTC)
	require.NoError(t, err)
	calc, err := NewSettlementCalculator(testCommissionRate, testTaxRate)
	require.NoError(t, err)

	f := &fixture{
		store:  storetest.New(),
		gw:     newFakeGateway(),
		locker: newFakeLocker(),
		pub:    &fakePublisher{},
		policy: refundPolicy,
	}
	f.repo = &flakyRepo{Store: f.store}
	f.ledger = NewPaymentLedger(calc, f.pub)
	f.webhooks = NewWebhookService(f.repo, f.gw, f.ledger, f.pub)
	f.cancellations = NewCancellationService(f.repo, f.gw, f.locker, f.pub, f.ledger, refundPolicy, time.Minute)
	f.reconcile = NewReconcileService(f.repo, f.gw, f.locker, f.ledger, ReconcileConfig{
		MaxRetries: 3,
		StuckAfter: 10 * time.Minute,
		BatchSize:  50,
		LockTTL:    time.Minute,
	})
	return f
}

// pendingTripPayment stores a pending payment for a trip starting in `days` days and registers it on the gateway
func (f *fixture) pendingTripPayment(amount int64, days int) models.Payment {
	f.seq++
	tripID, offerID := f.store.AddTrip(time.Now().AddDate(0, 0, days))
	p := f.store.AddPayment(models.Payment{
		Amount:     amount,
		Currency:   "KRW",
		Status:     models.PaymentStatusPending,
		PaymentKey: fmt.Sprintf("pk-%d", f.seq),
		OrderID:    fmt.Sprintf("order-%d", f.seq),
		TripID:     &tripID,
		OfferID:    &offerID,
	})
	f.gw.set(gateway.Payment{
		PaymentKey:    p.PaymentKey,
		OrderID:       p.OrderID,
		Status:        gateway.StatusReady,
		TotalAmount:   amount,
		BalanceAmount: amount,
	})
	return p
}

// completedTripPayment drives a pending payment through a DONE webhook
func (f *fixture) completedTripPayment(t *testing.T, amount int64, days int) models.Payment {
	t.Helper()

	p := f.pendingTripPayment(amount, days)
	f.gw.setStatus(p.PaymentKey, gateway.StatusDone)
	res, err := f.webhooks.Handle(context.Background(), f.webhookBody(t, EventPaymentDone, p.PaymentKey))
	require.NoError(t, err)
	require.True(t, res.Success)
	return f.payment(t, p.ID)
}

// webhookBody builds a notification carrying the gateway's current view of the payment
func (f *fixture) webhookBody(t *testing.T, eventType, paymentKey string) []byte {
	t.Helper()
	f.seq++
	live, err := f.gw.GetPayment(context.Background(), paymentKey)
	require.NoError(t, err)
	return webhookBody(t, fmt.Sprintf("evt-%d", f.seq), eventType, *live)
}

func webhookBody(t *testing.T, eventID, eventType string, data gateway.Payment) []byte {
	t.Helper()
	body, err := json.Marshal(WebhookPayload{
		EventType: eventType,
		EventID:   eventID,
		Timestamp: "2026-01-01T12:00:00+09:00",
		Data:      data,
	})
	require.NoError(t, err)
	return body
}

func (f *fixture) payment(t *testing.T, id int64) models.Payment {
	t.Helper()
	p, err := f.store.GetPayment(context.Background(), id)
	require.NoError(t, err)
	return *p
}

func (f *fixture) refunds(t *testing.T, id int64) []models.PaymentRefund {
	t.Helper()
	refunds, err := f.store.ListRefunds(context.Background(), id)
	require.NoError(t, err)
	return refunds
}

func (f *fixture) request(t *testing.T, id int64) models.CancellationRequest {
	t.Helper()
	req, err := f.store.GetCancellationRequest(context.Background(), id)
	require.NoError(t, err)
	return *req
}

func int64Ptr(v int64) *int64 { return &v }
