// Package storetest provides an in-memory store with the same contract as the Postgres store.
// Transactions are serialized, which gives tests the isolation the row locks give in Postgres.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketplace-payments/internal/models"
	"marketplace-payments/internal/store"
)

type state struct {
	nextID        int64
	payments      map[int64]models.Payment
	refunds       map[string]models.PaymentRefund
	webhooks      map[string]models.WebhookEvent
	cancellations map[int64]models.CancellationRequest
	settlements   map[int64]models.Settlement
	trips         map[int64]models.Trip
	offers        map[int64]string
	productOffers map[int64]models.ProductOffer
}

func (s *state) clone() *state {
	c := &state{
		nextID:        s.nextID,
		payments:      make(map[int64]models.Payment, len(s.payments)),
		refunds:       make(map[string]models.PaymentRefund, len(s.refunds)),
		webhooks:      make(map[string]models.WebhookEvent, len(s.webhooks)),
		cancellations: make(map[int64]models.CancellationRequest, len(s.cancellations)),
		settlements:   make(map[int64]models.Settlement, len(s.settlements)),
		trips:         make(map[int64]models.Trip, len(s.trips)),
		offers:        make(map[int64]string, len(s.offers)),
		productOffers: make(map[int64]models.ProductOffer, len(s.productOffers)),
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.refunds {
		c.refunds[k] = v
	}
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	for k, v := range s.cancellations {
		c.cancellations[k] = v
	}
	for k, v := range s.settlements {
		c.settlements[k] = v
	}
	for k, v := range s.trips {
		c.trips[k] = v
	}
	for k, v := range s.offers {
		c.offers[k] = v
	}
	for k, v := range s.productOffers {
		c.productOffers[k] = v
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store is an in-memory replacement for store.Store
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		st: &state{
			payments:      map[int64]models.Payment{},
			refunds:       map[string]models.PaymentRefund{},
			webhooks:      map[string]models.WebhookEvent{},
			cancellations: map[int64]models.CancellationRequest{},
			settlements:   map[int64]models.Settlement{},
			trips:         map[int64]models.Trip{},
			offers:        map[int64]string{},
			productOffers: map[int64]models.ProductOffer{},
		},
		now: time.Now,
	}
}

// WithTx runs fn against a snapshot and keeps it only if fn succeeds
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.st.clone()
	if err := fn(&memTx{st: work, now: s.now}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Seeding helpers

// AddTrip stores a trip with one offer and returns their ids
func (s *Store) AddTrip(start time.Time) (tripID, offerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tripID = s.st.id()
	s.st.trips[tripID] = models.Trip{ID: tripID, StartDate: start, Status: models.TripStatusRecruiting}
	offerID = s.st.id()
	s.st.offers[offerID] = models.OfferStatusPending
	return tripID, offerID
}

// AddProductOffer stores a product offer and returns its id
func (s *Store) AddProductOffer(productID int64, start time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.st.id()
	s.st.productOffers[id] = models.ProductOffer{
		ID: id, ProductID: productID, StartDate: start, Status: models.ProductOfferStatusOpen,
	}
	return id
}

// AddPayment stores p and assigns its id
func (s *Store) AddPayment(p models.Payment) models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.ID = s.st.id()
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	s.st.payments[p.ID] = p
	return p
}

// Inspection helpers

// TripStatus returns the status of a trip
func (s *Store) TripStatus(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.trips[id].Status
}

// OfferStatus returns the status of an offer
func (s *Store) OfferStatus(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.offers[id]
}

// ProductOfferStatus returns the status of a product offer
func (s *Store) ProductOfferStatus(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.productOffers[id].Status
}

// Settlements returns every settlement
func (s *Store) Settlements() []models.Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Settlement, 0, len(s.st.settlements))
	for _, st := range s.st.settlements {
		out = append(out, st)
	}
	return out
}

// WebhookEvents returns every stored webhook
func (s *Store) WebhookEvents() []models.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.WebhookEvent, 0, len(s.st.webhooks))
	for _, e := range s.st.webhooks {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetWebhookCreatedAt backdates a stored webhook
func (s *Store) SetWebhookCreatedAt(eventID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.st.webhooks[eventID]
	e.CreatedAt = at
	s.st.webhooks[eventID] = e
}

// Non-transactional operations, mirroring store.Store

func (s *Store) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.st.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %d", store.ErrNotFound, id)
	}
	return &p, nil
}

func (s *Store) GetPaymentByKey(ctx context.Context, paymentKey string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.st.payments {
		if p.PaymentKey == paymentKey {
			p := p
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%w: payment %s", store.ErrNotFound, paymentKey)
}

func (s *Store) ListRefunds(ctx context.Context, paymentID int64) ([]models.PaymentRefund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{st: s.st}).refundsOf(paymentID), nil
}

func (s *Store) GetCancellationRequest(ctx context.Context, id int64) (*models.CancellationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.st.cancellations[id]
	if !ok {
		return nil, fmt.Errorf("%w: cancellation request %d", store.ErrNotFound, id)
	}
	return &r, nil
}

func (s *Store) GetSettlementByPaymentID(ctx context.Context, paymentID int64) (*models.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.st.settlements {
		if st.PaymentID == paymentID {
			st := st
			return &st, nil
		}
	}
	return nil, fmt.Errorf("%w: settlement for payment %d", store.ErrNotFound, paymentID)
}

func (s *Store) InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.webhooks[event.EventID]; ok {
		return false, nil
	}

	event.ID = s.st.id()
	event.Status = models.WebhookEventPending
	event.CreatedAt = s.now()
	s.st.webhooks[event.EventID] = *event
	return true, nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.st.webhooks[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: webhook event %s", store.ErrNotFound, eventID)
	}
	return &e, nil
}

func (s *Store) MarkWebhookProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.st.webhooks[eventID]
	if !ok {
		return nil
	}
	now := s.now()
	e.Status = models.WebhookEventProcessed
	e.ProcessedAt = &now
	e.ErrorMessage = nil
	s.st.webhooks[eventID] = e
	return nil
}

func (s *Store) MarkWebhookFailed(ctx context.Context, eventID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.st.webhooks[eventID]
	if !ok {
		return nil
	}
	e.Status = models.WebhookEventFailed
	e.RetryCount++
	e.ErrorMessage = &message
	s.st.webhooks[eventID] = e
	return nil
}

func (s *Store) ListReconcilableWebhookEvents(ctx context.Context, maxRetries int, stuckBefore time.Time, limit int) ([]models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.WebhookEvent
	for _, e := range s.st.webhooks {
		failed := e.Status == models.WebhookEventFailed && e.RetryCount < maxRetries
		stuck := e.Status == models.WebhookEventPending && e.CreatedAt.Before(stuckBefore)
		if failed || stuck {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkPaymentWebhooksProcessed(ctx context.Context, paymentKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := s.now()
	for id, e := range s.st.webhooks {
		if e.PaymentKey != paymentKey || e.Status == models.WebhookEventProcessed {
			continue
		}
		e.Status = models.WebhookEventProcessed
		e.ProcessedAt = &now
		e.ErrorMessage = nil
		s.st.webhooks[id] = e
		n++
	}
	return n, nil
}

type memTx struct {
	st  *state
	now func() time.Time
}

func (t *memTx) GetPaymentForUpdate(ctx context.Context, id int64) (*models.Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %d", store.ErrNotFound, id)
	}
	return &p, nil
}

func (t *memTx) GetPaymentByKeyForUpdate(ctx context.Context, paymentKey string) (*models.Payment, error) {
	for _, p := range t.st.payments {
		if p.PaymentKey == paymentKey {
			p := p
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%w: payment %s", store.ErrNotFound, paymentKey)
}

func (t *memTx) UpdatePayment(ctx context.Context, p *models.Payment, from models.PaymentStatus) error {
	current, ok := t.st.payments[p.ID]
	if !ok {
		return fmt.Errorf("%w: payment %d", store.ErrNotFound, p.ID)
	}
	if current.Status != from {
		return fmt.Errorf("%w: payment %d is no longer %s", store.ErrStaleState, p.ID, from)
	}
	if p.RefundAmount < 0 || p.RefundAmount > p.Amount {
		return fmt.Errorf("payments_refund_bound violated: refund %d of %d", p.RefundAmount, p.Amount)
	}

	updated := *p
	updated.UpdatedAt = t.now()
	t.st.payments[p.ID] = updated
	return nil
}

func (t *memTx) InsertRefund(ctx context.Context, r *models.PaymentRefund) (bool, error) {
	if _, ok := t.st.refunds[r.TransactionKey]; ok {
		return false, nil
	}
	r.ID = t.st.id()
	r.CreatedAt = t.now()
	t.st.refunds[r.TransactionKey] = *r
	return true, nil
}

func (t *memTx) ListRefunds(ctx context.Context, paymentID int64) ([]models.PaymentRefund, error) {
	return t.refundsOf(paymentID), nil
}

func (t *memTx) refundsOf(paymentID int64) []models.PaymentRefund {
	var out []models.PaymentRefund
	for _, r := range t.st.refunds {
		if r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memTx) InsertSettlement(ctx context.Context, st *models.Settlement) (bool, error) {
	for _, existing := range t.st.settlements {
		if existing.PaymentID == st.PaymentID {
			return false, nil
		}
	}
	st.ID = t.st.id()
	st.CreatedAt = t.now()
	t.st.settlements[st.ID] = *st
	return true, nil
}

func (t *memTx) BookingStartDate(ctx context.Context, ref models.BookingRef) (time.Time, error) {
	switch b := ref.(type) {
	case models.TripBooking:
		if trip, ok := t.st.trips[b.TripID]; ok {
			return trip.StartDate, nil
		}
	case models.ProductBooking:
		if po, ok := t.st.productOffers[b.ProductOfferID]; ok {
			return po.StartDate, nil
		}
	default:
		return time.Time{}, fmt.Errorf("unknown booking %T", ref)
	}
	return time.Time{}, fmt.Errorf("%w: booking start date", store.ErrNotFound)
}

func (t *memTx) MarkBooked(ctx context.Context, ref models.BookingRef) error {
	return t.setBooking(ref, models.TripStatusConfirmed, models.OfferStatusAccepted, models.ProductOfferStatusConfirmed)
}

func (t *memTx) RevertBooking(ctx context.Context, ref models.BookingRef) error {
	return t.setBooking(ref, models.TripStatusRecruiting, models.OfferStatusPending, models.ProductOfferStatusOpen)
}

func (t *memTx) setBooking(ref models.BookingRef, tripStatus, offerStatus, productOfferStatus string) error {
	switch b := ref.(type) {
	case models.TripBooking:
		trip := t.st.trips[b.TripID]
		trip.Status = tripStatus
		t.st.trips[b.TripID] = trip
		t.st.offers[b.OfferID] = offerStatus
	case models.ProductBooking:
		po := t.st.productOffers[b.ProductOfferID]
		po.Status = productOfferStatus
		t.st.productOffers[b.ProductOfferID] = po
	default:
		return fmt.Errorf("unknown booking %T", ref)
	}
	return nil
}

func (t *memTx) CreateCancellationRequest(ctx context.Context, r *models.CancellationRequest) error {
	for _, existing := range t.st.cancellations {
		if existing.PaymentID == r.PaymentID && existing.ProcessedAt == nil {
			return fmt.Errorf("%w: open cancellation for payment %d", store.ErrDuplicate, r.PaymentID)
		}
	}
	r.ID = t.st.id()
	r.CreatedAt = t.now()
	r.UpdatedAt = r.CreatedAt
	t.st.cancellations[r.ID] = *r
	return nil
}

func (t *memTx) GetCancellationRequestForUpdate(ctx context.Context, id int64) (*models.CancellationRequest, error) {
	r, ok := t.st.cancellations[id]
	if !ok {
		return nil, fmt.Errorf("%w: cancellation request %d", store.ErrNotFound, id)
	}
	return &r, nil
}

func (t *memTx) HasOpenCancellation(ctx context.Context, paymentID int64) (bool, error) {
	for _, r := range t.st.cancellations {
		if r.PaymentID == paymentID && r.ProcessedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) UpdateCancellationRequest(ctx context.Context, r *models.CancellationRequest) error {
	if _, ok := t.st.cancellations[r.ID]; !ok {
		return fmt.Errorf("%w: cancellation request %d", store.ErrNotFound, r.ID)
	}
	updated := *r
	updated.UpdatedAt = t.now()
	t.st.cancellations[r.ID] = updated
	return nil
}
