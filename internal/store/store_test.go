package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"marketplace-payments/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to TEST_DATABASE_URL and applies the schema
func openTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - set TEST_DATABASE_URL to run")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// seedTripPayment inserts a trip, an offer and a completed payment for them
func seedTripPayment(t *testing.T, s *Store, amount int64) *models.Payment {
	t.Helper()
	ctx := context.Background()

	var tripID, offerID int64
	require.NoError(t, s.db.QueryRowxContext(ctx,
		`INSERT INTO trips (start_date) VALUES ($1) RETURNING id`, time.Now().AddDate(0, 0, 10)).Scan(&tripID))
	require.NoError(t, s.db.QueryRowxContext(ctx,
		`INSERT INTO offers (trip_id) VALUES ($1) RETURNING id`, tripID).Scan(&offerID))

	var id int64
	require.NoError(t, s.db.QueryRowxContext(ctx, `
		INSERT INTO payments (amount, status, payment_key, order_id, trip_id, offer_id)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		amount, models.PaymentStatusCompleted, "pk-"+uuid.NewString(), "order-"+uuid.NewString(), tripID, offerID).
		Scan(&id))

	p, err := s.GetPayment(ctx, id)
	require.NoError(t, err)
	return p
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestGetPaymentNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetPayment(context.Background(), -1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetPaymentByKey(context.Background(), "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWebhookEventIdempotency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	event := &models.WebhookEvent{
		EventID:    "evt-" + uuid.NewString(),
		EventType:  "PAYMENT.DONE",
		PaymentKey: "pk-1",
		Payload:    []byte(`{"eventType":"PAYMENT.DONE"}`),
	}

	// First delivery
	inserted, err := s.InsertWebhookEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, event.ID)

	// Redelivery
	again := *event
	inserted, err = s.InsertWebhookEvent(ctx, &again)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, s.MarkWebhookFailed(ctx, event.EventID, "boom"))
	stored, err := s.GetWebhookEvent(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	require.NoError(t, s.MarkWebhookProcessed(ctx, event.EventID))
	stored, err = s.GetWebhookEvent(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventProcessed, stored.Status)
	assert.Nil(t, stored.ErrorMessage)
}

func TestUpdatePaymentComparesStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := seedTripPayment(t, s, 100000)

	err := s.WithTx(ctx, func(tx Tx) error {
		locked, err := tx.GetPaymentForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		locked.Status = models.PaymentStatusCancelled
		return tx.UpdatePayment(ctx, locked, models.PaymentStatusPending)
	})
	assert.ErrorIs(t, err, ErrStaleState)

	err = s.WithTx(ctx, func(tx Tx) error {
		locked, err := tx.GetPaymentForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		locked.Status = models.PaymentStatusPartiallyRefunded
		locked.RefundAmount = 30000
		return tx.UpdatePayment(ctx, locked, models.PaymentStatusCompleted)
	})
	require.NoError(t, err)

	got, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPartiallyRefunded, got.Status)
	assert.Equal(t, int64(30000), got.RefundAmount)
}

func TestRefundAndSettlementInsertsAreIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := seedTripPayment(t, s, 100000)

	refund := &models.PaymentRefund{
		PaymentID:      p.ID,
		TransactionKey: "tx-" + uuid.NewString(),
		CancelAmount:   30000,
		CanceledAt:     time.Now(),
	}
	settlement := &models.Settlement{
		PaymentID:        p.ID,
		CommissionRate:   "0.1",
		CommissionAmount: 10000,
		TaxRate:          "0.033",
		TaxAmount:        3300,
		SettlementAmount: 86700,
		Status:           models.SettlementStatusPending,
	}

	for i, want := range []bool{true, false} {
		err := s.WithTx(ctx, func(tx Tx) error {
			inserted, err := tx.InsertRefund(ctx, refund)
			if err != nil {
				return err
			}
			assert.Equal(t, want, inserted, "refund insert %d", i)

			inserted, err = tx.InsertSettlement(ctx, settlement)
			if err != nil {
				return err
			}
			assert.Equal(t, want, inserted, "settlement insert %d", i)
			return nil
		})
		require.NoError(t, err)
	}

	refunds, err := s.ListRefunds(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 1)

	st, err := s.GetSettlementByPaymentID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(86700), st.SettlementAmount)
}

func TestRevertBookingReopensTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := seedTripPayment(t, s, 100000)

	ref, err := p.Booking()
	require.NoError(t, err)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.MarkBooked(ctx, ref) }))
	var status string
	require.NoError(t, s.db.GetContext(ctx, &status, `SELECT status FROM trips WHERE id = $1`, *p.TripID))
	assert.Equal(t, models.TripStatusConfirmed, status)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.RevertBooking(ctx, ref) }))
	require.NoError(t, s.db.GetContext(ctx, &status, `SELECT status FROM trips WHERE id = $1`, *p.TripID))
	assert.Equal(t, models.TripStatusRecruiting, status)
}
