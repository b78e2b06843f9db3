package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketplace-payments/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetPayment retrieves a payment by ID
func (s *Store) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	return getPayment(ctx, s.db, "SELECT * FROM payments WHERE id = $1", id)
}

// GetPaymentByKey retrieves a payment by its gateway key
func (s *Store) GetPaymentByKey(ctx context.Context, paymentKey string) (*models.Payment, error) {
	return getPayment(ctx, s.db, "SELECT * FROM payments WHERE payment_key = $1", paymentKey)
}

// ListRefunds retrieves the recorded cancel transactions of a payment
func (s *Store) ListRefunds(ctx context.Context, paymentID int64) ([]models.PaymentRefund, error) {
	return listRefunds(ctx, s.db, paymentID)
}

func (t *sqlTx) GetPaymentForUpdate(ctx context.Context, id int64) (*models.Payment, error) {
	return getPayment(ctx, t.tx, "SELECT * FROM payments WHERE id = $1 FOR UPDATE", id)
}

func (t *sqlTx) GetPaymentByKeyForUpdate(ctx context.Context, paymentKey string) (*models.Payment, error) {
	return getPayment(ctx, t.tx, "SELECT * FROM payments WHERE payment_key = $1 FOR UPDATE", paymentKey)
}

func (t *sqlTx) UpdatePayment(ctx context.Context, p *models.Payment, from models.PaymentStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, paid_at = $2, cancelled_at = $3, refunded_at = $4,
		    refund_amount = $5, failure_reason = $6, updated_at = NOW()
		WHERE id = $7 AND status = $8`,
		p.Status, p.PaidAt, p.CancelledAt, p.RefundedAt,
		p.RefundAmount, p.FailureReason, p.ID, from)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: payment %d is no longer %s", ErrStaleState, p.ID, from)
	}
	return nil
}

func (t *sqlTx) InsertRefund(ctx context.Context, r *models.PaymentRefund) (bool, error) {
	query := `
		INSERT INTO payment_refunds (payment_id, transaction_key, cancel_amount, cancel_reason, canceled_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transaction_key) DO NOTHING
		RETURNING id, created_at`

	err := t.tx.QueryRowxContext(ctx, query,
		r.PaymentID, r.TransactionKey, r.CancelAmount, r.CancelReason, r.CanceledAt).
		Scan(&r.ID, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert refund: %w", err)
	}
	return true, nil
}

func (t *sqlTx) ListRefunds(ctx context.Context, paymentID int64) ([]models.PaymentRefund, error) {
	return listRefunds(ctx, t.tx, paymentID)
}

func (t *sqlTx) BookingStartDate(ctx context.Context, ref models.BookingRef) (time.Time, error) {
	var (
		start time.Time
		err   error
	)

	switch b := ref.(type) {
	case models.TripBooking:
		err = t.tx.GetContext(ctx, &start, "SELECT start_date FROM trips WHERE id = $1", b.TripID)
	case models.ProductBooking:
		err = t.tx.GetContext(ctx, &start, "SELECT start_date FROM product_offers WHERE id = $1", b.ProductOfferID)
	default:
		return time.Time{}, fmt.Errorf("unknown booking %T", ref)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: booking start date", ErrNotFound)
	}
	return start, err
}

func (t *sqlTx) MarkBooked(ctx context.Context, ref models.BookingRef) error {
	switch b := ref.(type) {
	case models.TripBooking:
		return t.setTripStatus(ctx, b, models.TripStatusConfirmed, models.OfferStatusAccepted)
	case models.ProductBooking:
		return t.setProductOfferStatus(ctx, b, models.ProductOfferStatusConfirmed)
	default:
		return fmt.Errorf("unknown booking %T", ref)
	}
}

func (t *sqlTx) RevertBooking(ctx context.Context, ref models.BookingRef) error {
	switch b := ref.(type) {
	case models.TripBooking:
		return t.setTripStatus(ctx, b, models.TripStatusRecruiting, models.OfferStatusPending)
	case models.ProductBooking:
		return t.setProductOfferStatus(ctx, b, models.ProductOfferStatusOpen)
	default:
		return fmt.Errorf("unknown booking %T", ref)
	}
}

func (t *sqlTx) setTripStatus(ctx context.Context, b models.TripBooking, tripStatus, offerStatus string) error {
	if _, err := t.tx.ExecContext(ctx,
		"UPDATE trips SET status = $1, updated_at = NOW() WHERE id = $2", tripStatus, b.TripID); err != nil {
		return fmt.Errorf("failed to update trip %d: %w", b.TripID, err)
	}
	if _, err := t.tx.ExecContext(ctx,
		"UPDATE offers SET status = $1, updated_at = NOW() WHERE id = $2", offerStatus, b.OfferID); err != nil {
		return fmt.Errorf("failed to update offer %d: %w", b.OfferID, err)
	}
	return nil
}

func (t *sqlTx) setProductOfferStatus(ctx context.Context, b models.ProductBooking, status string) error {
	if _, err := t.tx.ExecContext(ctx,
		"UPDATE product_offers SET status = $1, updated_at = NOW() WHERE id = $2", status, b.ProductOfferID); err != nil {
		return fmt.Errorf("failed to update product offer %d: %w", b.ProductOfferID, err)
	}
	return nil
}

func getPayment(ctx context.Context, q sqlx.QueryerContext, query string, arg interface{}) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, q, &payment, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: payment %v", ErrNotFound, arg)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func listRefunds(ctx context.Context, q sqlx.QueryerContext, paymentID int64) ([]models.PaymentRefund, error) {
	var refunds []models.PaymentRefund
	err := sqlx.SelectContext(ctx, q, &refunds,
		"SELECT * FROM payment_refunds WHERE payment_id = $1 ORDER BY canceled_at, id", paymentID)
	return refunds, err
}
