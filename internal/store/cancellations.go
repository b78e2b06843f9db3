package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketplace-payments/internal/models"
)

// GetCancellationRequest retrieves a cancellation request by ID
func (s *Store) GetCancellationRequest(ctx context.Context, id int64) (*models.CancellationRequest, error) {
	var req models.CancellationRequest
	err := s.db.GetContext(ctx, &req, "SELECT * FROM cancellation_requests WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: cancellation request %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// GetSettlementByPaymentID retrieves the settlement of a payment
func (s *Store) GetSettlementByPaymentID(ctx context.Context, paymentID int64) (*models.Settlement, error) {
	var settlement models.Settlement
	err := s.db.GetContext(ctx, &settlement, "SELECT * FROM settlements WHERE payment_id = $1", paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: settlement for payment %d", ErrNotFound, paymentID)
	}
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

func (t *sqlTx) CreateCancellationRequest(ctx context.Context, r *models.CancellationRequest) error {
	query := `
		INSERT INTO cancellation_requests (
			payment_id, requester_id, requester_type, reason_type, reason_detail,
			calculated_refund_amount, refund_percentage, days_before_trip, policy_label, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	err := t.tx.QueryRowxContext(ctx, query,
		r.PaymentID, r.RequesterID, r.RequesterType, r.ReasonType, r.ReasonDetail,
		r.CalculatedRefundAmount, r.RefundPercentage, r.DaysBeforeTrip, r.PolicyLabel, r.Status).
		Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: open cancellation for payment %d", ErrDuplicate, r.PaymentID)
	}
	if err != nil {
		return fmt.Errorf("failed to create cancellation request: %w", err)
	}
	return nil
}

func (t *sqlTx) GetCancellationRequestForUpdate(ctx context.Context, id int64) (*models.CancellationRequest, error) {
	var req models.CancellationRequest
	err := t.tx.GetContext(ctx, &req, "SELECT * FROM cancellation_requests WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: cancellation request %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (t *sqlTx) HasOpenCancellation(ctx context.Context, paymentID int64) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM cancellation_requests WHERE payment_id = $1 AND processed_at IS NULL)",
		paymentID)
	return exists, err
}

func (t *sqlTx) UpdateCancellationRequest(ctx context.Context, r *models.CancellationRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE cancellation_requests
		SET status = $1, actual_refund_amount = $2, processed_by = $3, processed_at = $4,
		    admin_notes = $5, updated_at = NOW()
		WHERE id = $6`,
		r.Status, r.ActualRefundAmount, r.ProcessedBy, r.ProcessedAt, r.AdminNotes, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update cancellation request %d: %w", r.ID, err)
	}
	return nil
}

func (t *sqlTx) InsertSettlement(ctx context.Context, st *models.Settlement) (bool, error) {
	query := `
		INSERT INTO settlements (
			payment_id, commission_rate, commission_amount, tax_rate, tax_amount, settlement_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (payment_id) DO NOTHING
		RETURNING id, created_at`

	err := t.tx.QueryRowxContext(ctx, query,
		st.PaymentID, st.CommissionRate, st.CommissionAmount, st.TaxRate, st.TaxAmount,
		st.SettlementAmount, st.Status).
		Scan(&st.ID, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert settlement: %w", err)
	}
	return true, nil
}
