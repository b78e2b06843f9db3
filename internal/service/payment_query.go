package service

import (
	"context"
	"errors"

	"marketplace-payments/internal/models"
	"marketplace-payments/internal/store"
)

// PaymentDetails is the ledger view of one payment
type PaymentDetails struct {
	Payment    *models.Payment        `json:"payment"`
	Refunds    []models.PaymentRefund `json:"refunds"`
	Settlement *models.Settlement     `json:"settlement,omitempty"`
}

// PaymentQuery reads the ledger for operators
type PaymentQuery struct {
	repo Repository
}

func NewPaymentQuery(repo Repository) *PaymentQuery {
	return &PaymentQuery{repo: repo}
}

// GetPayment returns a payment with its refunds and settlement
func (q *PaymentQuery) GetPayment(ctx context.Context, id int64) (*PaymentDetails, error) {
	p, err := q.repo.GetPayment(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}

	refunds, err := q.repo.ListRefunds(ctx, id)
	if err != nil {
		return nil, err
	}
	if refunds == nil {
		refunds = []models.PaymentRefund{}
	}

	settlement, err := q.repo.GetSettlementByPaymentID(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return &PaymentDetails{Payment: p, Refunds: refunds, Settlement: settlement}, nil
}

// GetCancellation returns a cancellation request
func (q *PaymentQuery) GetCancellation(ctx context.Context, id int64) (*models.CancellationRequest, error) {
	req, err := q.repo.GetCancellationRequest(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}
	return req, nil
}
