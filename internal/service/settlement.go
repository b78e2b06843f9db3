package service

import (
	"context"
	"fmt"

	"marketplace-payments/internal/models"
	"marketplace-payments/internal/store"

	"github.com/shopspring/decimal"
)

// SettlementCalculator splits a completed payment into platform commission, tax and guide payout
type SettlementCalculator struct {
	CommissionRate decimal.Decimal
	TaxRate        decimal.Decimal
}

// NewSettlementCalculator parses decimal rates such as "0.1" and "0.033"
func NewSettlementCalculator(commissionRate, taxRate string) (*SettlementCalculator, error) {
	commission, err := decimal.NewFromString(commissionRate)
	if err != nil {
		return nil, fmt.Errorf("invalid commission rate %q: %w", commissionRate, err)
	}
	tax, err := decimal.NewFromString(taxRate)
	if err != nil {
		return nil, fmt.Errorf("invalid tax rate %q: %w", taxRate, err)
	}

	one := decimal.NewFromInt(1)
	if commission.IsNegative() || tax.IsNegative() || commission.Add(tax).GreaterThan(one) {
		return nil, fmt.Errorf("rates must be non-negative and sum to at most 1, got %s + %s", commission, tax)
	}

	return &SettlementCalculator{CommissionRate: commission, TaxRate: tax}, nil
}

// Compute floors commission and tax; the guide receives the remainder
func (c *SettlementCalculator) Compute(paymentID, amount int64) models.Settlement {
	total := decimal.NewFromInt(amount)
	commission := total.Mul(c.CommissionRate).Floor().IntPart()
	tax := total.Mul(c.TaxRate).Floor().IntPart()

	return models.Settlement{
		PaymentID:        paymentID,
		CommissionRate:   c.CommissionRate.String(),
		CommissionAmount: commission,
		TaxRate:          c.TaxRate.String(),
		TaxAmount:        tax,
		SettlementAmount: amount - commission - tax,
		Status:           models.SettlementStatusPending,
	}
}

// EnsureSettlement creates the settlement of a payment unless one already exists.
// It reports whether a row was created.
func (c *SettlementCalculator) EnsureSettlement(ctx context.Context, tx store.Tx, paymentID, amount int64) (bool, error) {
	settlement := c.Compute(paymentID, amount)
	created, err := tx.InsertSettlement(ctx, &settlement)
	if err != nil {
		return false, fmt.Errorf("failed to ensure settlement for payment %d: %w", paymentID, err)
	}
	return created, nil
}
