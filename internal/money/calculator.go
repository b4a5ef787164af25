package money

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/studioledger/studioledger/internal/shared"
)

// Normalize fills defaults for optional modes.
func (in Input) Normalize() Input {
	if in.TaxMode == "" {
		in.TaxMode = TaxExclusive
	}
	if in.Discount.Mode == "" {
		in.Discount.Mode = DiscountAmount
	}
	return in
}

// Validate reports every violated constraint at once.
func (in Input) Validate() error {
	var violations []string
	if len(in.Items) == 0 {
		violations = append(violations, "items must not be empty")
	}
	for i, item := range in.Items {
		if item.Quantity.IsNegative() {
			violations = append(violations, fmt.Sprintf("items[%d].quantity must be non-negative", i))
		}
		if item.UnitPrice.IsNegative() {
			violations = append(violations, fmt.Sprintf("items[%d].unitPrice must be non-negative", i))
		}
		if item.TaxRate.IsNegative() || item.TaxRate.GreaterThanOrEqual(hundred) {
			violations = append(violations, fmt.Sprintf("items[%d].taxRate must be within [0,100)", i))
		}
	}
	if !in.TaxMode.Valid() {
		violations = append(violations, fmt.Sprintf("taxMode %q is not supported", in.TaxMode))
	}
	if !in.Discount.Mode.Valid() {
		violations = append(violations, fmt.Sprintf("discount.mode %q is not supported", in.Discount.Mode))
	}
	if in.Discount.Value.IsNegative() {
		violations = append(violations, "discount.value must be non-negative")
	}
	if in.Discount.Mode == DiscountPercent && in.Discount.Value.GreaterThan(hundred) {
		violations = append(violations, "discount.value must not exceed 100 percent")
	}
	if in.Shipping.IsNegative() {
		violations = append(violations, "shipping must be non-negative")
	}
	if len(violations) > 0 {
		return shared.NewValidationError(violations...)
	}
	return nil
}

// Calculate derives document totals. Components are computed at full precision
// and rounded once when published; the grand total is the sum of the published
// components so the printed figures always add up.
func Calculate(in Input) (Totals, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return Totals{}, err
	}

	subTotal := decimal.Zero
	rawTax := decimal.Zero
	for _, item := range in.Items {
		amount := item.Amount()
		subTotal = subTotal.Add(amount)
		switch in.TaxMode {
		case TaxExclusive:
			rawTax = rawTax.Add(amount.Mul(item.TaxRate).Div(hundred))
		case TaxInclusive:
			rawTax = rawTax.Add(amount.Mul(item.TaxRate).Div(hundred.Add(item.TaxRate)))
		}
	}

	var discountTotal decimal.Decimal
	switch in.Discount.Mode {
	case DiscountPercent:
		discountTotal = subTotal.Mul(in.Discount.Value).Div(hundred)
	default:
		discountTotal = decimal.Min(in.Discount.Value, subTotal)
	}
	discounted := subTotal.Sub(discountTotal)

	taxTotal := decimal.Zero
	if subTotal.IsPositive() {
		taxTotal = rawTax.Mul(discounted).Div(subTotal)
	}

	totals := Totals{
		SubTotal:      Round(subTotal),
		DiscountTotal: Round(discountTotal),
		TaxTotal:      Round(taxTotal),
		ShippingTotal: Round(in.Shipping),
		AmountPaid:    decimal.Zero,
	}
	grand := totals.SubTotal.Sub(totals.DiscountTotal).Add(totals.ShippingTotal)
	if in.TaxMode == TaxExclusive {
		grand = grand.Add(totals.TaxTotal)
	}
	if !grand.IsPositive() {
		return Totals{}, shared.NewValidationError("grandTotal must be greater than zero")
	}
	totals.GrandTotal = grand
	totals.AmountDue = grand
	return totals, nil
}

// ApplyPayment returns totals after a payment of amount. The amount must be
// positive and must not exceed the amount due.
func (t Totals) ApplyPayment(amount decimal.Decimal) (Totals, error) {
	amount = Round(amount)
	if !amount.IsPositive() {
		return t, shared.NewValidationError("amount must be greater than zero")
	}
	if amount.GreaterThan(t.AmountDue) {
		return t, shared.NewValidationError(fmt.Sprintf("amount %s exceeds amount due %s", amount.StringFixed(Places), t.AmountDue.StringFixed(Places)))
	}
	t.AmountPaid = t.AmountPaid.Add(amount)
	t.AmountDue = t.GrandTotal.Sub(t.AmountPaid)
	return t, nil
}
