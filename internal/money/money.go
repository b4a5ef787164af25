// Package money computes ledger document totals with decimal arithmetic.
package money

import (
	"github.com/shopspring/decimal"
)

// Places is the number of decimal places kept on published amounts.
const Places = 2

// TaxMode controls whether line prices include tax.
type TaxMode string

const (
	TaxExclusive TaxMode = "EXCLUSIVE"
	TaxInclusive TaxMode = "INCLUSIVE"
)

// Valid reports whether the mode is known.
func (m TaxMode) Valid() bool {
	return m == TaxExclusive || m == TaxInclusive
}

// DiscountMode selects how a discount value is interpreted.
type DiscountMode string

const (
	DiscountPercent DiscountMode = "PERCENT"
	DiscountAmount  DiscountMode = "AMOUNT"
)

// Valid reports whether the mode is known.
func (m DiscountMode) Valid() bool {
	return m == DiscountPercent || m == DiscountAmount
}

var hundred = decimal.NewFromInt(100)

// LineItem is one billable line.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	TaxRate     decimal.Decimal `json:"taxRate"`
	Category    string          `json:"category,omitempty"`
}

// Amount returns quantity × unit price at full precision.
func (l LineItem) Amount() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

// Discount is applied to the subtotal.
type Discount struct {
	Mode  DiscountMode    `json:"mode"`
	Value decimal.Decimal `json:"value"`
}

// Input bundles everything that determines a document's totals.
type Input struct {
	Items    []LineItem
	Discount Discount
	TaxMode  TaxMode
	Shipping decimal.Decimal
}

// Totals are derived amounts; never edited by hand.
type Totals struct {
	SubTotal      decimal.Decimal `json:"subTotal"`
	DiscountTotal decimal.Decimal `json:"discountTotal"`
	TaxTotal      decimal.Decimal `json:"taxTotal"`
	ShippingTotal decimal.Decimal `json:"shippingTotal"`
	GrandTotal    decimal.Decimal `json:"grandTotal"`
	AmountPaid    decimal.Decimal `json:"amountPaid"`
	AmountDue     decimal.Decimal `json:"amountDue"`
}

// Round rounds half-up to the published number of places. Amounts in the
// ledger are never negative, so half-away-from-zero equals half-up.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// IsSettled reports whether the paid amount covers the grand total.
func (t Totals) IsSettled() bool {
	return t.AmountPaid.GreaterThanOrEqual(t.GrandTotal)
}
