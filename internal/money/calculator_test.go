package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/studioledger/studioledger/internal/shared"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, d(want).Equal(got), "want %s, got %s", want, got.String())
}

func TestCalculateExclusiveWithAmountDiscount(t *testing.T) {
	totals, err := Calculate(Input{
		Items:    []LineItem{{Description: "Shoot day", Quantity: d("2"), UnitPrice: d("500"), TaxRate: d("18")}},
		Discount: Discount{Mode: DiscountAmount, Value: d("100")},
		TaxMode:  TaxExclusive,
		Shipping: d("50"),
	})
	require.NoError(t, err)
	requireAmount(t, "1000", totals.SubTotal)
	requireAmount(t, "100", totals.DiscountTotal)
	requireAmount(t, "162", totals.TaxTotal)
	requireAmount(t, "50", totals.ShippingTotal)
	requireAmount(t, "1112.00", totals.GrandTotal)
	requireAmount(t, "0", totals.AmountPaid)
	requireAmount(t, "1112", totals.AmountDue)
}

func TestCalculateInclusiveExtractsEmbeddedTax(t *testing.T) {
	totals, err := Calculate(Input{
		Items:   []LineItem{{Quantity: d("1"), UnitPrice: d("118"), TaxRate: d("18")}},
		TaxMode: TaxInclusive,
	})
	require.NoError(t, err)
	requireAmount(t, "118", totals.SubTotal)
	requireAmount(t, "18", totals.TaxTotal)
	requireAmount(t, "118", totals.GrandTotal)
}

func TestCalculateInclusiveScalesTaxByDiscountRatio(t *testing.T) {
	totals, err := Calculate(Input{
		Items:    []LineItem{{Quantity: d("1"), UnitPrice: d("118"), TaxRate: d("18")}},
		Discount: Discount{Mode: DiscountPercent, Value: d("50")},
		TaxMode:  TaxInclusive,
		Shipping: d("10"),
	})
	require.NoError(t, err)
	requireAmount(t, "59", totals.DiscountTotal)
	requireAmount(t, "9", totals.TaxTotal)
	requireAmount(t, "69", totals.GrandTotal)
}

func TestCalculateAmountDiscountNeverExceedsSubtotal(t *testing.T) {
	totals, err := Calculate(Input{
		Items:    []LineItem{{Quantity: d("1"), UnitPrice: d("40"), TaxRate: d("0")}},
		Discount: Discount{Mode: DiscountAmount, Value: d("100")},
		Shipping: d("5"),
	})
	require.NoError(t, err)
	requireAmount(t, "40", totals.DiscountTotal)
	requireAmount(t, "5", totals.GrandTotal)
}

func TestCalculateRoundsOnlyPublishedFields(t *testing.T) {
	// Per-line rounding would give 3 × 0.33 = 0.99; full precision gives 1.00.
	items := make([]LineItem, 3)
	for i := range items {
		items[i] = LineItem{Quantity: d("1"), UnitPrice: d("0.333333"), TaxRate: d("0")}
	}
	totals, err := Calculate(Input{Items: items})
	require.NoError(t, err)
	requireAmount(t, "1.00", totals.SubTotal)
	requireAmount(t, "1.00", totals.GrandTotal)
}

func TestCalculateRoundsHalfUp(t *testing.T) {
	totals, err := Calculate(Input{Items: []LineItem{{Quantity: d("1"), UnitPrice: d("0.125"), TaxRate: d("0")}}})
	require.NoError(t, err)
	requireAmount(t, "0.13", totals.GrandTotal)
}

func TestCalculateGrandTotalIdentity(t *testing.T) {
	cases := []Input{
		{
			Items: []LineItem{
				{Quantity: d("3"), UnitPrice: d("33.33"), TaxRate: d("7.5")},
				{Quantity: d("1.5"), UnitPrice: d("19.99"), TaxRate: d("18")},
			},
			Discount: Discount{Mode: DiscountPercent, Value: d("12.5")},
			TaxMode:  TaxExclusive,
			Shipping: d("4.99"),
		},
		{
			Items: []LineItem{
				{Quantity: d("7"), UnitPrice: d("12.345"), TaxRate: d("5")},
				{Quantity: d("2"), UnitPrice: d("99.995"), TaxRate: d("12")},
			},
			Discount: Discount{Mode: DiscountAmount, Value: d("17.77")},
			TaxMode:  TaxInclusive,
			Shipping: d("0"),
		},
	}
	for _, in := range cases {
		totals, err := Calculate(in)
		require.NoError(t, err)
		want := totals.SubTotal.Sub(totals.DiscountTotal).Add(totals.ShippingTotal)
		if in.TaxMode == TaxExclusive {
			want = want.Add(totals.TaxTotal)
		}
		require.True(t, want.Equal(totals.GrandTotal))
		require.True(t, totals.DiscountTotal.LessThanOrEqual(totals.SubTotal))
		require.True(t, totals.GrandTotal.Equal(Round(totals.GrandTotal)))
	}
}

func TestCalculateRejectsInvalidInput(t *testing.T) {
	_, err := Calculate(Input{})
	require.True(t, errors.Is(err, shared.ErrValidation))

	_, err = Calculate(Input{Items: []LineItem{{Quantity: d("1"), UnitPrice: d("10"), TaxRate: d("100")}}})
	var vErr *shared.ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Contains(t, vErr.Violations, "items[0].taxRate must be within [0,100)")

	_, err = Calculate(Input{Items: []LineItem{{Quantity: d("1"), UnitPrice: d("10")}}, TaxMode: "GROSS"})
	require.True(t, errors.Is(err, shared.ErrValidation))

	_, err = Calculate(Input{Items: []LineItem{{Quantity: d("0"), UnitPrice: d("10")}}})
	require.True(t, errors.Is(err, shared.ErrValidation), "zero grand total must be rejected")
}

func TestApplyPayment(t *testing.T) {
	totals, err := Calculate(Input{Items: []LineItem{{Quantity: d("1"), UnitPrice: d("1112")}}})
	require.NoError(t, err)

	totals, err = totals.ApplyPayment(d("600"))
	require.NoError(t, err)
	requireAmount(t, "512", totals.AmountDue)
	require.False(t, totals.IsSettled())

	_, err = totals.ApplyPayment(d("512.01"))
	require.True(t, errors.Is(err, shared.ErrValidation))

	_, err = totals.ApplyPayment(d("0"))
	require.True(t, errors.Is(err, shared.ErrValidation))

	totals, err = totals.ApplyPayment(d("512"))
	require.NoError(t, err)
	requireAmount(t, "0.00", totals.AmountDue)
	require.True(t, totals.IsSettled())
}
