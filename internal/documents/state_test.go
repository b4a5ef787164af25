package documents

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/studioledger/studioledger/internal/money"
	"github.com/studioledger/studioledger/internal/shared"
)

func sampleDoc(t *testing.T, kind Kind, subtype Subtype) Document {
	t.Helper()
	totals, err := money.Calculate(money.Input{
		Items:    []money.LineItem{{Description: "Shoot day", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(500), TaxRate: decimal.NewFromInt(18)}},
		Discount: money.Discount{Mode: money.DiscountAmount, Value: decimal.NewFromInt(100)},
		TaxMode:  money.TaxExclusive,
		Shipping: decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	due := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	return Document{
		ID:        "doc-1",
		OrgID:     "org-1",
		Kind:      kind,
		Subtype:   subtype,
		ClientID:  "client-1",
		Items:     []money.LineItem{{Description: "Shoot day", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(500), TaxRate: decimal.NewFromInt(18)}},
		Totals:    totals,
		Status:    StatusDraft,
		IssueDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		DueDate:   &due,
	}
}

var march10 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestPaymentsDriveSentPartialPaid(t *testing.T) {
	doc := sampleDoc(t, KindInvoice, SubtypeFinal)
	require.NoError(t, doc.Issue("INV-2025-0001", "acct", march10))
	require.Equal(t, StatusSent, doc.Status)

	require.NoError(t, doc.ApplyPayment(decimal.NewFromInt(600), "acct", march10))
	require.Equal(t, StatusPartial, doc.Status)
	require.True(t, doc.Totals.AmountDue.Equal(decimal.NewFromInt(512)))

	require.NoError(t, doc.ApplyPayment(decimal.NewFromInt(512), "acct", march10))
	require.Equal(t, StatusPaid, doc.Status)
	require.Equal(t, "0.00", doc.Totals.AmountDue.StringFixed(2))
	require.Equal(t, 2, doc.PaymentCount)
}

func TestPayslipIsPublished(t *testing.T) {
	doc := sampleDoc(t, KindPayslip, SubtypeNone)
	require.NoError(t, doc.Issue("PS-2025-0001", "acct", march10))
	require.Equal(t, StatusPublished, doc.Status)
}

func TestOverdueOnlyForFinalInvoicesAndBills(t *testing.T) {
	late := time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)

	final := sampleDoc(t, KindInvoice, SubtypeFinal)
	require.NoError(t, final.Issue("INV-2025-0001", "acct", march10))
	changed, err := final.Recompute("system", late)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, StatusOverdue, final.Status)

	bill := sampleDoc(t, KindBill, SubtypeNone)
	require.NoError(t, bill.Issue("BILL-2025-0001", "acct", march10))
	_, err = bill.Recompute("system", late)
	require.NoError(t, err)
	require.Equal(t, StatusOverdue, bill.Status)

	budget := sampleDoc(t, KindInvoice, SubtypeBudget)
	require.NoError(t, budget.Issue("BUD-2025-0001", "acct", march10))
	changed, err = budget.Recompute("system", late)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, StatusSent, budget.Status)

	payslip := sampleDoc(t, KindPayslip, SubtypeNone)
	require.NoError(t, payslip.Issue("PS-2025-0001", "acct", march10))
	_, err = payslip.Recompute("system", late)
	require.NoError(t, err)
	require.Equal(t, StatusPublished, payslip.Status)
}

func TestOverdueDocumentStillSettles(t *testing.T) {
	late := time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)
	doc := sampleDoc(t, KindInvoice, SubtypeFinal)
	require.NoError(t, doc.Issue("INV-2025-0001", "acct", march10))
	_, err := doc.Recompute("system", late)
	require.NoError(t, err)

	require.NoError(t, doc.ApplyPayment(decimal.NewFromInt(100), "acct", late))
	require.Equal(t, StatusOverdue, doc.Status)
	require.NoError(t, doc.ApplyPayment(decimal.NewFromInt(1012), "acct", late))
	require.Equal(t, StatusPaid, doc.Status)
}

func TestApplyPaymentGuards(t *testing.T) {
	doc := sampleDoc(t, KindInvoice, SubtypeFinal)
	err := doc.ApplyPayment(decimal.NewFromInt(10), "acct", march10)
	require.True(t, errors.Is(err, shared.ErrConflict), "drafts take no payments")

	require.NoError(t, doc.Issue("INV-2025-0001", "acct", march10))
	require.True(t, errors.Is(doc.ApplyPayment(decimal.Zero, "acct", march10), shared.ErrValidation))
	require.True(t, errors.Is(doc.ApplyPayment(decimal.NewFromInt(2000), "acct", march10), shared.ErrValidation))
	require.Equal(t, StatusSent, doc.Status)

	budget := sampleDoc(t, KindInvoice, SubtypeBudget)
	require.NoError(t, budget.Issue("BUD-2025-0001", "acct", march10))
	require.True(t, errors.Is(budget.ApplyPayment(decimal.NewFromInt(10), "acct", march10), shared.ErrConflict))
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	paid := sampleDoc(t, KindInvoice, SubtypeFinal)
	require.NoError(t, paid.Issue("INV-2025-0001", "acct", march10))
	require.NoError(t, paid.ApplyPayment(paid.Totals.GrandTotal, "acct", march10))
	require.Equal(t, StatusPaid, paid.Status)
	require.True(t, IsTerminal(paid.Status))

	require.True(t, errors.Is(paid.Cancel("late", "acct", march10), shared.ErrConflict))
	require.True(t, errors.Is(paid.Void("late", "acct", march10), shared.ErrConflict))
	require.True(t, errors.Is(paid.Issue("INV-2025-0002", "acct", march10), shared.ErrConflict))
	require.True(t, errors.Is(paid.ApplyPayment(decimal.NewFromInt(1), "acct", march10), shared.ErrConflict))
	changed, err := paid.Recompute("system", march10.AddDate(1, 0, 0))
	require.NoError(t, err)
	require.False(t, changed)

	for _, st := range []Status{StatusPaid, StatusCancelled, StatusVoid, StatusConverted} {
		require.True(t, IsTerminal(st), st)
	}
	require.False(t, IsTerminal(StatusPartial))
}

func TestCancelRules(t *testing.T) {
	draft := sampleDoc(t, KindInvoice, SubtypeFinal)
	require.NoError(t, draft.Cancel("", "acct", march10))
	require.Equal(t, StatusCancelled, draft.Status)

	sent := sampleDoc(t, KindInvoice, SubtypeFinal)
	require.NoError(t, sent.Issue("INV-2025-0001", "acct", march10))
	require.True(t, errors.Is(sent.Cancel("", "acct", march10), shared.ErrValidation))
	require.NoError(t, sent.Cancel("client withdrew", "acct", march10))
	require.Equal(t, "client withdrew", sent.Audit[len(sent.Audit)-1].Note)

	partial := sampleDoc(t, KindInvoice, SubtypeFinal)
	require.NoError(t, partial.Issue("INV-2025-0002", "acct", march10))
	require.NoError(t, partial.ApplyPayment(decimal.NewFromInt(1), "acct", march10))
	var cErr *shared.ConflictError
	require.ErrorAs(t, partial.Cancel("oops", "acct", march10), &cErr)
	require.Equal(t, string(StatusPartial), cErr.CurrentState)
}

func TestDecideOnlyForSentEstimates(t *testing.T) {
	quote := sampleDoc(t, KindQuote, SubtypeNone)
	require.True(t, errors.Is(quote.Decide(true, "", "acct", march10), shared.ErrConflict))
	require.NoError(t, quote.Issue("QT-2025-0001", "acct", march10))
	require.NoError(t, quote.Decide(true, "signed", "acct", march10))
	require.Equal(t, StatusAccepted, quote.Status)

	final := sampleDoc(t, KindInvoice, SubtypeFinal)
	require.NoError(t, final.Issue("INV-2025-0001", "acct", march10))
	require.True(t, errors.Is(final.Decide(false, "", "acct", march10), shared.ErrConflict))
}
