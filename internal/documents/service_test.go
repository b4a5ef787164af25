package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/studioledger/studioledger/internal/money"
	"github.com/studioledger/studioledger/internal/sequence"
	"github.com/studioledger/studioledger/internal/shared"
)

type memoryRepo struct {
	mu   sync.Mutex
	docs map[string]Document
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{docs: map[string]Document{}}
}

func cloneDoc(d Document) Document {
	d.Items = append([]money.LineItem(nil), d.Items...)
	d.Audit = append([]shared.AuditEntry(nil), d.Audit...)
	if d.DueDate != nil {
		due := *d.DueDate
		d.DueDate = &due
	}
	return d
}

type memoryTx struct {
	repo   *memoryRepo
	staged map[string]Document
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{repo: m, staged: map[string]Document{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, d := range tx.staged {
		m.docs[id] = d
	}
	return nil
}

func (m *memoryRepo) Get(_ context.Context, orgID, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.OrgID != orgID {
		return Document{}, ErrDocumentNotFound
	}
	return cloneDoc(d), nil
}

func (m *memoryRepo) List(_ context.Context, orgID string, filter ListFilter) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for _, d := range m.docs {
		if d.OrgID != orgID || (filter.Kind != "" && d.Kind != filter.Kind) {
			continue
		}
		if filter.ClientID != "" && d.ClientID != filter.ClientID {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				match = match || d.Status == st
			}
			if !match {
				continue
			}
		}
		out = append(out, cloneDoc(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) LoadForUpdate(_ context.Context, orgID, id string) (Document, error) {
	if d, ok := t.staged[id]; ok {
		return cloneDoc(d), nil
	}
	d, ok := t.repo.docs[id]
	if !ok || d.OrgID != orgID {
		return Document{}, ErrDocumentNotFound
	}
	return cloneDoc(d), nil
}

func (t *memoryTx) Insert(_ context.Context, d Document) error {
	if _, exists := t.repo.docs[d.ID]; exists {
		return fmt.Errorf("duplicate document %s", d.ID)
	}
	t.staged[d.ID] = cloneDoc(d)
	return nil
}

func (t *memoryTx) Update(_ context.Context, d Document) error {
	if _, exists := t.repo.docs[d.ID]; !exists {
		if _, staged := t.staged[d.ID]; !staged {
			return ErrDocumentNotFound
		}
	}
	t.staged[d.ID] = cloneDoc(d)
	return nil
}

type fakeNumberer struct {
	mu     sync.Mutex
	next   map[string]int64
	byKey  map[string]sequence.Allocation
	voided map[string]string
}

func newFakeNumberer() *fakeNumberer {
	return &fakeNumberer{next: map[string]int64{}, byKey: map[string]sequence.Allocation{}, voided: map[string]string{}}
}

func (f *fakeNumberer) Allocate(_ context.Context, req sequence.Request) (sequence.Allocation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := req.Validate(); err != nil {
		return sequence.Allocation{}, false, err
	}
	if a, ok := f.byKey[req.IdempotencyKey]; ok {
		return a, false, nil
	}
	series := fmt.Sprintf("%s|%d", req.DocType, req.Year)
	f.next[series]++
	prefix, _ := req.DocType.Prefix()
	a := sequence.Allocation{OrgID: req.OrgID, DocType: req.DocType, Year: req.Year, Sequence: f.next[series],
		Number: sequence.Format(prefix, req.Year, f.next[series], sequence.DefaultPad), IdempotencyKey: req.IdempotencyKey}
	f.byKey[req.IdempotencyKey] = a
	return a, true, nil
}

func (f *fakeNumberer) Void(_ context.Context, _ string, number, reason string) (sequence.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.voided[number]; done {
		return sequence.Allocation{}, sequence.ErrAlreadyVoided
	}
	f.voided[number] = reason
	return sequence.Allocation{Number: number, VoidReason: reason}, nil
}

type closedMonths map[string]bool

func (c closedMonths) EnsureOpen(_ context.Context, _ string, date time.Time) error {
	if c[date.Format("2006-01")] {
		return &shared.ConflictError{Reason: "period " + date.Format("2006-01") + " is closed", CurrentState: "CLOSED", Err: ErrPeriodClosed}
	}
	return nil
}

var (
	accountant = shared.Identity{UID: "acct-1", Role: shared.RoleAccountant, OrgID: "org-1"}
	client     = shared.Identity{UID: "client-1", Role: shared.RoleClient, OrgID: "org-1"}
	outsider   = shared.Identity{UID: "acct-9", Role: shared.RoleAccountant, OrgID: "org-9"}
	testNow    = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
)

type fixture struct {
	svc     *Service
	repo    *memoryRepo
	numbers *fakeNumberer
	closed  closedMonths
}

func newFixture() fixture {
	repo := newMemoryRepo()
	numbers := newFakeNumberer()
	closed := closedMonths{}
	svc := NewService(repo, numbers, closed, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.WithNow(func() time.Time { return testNow })
	ids := 0
	svc.newID = func() string {
		ids++
		return fmt.Sprintf("doc-%03d", ids)
	}
	return fixture{svc: svc, repo: repo, numbers: numbers, closed: closed}
}

func exampleInput(kind Kind, subtype Subtype) CreateInput {
	return CreateInput{
		Kind:     kind,
		Subtype:  subtype,
		ClientID: "client-1",
		Items:    []money.LineItem{{Description: "Shoot day", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(500), TaxRate: decimal.NewFromInt(18)}},
		Discount: money.Discount{Mode: money.DiscountAmount, Value: decimal.NewFromInt(100)},
		TaxMode:  money.TaxExclusive,
		Shipping: decimal.NewFromInt(50),
	}
}

func TestCreateComputesTotalsAndDefaults(t *testing.T) {
	f := newFixture()
	doc, err := f.svc.Create(context.Background(), accountant, exampleInput(KindInvoice, SubtypeNone))
	require.NoError(t, err)
	require.Equal(t, SubtypeFinal, doc.Subtype)
	require.Equal(t, StatusDraft, doc.Status)
	require.Empty(t, doc.Number)
	require.Equal(t, "1112.00", doc.Totals.GrandTotal.StringFixed(2))
	require.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), doc.IssueDate)
	require.NotNil(t, doc.DueDate)
	require.Equal(t, time.Date(2025, 4, 9, 0, 0, 0, 0, time.UTC), *doc.DueDate)
	require.Len(t, doc.Audit, 1)
	require.Equal(t, "create", doc.Audit[0].Action)

	quote, err := f.svc.Create(context.Background(), accountant, exampleInput(KindQuote, SubtypeNone))
	require.NoError(t, err)
	require.Nil(t, quote.DueDate)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	in := exampleInput(KindInvoice, SubtypeFinal)
	in.Items = nil
	_, err := f.svc.Create(ctx, accountant, in)
	require.True(t, errors.Is(err, shared.ErrValidation))

	_, err = f.svc.Create(ctx, accountant, exampleInput(KindBill, SubtypeBudget))
	require.True(t, errors.Is(err, shared.ErrValidation))

	in = exampleInput(KindQuote, SubtypeNone)
	due := testNow.AddDate(0, 1, 0)
	in.DueDate = &due
	_, err = f.svc.Create(ctx, accountant, in)
	require.True(t, errors.Is(err, shared.ErrValidation))

	_, err = f.svc.Create(ctx, client, exampleInput(KindInvoice, SubtypeFinal))
	require.True(t, errors.Is(err, shared.ErrForbidden))
}

func TestSendAllocatesNumberOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	doc, err := f.svc.Create(ctx, accountant, exampleInput(KindInvoice, SubtypeFinal))
	require.NoError(t, err)

	sent, err := f.svc.Send(ctx, accountant, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "INV-2025-0001", sent.Number)
	require.Equal(t, StatusSent, sent.Status)

	again, err := f.svc.Send(ctx, accountant, doc.ID)
	require.NoError(t, err)
	require.Equal(t, sent.Number, again.Number)
	require.Len(t, f.numbers.byKey, 1)

	budget, err := f.svc.Create(ctx, accountant, exampleInput(KindInvoice, SubtypeBudget))
	require.NoError(t, err)
	budget, err = f.svc.Send(ctx, accountant, budget.ID)
	require.NoError(t, err)
	require.Equal(t, "BUD-2025-0001", budget.Number)

	payslip, err := f.svc.Create(ctx, accountant, exampleInput(KindPayslip, SubtypeNone))
	require.NoError(t, err)
	payslip, err = f.svc.Send(ctx, accountant, payslip.ID)
	require.NoError(t, err)
	require.Equal(t, "PS-2025-0001", payslip.Number)
	require.Equal(t, StatusPublished, payslip.Status)
}

func TestSendCancelledIsConflict(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	doc, err := f.svc.Create(ctx, accountant, exampleInput(KindInvoice, SubtypeFinal))
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, accountant, doc.ID, "")
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, accountant, doc.ID)
	require.True(t, errors.Is(err, shared.ErrConflict))
}

func TestUpdateDraftRecalculates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	doc, err := f.svc.Create(ctx, accountant, exampleInput(KindInvoice, SubtypeFinal))
	require.NoError(t, err)

	shipping := decimal.Zero
	updated, err := f.svc.UpdateDraft(ctx, accountant, doc.ID, UpdateInput{Shipping: &shipping})
	require.NoError(t, err)
	require.Equal(t, "1062.00", updated.Totals.GrandTotal.StringFixed(2))

	_, err = f.svc.Send(ctx, accountant, doc.ID)
	require.NoError(t, err)
	_, err = f.svc.UpdateDraft(ctx, accountant, doc.ID, UpdateInput{Shipping: &shipping})
	require.True(t, errors.Is(err, shared.ErrConflict))
}

func TestUpdateRefusedOnceAPaymentExists(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	doc, err := f.svc.Create(ctx, accountant, exampleInput(KindInvoice, SubtypeFinal))
	require.NoError(t, err)

	stored := f.repo.docs[doc.ID]
	stored.PaymentCount = 1
	f.repo.docs[doc.ID] = stored

	notes := "edited"
	_, err = f.svc.UpdateDraft(ctx, accountant, doc.ID, UpdateInput{Notes: &notes})
	var cErr *shared.ConflictError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, string(StatusDraft), cErr.CurrentState)
}

func TestClosedPeriodBlocksMutations(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	doc, err := f.svc.Create(ctx, accountant, exampleInput(KindInvoice, SubtypeFinal))
	require.NoError(t, err)

	f.closed["2025-03"] = true
	_, err = f.svc.Send(ctx, accountant, doc.ID)
	require.True(t, errors.Is(err, shared.ErrConflict))
	require.True(t, errors.Is(err, ErrPeriodClosed))

	_, err = f.svc.Cancel(ctx, accountant, doc.ID, "")
	require.True(t, errors.Is(err, shared.ErrConflict))

	_, err = f.svc.Create(ctx, accountant, exampleInput(KindInvoice, SubtypeFinal))
	require.True(t, errors.Is(err, shared.ErrConflict))

	april := time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	in := exampleInput(KindInvoice, SubtypeFinal)
	in.IssueDate = &april
	_, err = f.svc.Create(ctx, accountant, in)
	require.NoError(t, err)

	_, err = f.svc.UpdateDraft(ctx, accountant, doc.ID, UpdateInput{IssueDate: &april})
	require.True(t, errors.Is(err, shared.ErrConflict), "moving a draft out of a closed period is still a mutation inside it")
}

func TestEstimateAcceptAndConvert(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	budget, err := f.svc.Create(ctx, accountant, exampleInput(KindInvoice, SubtypeBudget))
	require.NoError(t, err)

	_, err = f.svc.Convert(ctx, accountant, budget.ID, ConvertInput{})
	require.True(t, errors.Is(err, shared.ErrConflict))

	_, err = f.svc.Send(ctx, accountant, budget.ID)
	require.NoError(t, err)
	accepted, err := f.svc.Accept(ctx, accountant, budget.ID, "signed")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, accepted.Status)

	final, err := f.svc.Convert(ctx, accountant, budget.ID, ConvertInput{})
	require.NoError(t, err)
	require.Equal(t, KindInvoice, final.Kind)
	require.Equal(t, SubtypeFinal, final.Subtype)
	require.Equal(t, StatusDraft, final.Status)
	require.Equal(t, budget.ID, final.SourceID)
	require.True(t, final.Totals.GrandTotal.Equal(budget.Totals.GrandTotal))
	require.Equal(t, time.Date(2025, 4, 9, 0, 0, 0, 0, time.UTC), *final.DueDate)

	source, err := f.svc.Get(ctx, accountant, budget.ID)
	require.NoError(t, err)
	require.Equal(t, StatusConverted, source.Status)
	require.Equal(t, final.ID, source.ConvertedTo)

	_, err = f.svc.Convert(ctx, accountant, budget.ID, ConvertInput{})
	require.True(t, errors.Is(err, shared.ErrConflict))
}

func TestRejectedQuoteCannotConvert(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	quote, err := f.svc.Create(ctx, accountant, exampleInput(KindQuote, SubtypeNone))
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, accountant, quote.ID)
	require.NoError(t, err)
	rejected, err := f.svc.Reject(ctx, accountant, quote.ID, "too expensive")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)

	_, err = f.svc.Convert(ctx, accountant, quote.ID, ConvertInput{})
	require.True(t, errors.Is(err, shared.ErrConflict))
}

func TestVoidWithdrawsNumber(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	doc, err := f.svc.Create(ctx, accountant, exampleInput(KindBill, SubtypeNone))
	require.NoError(t, err)

	_, err = f.svc.Void(ctx, accountant, doc.ID, "duplicate")
	require.True(t, errors.Is(err, shared.ErrConflict), "drafts have no number to void")

	sent, err := f.svc.Send(ctx, accountant, doc.ID)
	require.NoError(t, err)
	voided, err := f.svc.Void(ctx, accountant, doc.ID, "duplicate")
	require.NoError(t, err)
	require.Equal(t, StatusVoid, voided.Status)
	require.Equal(t, "duplicate", f.numbers.voided[sent.Number])

	again, err := f.svc.Void(ctx, accountant, doc.ID, "duplicate")
	require.NoError(t, err)
	require.Equal(t, StatusVoid, again.Status)
}

func TestMarkOverdueSweep(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	final, err := f.svc.Create(ctx, accountant, exampleInput(KindInvoice, SubtypeFinal))
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, accountant, final.ID)
	require.NoError(t, err)
	budget, err := f.svc.Create(ctx, accountant, exampleInput(KindInvoice, SubtypeBudget))
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, accountant, budget.ID)
	require.NoError(t, err)

	changed, err := f.svc.MarkOverdue(ctx, "org-1")
	require.NoError(t, err)
	require.Zero(t, changed)

	f.svc.WithNow(func() time.Time { return testNow.AddDate(0, 2, 0) })
	changed, err = f.svc.MarkOverdue(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, 1, changed)

	got, err := f.svc.Get(ctx, accountant, final.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOverdue, got.Status)
	got, err = f.svc.Get(ctx, accountant, budget.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, got.Status)
}

func TestMarkOverdueLeavesClosedPeriodsAlone(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	doc, err := f.svc.Create(ctx, accountant, exampleInput(KindInvoice, SubtypeFinal))
	require.NoError(t, err)
	sent, err := f.svc.Send(ctx, accountant, doc.ID)
	require.NoError(t, err)

	f.closed[sent.IssueDate.Format("2006-01")] = true
	f.svc.WithNow(func() time.Time { return testNow.AddDate(0, 2, 0) })
	changed, err := f.svc.MarkOverdue(ctx, "org-1")
	require.NoError(t, err)
	require.Zero(t, changed)

	got, err := f.svc.Get(ctx, accountant, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, got.Status)
	require.Len(t, got.Audit, len(sent.Audit))

	delete(f.closed, sent.IssueDate.Format("2006-01"))
	changed, err = f.svc.MarkOverdue(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, 1, changed)
}

func TestClientPortalVisibility(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	mine, err := f.svc.Create(ctx, accountant, exampleInput(KindInvoice, SubtypeFinal))
	require.NoError(t, err)
	otherInput := exampleInput(KindInvoice, SubtypeFinal)
	otherInput.ClientID = "client-2"
	theirs, err := f.svc.Create(ctx, accountant, otherInput)
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, client, mine.ID)
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, client, theirs.ID)
	var authErr *shared.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	require.True(t, authErr.CrossTenant)

	_, err = f.svc.Get(ctx, outsider, mine.ID)
	require.True(t, errors.Is(err, shared.ErrNotFound))

	docs, err := f.svc.List(ctx, client, ListFilter{Kind: KindInvoice})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, mine.ID, docs[0].ID)

	docs, err = f.svc.List(ctx, accountant, ListFilter{Kind: KindInvoice})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	_, err = f.svc.List(ctx, accountant, ListFilter{Statuses: []Status{"LOST"}})
	require.True(t, errors.Is(err, shared.ErrValidation))
}

func TestOutstandingSkipsEstimatesAndDrafts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	final, err := f.svc.Create(ctx, accountant, exampleInput(KindInvoice, SubtypeFinal))
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, accountant, final.ID)
	require.NoError(t, err)
	quote, err := f.svc.Create(ctx, accountant, exampleInput(KindQuote, SubtypeNone))
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, accountant, quote.ID)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, accountant, exampleInput(KindBill, SubtypeNone))
	require.NoError(t, err)

	open, err := f.svc.Outstanding(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, final.ID, open[0].ID)
}
