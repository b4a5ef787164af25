package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/studioledger/studioledger/internal/documents"
	jobmetrics "github.com/studioledger/studioledger/internal/jobs"
	"github.com/studioledger/studioledger/internal/money"
	"github.com/studioledger/studioledger/internal/periods"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

type staticOrgs []string

func (s staticOrgs) Orgs(context.Context) ([]string, error) { return s, nil }

type overdueStub struct {
	mu      sync.Mutex
	changed map[string]int
	fail    map[string]error
	seen    []string
}

func (o *overdueStub) MarkOverdue(_ context.Context, orgID string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, orgID)
	return o.changed[orgID], o.fail[orgID]
}

type bumpRecorder struct{ orgs []string }

func (b *bumpRecorder) Bump(_ context.Context, orgID string) error {
	b.orgs = append(b.orgs, orgID)
	return nil
}

func TestOverdueSweepVisitsEveryOrg(t *testing.T) {
	marker := &overdueStub{changed: map[string]int{"org-a": 2}, fail: map[string]error{"org-b": errors.New("boom")}}
	cache := &bumpRecorder{}
	job := NewOverdueSweepJob(staticOrgs{"org-a", "org-b", "org-c"}, marker, cache, quietLogger(), testMetrics())

	task, err := NewOverdueSweepTask("")
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	require.Equal(t, []string{"org-a", "org-b", "org-c"}, marker.seen)
	require.Equal(t, []string{"org-a"}, cache.orgs)

	task, err = NewOverdueSweepTask("org-c")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, "org-c", marker.seen[len(marker.seen)-1])
}

func TestOverdueSweepRejectsBadPayload(t *testing.T) {
	job := NewOverdueSweepJob(staticOrgs{}, &overdueStub{}, nil, quietLogger(), testMetrics())
	err := job.Handle(context.Background(), asynq.NewTask(TaskOverdueSweep, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type healthStub struct {
	calls   []string
	results []periods.CheckResult
}

func (h *healthStub) Health(_ context.Context, orgID string, year, month int) ([]periods.CheckResult, error) {
	h.calls = append(h.calls, fmt.Sprintf("%s:%d-%02d", orgID, year, month))
	return h.results, nil
}

func TestPeriodHealthDefaultsToPreviousMonth(t *testing.T) {
	y, m := previousMonth(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC))
	require.Equal(t, 2024, y)
	require.Equal(t, 12, m)

	checker := &healthStub{results: []periods.CheckResult{
		{Code: periods.CheckDraftDocuments, Passed: false, Offending: []string{"inv-1"}},
		{Code: periods.CheckOpenPayslips, Passed: true},
	}}
	job := NewPeriodHealthJob(staticOrgs{"org-a"}, checker, quietLogger(), testMetrics())
	job.WithClock(func() time.Time { return time.Date(2025, 4, 1, 6, 0, 0, 0, time.UTC) })

	task, err := NewPeriodHealthTask(PeriodHealthPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []string{"org-a:2025-03"}, checker.calls)

	task, err = NewPeriodHealthTask(PeriodHealthPayload{Year: 2025, Month: 13})
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

type mailQueue struct{ sent []SendEmailPayload }

func (m *mailQueue) EnqueueSendEmail(_ context.Context, p SendEmailPayload) (*asynq.TaskInfo, error) {
	m.sent = append(m.sent, p)
	return &asynq.TaskInfo{}, nil
}

func issuedInvoice() documents.Document {
	due := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	return documents.Document{
		ID:        "inv-1",
		OrgID:     "org-a",
		Kind:      documents.KindInvoice,
		ClientID:  "client-9",
		Number:    "INV-2025-0007",
		Status:    documents.StatusSent,
		IssueDate: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		DueDate:   &due,
		Totals: money.Totals{
			GrandTotal: decimal.RequireFromString("1234.5"),
			AmountDue:  decimal.RequireFromString("1234.5"),
		},
	}
}

func TestFormatAmountUsesLocale(t *testing.T) {
	require.Equal(t, "1,234.50", FormatAmount(language.AmericanEnglish, decimal.RequireFromString("1234.5")))
	require.Equal(t, "0.00", FormatAmount(language.AmericanEnglish, decimal.Zero))
}

func TestDocumentNotifyQueuesEmail(t *testing.T) {
	queue := &mailQueue{}
	job := NewDocumentNotifyJob(queue, "billing@studio.test", "not a locale!", quietLogger(), testMetrics())
	require.Equal(t, language.AmericanEnglish, job.Locale)

	task, err := NewDocumentNotifyTask(issuedInvoice())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, queue.sent, 1)
	msg := queue.sent[0]
	require.Equal(t, "client-9", msg.To)
	require.Equal(t, "billing@studio.test", msg.From)
	require.Equal(t, "Invoice INV-2025-0007", msg.Subject)
	require.Contains(t, msg.Body, "Amount due: 1,234.50")
	require.Contains(t, msg.Body, "Due date: 2025-05-01")

	draft := issuedInvoice()
	draft.Number = ""
	task, err = NewDocumentNotifyTask(draft)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, queue.sent, 1)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	ids   map[string]bool
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			id := opt.Value().(string)
			if f.ids[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			f.ids[id] = true
		}
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func TestNotifyIssuedEnqueuesOnce(t *testing.T) {
	enq := &fakeEnqueuer{ids: map[string]bool{}}
	client := NewClientWith(enq)
	doc := issuedInvoice()

	require.NoError(t, client.NotifyIssued(context.Background(), doc))
	require.NoError(t, client.NotifyIssued(context.Background(), doc))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskDocumentNotify, enq.tasks[0].Type())

	var payload DocumentNotifyPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, "INV-2025-0007", payload.Document.Number)

	_, err := client.EnqueueSendEmail(context.Background(), SendEmailPayload{To: "x"})
	require.NoError(t, err)
	require.Equal(t, TaskTypeSendEmail, enq.tasks[1].Type())
}

type capturingMailer struct{ got []SendEmailPayload }

func (c *capturingMailer) Send(_ context.Context, msg SendEmailPayload) error {
	c.got = append(c.got, msg)
	return nil
}

func TestSendEmailHandler(t *testing.T) {
	mailer := &capturingMailer{}
	handle := SendEmailHandler(mailer)

	task, err := NewSendEmailTask(SendEmailPayload{To: "client-9", Subject: "hi"})
	require.NoError(t, err)
	require.NoError(t, handle(context.Background(), task))
	require.Len(t, mailer.got, 1)

	task, err = NewSendEmailTask(SendEmailPayload{Subject: "nobody"})
	require.NoError(t, err)
	require.ErrorIs(t, handle(context.Background(), task), asynq.SkipRetry)
	require.NoError(t, LogMailer{Logger: quietLogger()}.Send(context.Background(), SendEmailPayload{To: "x"}))
}
