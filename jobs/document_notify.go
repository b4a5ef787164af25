package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/studioledger/studioledger/internal/documents"
	jobmetrics "github.com/studioledger/studioledger/internal/jobs"
)

// MailQueue accepts rendered emails for delivery.
type MailQueue interface {
	EnqueueSendEmail(ctx context.Context, payload SendEmailPayload) (*asynq.TaskInfo, error)
}

// DocumentNotifyJob renders issued documents into client emails.
type DocumentNotifyJob struct {
	Mail    MailQueue
	From    string
	Locale  language.Tag
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewDocumentNotifyJob builds the notification handler. An unparsable locale
// falls back to American English.
func NewDocumentNotifyJob(mail MailQueue, from, locale string, logger *slog.Logger, metrics *jobmetrics.Metrics) *DocumentNotifyJob {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.AmericanEnglish
	}
	return &DocumentNotifyJob{Mail: mail, From: from, Locale: tag, Logger: logger, Metrics: metrics}
}

var kindLabels = map[documents.Kind]string{
	documents.KindInvoice: "Invoice",
	documents.KindQuote:   "Quote",
	documents.KindBill:    "Bill",
	documents.KindPayslip: "Payslip",
}

// FormatAmount renders amount with two decimals using the locale's separators.
func FormatAmount(tag language.Tag, amount decimal.Decimal) string {
	p := message.NewPrinter(tag)
	return p.Sprintf("%v", number.Decimal(amount.InexactFloat64(), number.Scale(2)))
}

// Render builds the email for doc.
func (j *DocumentNotifyJob) Render(doc documents.Document) SendEmailPayload {
	label, ok := kindLabels[doc.Kind]
	if !ok {
		label = "Document"
	}
	p := message.NewPrinter(j.Locale)
	subject := p.Sprintf("%s %s", label, doc.Number)
	body := p.Sprintf("%s %s was issued on %s.\nTotal: %s\nAmount due: %s\n",
		label, doc.Number,
		doc.IssueDate.Format("2006-01-02"),
		FormatAmount(j.Locale, doc.Totals.GrandTotal),
		FormatAmount(j.Locale, doc.Totals.AmountDue))
	if doc.DueDate != nil {
		body += p.Sprintf("Due date: %s\n", doc.DueDate.Format("2006-01-02"))
	}
	return SendEmailPayload{From: j.From, To: doc.ClientID, Subject: subject, Body: body}
}

// Handle processes TaskDocumentNotify tasks.
func (j *DocumentNotifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Mail == nil {
		return errors.New("document notify: handler not configured")
	}
	var payload DocumentNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("document notify: decode payload: %w: %w", err, asynq.SkipRetry)
	}
	doc := payload.Document
	logger := jobLogger(j.Logger, TaskDocumentNotify).With(
		slog.String("org_id", doc.OrgID),
		slog.String("document_id", doc.ID))
	if doc.Number == "" || doc.ClientID == "" {
		logger.Warn("skipping notification without number or recipient")
		return nil
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskDocumentNotify)
	if _, err := j.Mail.EnqueueSendEmail(ctx, j.Render(doc)); err != nil {
		logger.Error("enqueue email", slog.Any("error", err))
		return tracker.End(err)
	}
	metricsOrDefault(j.Metrics).Notified(string(doc.Kind))
	logger.Info("document notification queued", slog.String("number", doc.Number))
	return tracker.End(nil)
}
