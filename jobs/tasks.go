package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/studioledger/studioledger/internal/documents"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskOverdueSweep moves past-due invoices and bills to OVERDUE.
	TaskOverdueSweep = "ledger:overdue_sweep"
	// TaskPeriodHealth runs the pre-close checks for a month without closing it.
	TaskPeriodHealth = "ledger:period_health"
	// TaskDocumentNotify renders the notification for a freshly issued document.
	TaskDocumentNotify = "ledger:document_notify"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// OverdueSweepPayload limits the sweep to one organisation. Empty means all.
type OverdueSweepPayload struct {
	OrgID string `json:"orgId,omitempty"`
}

// PeriodHealthPayload selects the month to check. Zero values mean the
// previous calendar month.
type PeriodHealthPayload struct {
	OrgID string `json:"orgId,omitempty"`
	Year  int    `json:"year,omitempty"`
	Month int    `json:"month,omitempty"`
}

// DocumentNotifyPayload carries the finalized read model of an issued document.
type DocumentNotifyPayload struct {
	Document documents.Document `json:"document"`
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	return newTask(TaskTypeSendEmail, payload)
}

// NewOverdueSweepTask constructs the scheduled overdue sweep.
func NewOverdueSweepTask(orgID string) (*asynq.Task, error) {
	return newTask(TaskOverdueSweep, OverdueSweepPayload{OrgID: orgID})
}

// NewPeriodHealthTask constructs a period health check task.
func NewPeriodHealthTask(payload PeriodHealthPayload) (*asynq.Task, error) {
	return newTask(TaskPeriodHealth, payload)
}

// NewDocumentNotifyTask constructs a notification task for doc.
func NewDocumentNotifyTask(doc documents.Document) (*asynq.Task, error) {
	return newTask(TaskDocumentNotify, DocumentNotifyPayload{Document: doc})
}
