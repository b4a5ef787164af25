// Package aging buckets overdue receivables and payables by days past due.
package aging

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/studioledger/studioledger/internal/documents"
	"github.com/studioledger/studioledger/internal/money"
)

// Side selects receivables (client invoices) or payables (bills, payslips).
type Side string

const (
	SideReceivable Side = "RECEIVABLE"
	SidePayable    Side = "PAYABLE"
)

// Valid reports whether the side is known.
func (s Side) Valid() bool {
	return s == SideReceivable || s == SidePayable
}

// Includes reports whether the document belongs to the side.
func (s Side) Includes(d documents.Document) bool {
	switch s {
	case SideReceivable:
		return d.Kind == documents.KindInvoice && d.Subtype == documents.SubtypeFinal
	case SidePayable:
		return d.Kind == documents.KindBill || d.Kind == documents.KindPayslip
	}
	return false
}

// Bucket is a days-overdue range. Max < 0 means unbounded.
type Bucket struct {
	Label string
	Min   int
	Max   int
}

// Buckets are the fixed report ranges.
var Buckets = []Bucket{
	{Label: "0-15", Min: 0, Max: 15},
	{Label: "16-30", Min: 16, Max: 30},
	{Label: "31-60", Min: 31, Max: 60},
	{Label: "61-90", Min: 61, Max: 90},
	{Label: "90+", Min: 91, Max: -1},
}

// BucketFor returns the label of the bucket holding days.
func BucketFor(days int) string {
	for _, b := range Buckets {
		if days >= b.Min && (b.Max < 0 || days <= b.Max) {
			return b.Label
		}
	}
	return Buckets[0].Label
}

// Row is one overdue document.
type Row struct {
	DocumentID  string          `json:"documentId"`
	Number      string          `json:"number"`
	Kind        documents.Kind  `json:"kind"`
	ClientID    string          `json:"clientId"`
	DueDate     time.Time       `json:"dueDate"`
	DaysOverdue int             `json:"daysOverdue"`
	Bucket      string          `json:"bucket"`
	AmountDue   decimal.Decimal `json:"amountDue"`
}

// BucketTotal sums the rows of one bucket.
type BucketTotal struct {
	Bucket string          `json:"bucket"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Report is the aging view of one side at a point in time.
type Report struct {
	Side    Side            `json:"side"`
	AsOf    time.Time       `json:"asOf"`
	Buckets []BucketTotal   `json:"buckets"`
	Rows    []Row           `json:"rows"`
	Total   decimal.Decimal `json:"total"`
}

// DaysOverdue is max(0, asOf - due) in whole days.
func DaysOverdue(due, asOf time.Time) int {
	d := int(asOf.Sub(due).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// Build ages docs as of asOf. Only documents of the side with an amount due
// and a due date strictly before asOf are reported.
func Build(side Side, docs []documents.Document, asOf time.Time) Report {
	asOf = asOf.UTC()
	report := Report{Side: side, AsOf: asOf, Total: decimal.Zero, Rows: []Row{}}
	totals := make(map[string]*BucketTotal, len(Buckets))
	for _, b := range Buckets {
		report.Buckets = append(report.Buckets, BucketTotal{Bucket: b.Label, Amount: decimal.Zero})
	}
	for i := range report.Buckets {
		totals[report.Buckets[i].Bucket] = &report.Buckets[i]
	}

	for _, d := range docs {
		if !side.Includes(d) || d.DueDate == nil || !d.DueDate.Before(asOf) {
			continue
		}
		switch d.Status {
		case documents.StatusDraft, documents.StatusPaid, documents.StatusCancelled, documents.StatusVoid:
			continue
		}
		due := money.Round(d.Totals.AmountDue)
		if !due.IsPositive() {
			continue
		}
		days := DaysOverdue(*d.DueDate, asOf)
		row := Row{
			DocumentID:  d.ID,
			Number:      d.Number,
			Kind:        d.Kind,
			ClientID:    d.ClientID,
			DueDate:     d.DueDate.UTC(),
			DaysOverdue: days,
			Bucket:      BucketFor(days),
			AmountDue:   due,
		}
		report.Rows = append(report.Rows, row)
		t := totals[row.Bucket]
		t.Count++
		t.Amount = t.Amount.Add(due)
		report.Total = report.Total.Add(due)
	}
	sort.SliceStable(report.Rows, func(i, j int) bool {
		if report.Rows[i].DaysOverdue != report.Rows[j].DaysOverdue {
			return report.Rows[i].DaysOverdue > report.Rows[j].DaysOverdue
		}
		return report.Rows[i].DocumentID < report.Rows[j].DocumentID
	})
	return report
}
