// Package documents models invoices, quotes, bills and payslips as one ledger
// document type with a shared status lifecycle.
package documents

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/studioledger/studioledger/internal/money"
	"github.com/studioledger/studioledger/internal/sequence"
	"github.com/studioledger/studioledger/internal/shared"
)

// Kind is the document variant.
type Kind string

const (
	KindQuote   Kind = "QUOTE"
	KindInvoice Kind = "INVOICE"
	KindBill    Kind = "BILL"
	KindPayslip Kind = "PAYSLIP"
)

// Valid reports whether the kind is known.
func (k Kind) Valid() bool {
	switch k {
	case KindQuote, KindInvoice, KindBill, KindPayslip:
		return true
	}
	return false
}

// Subtype refines invoices.
type Subtype string

const (
	SubtypeNone   Subtype = ""
	SubtypeBudget Subtype = "BUDGET"
	SubtypeFinal  Subtype = "FINAL"
)

// Status enumerates document lifecycle states.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSent      Status = "SENT"
	StatusPublished Status = "PUBLISHED"
	StatusPartial   Status = "PARTIAL"
	StatusPaid      Status = "PAID"
	StatusOverdue   Status = "OVERDUE"
	StatusCancelled Status = "CANCELLED"
	StatusVoid      Status = "VOID"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusConverted Status = "CONVERTED"
)

// Valid reports whether the status is known.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusPublished, StatusPartial, StatusPaid, StatusOverdue,
		StatusCancelled, StatusVoid, StatusAccepted, StatusRejected, StatusConverted:
		return true
	}
	return false
}

var (
	// ErrDocumentNotFound is returned by repositories when no row matches.
	ErrDocumentNotFound = errors.New("documents: not found")
	// ErrPeriodClosed marks a mutation dated inside a closed period.
	ErrPeriodClosed = errors.New("documents: period closed")
)

// Document is the ledger record shared by every kind.
type Document struct {
	ID           string              `json:"id"`
	OrgID        string              `json:"orgId"`
	Kind         Kind                `json:"kind"`
	Subtype      Subtype             `json:"subtype,omitempty"`
	ClientID     string              `json:"clientId"`
	Number       string              `json:"number,omitempty"`
	Items        []money.LineItem    `json:"items"`
	Discount     money.Discount      `json:"discount"`
	TaxMode      money.TaxMode       `json:"taxMode"`
	Shipping     decimal.Decimal     `json:"shipping"`
	Totals       money.Totals        `json:"totals"`
	Status       Status              `json:"status"`
	IssueDate    time.Time           `json:"issueDate"`
	DueDate      *time.Time          `json:"dueDate,omitempty"`
	PaymentCount int                 `json:"paymentCount"`
	SourceID     string              `json:"sourceId,omitempty"`
	ConvertedTo  string              `json:"convertedTo,omitempty"`
	Notes        string              `json:"notes,omitempty"`
	Audit        []shared.AuditEntry `json:"audit"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// MoneyInput returns the calculator input held by the document.
func (d Document) MoneyInput() money.Input {
	return money.Input{Items: d.Items, Discount: d.Discount, TaxMode: d.TaxMode, Shipping: d.Shipping}
}

// IsQuoteLike reports whether the document is a client estimate that can be
// accepted, rejected and converted.
func (d Document) IsQuoteLike() bool {
	return d.Kind == KindQuote || (d.Kind == KindInvoice && d.Subtype == SubtypeBudget)
}

// Payable reports whether payments may be recorded against the document kind.
func (d Document) Payable() bool {
	return !d.IsQuoteLike()
}

// OverdueEligible reports whether time can push the document into OVERDUE.
func (d Document) OverdueEligible() bool {
	return (d.Kind == KindInvoice && d.Subtype == SubtypeFinal) || d.Kind == KindBill
}

// HasDueDate reports whether the kind carries a due date.
func (d Document) HasDueDate() bool {
	return d.Kind == KindBill || d.Kind == KindPayslip || (d.Kind == KindInvoice && d.Subtype == SubtypeFinal)
}

// SequenceType maps the document to its numbering series.
func (d Document) SequenceType() sequence.DocType {
	switch d.Kind {
	case KindQuote:
		return sequence.DocQuote
	case KindBill:
		return sequence.DocBill
	case KindPayslip:
		return sequence.DocPayslip
	}
	if d.Subtype == SubtypeBudget {
		return sequence.DocBudget
	}
	return sequence.DocInvoice
}

// ListFilter narrows document listings.
type ListFilter struct {
	Kind     Kind
	Statuses []Status
	ClientID string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// CreateInput carries a new draft.
type CreateInput struct {
	Kind      Kind
	Subtype   Subtype
	ClientID  string
	Items     []money.LineItem
	Discount  money.Discount
	TaxMode   money.TaxMode
	Shipping  decimal.Decimal
	IssueDate *time.Time
	DueDate   *time.Time
	Notes     string
}

// UpdateInput replaces the editable fields of a draft. Nil fields keep their
// current value.
type UpdateInput struct {
	ClientID  *string
	Items     []money.LineItem
	Discount  *money.Discount
	TaxMode   *money.TaxMode
	Shipping  *decimal.Decimal
	IssueDate *time.Time
	DueDate   *time.Time
	Notes     *string
}

// ConvertInput overrides the dates of the invoice created from a budget.
type ConvertInput struct {
	IssueDate *time.Time
	DueDate   *time.Time
}
