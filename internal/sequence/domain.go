// Package sequence allocates gap-free, idempotent document numbers.
package sequence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/studioledger/studioledger/internal/shared"
)

// DefaultPad is the zero padding applied to the running sequence.
const DefaultPad = 4

// DocType is the numbering series a document belongs to.
type DocType string

const (
	DocQuote   DocType = "QUOTE"
	DocInvoice DocType = "INVOICE"
	DocBudget  DocType = "BUDGET"
	DocBill    DocType = "BILL"
	DocPayslip DocType = "PAYSLIP"
	DocReceipt DocType = "RECEIPT"
	DocJournal DocType = "JOURNAL"
)

var prefixes = map[DocType]string{
	DocQuote:   "QT",
	DocInvoice: "INV",
	DocBudget:  "BUD",
	DocBill:    "BILL",
	DocPayslip: "PS",
	DocReceipt: "RCPT",
	DocJournal: "JV",
}

// Prefix returns the number prefix of the series.
func (t DocType) Prefix() (string, bool) {
	p, ok := prefixes[t]
	return p, ok
}

var (
	// ErrAllocationNotFound is returned by stores when no allocation matches.
	ErrAllocationNotFound = errors.New("sequence: allocation not found")
	// ErrAlreadyVoided marks a second void of the same number.
	ErrAlreadyVoided = errors.New("sequence: allocation already voided")
)

// Counter tracks the next number of a series.
type Counter struct {
	OrgID   string
	DocType DocType
	Year    int
	Next    int64
}

// Allocation is the durable proof that a number was issued for a key.
type Allocation struct {
	OrgID          string
	DocType        DocType
	Year           int
	Sequence       int64
	Number         string
	IdempotencyKey string
	CreatedAt      time.Time
	VoidedAt       *time.Time
	VoidReason     string
}

// Voided reports whether the number was withdrawn by policy.
func (a Allocation) Voided() bool {
	return a.VoidedAt != nil
}

// Request asks for a number in one series.
type Request struct {
	OrgID          string
	DocType        DocType
	Year           int
	IdempotencyKey string
}

// Validate checks the request before any store access.
func (r Request) Validate() error {
	var violations []string
	if strings.TrimSpace(r.OrgID) == "" {
		violations = append(violations, "orgId is required")
	}
	if _, ok := r.DocType.Prefix(); !ok {
		violations = append(violations, fmt.Sprintf("docType %q is not supported", r.DocType))
	}
	if r.Year < 1900 || r.Year > 9999 {
		violations = append(violations, "year must be a four digit year")
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		violations = append(violations, "idempotencyKey is required")
	}
	if len(violations) > 0 {
		return shared.NewValidationError(violations...)
	}
	return nil
}

// Format renders a number such as INV-2025-0004.
func Format(prefix string, year int, seq int64, pad int) string {
	if pad <= 0 {
		pad = DefaultPad
	}
	return fmt.Sprintf("%s-%d-%0*d", prefix, year, pad, seq)
}
