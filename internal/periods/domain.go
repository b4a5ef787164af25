// Package periods closes and reopens monthly accounting periods and manages
// the journal adjustments that are the only way to change a closed month.
package periods

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/studioledger/studioledger/internal/money"
	"github.com/studioledger/studioledger/internal/shared"
)

// Status is the lifecycle of a period.
type Status string

const (
	StatusOpen   Status = shared.PeriodStatusOpen
	StatusClosed Status = shared.PeriodStatusClosed
)

var (
	// ErrPeriodNotFound is returned by repositories for months never touched.
	ErrPeriodNotFound = errors.New("periods: period not found")
	// ErrAdjustmentNotFound is returned when no adjustment matches.
	ErrAdjustmentNotFound = errors.New("periods: adjustment not found")
)

// CheckCode names a pre-close check.
type CheckCode string

const (
	CheckDraftDocuments    CheckCode = "DRAFT_DOCUMENTS"
	CheckOpenPayslips      CheckCode = "OPEN_PAYSLIPS"
	CheckUnappliedReceipts CheckCode = "UNAPPLIED_RECEIPTS"
)

// CheckResult is the outcome of one pre-close check.
type CheckResult struct {
	Code      CheckCode `json:"code"`
	Label     string    `json:"label"`
	Passed    bool      `json:"passed"`
	Offending []string  `json:"offending,omitempty"`
}

// Period is one calendar month of an organisation.
type Period struct {
	OrgID        string              `json:"orgId"`
	Year         int                 `json:"year"`
	Month        int                 `json:"month"`
	Status       Status              `json:"status"`
	ClosedAt     *time.Time          `json:"closedAt,omitempty"`
	ClosedBy     string              `json:"closedBy,omitempty"`
	AckOverride  bool                `json:"ackOverride"`
	Checks       []CheckResult       `json:"checks,omitempty"`
	ReopenedAt   *time.Time          `json:"reopenedAt,omitempty"`
	ReopenedBy   string              `json:"reopenedBy,omitempty"`
	ReopenReason string              `json:"reopenReason,omitempty"`
	Audit        []shared.AuditEntry `json:"audit"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// NewPeriod returns the implicit OPEN state of a month.
func NewPeriod(orgID string, year, month int) Period {
	return Period{OrgID: orgID, Year: year, Month: month, Status: StatusOpen}
}

// Key renders the period as YYYY-MM.
func (p Period) Key() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Contains reports whether the date falls inside the period.
func (p Period) Contains(date time.Time) bool {
	y, m, _ := date.UTC().Date()
	return y == p.Year && int(m) == p.Month
}

// ValidateMonth checks a year/month pair.
func ValidateMonth(year, month int) error {
	var violations []string
	if year < 2000 || year > 9999 {
		violations = append(violations, "year must be between 2000 and 9999")
	}
	if month < 1 || month > 12 {
		violations = append(violations, "month must be between 1 and 12")
	}
	if len(violations) > 0 {
		return shared.NewValidationError(violations...)
	}
	return nil
}

// ChecksFailedError reports failing pre-close checks. It is a validation
// error that also lists the failed check codes.
type ChecksFailedError struct {
	Period string
	Failed []CheckResult
}

func (e *ChecksFailedError) Error() string {
	return fmt.Sprintf("period %s has failing pre-close checks: %s", e.Period, strings.Join(e.FailedChecks(), ", "))
}

// FailedChecks lists the failed check codes.
func (e *ChecksFailedError) FailedChecks() []string {
	out := make([]string, len(e.Failed))
	for i, c := range e.Failed {
		out[i] = string(c.Code)
	}
	return out
}

func (e *ChecksFailedError) Is(target error) bool { return target == shared.ErrValidation }

// AdjustmentStatus is the lifecycle of a journal adjustment.
type AdjustmentStatus string

const (
	AdjustmentDraft     AdjustmentStatus = "DRAFT"
	AdjustmentPublished AdjustmentStatus = "PUBLISHED"
	AdjustmentVoid      AdjustmentStatus = "VOID"
)

// Bucket is the aggregate an adjustment line moves.
type Bucket string

const (
	BucketRevenue    Bucket = "REVENUE"
	BucketExpense    Bucket = "EXPENSE"
	BucketPayroll    Bucket = "PAYROLL"
	BucketTax        Bucket = "TAX"
	BucketReceivable Bucket = "RECEIVABLE"
	BucketPayable    Bucket = "PAYABLE"
)

// Valid reports whether the bucket is known.
func (b Bucket) Valid() bool {
	switch b {
	case BucketRevenue, BucketExpense, BucketPayroll, BucketTax, BucketReceivable, BucketPayable:
		return true
	}
	return false
}

// AdjustmentLine moves a signed amount into a bucket.
type AdjustmentLine struct {
	Bucket Bucket          `json:"bucket"`
	Amount decimal.Decimal `json:"amount"`
	Memo   string          `json:"memo,omitempty"`
}

// JournalAdjustment changes the aggregates of a closed period.
type JournalAdjustment struct {
	ID          string              `json:"id"`
	OrgID       string              `json:"orgId"`
	Year        int                 `json:"year"`
	Month       int                 `json:"month"`
	Number      string              `json:"number,omitempty"`
	Lines       []AdjustmentLine    `json:"lines"`
	Memo        string              `json:"memo"`
	Status      AdjustmentStatus    `json:"status"`
	VoidReason  string              `json:"voidReason,omitempty"`
	PublishedAt *time.Time          `json:"publishedAt,omitempty"`
	VoidedAt    *time.Time          `json:"voidedAt,omitempty"`
	Audit       []shared.AuditEntry `json:"audit"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Net sums the signed line amounts.
func (j JournalAdjustment) Net() decimal.Decimal {
	total := decimal.Zero
	for _, l := range j.Lines {
		total = total.Add(l.Amount)
	}
	return total
}

// ByBucket sums line amounts per bucket.
func (j JournalAdjustment) ByBucket() map[Bucket]decimal.Decimal {
	out := make(map[Bucket]decimal.Decimal, len(j.Lines))
	for _, l := range j.Lines {
		out[l.Bucket] = out[l.Bucket].Add(l.Amount)
	}
	return out
}

func (j *JournalAdjustment) appendAudit(actor, action, note string, now time.Time) {
	j.Audit = append(j.Audit, shared.AuditEntry{Actor: actor, Action: action, Timestamp: now, Note: note})
	j.UpdatedAt = now
}

// AdjustmentInput is a new draft adjustment.
type AdjustmentInput struct {
	Year  int
	Month int
	Lines []AdjustmentLine
	Memo  string
}

// Validate checks the draft shape.
func (in AdjustmentInput) Validate() error {
	var violations []string
	if err := ValidateMonth(in.Year, in.Month); err != nil {
		var v *shared.ValidationError
		if errors.As(err, &v) {
			violations = append(violations, v.Violations...)
		}
	}
	if strings.TrimSpace(in.Memo) == "" {
		violations = append(violations, "memo is required")
	}
	if len(in.Lines) == 0 {
		violations = append(violations, "at least one line is required")
	}
	for i, l := range in.Lines {
		if !l.Bucket.Valid() {
			violations = append(violations, fmt.Sprintf("lines[%d].bucket %q is not supported", i, l.Bucket))
		}
		if l.Amount.IsZero() {
			violations = append(violations, fmt.Sprintf("lines[%d].amount must not be zero", i))
		} else if !l.Amount.Equal(money.Round(l.Amount)) {
			violations = append(violations, fmt.Sprintf("lines[%d].amount must have at most 2 decimal places", i))
		}
	}
	if len(violations) > 0 {
		return shared.NewValidationError(violations...)
	}
	return nil
}
