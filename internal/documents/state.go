package documents

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/studioledger/studioledger/internal/shared"
)

var transitions = map[Status][]Status{
	StatusDraft:     {StatusSent, StatusPublished, StatusCancelled},
	StatusSent:      {StatusPartial, StatusPaid, StatusOverdue, StatusCancelled, StatusVoid, StatusAccepted, StatusRejected},
	StatusPublished: {StatusPartial, StatusPaid, StatusOverdue, StatusCancelled, StatusVoid},
	StatusPartial:   {StatusPaid, StatusOverdue},
	StatusOverdue:   {StatusPartial, StatusPaid, StatusCancelled, StatusVoid},
	StatusAccepted:  {StatusConverted},
	StatusRejected:  {StatusVoid},
}

// IsTerminal reports whether no transition leaves the status.
func IsTerminal(s Status) bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether from → to is in the lifecycle table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func conflict(d Document, reason string) error {
	return shared.NewConflictError(reason, string(d.Status))
}

// issuedStatus is the status a draft takes when it leaves DRAFT.
func (d Document) issuedStatus() Status {
	if d.Kind == KindPayslip || d.Kind == KindBill {
		return StatusPublished
	}
	return StatusSent
}

// OpenForPayment reports whether the document currently accepts payments.
func (d Document) OpenForPayment() bool {
	switch d.Status {
	case StatusSent, StatusPublished, StatusPartial, StatusOverdue:
		return d.Payable()
	}
	return false
}

// derivedStatus recomputes the payment/time driven sub-state.
func (d Document) derivedStatus(now time.Time) Status {
	t := d.Totals
	if t.IsSettled() {
		return StatusPaid
	}
	if d.OverdueEligible() && d.DueDate != nil && now.After(*d.DueDate) && t.AmountDue.IsPositive() {
		return StatusOverdue
	}
	if t.AmountPaid.IsPositive() {
		return StatusPartial
	}
	return d.issuedStatus()
}

func (d *Document) setStatus(to Status, actor, action, note string, now time.Time) error {
	if d.Status != to && !CanTransition(d.Status, to) {
		return conflict(*d, fmt.Sprintf("cannot move %s from %s to %s", d.Kind, d.Status, to))
	}
	d.Status = to
	d.appendAudit(actor, action, note, now)
	return nil
}

func (d *Document) appendAudit(actor, action, note string, now time.Time) {
	d.Audit = append(d.Audit, shared.AuditEntry{Actor: actor, Action: action, Timestamp: now, Note: note})
	d.UpdatedAt = now
}

// Recompute refreshes the derived status of an open document. It returns
// true when the status changed.
func (d *Document) Recompute(actor string, now time.Time) (bool, error) {
	switch d.Status {
	case StatusSent, StatusPublished, StatusPartial, StatusOverdue:
	default:
		return false, nil
	}
	next := d.derivedStatus(now)
	if next == d.Status {
		return false, nil
	}
	if err := d.setStatus(next, actor, "status."+string(next), "", now); err != nil {
		return false, err
	}
	return true, nil
}

// Issue moves a draft to SENT or PUBLISHED under the given number.
func (d *Document) Issue(number, actor string, now time.Time) error {
	if d.Status != StatusDraft {
		return conflict(*d, "only drafts can be sent")
	}
	if len(d.Items) == 0 || !d.Totals.GrandTotal.IsPositive() {
		return shared.NewValidationError("document must have items and a positive grand total")
	}
	if d.Number == "" {
		d.Number = number
	}
	if err := d.setStatus(d.issuedStatus(), actor, "send", d.Number, now); err != nil {
		return err
	}
	_, err := d.Recompute(actor, now)
	return err
}

// ApplyPayment adds amount to the paid total and re-derives the status.
func (d *Document) ApplyPayment(amount decimal.Decimal, actor string, now time.Time) error {
	if !amount.IsPositive() {
		return shared.NewValidationError("amount must be greater than zero")
	}
	if !d.OpenForPayment() {
		if !d.Payable() {
			return conflict(*d, fmt.Sprintf("%s documents do not take payments", d.SequenceType()))
		}
		return conflict(*d, "document is not open for payment")
	}
	totals, err := d.Totals.ApplyPayment(amount)
	if err != nil {
		return err
	}
	d.Totals = totals
	d.PaymentCount++
	d.appendAudit(actor, "payment", amount.StringFixed(2), now)
	_, err = d.Recompute(actor, now)
	return err
}

// Cancel withdraws the document. Issued documents need a reason and must
// have no payments.
func (d *Document) Cancel(reason, actor string, now time.Time) error {
	if d.Status != StatusDraft {
		if d.PaymentCount > 0 || d.Totals.AmountPaid.IsPositive() {
			return conflict(*d, "documents with payments cannot be cancelled")
		}
		if reason == "" {
			return shared.NewValidationError("reason is required to cancel an issued document")
		}
	}
	return d.setStatus(StatusCancelled, actor, "cancel", reason, now)
}

// Void withdraws an issued number by policy.
func (d *Document) Void(reason, actor string, now time.Time) error {
	if reason == "" {
		return shared.NewValidationError("reason is required")
	}
	if d.Number == "" {
		return conflict(*d, "only numbered documents can be voided")
	}
	if d.PaymentCount > 0 || d.Totals.AmountPaid.IsPositive() {
		return conflict(*d, "documents with payments cannot be voided")
	}
	return d.setStatus(StatusVoid, actor, "void", reason, now)
}

// Decide records the client decision on a sent estimate.
func (d *Document) Decide(accept bool, note, actor string, now time.Time) error {
	if !d.IsQuoteLike() {
		return conflict(*d, "only quotes and budget invoices take a client decision")
	}
	if d.Status != StatusSent {
		return conflict(*d, "only sent estimates can be accepted or rejected")
	}
	if accept {
		return d.setStatus(StatusAccepted, actor, "accept", note, now)
	}
	return d.setStatus(StatusRejected, actor, "reject", note, now)
}
