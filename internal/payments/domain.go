// Package payments records money received against ledger documents and the
// client receipts that are later applied to invoices.
package payments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/studioledger/studioledger/internal/documents"
	"github.com/studioledger/studioledger/internal/money"
	"github.com/studioledger/studioledger/internal/shared"
)

// Method describes how money moved.
type Method string

const (
	MethodBankTransfer Method = "BANK_TRANSFER"
	MethodCash         Method = "CASH"
	MethodCard         Method = "CARD"
	MethodCheque       Method = "CHEQUE"
	MethodOther        Method = "OTHER"
)

// Valid reports whether the method is known.
func (m Method) Valid() bool {
	switch m {
	case MethodBankTransfer, MethodCash, MethodCard, MethodCheque, MethodOther:
		return true
	}
	return false
}

// ReceiptStatus tracks whether a receipt has been matched to an invoice.
type ReceiptStatus string

const (
	ReceiptUnapplied ReceiptStatus = "UNAPPLIED"
	ReceiptApplied   ReceiptStatus = "APPLIED"
)

var (
	// ErrPaymentNotFound is returned when no payment matches.
	ErrPaymentNotFound = errors.New("payments: payment not found")
	// ErrReceiptNotFound is returned when no receipt matches.
	ErrReceiptNotFound = errors.New("payments: receipt not found")
)

// Payment is an immutable amount applied to one document.
type Payment struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"orgId"`
	DocumentID     string          `json:"documentId"`
	Amount         decimal.Decimal `json:"amount"`
	PaidAt         time.Time       `json:"paidAt"`
	Method         Method          `json:"method"`
	Reference      string          `json:"reference,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	RecordedBy     string          `json:"recordedBy"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Receipt is money received from a client before it is matched to an invoice.
type Receipt struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"orgId"`
	ClientID       string          `json:"clientId"`
	Amount         decimal.Decimal `json:"amount"`
	ReceivedAt     time.Time       `json:"receivedAt"`
	Method         Method          `json:"method"`
	Reference      string          `json:"reference,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         ReceiptStatus   `json:"status"`
	DocumentID     string          `json:"documentId,omitempty"`
	PaymentID      string          `json:"paymentId,omitempty"`
	AppliedAt      *time.Time      `json:"appliedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// PaymentInput is a request to apply money to a document. A non-empty Kind
// must match the document's kind.
type PaymentInput struct {
	Kind           documents.Kind
	DocumentID     string
	Amount         decimal.Decimal
	PaidAt         *time.Time
	Method         Method
	Reference      string
	IdempotencyKey string
}

// ReceiptInput is a request to register client money.
type ReceiptInput struct {
	ClientID       string
	Amount         decimal.Decimal
	ReceivedAt     *time.Time
	Method         Method
	Reference      string
	IdempotencyKey string
}

// ReceiptFilter narrows receipt listings.
type ReceiptFilter struct {
	ClientID string
	Status   ReceiptStatus
	From     *time.Time
	To       *time.Time
}

// Result is the outcome of applying a payment. Replayed is true when the
// idempotency key matched an earlier payment and nothing changed.
type Result struct {
	Payment  Payment
	Document documents.Document
	Replayed bool
}

// ReceiptKey is the payment idempotency key used when a receipt is applied.
func ReceiptKey(receiptID string) string {
	return "receipt:" + receiptID
}

func validateAmount(amount decimal.Decimal) []string {
	var violations []string
	if !amount.IsPositive() {
		violations = append(violations, "amount must be greater than zero")
	} else if !amount.Equal(money.Round(amount)) {
		violations = append(violations, "amount must have at most 2 decimal places")
	}
	return violations
}

func validateMethod(m Method) []string {
	if m == "" || m.Valid() {
		return nil
	}
	return []string{fmt.Sprintf("method %q is not supported", m)}
}

// Validate checks the request shape. The amount is checked after the
// idempotency lookup so a replay always returns the stored payment.
func (in PaymentInput) Validate() error {
	var violations []string
	if strings.TrimSpace(in.DocumentID) == "" {
		violations = append(violations, "documentId is required")
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		violations = append(violations, "idempotencyKey is required")
	}
	violations = append(violations, validateMethod(in.Method)...)
	if len(violations) > 0 {
		return shared.NewValidationError(violations...)
	}
	return nil
}

// Validate checks the receipt request shape.
func (in ReceiptInput) Validate() error {
	var violations []string
	if strings.TrimSpace(in.ClientID) == "" {
		violations = append(violations, "clientId is required")
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		violations = append(violations, "idempotencyKey is required")
	}
	violations = append(violations, validateAmount(in.Amount)...)
	violations = append(violations, validateMethod(in.Method)...)
	if len(violations) > 0 {
		return shared.NewValidationError(violations...)
	}
	return nil
}
