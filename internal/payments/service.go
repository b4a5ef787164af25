package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/studioledger/studioledger/internal/documents"
	"github.com/studioledger/studioledger/internal/observability"
	"github.com/studioledger/studioledger/internal/platform/db"
	"github.com/studioledger/studioledger/internal/shared"
)

// Repository persists payments and receipts.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListPayments(ctx context.Context, orgID, documentID string) ([]Payment, error)
	GetReceipt(ctx context.Context, orgID, id string) (Receipt, error)
	ListReceipts(ctx context.Context, orgID string, filter ReceiptFilter) ([]Receipt, error)
}

// TxRepository exposes payment, receipt and document writes that share one
// transaction.
type TxRepository interface {
	Documents() documents.TxRepository
	FindPaymentByKey(ctx context.Context, orgID, key string) (Payment, error)
	InsertPayment(ctx context.Context, p Payment) error
	FindReceiptByKey(ctx context.Context, orgID, key string) (Receipt, error)
	LoadReceiptForUpdate(ctx context.Context, orgID, id string) (Receipt, error)
	InsertReceipt(ctx context.Context, r Receipt) error
	UpdateReceipt(ctx context.Context, r Receipt) error
}

// DocumentReader loads a document on behalf of a caller.
type DocumentReader interface {
	Get(ctx context.Context, actor shared.Identity, id string) (documents.Document, error)
}

// Service records payments and receipts.
type Service struct {
	repo        Repository
	docs        DocumentReader
	periods     documents.PeriodGuard
	logger      *slog.Logger
	metrics     *observability.LedgerMetrics
	maxAttempts int
	now         func() time.Time
	newID       func() string
}

// NewService constructs a Service.
func NewService(repo Repository, docs DocumentReader, periods documents.PeriodGuard, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		docs:        docs,
		periods:     periods,
		logger:      logger,
		maxAttempts: db.DefaultMaxAttempts,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMaxAttempts bounds retries on transaction conflicts.
func (s *Service) WithMaxAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

// WithMetrics attaches ledger metrics.
func (s *Service) WithMetrics(m *observability.LedgerMetrics) {
	s.metrics = m
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *Service) onRetry(operation string) func(int, error) {
	return func(attempt int, err error) {
		s.metrics.TxRetry(operation)
		s.logger.Warn("retrying contended transaction",
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
	}
}

func (s *Service) ensureOpen(ctx context.Context, orgID string, dates ...time.Time) error {
	if s.periods == nil {
		return nil
	}
	for _, d := range dates {
		if err := s.periods.EnsureOpen(ctx, orgID, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) run(ctx context.Context, operation string, fn func(context.Context, TxRepository) error) error {
	return db.Retry(ctx, s.maxAttempts, s.onRetry(operation), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, fn)
	})
}

// apply is the shared body of every payment. It must run inside a
// transaction; check, when set, vets the loaded document before any write.
func (s *Service) apply(ctx context.Context, tx TxRepository, actor shared.Identity, p Payment, now time.Time, check func(documents.Document) error) (Result, bool, error) {
	existing, err := tx.FindPaymentByKey(ctx, p.OrgID, p.IdempotencyKey)
	switch {
	case err == nil:
		if existing.DocumentID != p.DocumentID {
			return Result{}, false, shared.NewConflictError(
				fmt.Sprintf("idempotency key %s already used for document %s", p.IdempotencyKey, existing.DocumentID), "KEY_IN_USE")
		}
		doc, err := tx.Documents().LoadForUpdate(ctx, p.OrgID, p.DocumentID)
		if err != nil {
			return Result{}, false, mapDocumentErr(err, p.DocumentID)
		}
		return Result{Payment: existing, Document: doc, Replayed: true}, false, nil
	case !errors.Is(err, ErrPaymentNotFound):
		return Result{}, false, err
	}

	if v := validateAmount(p.Amount); len(v) > 0 {
		return Result{}, false, shared.NewValidationError(v...)
	}
	doc, err := tx.Documents().LoadForUpdate(ctx, p.OrgID, p.DocumentID)
	if err != nil {
		return Result{}, false, mapDocumentErr(err, p.DocumentID)
	}
	if check != nil {
		if err := check(doc); err != nil {
			return Result{}, false, err
		}
	}
	if p.PaidAt.Before(doc.IssueDate) {
		return Result{}, false, shared.NewValidationError("paidAt must not be before the document issue date")
	}
	if err := s.ensureOpen(ctx, doc.OrgID, doc.IssueDate, p.PaidAt); err != nil {
		return Result{}, false, err
	}
	before := doc.Status
	if err := doc.ApplyPayment(p.Amount, actor.UID, now); err != nil {
		return Result{}, false, err
	}
	p.ID = s.newID()
	p.RecordedBy = actor.UID
	p.CreatedAt = now
	if err := tx.InsertPayment(ctx, p); err != nil {
		return Result{}, false, err
	}
	if err := tx.Documents().Update(ctx, doc); err != nil {
		return Result{}, false, err
	}
	return Result{Payment: p, Document: doc}, doc.Status != before, nil
}

func mapDocumentErr(err error, id string) error {
	if errors.Is(err, documents.ErrDocumentNotFound) {
		return shared.NewNotFoundError("document", id)
	}
	return err
}

func (s *Service) observe(res Result, statusChanged bool) {
	s.metrics.PaymentRecorded(res.Replayed)
	if statusChanged {
		s.metrics.DocumentTransition(string(res.Document.Kind), string(res.Document.Status))
	}
	if res.Replayed {
		s.logger.Info("payment replayed",
			slog.String("org_id", res.Payment.OrgID),
			slog.String("payment_id", res.Payment.ID),
			slog.String("idempotency_key", res.Payment.IdempotencyKey))
		return
	}
	s.logger.Info("payment recorded",
		slog.String("org_id", res.Payment.OrgID),
		slog.String("payment_id", res.Payment.ID),
		slog.String("document_id", res.Payment.DocumentID),
		slog.String("amount", res.Payment.Amount.StringFixed(2)),
		slog.String("status", string(res.Document.Status)),
		slog.String("amount_due", res.Document.Totals.AmountDue.StringFixed(2)))
}

// RecordPayment applies money to a document. A repeated idempotency key
// returns the original payment without applying it again.
func (s *Service) RecordPayment(ctx context.Context, actor shared.Identity, in PaymentInput) (Result, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return Result{}, err
	}
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	now := s.now().UTC()
	p := Payment{
		OrgID:          actor.OrgID,
		DocumentID:     strings.TrimSpace(in.DocumentID),
		Amount:         in.Amount,
		PaidAt:         dateOnly(now),
		Method:         in.Method,
		Reference:      strings.TrimSpace(in.Reference),
		IdempotencyKey: strings.TrimSpace(in.IdempotencyKey),
	}
	if in.PaidAt != nil {
		p.PaidAt = dateOnly(*in.PaidAt)
	}
	if p.Method == "" {
		p.Method = MethodBankTransfer
	}

	var check func(documents.Document) error
	if in.Kind != "" {
		check = func(doc documents.Document) error {
			if doc.Kind != in.Kind {
				return shared.NewNotFoundError(strings.ToLower(string(in.Kind)), p.DocumentID)
			}
			return nil
		}
	}

	var (
		res     Result
		changed bool
	)
	err := s.run(ctx, "payments.record", func(ctx context.Context, tx TxRepository) error {
		var err error
		res, changed, err = s.apply(ctx, tx, actor, p, now, check)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	s.observe(res, changed)
	return res, nil
}

// RecordReceipt registers client money that is not yet matched to an invoice.
// It returns false when the key was already used.
func (s *Service) RecordReceipt(ctx context.Context, actor shared.Identity, in ReceiptInput) (Receipt, bool, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return Receipt{}, false, err
	}
	if err := in.Validate(); err != nil {
		return Receipt{}, false, err
	}
	now := s.now().UTC()
	rc := Receipt{
		OrgID:          actor.OrgID,
		ClientID:       strings.TrimSpace(in.ClientID),
		Amount:         in.Amount,
		ReceivedAt:     dateOnly(now),
		Method:         in.Method,
		Reference:      strings.TrimSpace(in.Reference),
		IdempotencyKey: strings.TrimSpace(in.IdempotencyKey),
		Status:         ReceiptUnapplied,
		CreatedAt:      now,
	}
	if in.ReceivedAt != nil {
		rc.ReceivedAt = dateOnly(*in.ReceivedAt)
	}
	if rc.Method == "" {
		rc.Method = MethodBankTransfer
	}

	var (
		out     Receipt
		created bool
	)
	err := s.run(ctx, "payments.receipt", func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.FindReceiptByKey(ctx, rc.OrgID, rc.IdempotencyKey)
		if err == nil {
			out, created = existing, false
			return nil
		}
		if !errors.Is(err, ErrReceiptNotFound) {
			return err
		}
		if err := s.ensureOpen(ctx, rc.OrgID, rc.ReceivedAt); err != nil {
			return err
		}
		rc.ID = s.newID()
		if err := tx.InsertReceipt(ctx, rc); err != nil {
			return err
		}
		out, created = rc, true
		return nil
	})
	if err != nil {
		return Receipt{}, false, err
	}
	if created {
		s.logger.Info("receipt recorded",
			slog.String("org_id", out.OrgID),
			slog.String("receipt_id", out.ID),
			slog.String("client_id", out.ClientID),
			slog.String("amount", out.Amount.StringFixed(2)))
	}
	return out, created, nil
}

// ApplyReceipt matches a receipt to an invoice of the same client. The whole
// receipt becomes one payment keyed by the receipt id, so repeating the call
// is safe.
func (s *Service) ApplyReceipt(ctx context.Context, actor shared.Identity, receiptID, documentID string) (Receipt, Result, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return Receipt{}, Result{}, err
	}
	receiptID = strings.TrimSpace(receiptID)
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return Receipt{}, Result{}, shared.NewValidationError("documentId is required")
	}
	now := s.now().UTC()

	var (
		rc      Receipt
		res     Result
		changed bool
	)
	err := s.run(ctx, "payments.apply_receipt", func(ctx context.Context, tx TxRepository) error {
		var err error
		rc, err = tx.LoadReceiptForUpdate(ctx, actor.OrgID, receiptID)
		if errors.Is(err, ErrReceiptNotFound) {
			return shared.NewNotFoundError("receipt", receiptID)
		}
		if err != nil {
			return err
		}
		if rc.Status == ReceiptApplied && rc.DocumentID != documentID {
			return shared.NewConflictError("receipt already applied to document "+rc.DocumentID, string(rc.Status))
		}
		p := Payment{
			OrgID:          rc.OrgID,
			DocumentID:     documentID,
			Amount:         rc.Amount,
			PaidAt:         rc.ReceivedAt,
			Method:         rc.Method,
			Reference:      rc.Reference,
			IdempotencyKey: ReceiptKey(rc.ID),
		}
		check := func(doc documents.Document) error {
			if doc.Kind != documents.KindInvoice {
				return shared.NewValidationError("receipts can only be applied to invoices")
			}
			if doc.ClientID != rc.ClientID {
				return shared.NewValidationError("receipt and invoice belong to different clients")
			}
			return nil
		}
		res, changed, err = s.apply(ctx, tx, actor, p, now, check)
		if err != nil {
			return err
		}
		if rc.Status == ReceiptApplied {
			return nil
		}
		rc.Status = ReceiptApplied
		rc.DocumentID = documentID
		rc.PaymentID = res.Payment.ID
		applied := now
		rc.AppliedAt = &applied
		return tx.UpdateReceipt(ctx, rc)
	})
	if err != nil {
		return Receipt{}, Result{}, err
	}
	s.observe(res, changed)
	return rc, res, nil
}

// ListPayments returns the payments of a document the caller may read. A
// non-empty kind must match the document.
func (s *Service) ListPayments(ctx context.Context, actor shared.Identity, kind documents.Kind, documentID string) ([]Payment, error) {
	doc, err := s.docs.Get(ctx, actor, documentID)
	if err != nil {
		return nil, err
	}
	if kind != "" && doc.Kind != kind {
		return nil, shared.NewNotFoundError(strings.ToLower(string(kind)), documentID)
	}
	return s.repo.ListPayments(ctx, actor.OrgID, documentID)
}

// GetReceipt returns one receipt. Clients only see their own receipts.
func (s *Service) GetReceipt(ctx context.Context, actor shared.Identity, id string) (Receipt, error) {
	rc, err := s.repo.GetReceipt(ctx, actor.OrgID, id)
	if errors.Is(err, ErrReceiptNotFound) {
		return Receipt{}, shared.NewNotFoundError("receipt", id)
	}
	if err != nil {
		return Receipt{}, err
	}
	if err := actor.RequireRead(rc.OrgID, rc.ClientID); err != nil {
		return Receipt{}, err
	}
	return rc, nil
}

// ListReceipts returns receipts of the caller's organisation.
func (s *Service) ListReceipts(ctx context.Context, actor shared.Identity, filter ReceiptFilter) ([]Receipt, error) {
	if actor.OrgID == "" {
		return nil, shared.NewAuthorizationError("organisation mismatch", true)
	}
	if actor.Role == shared.RoleClient {
		filter.ClientID = actor.UID
	} else if !actor.CanMutate() {
		return nil, shared.NewAuthorizationError("role "+string(actor.Role)+" cannot read ledger data", false)
	}
	switch filter.Status {
	case "", ReceiptApplied, ReceiptUnapplied:
	default:
		return nil, shared.NewValidationError(fmt.Sprintf("receipt status %q is not supported", filter.Status))
	}
	return s.repo.ListReceipts(ctx, actor.OrgID, filter)
}
