package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/studioledger/studioledger/internal/money"
	"github.com/studioledger/studioledger/internal/observability"
	"github.com/studioledger/studioledger/internal/platform/db"
	"github.com/studioledger/studioledger/internal/sequence"
	"github.com/studioledger/studioledger/internal/shared"
)

// DefaultDueDays is the payment term applied when no due date is given.
const DefaultDueDays = 30

// Repository persists ledger documents.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, orgID, id string) (Document, error)
	List(ctx context.Context, orgID string, filter ListFilter) ([]Document, error)
}

// TxRepository exposes document writes inside a transaction.
type TxRepository interface {
	LoadForUpdate(ctx context.Context, orgID, id string) (Document, error)
	Insert(ctx context.Context, doc Document) error
	Update(ctx context.Context, doc Document) error
}

// Numberer hands out document numbers.
type Numberer interface {
	Allocate(ctx context.Context, req sequence.Request) (sequence.Allocation, bool, error)
	Void(ctx context.Context, orgID, number, reason string) (sequence.Allocation, error)
}

// PeriodGuard rejects mutations dated inside a closed accounting period.
type PeriodGuard interface {
	EnsureOpen(ctx context.Context, orgID string, date time.Time) error
}

type openPeriods struct{}

func (openPeriods) EnsureOpen(context.Context, string, time.Time) error { return nil }

// Service drives the document lifecycle.
type Service struct {
	repo        Repository
	numbers     Numberer
	periods     PeriodGuard
	logger      *slog.Logger
	metrics     *observability.LedgerMetrics
	dueDays     int
	maxAttempts int
	now         func() time.Time
	newID       func() string
}

// NewService constructs a Service. A nil guard leaves every period open.
func NewService(repo Repository, numbers Numberer, periods PeriodGuard, logger *slog.Logger) *Service {
	if periods == nil {
		periods = openPeriods{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		numbers:     numbers,
		periods:     periods,
		logger:      logger,
		dueDays:     DefaultDueDays,
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

// WithDueDays sets the default payment term.
func (s *Service) WithDueDays(days int) {
	if days > 0 {
		s.dueDays = days
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

func (s *Service) defaultDue(issue time.Time) *time.Time {
	due := issue.AddDate(0, 0, s.dueDays)
	return &due
}

func validateShape(kind Kind, subtype Subtype, clientID string) error {
	var violations []string
	if !kind.Valid() {
		violations = append(violations, fmt.Sprintf("kind %q is not supported", kind))
	}
	switch {
	case kind == KindInvoice && subtype != SubtypeBudget && subtype != SubtypeFinal:
		violations = append(violations, "invoice subtype must be BUDGET or FINAL")
	case kind != KindInvoice && subtype != SubtypeNone:
		violations = append(violations, fmt.Sprintf("subtype is only allowed on invoices, got %q", subtype))
	}
	if strings.TrimSpace(clientID) == "" {
		violations = append(violations, "clientId is required")
	}
	if len(violations) > 0 {
		return shared.NewValidationError(violations...)
	}
	return nil
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

// mutate loads the document inside a retried transaction, applies fn and
// persists the result.
func (s *Service) mutate(ctx context.Context, operation, orgID, id string, fn func(*Document) error) (Document, error) {
	var out Document
	err := db.Retry(ctx, s.maxAttempts, s.onRetry(operation), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			doc, err := tx.LoadForUpdate(ctx, orgID, id)
			if err != nil {
				return s.mapNotFound(err, id)
			}
			if err := fn(&doc); err != nil {
				return err
			}
			if err := tx.Update(ctx, doc); err != nil {
				return err
			}
			out = doc
			return nil
		})
	})
	return out, err
}

func (s *Service) mapNotFound(err error, id string) error {
	if errors.Is(err, ErrDocumentNotFound) {
		return shared.NewNotFoundError("document", id)
	}
	return err
}

func (s *Service) load(ctx context.Context, orgID, id string) (Document, error) {
	doc, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return Document{}, s.mapNotFound(err, id)
	}
	return doc, nil
}

func (s *Service) ensureOpen(ctx context.Context, orgID string, dates ...time.Time) error {
	for _, d := range dates {
		if err := s.periods.EnsureOpen(ctx, orgID, d); err != nil {
			return err
		}
	}
	return nil
}

// Create stores a new draft with freshly calculated totals.
func (s *Service) Create(ctx context.Context, actor shared.Identity, in CreateInput) (Document, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return Document{}, err
	}
	if in.Kind == KindInvoice && in.Subtype == SubtypeNone {
		in.Subtype = SubtypeFinal
	}
	if err := validateShape(in.Kind, in.Subtype, in.ClientID); err != nil {
		return Document{}, err
	}
	now := s.now().UTC()
	doc := Document{
		ID:        s.newID(),
		OrgID:     actor.OrgID,
		Kind:      in.Kind,
		Subtype:   in.Subtype,
		ClientID:  strings.TrimSpace(in.ClientID),
		Items:     in.Items,
		Discount:  in.Discount,
		TaxMode:   in.TaxMode,
		Shipping:  in.Shipping,
		Status:    StatusDraft,
		IssueDate: dateOnly(now),
		Notes:     in.Notes,
		CreatedAt: now,
	}
	if in.IssueDate != nil {
		doc.IssueDate = dateOnly(*in.IssueDate)
	}
	if err := s.applyDueDate(&doc, in.DueDate); err != nil {
		return Document{}, err
	}
	if err := s.recalculate(&doc); err != nil {
		return Document{}, err
	}
	if err := s.ensureOpen(ctx, doc.OrgID, doc.IssueDate); err != nil {
		return Document{}, err
	}
	doc.appendAudit(actor.UID, "create", "", now)

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.Insert(ctx, doc)
	})
	if err != nil {
		return Document{}, fmt.Errorf("documents: create: %w", err)
	}
	s.metrics.DocumentTransition(string(doc.Kind), string(doc.Status))
	s.logger.Info("document created",
		slog.String("org_id", doc.OrgID),
		slog.String("document_id", doc.ID),
		slog.String("kind", string(doc.Kind)))
	return doc, nil
}

func (s *Service) applyDueDate(doc *Document, due *time.Time) error {
	if !doc.HasDueDate() {
		if due != nil {
			return shared.NewValidationError(fmt.Sprintf("%s documents do not carry a due date", doc.SequenceType()))
		}
		doc.DueDate = nil
		return nil
	}
	if due == nil {
		if doc.DueDate == nil {
			doc.DueDate = s.defaultDue(doc.IssueDate)
		}
		return nil
	}
	d := dateOnly(*due)
	if d.Before(doc.IssueDate) {
		return shared.NewValidationError("dueDate must not be before issueDate")
	}
	doc.DueDate = &d
	return nil
}

func (s *Service) recalculate(doc *Document) error {
	in := doc.MoneyInput().Normalize()
	totals, err := money.Calculate(in)
	if err != nil {
		return err
	}
	doc.TaxMode = in.TaxMode
	doc.Discount = in.Discount
	doc.Shipping = money.Round(in.Shipping)
	doc.Totals = totals
	return nil
}

// UpdateDraft edits a draft and recalculates its totals.
func (s *Service) UpdateDraft(ctx context.Context, actor shared.Identity, id string, in UpdateInput) (Document, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return Document{}, err
	}
	current, err := s.load(ctx, actor.OrgID, id)
	if err != nil {
		return Document{}, err
	}
	dates := []time.Time{current.IssueDate}
	if in.IssueDate != nil {
		dates = append(dates, dateOnly(*in.IssueDate))
	}
	if err := s.ensureOpen(ctx, actor.OrgID, dates...); err != nil {
		return Document{}, err
	}
	return s.mutate(ctx, "documents.update", actor.OrgID, id, func(doc *Document) error {
		if doc.PaymentCount > 0 || doc.Totals.AmountPaid.IsPositive() {
			return conflict(*doc, "documents with payments cannot be edited")
		}
		if doc.Status != StatusDraft {
			return conflict(*doc, "only drafts can be edited")
		}
		if in.ClientID != nil {
			doc.ClientID = strings.TrimSpace(*in.ClientID)
			if doc.ClientID == "" {
				return shared.NewValidationError("clientId is required")
			}
		}
		if in.Items != nil {
			doc.Items = in.Items
		}
		if in.Discount != nil {
			doc.Discount = *in.Discount
		}
		if in.TaxMode != nil {
			doc.TaxMode = *in.TaxMode
		}
		if in.Shipping != nil {
			doc.Shipping = *in.Shipping
		}
		if in.Notes != nil {
			doc.Notes = *in.Notes
		}
		if in.IssueDate != nil {
			doc.IssueDate = dateOnly(*in.IssueDate)
		}
		if err := s.applyDueDate(doc, in.DueDate); err != nil {
			return err
		}
		if err := s.recalculate(doc); err != nil {
			return err
		}
		doc.appendAudit(actor.UID, "update", "", s.now().UTC())
		return nil
	})
}

// Send assigns a number and issues the document. Repeating the call returns
// the already issued document with the same number.
func (s *Service) Send(ctx context.Context, actor shared.Identity, id string) (Document, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return Document{}, err
	}
	doc, err := s.load(ctx, actor.OrgID, id)
	if err != nil {
		return Document{}, err
	}
	if doc.Status != StatusDraft {
		if doc.Number != "" && doc.Status != StatusCancelled && doc.Status != StatusVoid {
			return doc, nil
		}
		return Document{}, conflict(doc, "only drafts can be sent")
	}
	if err := s.ensureOpen(ctx, doc.OrgID, doc.IssueDate); err != nil {
		return Document{}, err
	}
	if len(doc.Items) == 0 || !doc.Totals.GrandTotal.IsPositive() {
		return Document{}, shared.NewValidationError("document must have items and a positive grand total")
	}

	number := doc.Number
	if number == "" {
		alloc, _, err := s.numbers.Allocate(ctx, sequence.Request{
			OrgID:          doc.OrgID,
			DocType:        doc.SequenceType(),
			Year:           doc.IssueDate.Year(),
			IdempotencyKey: "send:" + doc.ID,
		})
		if err != nil {
			return Document{}, err
		}
		number = alloc.Number
	}

	out, err := s.mutate(ctx, "documents.send", doc.OrgID, doc.ID, func(d *Document) error {
		if d.Status != StatusDraft && d.Number == number {
			return nil
		}
		return d.Issue(number, actor.UID, s.now().UTC())
	})
	if err != nil {
		return Document{}, err
	}
	s.metrics.DocumentTransition(string(out.Kind), string(out.Status))
	s.logger.Info("document sent",
		slog.String("org_id", out.OrgID),
		slog.String("document_id", out.ID),
		slog.String("number", out.Number),
		slog.String("status", string(out.Status)))
	return out, nil
}

// Cancel withdraws a draft or an unpaid issued document.
func (s *Service) Cancel(ctx context.Context, actor shared.Identity, id, reason string) (Document, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return Document{}, err
	}
	current, err := s.load(ctx, actor.OrgID, id)
	if err != nil {
		return Document{}, err
	}
	if err := s.ensureOpen(ctx, actor.OrgID, current.IssueDate); err != nil {
		return Document{}, err
	}
	reason = strings.TrimSpace(reason)
	out, err := s.mutate(ctx, "documents.cancel", actor.OrgID, id, func(d *Document) error {
		return d.Cancel(reason, actor.UID, s.now().UTC())
	})
	if err != nil {
		return Document{}, err
	}
	s.metrics.DocumentTransition(string(out.Kind), string(out.Status))
	s.logger.Info("document cancelled", slog.String("org_id", out.OrgID), slog.String("document_id", out.ID))
	return out, nil
}

// Void withdraws an issued document together with its number.
func (s *Service) Void(ctx context.Context, actor shared.Identity, id, reason string) (Document, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return Document{}, err
	}
	current, err := s.load(ctx, actor.OrgID, id)
	if err != nil {
		return Document{}, err
	}
	if err := s.ensureOpen(ctx, actor.OrgID, current.IssueDate); err != nil {
		return Document{}, err
	}
	reason = strings.TrimSpace(reason)
	out := current
	if current.Status != StatusVoid {
		out, err = s.mutate(ctx, "documents.void", actor.OrgID, id, func(d *Document) error {
			return d.Void(reason, actor.UID, s.now().UTC())
		})
		if err != nil {
			return Document{}, err
		}
		s.metrics.DocumentTransition(string(out.Kind), string(out.Status))
	}
	if _, err := s.numbers.Void(ctx, out.OrgID, out.Number, reason); err != nil && !errors.Is(err, sequence.ErrAlreadyVoided) {
		return Document{}, fmt.Errorf("documents: void number %s: %w", out.Number, err)
	}
	s.logger.Info("document voided",
		slog.String("org_id", out.OrgID),
		slog.String("document_id", out.ID),
		slog.String("number", out.Number))
	return out, nil
}

// Accept records the client's acceptance of a sent estimate.
func (s *Service) Accept(ctx context.Context, actor shared.Identity, id, note string) (Document, error) {
	return s.decide(ctx, actor, id, true, note)
}

// Reject records the client's rejection of a sent estimate.
func (s *Service) Reject(ctx context.Context, actor shared.Identity, id, note string) (Document, error) {
	return s.decide(ctx, actor, id, false, note)
}

func (s *Service) decide(ctx context.Context, actor shared.Identity, id string, accept bool, note string) (Document, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return Document{}, err
	}
	current, err := s.load(ctx, actor.OrgID, id)
	if err != nil {
		return Document{}, err
	}
	if err := s.ensureOpen(ctx, actor.OrgID, current.IssueDate); err != nil {
		return Document{}, err
	}
	out, err := s.mutate(ctx, "documents.decide", actor.OrgID, id, func(d *Document) error {
		return d.Decide(accept, strings.TrimSpace(note), actor.UID, s.now().UTC())
	})
	if err != nil {
		return Document{}, err
	}
	s.metrics.DocumentTransition(string(out.Kind), string(out.Status))
	return out, nil
}

// Convert clones an accepted estimate into a new FINAL invoice draft. The
// source becomes CONVERTED in the same transaction.
func (s *Service) Convert(ctx context.Context, actor shared.Identity, id string, in ConvertInput) (Document, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return Document{}, err
	}
	source, err := s.load(ctx, actor.OrgID, id)
	if err != nil {
		return Document{}, err
	}
	now := s.now().UTC()
	issue := dateOnly(now)
	if in.IssueDate != nil {
		issue = dateOnly(*in.IssueDate)
	}
	if err := s.ensureOpen(ctx, actor.OrgID, source.IssueDate, issue); err != nil {
		return Document{}, err
	}

	var target Document
	err = db.Retry(ctx, s.maxAttempts, s.onRetry("documents.convert"), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			src, err := tx.LoadForUpdate(ctx, actor.OrgID, id)
			if err != nil {
				return s.mapNotFound(err, id)
			}
			if !src.IsQuoteLike() {
				return conflict(src, "only quotes and budget invoices can be converted")
			}
			if src.Status != StatusAccepted {
				return conflict(src, "only accepted estimates can be converted")
			}
			target = Document{
				ID:        s.newID(),
				OrgID:     src.OrgID,
				Kind:      KindInvoice,
				Subtype:   SubtypeFinal,
				ClientID:  src.ClientID,
				Items:     append([]money.LineItem(nil), src.Items...),
				Discount:  src.Discount,
				TaxMode:   src.TaxMode,
				Shipping:  src.Shipping,
				Status:    StatusDraft,
				IssueDate: issue,
				SourceID:  src.ID,
				Notes:     src.Notes,
				CreatedAt: now,
			}
			if err := s.applyDueDate(&target, in.DueDate); err != nil {
				return err
			}
			if err := s.recalculate(&target); err != nil {
				return err
			}
			target.appendAudit(actor.UID, "create", "converted from "+src.Number, now)
			if err := tx.Insert(ctx, target); err != nil {
				return err
			}
			src.ConvertedTo = target.ID
			if err := src.setStatus(StatusConverted, actor.UID, "convert", target.ID, now); err != nil {
				return err
			}
			return tx.Update(ctx, src)
		})
	})
	if err != nil {
		return Document{}, err
	}
	s.metrics.DocumentTransition(string(source.Kind), string(StatusConverted))
	s.logger.Info("estimate converted",
		slog.String("org_id", actor.OrgID),
		slog.String("source_id", id),
		slog.String("document_id", target.ID))
	return target, nil
}

// MarkOverdue re-derives the status of every open document that can become
// overdue and returns how many changed. Documents issued inside a closed
// period are left untouched.
func (s *Service) MarkOverdue(ctx context.Context, orgID string) (int, error) {
	open, err := s.repo.List(ctx, orgID, ListFilter{Statuses: []Status{StatusSent, StatusPublished, StatusPartial}})
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	changed, locked := 0, 0
	for _, candidate := range open {
		if !candidate.OverdueEligible() || candidate.DueDate == nil || !now.After(*candidate.DueDate) {
			continue
		}
		if err := s.ensureOpen(ctx, orgID, candidate.IssueDate); err != nil {
			if errors.Is(err, shared.ErrConflict) {
				locked++
				continue
			}
			return changed, fmt.Errorf("documents: mark overdue %s: %w", candidate.ID, err)
		}
		moved := false
		out, err := s.mutate(ctx, "documents.overdue", orgID, candidate.ID, func(d *Document) error {
			var err error
			moved, err = d.Recompute("system", now)
			return err
		})
		if err != nil {
			return changed, fmt.Errorf("documents: mark overdue %s: %w", candidate.ID, err)
		}
		if moved {
			changed++
			s.metrics.DocumentTransition(string(out.Kind), string(out.Status))
		}
	}
	if locked > 0 {
		s.logger.Warn("overdue sweep skipped documents in closed periods", slog.String("org_id", orgID), slog.Int("skipped", locked))
	}
	if changed > 0 {
		s.logger.Info("overdue sweep", slog.String("org_id", orgID), slog.Int("changed", changed))
	}
	return changed, nil
}

// Get returns one document. Clients only see their own documents.
func (s *Service) Get(ctx context.Context, actor shared.Identity, id string) (Document, error) {
	doc, err := s.load(ctx, actor.OrgID, id)
	if err != nil {
		return Document{}, err
	}
	if err := actor.RequireRead(doc.OrgID, doc.ClientID); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// List returns documents of the caller's organisation.
func (s *Service) List(ctx context.Context, actor shared.Identity, filter ListFilter) ([]Document, error) {
	if actor.OrgID == "" {
		return nil, shared.NewAuthorizationError("organisation mismatch", true)
	}
	if actor.Role == shared.RoleClient {
		filter.ClientID = actor.UID
	} else if !actor.CanMutate() {
		return nil, shared.NewAuthorizationError("role "+string(actor.Role)+" cannot read ledger data", false)
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, shared.NewValidationError(fmt.Sprintf("kind %q is not supported", filter.Kind))
	}
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, shared.NewValidationError(fmt.Sprintf("status %q is not supported", st))
		}
	}
	return s.repo.List(ctx, actor.OrgID, filter)
}

// Outstanding returns every payable document with an amount due.
func (s *Service) Outstanding(ctx context.Context, orgID string) ([]Document, error) {
	docs, err := s.repo.List(ctx, orgID, ListFilter{Statuses: []Status{StatusSent, StatusPublished, StatusPartial, StatusOverdue}})
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if d.Payable() && d.Totals.AmountDue.GreaterThan(decimal.Zero) {
			out = append(out, d)
		}
	}
	return out, nil
}
