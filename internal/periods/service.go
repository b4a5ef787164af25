package periods

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/studioledger/studioledger/internal/documents"
	"github.com/studioledger/studioledger/internal/observability"
	"github.com/studioledger/studioledger/internal/payments"
	"github.com/studioledger/studioledger/internal/platform/db"
	"github.com/studioledger/studioledger/internal/sequence"
	"github.com/studioledger/studioledger/internal/shared"
)

// Repository persists periods and adjustments.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, orgID string, year, month int) (Period, error)
	List(ctx context.Context, orgID string, year int) ([]Period, error)
	GetAdjustment(ctx context.Context, orgID, id string) (JournalAdjustment, error)
	ListAdjustments(ctx context.Context, orgID string, year, month int) ([]JournalAdjustment, error)
}

// TxRepository exposes transactional period writes.
type TxRepository interface {
	// LockPeriod returns the period row locked for update, creating it OPEN
	// when the month was never touched.
	LockPeriod(ctx context.Context, orgID string, year, month int) (Period, error)
	SavePeriod(ctx context.Context, p Period) error
	LoadAdjustmentForUpdate(ctx context.Context, orgID, id string) (JournalAdjustment, error)
	InsertAdjustment(ctx context.Context, j JournalAdjustment) error
	UpdateAdjustment(ctx context.Context, j JournalAdjustment) error
}

// DocumentSource lists every document of an organisation.
type DocumentSource interface {
	List(ctx context.Context, orgID string, filter documents.ListFilter) ([]documents.Document, error)
}

// ReceiptSource lists client receipts of an organisation.
type ReceiptSource interface {
	ListReceipts(ctx context.Context, orgID string, filter payments.ReceiptFilter) ([]payments.Receipt, error)
}

// Numberer hands out journal numbers.
type Numberer interface {
	Allocate(ctx context.Context, req sequence.Request) (sequence.Allocation, bool, error)
	Void(ctx context.Context, orgID, number, reason string) (sequence.Allocation, error)
}

// Service gates closed periods and runs the close workflow.
type Service struct {
	repo        Repository
	docs        DocumentSource
	receipts    ReceiptSource
	numbers     Numberer
	audit       shared.AuditRecorder
	logger      *slog.Logger
	metrics     *observability.LedgerMetrics
	maxAttempts int
	now         func() time.Time
	newID       func() string
}

// NewService constructs the period gate.
func NewService(repo Repository, docs DocumentSource, receipts ReceiptSource, numbers Numberer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		docs:        docs,
		receipts:    receipts,
		numbers:     numbers,
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

// WithAudit records close, reopen and adjustment events in the org audit log.
func (s *Service) WithAudit(rec shared.AuditRecorder) {
	s.audit = rec
}

func (s *Service) run(ctx context.Context, operation string, fn func(context.Context, TxRepository) error) error {
	return db.Retry(ctx, s.maxAttempts, func(attempt int, err error) {
		s.metrics.TxRetry(operation)
		s.logger.Warn("retrying contended transaction",
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
	}, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, fn)
	})
}

func (s *Service) record(ctx context.Context, entry shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error("audit record failed",
			slog.String("action", entry.Action),
			slog.String("entity_id", entry.EntityID),
			slog.Any("error", err))
	}
}

// EnsureOpen returns a ConflictError when date falls inside a CLOSED period.
// Months never closed are open.
func (s *Service) EnsureOpen(ctx context.Context, orgID string, date time.Time) error {
	y, m, _ := date.UTC().Date()
	p, err := s.repo.Get(ctx, orgID, y, int(m))
	switch {
	case errors.Is(err, ErrPeriodNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("periods: load %04d-%02d: %w", y, int(m), err)
	}
	if p.Status == StatusClosed {
		return &shared.ConflictError{
			Reason:       fmt.Sprintf("period %s is closed", p.Key()),
			CurrentState: shared.PeriodStatusClosed,
			Err:          documents.ErrPeriodClosed,
		}
	}
	return nil
}

// Get returns the period, or its implicit OPEN state.
func (s *Service) Get(ctx context.Context, actor shared.Identity, year, month int) (Period, error) {
	if err := requireLedgerRead(actor); err != nil {
		return Period{}, err
	}
	if err := ValidateMonth(year, month); err != nil {
		return Period{}, err
	}
	return s.load(ctx, actor.OrgID, year, month)
}

func (s *Service) load(ctx context.Context, orgID string, year, month int) (Period, error) {
	p, err := s.repo.Get(ctx, orgID, year, month)
	if errors.Is(err, ErrPeriodNotFound) {
		return NewPeriod(orgID, year, month), nil
	}
	return p, err
}

// List returns the periods of a year that were ever closed.
func (s *Service) List(ctx context.Context, actor shared.Identity, year int) ([]Period, error) {
	if err := requireLedgerRead(actor); err != nil {
		return nil, err
	}
	if err := ValidateMonth(year, 1); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, actor.OrgID, year)
}

// requireLedgerRead keeps clients away from period data.
func requireLedgerRead(actor shared.Identity) error {
	if actor.OrgID == "" || !actor.CanMutate() {
		return shared.NewAuthorizationError("role "+string(actor.Role)+" cannot read periods", false)
	}
	return nil
}

// Checks runs the pre-close checks for the period without closing it.
func (s *Service) Checks(ctx context.Context, actor shared.Identity, year, month int) ([]CheckResult, error) {
	if err := requireLedgerRead(actor); err != nil {
		return nil, err
	}
	if err := ValidateMonth(year, month); err != nil {
		return nil, err
	}
	return s.runChecks(ctx, NewPeriod(actor.OrgID, year, month))
}

// Health runs the pre-close checks for scheduled jobs.
func (s *Service) Health(ctx context.Context, orgID string, year, month int) ([]CheckResult, error) {
	if err := ValidateMonth(year, month); err != nil {
		return nil, err
	}
	return s.runChecks(ctx, NewPeriod(orgID, year, month))
}

// runChecks loads the full document and receipt sets and filters them by
// date here, so drafts filed under other periods are still seen.
func (s *Service) runChecks(ctx context.Context, p Period) ([]CheckResult, error) {
	var (
		docs     []documents.Document
		receipts []payments.Receipt
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		docs, err = s.docs.List(gctx, p.OrgID, documents.ListFilter{})
		if err != nil {
			return fmt.Errorf("periods: list documents: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		receipts, err = s.receipts.ListReceipts(gctx, p.OrgID, payments.ReceiptFilter{Status: payments.ReceiptUnapplied})
		if err != nil {
			return fmt.Errorf("periods: list receipts: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	drafts := CheckResult{Code: CheckDraftDocuments, Label: "No draft invoices or bills dated in the period"}
	payslips := CheckResult{Code: CheckOpenPayslips, Label: "Every payslip of the period is paid"}
	unapplied := CheckResult{Code: CheckUnappliedReceipts, Label: "No unapplied client receipts dated in the period"}

	for _, d := range docs {
		if !p.Contains(d.IssueDate) {
			continue
		}
		switch d.Kind {
		case documents.KindInvoice, documents.KindBill:
			if d.Status == documents.StatusDraft {
				drafts.Offending = append(drafts.Offending, d.ID)
			}
		case documents.KindPayslip:
			switch d.Status {
			case documents.StatusPaid, documents.StatusCancelled, documents.StatusVoid:
			default:
				payslips.Offending = append(payslips.Offending, d.ID)
			}
		}
	}
	for _, r := range receipts {
		if r.Status == payments.ReceiptUnapplied && p.Contains(r.ReceivedAt) {
			unapplied.Offending = append(unapplied.Offending, r.ID)
		}
	}

	results := []CheckResult{drafts, payslips, unapplied}
	for i := range results {
		sort.Strings(results[i].Offending)
		results[i].Passed = len(results[i].Offending) == 0
	}
	return results, nil
}

func failed(results []CheckResult) []CheckResult {
	var out []CheckResult
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Close moves the period to CLOSED. Failing checks abort the close unless
// ack is set, in which case they are stored on the period.
func (s *Service) Close(ctx context.Context, actor shared.Identity, year, month int, ack bool) (Period, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return Period{}, err
	}
	if err := ValidateMonth(year, month); err != nil {
		return Period{}, err
	}
	checks, err := s.runChecks(ctx, NewPeriod(actor.OrgID, year, month))
	if err != nil {
		return Period{}, err
	}
	bad := failed(checks)
	if len(bad) > 0 && !ack {
		return Period{}, &ChecksFailedError{Period: NewPeriod(actor.OrgID, year, month).Key(), Failed: bad}
	}

	var out Period
	err = s.run(ctx, "periods.close", func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LockPeriod(ctx, actor.OrgID, year, month)
		if err != nil {
			return err
		}
		if err := shared.ValidatePeriodTransition(string(p.Status), shared.PeriodStatusClosed, actor.IsElevated()); err != nil {
			return &shared.ConflictError{Reason: "period " + p.Key() + " is already closed", CurrentState: string(p.Status), Err: err}
		}
		now := s.now().UTC()
		p.Status = StatusClosed
		p.ClosedAt = &now
		p.ClosedBy = actor.UID
		p.AckOverride = len(bad) > 0
		p.Checks = checks
		note := ""
		if p.AckOverride {
			note = "acknowledged: " + strings.Join((&ChecksFailedError{Failed: bad}).FailedChecks(), ",")
		}
		p.Audit = append(p.Audit, shared.AuditEntry{Actor: actor.UID, Action: "close", Timestamp: now, Note: note})
		p.UpdatedAt = now
		if err := tx.SavePeriod(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Period{}, err
	}

	s.metrics.PeriodTransition(string(out.Status))
	s.record(ctx, shared.AuditLog{
		OrgID:    out.OrgID,
		ActorID:  actor.UID,
		Action:   "period.close",
		Entity:   "period",
		EntityID: out.Key(),
		Meta:     map[string]any{"ackOverride": out.AckOverride},
		At:       out.UpdatedAt,
	})
	s.logger.Info("period closed",
		slog.String("org_id", out.OrgID),
		slog.String("period", out.Key()),
		slog.Bool("ack_override", out.AckOverride))
	return out, nil
}

// Reopen returns a CLOSED period to OPEN. Only admins may reopen and a
// reason is mandatory.
func (s *Service) Reopen(ctx context.Context, actor shared.Identity, year, month int, reason string) (Period, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return Period{}, err
	}
	if !actor.IsElevated() {
		return Period{}, shared.NewAuthorizationError("only admins can reopen periods", false)
	}
	reason = strings.TrimSpace(reason)
	var violations []string
	if err := ValidateMonth(year, month); err != nil {
		var v *shared.ValidationError
		if errors.As(err, &v) {
			violations = append(violations, v.Violations...)
		}
	}
	if reason == "" {
		violations = append(violations, "reason is required")
	}
	if len(violations) > 0 {
		return Period{}, shared.NewValidationError(violations...)
	}

	var out Period
	err := s.run(ctx, "periods.reopen", func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LockPeriod(ctx, actor.OrgID, year, month)
		if err != nil {
			return err
		}
		if err := shared.ValidatePeriodTransition(string(p.Status), shared.PeriodStatusOpen, actor.IsElevated()); err != nil {
			return &shared.ConflictError{Reason: "period " + p.Key() + " is not closed", CurrentState: string(p.Status), Err: err}
		}
		now := s.now().UTC()
		p.Status = StatusOpen
		p.ReopenedAt = &now
		p.ReopenedBy = actor.UID
		p.ReopenReason = reason
		p.Audit = append(p.Audit, shared.AuditEntry{Actor: actor.UID, Action: "reopen", Timestamp: now, Note: reason})
		p.UpdatedAt = now
		if err := tx.SavePeriod(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Period{}, err
	}

	s.metrics.PeriodTransition(string(out.Status))
	s.record(ctx, shared.AuditLog{
		OrgID:    out.OrgID,
		ActorID:  actor.UID,
		Action:   "period.reopen",
		Entity:   "period",
		EntityID: out.Key(),
		Meta:     map[string]any{"reason": reason},
		At:       out.UpdatedAt,
	})
	s.logger.Warn("period reopened",
		slog.String("org_id", out.OrgID),
		slog.String("period", out.Key()),
		slog.String("actor", actor.UID),
		slog.String("reason", reason))
	return out, nil
}

func requireClosed(p Period, action string) error {
	if p.Status != StatusClosed {
		return shared.NewConflictError(fmt.Sprintf("adjustments can only be %s while period %s is closed", action, p.Key()), string(p.Status))
	}
	return nil
}

// CreateAdjustment stores a DRAFT adjustment against a CLOSED period.
func (s *Service) CreateAdjustment(ctx context.Context, actor shared.Identity, in AdjustmentInput) (JournalAdjustment, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return JournalAdjustment{}, err
	}
	if err := in.Validate(); err != nil {
		return JournalAdjustment{}, err
	}
	var out JournalAdjustment
	err := s.run(ctx, "periods.adjustment.create", func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LockPeriod(ctx, actor.OrgID, in.Year, in.Month)
		if err != nil {
			return err
		}
		if err := requireClosed(p, "posted"); err != nil {
			return err
		}
		now := s.now().UTC()
		j := JournalAdjustment{
			ID:        s.newID(),
			OrgID:     actor.OrgID,
			Year:      in.Year,
			Month:     in.Month,
			Lines:     in.Lines,
			Memo:      strings.TrimSpace(in.Memo),
			Status:    AdjustmentDraft,
			CreatedAt: now,
		}
		j.appendAudit(actor.UID, "create", "", now)
		if err := tx.InsertAdjustment(ctx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return JournalAdjustment{}, err
	}
	s.logger.Info("adjustment drafted",
		slog.String("org_id", out.OrgID),
		slog.String("adjustment_id", out.ID),
		slog.String("net", out.Net().StringFixed(2)))
	return out, nil
}

func (s *Service) loadAdjustment(ctx context.Context, orgID, id string) (JournalAdjustment, error) {
	j, err := s.repo.GetAdjustment(ctx, orgID, id)
	if errors.Is(err, ErrAdjustmentNotFound) {
		return JournalAdjustment{}, shared.NewNotFoundError("adjustment", id)
	}
	return j, err
}

// mutateAdjustment locks the adjustment and its period in one transaction.
func (s *Service) mutateAdjustment(ctx context.Context, operation, orgID, id string, fn func(*JournalAdjustment, Period) error) (JournalAdjustment, error) {
	var out JournalAdjustment
	err := s.run(ctx, operation, func(ctx context.Context, tx TxRepository) error {
		j, err := tx.LoadAdjustmentForUpdate(ctx, orgID, id)
		if errors.Is(err, ErrAdjustmentNotFound) {
			return shared.NewNotFoundError("adjustment", id)
		}
		if err != nil {
			return err
		}
		p, err := tx.LockPeriod(ctx, orgID, j.Year, j.Month)
		if err != nil {
			return err
		}
		if err := fn(&j, p); err != nil {
			return err
		}
		if err := tx.UpdateAdjustment(ctx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

// PublishAdjustment numbers a DRAFT adjustment and makes it immutable.
// Publishing twice returns the published adjustment.
func (s *Service) PublishAdjustment(ctx context.Context, actor shared.Identity, id string) (JournalAdjustment, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return JournalAdjustment{}, err
	}
	current, err := s.loadAdjustment(ctx, actor.OrgID, id)
	if err != nil {
		return JournalAdjustment{}, err
	}
	switch current.Status {
	case AdjustmentPublished:
		return current, nil
	case AdjustmentVoid:
		return JournalAdjustment{}, shared.NewConflictError("void adjustments cannot be published", string(current.Status))
	}
	if err := current.validateLines(); err != nil {
		return JournalAdjustment{}, err
	}
	p, err := s.load(ctx, actor.OrgID, current.Year, current.Month)
	if err != nil {
		return JournalAdjustment{}, err
	}
	if err := requireClosed(p, "published"); err != nil {
		return JournalAdjustment{}, err
	}
	alloc, _, err := s.numbers.Allocate(ctx, sequence.Request{
		OrgID:          actor.OrgID,
		DocType:        sequence.DocJournal,
		Year:           current.Year,
		IdempotencyKey: "publish:" + current.ID,
	})
	if err != nil {
		return JournalAdjustment{}, err
	}

	out, err := s.mutateAdjustment(ctx, "periods.adjustment.publish", actor.OrgID, id, func(j *JournalAdjustment, p Period) error {
		if j.Status == AdjustmentPublished && j.Number == alloc.Number {
			return nil
		}
		if j.Status != AdjustmentDraft {
			return shared.NewConflictError("only draft adjustments can be published", string(j.Status))
		}
		if err := requireClosed(p, "published"); err != nil {
			return err
		}
		now := s.now().UTC()
		j.Number = alloc.Number
		j.Status = AdjustmentPublished
		j.PublishedAt = &now
		j.appendAudit(actor.UID, "publish", alloc.Number, now)
		return nil
	})
	if err != nil {
		return JournalAdjustment{}, err
	}
	s.record(ctx, shared.AuditLog{
		OrgID:    out.OrgID,
		ActorID:  actor.UID,
		Action:   "adjustment.publish",
		Entity:   "journal_adjustment",
		EntityID: out.ID,
		Meta:     map[string]any{"number": out.Number, "net": out.Net().StringFixed(2)},
		At:       out.UpdatedAt,
	})
	s.logger.Info("adjustment published",
		slog.String("org_id", out.OrgID),
		slog.String("adjustment_id", out.ID),
		slog.String("number", out.Number))
	return out, nil
}

func (j JournalAdjustment) validateLines() error {
	return AdjustmentInput{Year: j.Year, Month: j.Month, Lines: j.Lines, Memo: j.Memo}.Validate()
}

// VoidAdjustment withdraws a PUBLISHED adjustment and its number.
func (s *Service) VoidAdjustment(ctx context.Context, actor shared.Identity, id, reason string) (JournalAdjustment, error) {
	if err := actor.RequireMutate(actor.OrgID); err != nil {
		return JournalAdjustment{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return JournalAdjustment{}, shared.NewValidationError("reason is required")
	}
	out, err := s.mutateAdjustment(ctx, "periods.adjustment.void", actor.OrgID, id, func(j *JournalAdjustment, p Period) error {
		if j.Status != AdjustmentPublished {
			return shared.NewConflictError("only published adjustments can be voided", string(j.Status))
		}
		if err := requireClosed(p, "voided"); err != nil {
			return err
		}
		now := s.now().UTC()
		j.Status = AdjustmentVoid
		j.VoidReason = reason
		j.VoidedAt = &now
		j.appendAudit(actor.UID, "void", reason, now)
		return nil
	})
	if err != nil {
		return JournalAdjustment{}, err
	}
	if _, err := s.numbers.Void(ctx, out.OrgID, out.Number, reason); err != nil && !errors.Is(err, sequence.ErrAlreadyVoided) {
		return JournalAdjustment{}, fmt.Errorf("periods: void number %s: %w", out.Number, err)
	}
	s.record(ctx, shared.AuditLog{
		OrgID:    out.OrgID,
		ActorID:  actor.UID,
		Action:   "adjustment.void",
		Entity:   "journal_adjustment",
		EntityID: out.ID,
		Meta:     map[string]any{"number": out.Number, "reason": reason},
		At:       out.UpdatedAt,
	})
	s.logger.Info("adjustment voided",
		slog.String("org_id", out.OrgID),
		slog.String("adjustment_id", out.ID),
		slog.String("number", out.Number))
	return out, nil
}

// GetAdjustment returns one adjustment.
func (s *Service) GetAdjustment(ctx context.Context, actor shared.Identity, id string) (JournalAdjustment, error) {
	if err := requireLedgerRead(actor); err != nil {
		return JournalAdjustment{}, err
	}
	return s.loadAdjustment(ctx, actor.OrgID, id)
}

// ListAdjustments returns the adjustments of a period.
func (s *Service) ListAdjustments(ctx context.Context, actor shared.Identity, year, month int) ([]JournalAdjustment, error) {
	if err := requireLedgerRead(actor); err != nil {
		return nil, err
	}
	if err := ValidateMonth(year, month); err != nil {
		return nil, err
	}
	return s.repo.ListAdjustments(ctx, actor.OrgID, year, month)
}
