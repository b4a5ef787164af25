package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/studioledger/studioledger/internal/observability"
	"github.com/studioledger/studioledger/internal/platform/db"
	"github.com/studioledger/studioledger/internal/shared"
)

// Repository opens transactions over counters and allocations.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the reads and writes allowed inside one transaction.
type TxRepository interface {
	FindAllocation(ctx context.Context, orgID string, docType DocType, year int, key string) (Allocation, error)
	FindAllocationByNumber(ctx context.Context, orgID, number string) (Allocation, error)
	// LockCounter returns the counter row locked for update, starting at 1
	// when the series has never been used.
	LockCounter(ctx context.Context, orgID string, docType DocType, year int) (Counter, error)
	SaveCounter(ctx context.Context, counter Counter) error
	InsertAllocation(ctx context.Context, alloc Allocation) error
	MarkVoided(ctx context.Context, orgID, number, reason string, at time.Time) error
}

// Service allocates document numbers.
type Service struct {
	repo        Repository
	logger      *slog.Logger
	metrics     *observability.LedgerMetrics
	pad         int
	maxAttempts int
	now         func() time.Time
}

// NewService constructs the allocator.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		logger:      logger,
		pad:         DefaultPad,
		maxAttempts: db.DefaultMaxAttempts,
		now:         time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithPadding sets the zero padding of generated numbers.
func (s *Service) WithPadding(pad int) {
	if pad > 0 {
		s.pad = pad
	}
}

// WithMaxAttempts bounds the retries on transaction conflicts.
func (s *Service) WithMaxAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

// WithMetrics attaches ledger metrics.
func (s *Service) WithMetrics(m *observability.LedgerMetrics) {
	s.metrics = m
}

// Allocate returns the number issued for the request key, issuing the next one
// in the series when the key is new. isNew is false on idempotent replays.
func (s *Service) Allocate(ctx context.Context, req Request) (Allocation, bool, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := req.Validate(); err != nil {
		return Allocation{}, false, err
	}
	prefix, _ := req.DocType.Prefix()

	var (
		alloc   Allocation
		created bool
	)
	err := db.Retry(ctx, s.maxAttempts, s.onRetry("sequence.allocate"), func(ctx context.Context) error {
		alloc, created = Allocation{}, false
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			existing, err := tx.FindAllocation(ctx, req.OrgID, req.DocType, req.Year, req.IdempotencyKey)
			if err == nil {
				alloc = existing
				return nil
			}
			if !errors.Is(err, ErrAllocationNotFound) {
				return err
			}

			counter, err := tx.LockCounter(ctx, req.OrgID, req.DocType, req.Year)
			if err != nil {
				return err
			}
			if counter.Next < 1 {
				counter.Next = 1
			}
			next := Allocation{
				OrgID:          req.OrgID,
				DocType:        req.DocType,
				Year:           req.Year,
				Sequence:       counter.Next,
				Number:         Format(prefix, req.Year, counter.Next, s.pad),
				IdempotencyKey: req.IdempotencyKey,
				CreatedAt:      s.now().UTC(),
			}
			if err := tx.InsertAllocation(ctx, next); err != nil {
				return err
			}
			counter.Next++
			if err := tx.SaveCounter(ctx, counter); err != nil {
				return err
			}
			alloc, created = next, true
			return nil
		})
	})
	if err != nil {
		return Allocation{}, false, fmt.Errorf("sequence: allocate %s/%d: %w", req.DocType, req.Year, err)
	}
	if created {
		s.logger.Info("sequence number allocated",
			slog.String("org_id", req.OrgID),
			slog.String("number", alloc.Number),
			slog.String("idempotency_key", req.IdempotencyKey))
	}
	return alloc, created, nil
}

// Void withdraws an issued number. The counter is never rewound, so the voided
// number stays a visible, audited gap.
func (s *Service) Void(ctx context.Context, orgID, number, reason string) (Allocation, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Allocation{}, shared.NewValidationError("reason is required")
	}
	var alloc Allocation
	err := db.Retry(ctx, s.maxAttempts, s.onRetry("sequence.void"), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			current, err := tx.FindAllocationByNumber(ctx, orgID, number)
			if errors.Is(err, ErrAllocationNotFound) {
				return shared.NewNotFoundError("sequence allocation", number)
			}
			if err != nil {
				return err
			}
			if current.Voided() {
				return &shared.ConflictError{Reason: "number already voided", CurrentState: "VOID", Err: ErrAlreadyVoided}
			}
			at := s.now().UTC()
			if err := tx.MarkVoided(ctx, orgID, number, reason, at); err != nil {
				return err
			}
			current.VoidedAt = &at
			current.VoidReason = reason
			alloc = current
			return nil
		})
	})
	if err != nil {
		return Allocation{}, err
	}
	s.logger.Info("sequence number voided", slog.String("org_id", orgID), slog.String("number", number))
	return alloc, nil
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
