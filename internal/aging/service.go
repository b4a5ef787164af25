package aging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/studioledger/studioledger/internal/documents"
	"github.com/studioledger/studioledger/internal/shared"
)

// DocumentSource returns the payable documents of an organisation that still
// carry an amount due.
type DocumentSource interface {
	Outstanding(ctx context.Context, orgID string) ([]documents.Document, error)
}

// Service serves cached aging reports.
type Service struct {
	docs   DocumentSource
	cache  *Cache
	logger *slog.Logger
	group  singleflight.Group
	now    func() time.Time
}

// NewService wires the document source with a Cache. cache may be nil.
func NewService(docs DocumentSource, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{docs: docs, cache: cache, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Report ages one side of the ledger as of the start of the asOf day, or
// of today when asOf is nil.
func (s *Service) Report(ctx context.Context, actor shared.Identity, side Side, asOf *time.Time) (Report, error) {
	if actor.OrgID == "" || !actor.CanMutate() {
		return Report{}, shared.NewAuthorizationError("role "+string(actor.Role)+" cannot read aging reports", false)
	}
	side = Side(strings.ToUpper(string(side)))
	if side == "" {
		side = SideReceivable
	}
	if !side.Valid() {
		return Report{}, shared.NewValidationError("side must be RECEIVABLE or PAYABLE")
	}
	at := s.now()
	if asOf != nil {
		at = *asOf
	}
	y, m, d := at.UTC().Date()
	at = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	key, err := s.cache.BuildKey(ctx, actor.OrgID, string(side), at.Format("2006-01-02"))
	if err != nil {
		return Report{}, err
	}
	orgID := actor.OrgID
	// the shared fill outlives any single caller
	fillCtx := context.WithoutCancel(ctx)
	res := s.group.DoChan(key, func() (any, error) {
		var report Report
		err := s.cache.FetchJSON(fillCtx, key, &report, func(ctx context.Context) (any, error) {
			docs, err := s.docs.Outstanding(ctx, orgID)
			if err != nil {
				return nil, err
			}
			report := Build(side, docs, at)
			s.logger.Debug("aging report built",
				slog.String("org_id", orgID),
				slog.String("side", string(side)),
				slog.Int("rows", len(report.Rows)))
			return report, nil
		})
		return report, err
	})
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case r := <-res:
		if r.Err != nil {
			return Report{}, r.Err
		}
		return r.Val.(Report), nil
	}
}
