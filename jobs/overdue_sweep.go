package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/studioledger/studioledger/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OrgLister enumerates organisations that hold ledger documents.
type OrgLister interface {
	Orgs(ctx context.Context) ([]string, error)
}

// OverdueMarker re-derives overdue status for one organisation.
type OverdueMarker interface {
	MarkOverdue(ctx context.Context, orgID string) (int, error)
}

// CacheInvalidator drops cached reports of an organisation.
type CacheInvalidator interface {
	Bump(ctx context.Context, orgID string) error
}

// OverdueSweepJob moves past-due documents to OVERDUE across organisations.
type OverdueSweepJob struct {
	Orgs      OrgLister
	Documents OverdueMarker
	Cache     CacheInvalidator
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewOverdueSweepJob wires dependencies for the sweep handler. cache may be nil.
func NewOverdueSweepJob(orgs OrgLister, docs OverdueMarker, cache CacheInvalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueSweepJob {
	return &OverdueSweepJob{Orgs: orgs, Documents: docs, Cache: cache, Logger: logger, Metrics: metrics}
}

// Handle processes TaskOverdueSweep tasks. One failing organisation does not
// stop the others; the task fails afterwards so asynq retries it.
func (j *OverdueSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Documents == nil {
		return errors.New("overdue sweep: handler not configured")
	}
	var payload OverdueSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("overdue sweep: decode payload: %w: %w", err, asynq.SkipRetry)
		}
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskOverdueSweep)
	logger := jobLogger(j.Logger, TaskOverdueSweep)
	start := time.Now()

	orgs, err := resolveOrgs(ctx, j.Orgs, payload.OrgID)
	if err != nil {
		logger.Error("load organisations", slog.Any("error", err))
		return tracker.End(err)
	}

	var errs []error
	total := 0
	for _, orgID := range orgs {
		changed, err := j.Documents.MarkOverdue(ctx, orgID)
		total += changed
		metricsOrDefault(j.Metrics).AddOverdue(changed)
		if changed > 0 && j.Cache != nil {
			if err := j.Cache.Bump(ctx, orgID); err != nil {
				logger.Warn("invalidate aging cache", slog.String("org_id", orgID), slog.Any("error", err))
			}
		}
		if err != nil {
			logger.Error("mark overdue", slog.String("org_id", orgID), slog.Any("error", err))
			errs = append(errs, err)
		}
	}

	logger.Info("completed overdue sweep",
		slog.Int("orgs", len(orgs)),
		slog.Int("changed", total),
		slog.Duration("duration", time.Since(start)))
	return tracker.End(errors.Join(errs...))
}

func resolveOrgs(ctx context.Context, lister OrgLister, only string) ([]string, error) {
	if only != "" {
		return []string{only}, nil
	}
	if lister == nil {
		return nil, errors.New("organisation lister not configured")
	}
	return lister.Orgs(ctx)
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger != nil {
		return logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}
