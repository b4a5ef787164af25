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
	"github.com/studioledger/studioledger/internal/periods"
)

// HealthChecker runs pre-close checks without closing the period.
type HealthChecker interface {
	Health(ctx context.Context, orgID string, year, month int) ([]periods.CheckResult, error)
}

// PeriodHealthJob reports failing pre-close checks ahead of month end.
type PeriodHealthJob struct {
	Orgs    OrgLister
	Periods HealthChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewPeriodHealthJob wires dependencies for the health handler.
func NewPeriodHealthJob(orgs OrgLister, checker HealthChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *PeriodHealthJob {
	return &PeriodHealthJob{
		Orgs:    orgs,
		Periods: checker,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the job clock.
func (j *PeriodHealthJob) WithClock(clock func() time.Time) {
	if clock != nil {
		j.clock = clock
	}
}

// previousMonth returns the calendar month before now.
func previousMonth(now time.Time) (int, int) {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return first.Year(), int(first.Month())
}

// Handle processes TaskPeriodHealth tasks.
func (j *PeriodHealthJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Periods == nil {
		return errors.New("period health: handler not configured")
	}
	var payload PeriodHealthPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("period health: decode payload: %w: %w", err, asynq.SkipRetry)
		}
	}
	if payload.Year == 0 || payload.Month == 0 {
		payload.Year, payload.Month = previousMonth(j.clock())
	}
	if err := periods.ValidateMonth(payload.Year, payload.Month); err != nil {
		return fmt.Errorf("period health: %w: %w", err, asynq.SkipRetry)
	}

	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskPeriodHealth)
	logger := jobLogger(j.Logger, TaskPeriodHealth).With(
		slog.Int("year", payload.Year),
		slog.Int("month", payload.Month))

	orgs, err := resolveOrgs(ctx, j.Orgs, payload.OrgID)
	if err != nil {
		logger.Error("load organisations", slog.Any("error", err))
		return tracker.End(err)
	}

	var errs []error
	failing := 0
	for _, orgID := range orgs {
		checks, err := j.Periods.Health(ctx, orgID, payload.Year, payload.Month)
		if err != nil {
			logger.Error("run period checks", slog.String("org_id", orgID), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		for _, c := range checks {
			if c.Passed {
				continue
			}
			failing++
			metrics.AddFailedCheck(string(c.Code))
			logger.Warn("pre-close check failing",
				slog.String("org_id", orgID),
				slog.String("check", string(c.Code)),
				slog.Int("offending", len(c.Offending)))
		}
	}
	logger.Info("completed period health", slog.Int("orgs", len(orgs)), slog.Int("failing", failing))
	return tracker.End(errors.Join(errs...))
}
