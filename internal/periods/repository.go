package periods

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studioledger/studioledger/internal/platform/db"
	"github.com/studioledger/studioledger/internal/shared"
)

// PgRepository stores periods in ledger_periods and adjustments in
// journal_adjustments.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps fn in a serializable transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("periods: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const periodColumns = `org_id, year, month, status, closed_at, closed_by, ack_override, checks,
reopened_at, reopened_by, reopen_reason, audit, updated_at`

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func nullable(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func scanPeriod(row pgx.Row) (Period, error) {
	var (
		p                     Period
		status                string
		closedAt, reopenedAt  pgtype.Timestamptz
		closedBy, reopenedBy  pgtype.Text
		reopenReason          pgtype.Text
		checksJSON, auditJSON []byte
	)
	err := row.Scan(&p.OrgID, &p.Year, &p.Month, &status, &closedAt, &closedBy, &p.AckOverride, &checksJSON,
		&reopenedAt, &reopenedBy, &reopenReason, &auditJSON, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrPeriodNotFound
	}
	if err != nil {
		return Period{}, err
	}
	p.Status = Status(status)
	p.ClosedAt = timePtr(closedAt)
	p.ClosedBy = closedBy.String
	p.ReopenedAt = timePtr(reopenedAt)
	p.ReopenedBy = reopenedBy.String
	p.ReopenReason = reopenReason.String
	if len(checksJSON) > 0 {
		if err := json.Unmarshal(checksJSON, &p.Checks); err != nil {
			return Period{}, fmt.Errorf("periods: decode checks: %w", err)
		}
	}
	if len(auditJSON) > 0 {
		if err := json.Unmarshal(auditJSON, &p.Audit); err != nil {
			return Period{}, fmt.Errorf("periods: decode audit: %w", err)
		}
	}
	return p, nil
}

// Get loads a single period.
func (r *PgRepository) Get(ctx context.Context, orgID string, year, month int) (Period, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM ledger_periods WHERE org_id = $1 AND year = $2 AND month = $3`,
		orgID, year, month)
	return scanPeriod(row)
}

// List returns the stored periods of a year ordered by month.
func (r *PgRepository) List(ctx context.Context, orgID string, year int) ([]Period, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM ledger_periods WHERE org_id = $1 AND year = $2 ORDER BY month`,
		orgID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *txRepo) LockPeriod(ctx context.Context, orgID string, year, month int) (Period, error) {
	if _, err := t.tx.Exec(ctx, `INSERT INTO ledger_periods (org_id, year, month, status, audit, updated_at)
VALUES ($1, $2, $3, $4, '[]'::jsonb, NOW())
ON CONFLICT (org_id, year, month) DO NOTHING`, orgID, year, month, shared.PeriodStatusOpen); err != nil {
		return Period{}, err
	}
	row := t.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM ledger_periods
WHERE org_id = $1 AND year = $2 AND month = $3 FOR UPDATE`, orgID, year, month)
	return scanPeriod(row)
}

func (t *txRepo) SavePeriod(ctx context.Context, p Period) error {
	checksJSON, err := json.Marshal(p.Checks)
	if err != nil {
		return err
	}
	auditJSON, err := json.Marshal(p.Audit)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE ledger_periods
SET status = $4, closed_at = $5, closed_by = $6, ack_override = $7, checks = $8,
    reopened_at = $9, reopened_by = $10, reopen_reason = $11, audit = $12, updated_at = $13
WHERE org_id = $1 AND year = $2 AND month = $3`,
		p.OrgID, p.Year, p.Month, string(p.Status), timestamptz(p.ClosedAt), nullable(p.ClosedBy), p.AckOverride, checksJSON,
		timestamptz(p.ReopenedAt), nullable(p.ReopenedBy), nullable(p.ReopenReason), auditJSON, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

const adjustmentColumns = `id, org_id, year, month, number, lines, memo, status, void_reason,
published_at, voided_at, audit, created_at, updated_at`

func scanAdjustment(row pgx.Row) (JournalAdjustment, error) {
	var (
		j                     JournalAdjustment
		status                string
		number, voidReason    pgtype.Text
		publishedAt, voidedAt pgtype.Timestamptz
		linesJSON, auditJSON  []byte
	)
	err := row.Scan(&j.ID, &j.OrgID, &j.Year, &j.Month, &number, &linesJSON, &j.Memo, &status, &voidReason,
		&publishedAt, &voidedAt, &auditJSON, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return JournalAdjustment{}, ErrAdjustmentNotFound
	}
	if err != nil {
		return JournalAdjustment{}, err
	}
	j.Status = AdjustmentStatus(status)
	j.Number = number.String
	j.VoidReason = voidReason.String
	j.PublishedAt = timePtr(publishedAt)
	j.VoidedAt = timePtr(voidedAt)
	if err := json.Unmarshal(linesJSON, &j.Lines); err != nil {
		return JournalAdjustment{}, fmt.Errorf("periods: decode lines: %w", err)
	}
	if len(auditJSON) > 0 {
		if err := json.Unmarshal(auditJSON, &j.Audit); err != nil {
			return JournalAdjustment{}, fmt.Errorf("periods: decode audit: %w", err)
		}
	}
	return j, nil
}

// GetAdjustment loads one adjustment.
func (r *PgRepository) GetAdjustment(ctx context.Context, orgID, id string) (JournalAdjustment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+adjustmentColumns+` FROM journal_adjustments WHERE org_id = $1 AND id = $2`, orgID, id)
	return scanAdjustment(row)
}

// ListAdjustments returns the adjustments of a period oldest first.
func (r *PgRepository) ListAdjustments(ctx context.Context, orgID string, year, month int) ([]JournalAdjustment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+adjustmentColumns+` FROM journal_adjustments
WHERE org_id = $1 AND year = $2 AND month = $3 ORDER BY created_at, id`, orgID, year, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JournalAdjustment
	for rows.Next() {
		j, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (t *txRepo) LoadAdjustmentForUpdate(ctx context.Context, orgID, id string) (JournalAdjustment, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+adjustmentColumns+` FROM journal_adjustments WHERE org_id = $1 AND id = $2 FOR UPDATE`, orgID, id)
	return scanAdjustment(row)
}

func encodeAdjustment(j JournalAdjustment) (lines, audit []byte, err error) {
	if lines, err = json.Marshal(j.Lines); err != nil {
		return nil, nil, err
	}
	if audit, err = json.Marshal(j.Audit); err != nil {
		return nil, nil, err
	}
	return lines, audit, nil
}

func (t *txRepo) InsertAdjustment(ctx context.Context, j JournalAdjustment) error {
	lines, audit, err := encodeAdjustment(j)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO journal_adjustments
(id, org_id, year, month, number, lines, memo, status, void_reason, published_at, voided_at, audit, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID, j.OrgID, j.Year, j.Month, nullable(j.Number), lines, j.Memo, string(j.Status), nullable(j.VoidReason),
		timestamptz(j.PublishedAt), timestamptz(j.VoidedAt), audit, j.CreatedAt, j.UpdatedAt)
	return err
}

func (t *txRepo) UpdateAdjustment(ctx context.Context, j JournalAdjustment) error {
	lines, audit, err := encodeAdjustment(j)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE journal_adjustments
SET number = $3, lines = $4, status = $5, void_reason = $6, published_at = $7, voided_at = $8, audit = $9, updated_at = $10
WHERE org_id = $1 AND id = $2`,
		j.OrgID, j.ID, nullable(j.Number), lines, string(j.Status), nullable(j.VoidReason),
		timestamptz(j.PublishedAt), timestamptz(j.VoidedAt), audit, j.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAdjustmentNotFound
	}
	return nil
}
