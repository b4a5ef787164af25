package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studioledger/studioledger/internal/platform/db"
)

// PgRepository persists counters and allocations in PostgreSQL.
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
		return fmt.Errorf("sequence: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const allocationColumns = `org_id, doc_type, year, sequence, number, idempotency_key, created_at, voided_at, void_reason`

func scanAllocation(row pgx.Row) (Allocation, error) {
	var (
		a        Allocation
		docType  string
		voidedAt pgtype.Timestamptz
		reason   pgtype.Text
	)
	err := row.Scan(&a.OrgID, &docType, &a.Year, &a.Sequence, &a.Number, &a.IdempotencyKey, &a.CreatedAt, &voidedAt, &reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, ErrAllocationNotFound
	}
	if err != nil {
		return Allocation{}, err
	}
	a.DocType = DocType(docType)
	if voidedAt.Valid {
		t := voidedAt.Time
		a.VoidedAt = &t
	}
	a.VoidReason = reason.String
	return a, nil
}

func (t *txRepo) FindAllocation(ctx context.Context, orgID string, docType DocType, year int, key string) (Allocation, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+allocationColumns+`
FROM sequence_allocations
WHERE org_id = $1 AND doc_type = $2 AND year = $3 AND idempotency_key = $4`, orgID, string(docType), year, key)
	return scanAllocation(row)
}

func (t *txRepo) FindAllocationByNumber(ctx context.Context, orgID, number string) (Allocation, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+allocationColumns+`
FROM sequence_allocations
WHERE org_id = $1 AND number = $2
FOR UPDATE`, orgID, number)
	return scanAllocation(row)
}

func (t *txRepo) LockCounter(ctx context.Context, orgID string, docType DocType, year int) (Counter, error) {
	if _, err := t.tx.Exec(ctx, `INSERT INTO sequence_counters (org_id, doc_type, year, next)
VALUES ($1, $2, $3, 1)
ON CONFLICT (org_id, doc_type, year) DO NOTHING`, orgID, string(docType), year); err != nil {
		return Counter{}, err
	}
	c := Counter{OrgID: orgID, DocType: docType, Year: year}
	err := t.tx.QueryRow(ctx, `SELECT next FROM sequence_counters
WHERE org_id = $1 AND doc_type = $2 AND year = $3
FOR UPDATE`, orgID, string(docType), year).Scan(&c.Next)
	if err != nil {
		return Counter{}, err
	}
	return c, nil
}

func (t *txRepo) SaveCounter(ctx context.Context, c Counter) error {
	tag, err := t.tx.Exec(ctx, `UPDATE sequence_counters SET next = $4, updated_at = NOW()
WHERE org_id = $1 AND doc_type = $2 AND year = $3`, c.OrgID, string(c.DocType), c.Year, c.Next)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sequence: counter %s/%s/%d missing", c.OrgID, c.DocType, c.Year)
	}
	return nil
}

// InsertAllocation reports a concurrent insert of the same key or number as a
// transaction conflict so the caller re-runs and reads the winner's row.
func (t *txRepo) InsertAllocation(ctx context.Context, a Allocation) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO sequence_allocations (`+allocationColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, NULL)`,
		a.OrgID, string(a.DocType), a.Year, a.Sequence, a.Number, a.IdempotencyKey, a.CreatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", db.ErrTxConflict, err)
	}
	return err
}

func (t *txRepo) MarkVoided(ctx context.Context, orgID, number, reason string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE sequence_allocations SET voided_at = $3, void_reason = $4
WHERE org_id = $1 AND number = $2 AND voided_at IS NULL`, orgID, number, at, reason)
	return err
}
