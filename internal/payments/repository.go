package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/studioledger/studioledger/internal/documents"
	"github.com/studioledger/studioledger/internal/platform/db"
)

// PgRepository stores payments in ledger_payments and receipts in
// ledger_receipts. Document updates run on the same transaction.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type txRepo struct {
	tx   pgx.Tx
	docs documents.TxRepository
}

// WithTx wraps fn in a serializable transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("payments: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, docs: documents.NewTxRepository(tx)})
	})
}

func (t *txRepo) Documents() documents.TxRepository { return t.docs }

const paymentColumns = `id, org_id, document_id, amount::text, paid_at, method, reference, idempotency_key, recorded_by, created_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p              Payment
		amount, method string
		reference      pgtype.Text
	)
	err := row.Scan(&p.ID, &p.OrgID, &p.DocumentID, &amount, &p.PaidAt, &method, &reference, &p.IdempotencyKey, &p.RecordedBy, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrPaymentNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return Payment{}, fmt.Errorf("payments: decode amount: %w", err)
	}
	p.Method = Method(method)
	p.Reference = reference.String
	return p, nil
}

const receiptColumns = `id, org_id, client_id, amount::text, received_at, method, reference, idempotency_key,
status, document_id, payment_id, applied_at, created_at`

func scanReceipt(row pgx.Row) (Receipt, error) {
	var (
		rc                      Receipt
		amount, method, status  string
		reference, docID, payID pgtype.Text
		appliedAt               pgtype.Timestamptz
	)
	err := row.Scan(&rc.ID, &rc.OrgID, &rc.ClientID, &amount, &rc.ReceivedAt, &method, &reference, &rc.IdempotencyKey,
		&status, &docID, &payID, &appliedAt, &rc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, ErrReceiptNotFound
	}
	if err != nil {
		return Receipt{}, err
	}
	if rc.Amount, err = decimal.NewFromString(amount); err != nil {
		return Receipt{}, fmt.Errorf("payments: decode receipt amount: %w", err)
	}
	rc.Method = Method(method)
	rc.Status = ReceiptStatus(status)
	rc.Reference = reference.String
	rc.DocumentID = docID.String
	rc.PaymentID = payID.String
	if appliedAt.Valid {
		t := appliedAt.Time
		rc.AppliedAt = &t
	}
	return rc, nil
}

func nullable(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func (t *txRepo) FindPaymentByKey(ctx context.Context, orgID, key string) (Payment, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM ledger_payments WHERE org_id = $1 AND idempotency_key = $2`, orgID, key)
	return scanPayment(row)
}

// InsertPayment reports a concurrent insert of the same key as a transaction
// conflict; the retry then finds the stored payment.
func (t *txRepo) InsertPayment(ctx context.Context, p Payment) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO ledger_payments
(id, org_id, document_id, amount, paid_at, method, reference, idempotency_key, recorded_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.OrgID, p.DocumentID, p.Amount.String(), p.PaidAt, string(p.Method), nullable(p.Reference),
		p.IdempotencyKey, p.RecordedBy, p.CreatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", db.ErrTxConflict, err)
	}
	return err
}

func (t *txRepo) FindReceiptByKey(ctx context.Context, orgID, key string) (Receipt, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+receiptColumns+` FROM ledger_receipts WHERE org_id = $1 AND idempotency_key = $2`, orgID, key)
	return scanReceipt(row)
}

func (t *txRepo) LoadReceiptForUpdate(ctx context.Context, orgID, id string) (Receipt, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+receiptColumns+` FROM ledger_receipts WHERE org_id = $1 AND id = $2 FOR UPDATE`, orgID, id)
	return scanReceipt(row)
}

func (t *txRepo) InsertReceipt(ctx context.Context, rc Receipt) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO ledger_receipts
(id, org_id, client_id, amount, received_at, method, reference, idempotency_key, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rc.ID, rc.OrgID, rc.ClientID, rc.Amount.String(), rc.ReceivedAt, string(rc.Method), nullable(rc.Reference),
		rc.IdempotencyKey, string(rc.Status), rc.CreatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", db.ErrTxConflict, err)
	}
	return err
}

func (t *txRepo) UpdateReceipt(ctx context.Context, rc Receipt) error {
	var appliedAt pgtype.Timestamptz
	if rc.AppliedAt != nil {
		appliedAt = pgtype.Timestamptz{Time: *rc.AppliedAt, Valid: true}
	}
	tag, err := t.tx.Exec(ctx, `UPDATE ledger_receipts
SET status = $3, document_id = $4, payment_id = $5, applied_at = $6
WHERE org_id = $1 AND id = $2`,
		rc.OrgID, rc.ID, string(rc.Status), nullable(rc.DocumentID), nullable(rc.PaymentID), appliedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// ListPayments returns a document's payments in the order they were paid.
func (r *PgRepository) ListPayments(ctx context.Context, orgID, documentID string) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM ledger_payments
WHERE org_id = $1 AND document_id = $2
ORDER BY paid_at, created_at`, orgID, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetReceipt loads one receipt.
func (r *PgRepository) GetReceipt(ctx context.Context, orgID, id string) (Receipt, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM ledger_receipts WHERE org_id = $1 AND id = $2`, orgID, id)
	return scanReceipt(row)
}

// ListReceipts returns receipts matching filter ordered by receipt date.
func (r *PgRepository) ListReceipts(ctx context.Context, orgID string, filter ReceiptFilter) ([]Receipt, error) {
	var (
		clauses = []string{"org_id = $1"}
		args    = []any{orgID}
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.ClientID != "" {
		add("client_id = $%d", filter.ClientID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.From != nil {
		add("received_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("received_at <= $%d", *filter.To)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+receiptColumns+` FROM ledger_receipts WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY received_at, created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Receipt
	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}
