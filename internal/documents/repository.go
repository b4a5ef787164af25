package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/studioledger/studioledger/internal/money"
	"github.com/studioledger/studioledger/internal/platform/db"
)

// PgRepository stores documents in ledger_documents. Line items, totals and
// the audit trail live in JSONB columns; amounts needed by reports are
// mirrored into numeric columns.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// WithTx wraps fn in a serializable transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("documents: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// NewTxRepository binds document writes to an open transaction so other
// packages can update documents atomically with their own rows.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

type txRepo struct {
	tx pgx.Tx
}

const documentColumns = `id, org_id, kind, subtype, client_id, number, status, issue_date, due_date,
tax_mode, discount, shipping, items, totals, audit, payment_count, source_id, converted_to, notes,
created_at, updated_at`

// selectColumns reads shipping as text so it decodes losslessly into a decimal.
var selectColumns = strings.Replace(documentColumns, "shipping,", "shipping::text,", 1)

func scanDocument(row pgx.Row) (Document, error) {
	var (
		d                              Document
		kind, subtype, status, taxMode string
		number, sourceID, convertedTo  pgtype.Text
		dueDate                        pgtype.Date
		shipping                       string
		discount, items, totals, audit []byte
	)
	err := row.Scan(&d.ID, &d.OrgID, &kind, &subtype, &d.ClientID, &number, &status, &d.IssueDate, &dueDate,
		&taxMode, &discount, &shipping, &items, &totals, &audit, &d.PaymentCount, &sourceID, &convertedTo, &d.Notes,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, err
	}
	d.Kind = Kind(kind)
	d.Subtype = Subtype(subtype)
	d.Status = Status(status)
	d.TaxMode = money.TaxMode(taxMode)
	d.Number = number.String
	d.SourceID = sourceID.String
	d.ConvertedTo = convertedTo.String
	if dueDate.Valid {
		t := dueDate.Time
		d.DueDate = &t
	}
	if d.Shipping, err = decimal.NewFromString(shipping); err != nil {
		return Document{}, fmt.Errorf("documents: decode shipping: %w", err)
	}
	for _, part := range []struct {
		raw  []byte
		dest any
	}{{discount, &d.Discount}, {items, &d.Items}, {totals, &d.Totals}, {audit, &d.Audit}} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.dest); err != nil {
			return Document{}, fmt.Errorf("documents: decode document %s: %w", d.ID, err)
		}
	}
	return d, nil
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

type encodedDocument struct {
	discount, items, totals, audit []byte
	dueDate                        pgtype.Date
}

func encode(d Document) (encodedDocument, error) {
	var (
		enc encodedDocument
		err error
	)
	if enc.discount, err = json.Marshal(d.Discount); err != nil {
		return enc, err
	}
	if enc.items, err = json.Marshal(d.Items); err != nil {
		return enc, err
	}
	if enc.totals, err = json.Marshal(d.Totals); err != nil {
		return enc, err
	}
	if enc.audit, err = json.Marshal(d.Audit); err != nil {
		return enc, err
	}
	if d.DueDate != nil {
		enc.dueDate = pgtype.Date{Time: *d.DueDate, Valid: true}
	}
	return enc, nil
}

// Get loads one document.
func (r *PgRepository) Get(ctx context.Context, orgID, id string) (Document, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM ledger_documents WHERE org_id = $1 AND id = $2`, orgID, id)
	return scanDocument(row)
}

// List returns documents matching filter ordered by issue date.
func (r *PgRepository) List(ctx context.Context, orgID string, filter ListFilter) ([]Document, error) {
	var (
		clauses = []string{"org_id = $1"}
		args    = []any{orgID}
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if filter.ClientID != "" {
		add("client_id = $%d", filter.ClientID)
	}
	if filter.From != nil {
		add("issue_date >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("issue_date <= $%d", *filter.To)
	}
	query := `SELECT ` + selectColumns + ` FROM ledger_documents WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY issue_date, created_at`
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Orgs lists every organisation that owns at least one document. Scheduled
// jobs iterate it.
func (r *PgRepository) Orgs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT org_id FROM ledger_documents ORDER BY org_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func (t *txRepo) LoadForUpdate(ctx context.Context, orgID, id string) (Document, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM ledger_documents WHERE org_id = $1 AND id = $2 FOR UPDATE`, orgID, id)
	return scanDocument(row)
}

func (t *txRepo) Insert(ctx context.Context, d Document) error {
	enc, err := encode(d)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO ledger_documents (`+documentColumns+`, grand_total, amount_due)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		d.ID, d.OrgID, string(d.Kind), string(d.Subtype), d.ClientID, nullText(d.Number), string(d.Status),
		d.IssueDate, enc.dueDate, string(d.TaxMode), enc.discount, d.Shipping.String(), enc.items, enc.totals, enc.audit,
		d.PaymentCount, nullText(d.SourceID), nullText(d.ConvertedTo), d.Notes, d.CreatedAt, d.UpdatedAt,
		d.Totals.GrandTotal.String(), d.Totals.AmountDue.String())
	return err
}

func (t *txRepo) Update(ctx context.Context, d Document) error {
	enc, err := encode(d)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE ledger_documents SET
client_id = $3, number = $4, status = $5, issue_date = $6, due_date = $7, tax_mode = $8, discount = $9,
shipping = $10, items = $11, totals = $12, audit = $13, payment_count = $14, converted_to = $15, notes = $16,
grand_total = $17, amount_due = $18, updated_at = $19
WHERE org_id = $1 AND id = $2`,
		d.OrgID, d.ID, d.ClientID, nullText(d.Number), string(d.Status), d.IssueDate, enc.dueDate, string(d.TaxMode),
		enc.discount, d.Shipping.String(), enc.items, enc.totals, enc.audit, d.PaymentCount, nullText(d.ConvertedTo),
		d.Notes, d.Totals.GrandTotal.String(), d.Totals.AmountDue.String(), d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}
