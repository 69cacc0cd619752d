package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/contamx/contamx/internal/platform/db"
	"github.com/contamx/contamx/internal/shared"
)

// Repository persists fiscal documents, payment links and bank movements.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations scoped by company id.
type TxRepository interface {
	InsertDocument(ctx context.Context, doc FiscalDocument) (FiscalDocument, bool, error)
	FindDocumentByUUID(ctx context.Context, companyID int64, uuid string) (FiscalDocument, error)
	GetDocument(ctx context.Context, companyID, id int64) (FiscalDocument, error)
	GetDocumentForUpdate(ctx context.Context, companyID, id int64) (FiscalDocument, error)
	UpdateDocument(ctx context.Context, doc FiscalDocument) error
	ListDocuments(ctx context.Context, companyID int64, filter DocumentFilter) ([]FiscalDocument, error)

	InsertPaymentLinks(ctx context.Context, links []PaymentLink) error
	PendingPaymentLinks(ctx context.Context, companyID int64, relatedUUID string) ([]PaymentLink, error)
	MarkPaymentLinkApplied(ctx context.Context, link PaymentLink) error
	RecordPayment(ctx context.Context, companyID, documentID int64, evidence PaymentEvidence) (bool, error)

	InsertBankMovements(ctx context.Context, companyID int64, rows []BankRow) ([]BankMovement, error)
	GetMovement(ctx context.Context, companyID, id int64) (BankMovement, error)
	ListMovements(ctx context.Context, companyID int64, filter MovementFilter) ([]BankMovement, error)
	TransitionMovement(ctx context.Context, companyID, id int64, from, to MovementStatus, entryID, documentID *int64) (BankMovement, bool, error)
	LinkedEntryIDs(ctx context.Context, companyID int64, ids []int64) (map[int64]bool, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ingest repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const documentColumns = `id, company_id, uuid, version, series, folio, doc_type, direction, issuer_rfc, issuer_name,
receiver_rfc, receiver_name, issued_at, subtotal, discount, tax_transferred, tax_withheld, total, currency,
exchange_rate::text, payment_method, payment_form, status, reject_reason, entry_id, paid, content_hash, created_at, updated_at`

func scanDocument(row pgx.Row) (FiscalDocument, error) {
	var (
		d                                      FiscalDocument
		subtotal, discount, transferred, total int64
		withheld, paid                         int64
		rate                                   string
	)
	err := row.Scan(&d.ID, &d.CompanyID, &d.UUID, &d.Version, &d.Series, &d.Folio, &d.Type, &d.Direction,
		&d.IssuerRFC, &d.IssuerName, &d.ReceiverRFC, &d.ReceiverName, &d.IssuedAt, &subtotal, &discount,
		&transferred, &withheld, &total, &d.Currency, &rate, &d.PaymentMethod, &d.PaymentForm, &d.Status,
		&d.RejectReason, &d.EntryID, &paid, &d.ContentHash, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return FiscalDocument{}, err
	}
	d.Subtotal, d.Discount, d.TaxTransferred = shared.Cents(subtotal), shared.Cents(discount), shared.Cents(transferred)
	d.TaxWithheld, d.Total, d.Paid = shared.Cents(withheld), shared.Cents(total), shared.Cents(paid)
	if d.ExchangeRate, err = decimal.NewFromString(rate); err != nil {
		return FiscalDocument{}, fmt.Errorf("exchange rate %q: %w", rate, err)
	}
	return d, nil
}

func (r *txRepository) InsertDocument(ctx context.Context, d FiscalDocument) (FiscalDocument, bool, error) {
	rate := d.ExchangeRate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO fiscal_documents
(company_id, uuid, version, series, folio, doc_type, direction, issuer_rfc, issuer_name, receiver_rfc, receiver_name,
 issued_at, subtotal, discount, tax_transferred, tax_withheld, total, currency, exchange_rate, payment_method,
 payment_form, status, reject_reason, paid, content_hash)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19::numeric,$20,$21,$22,$23,$24,$25)
ON CONFLICT (company_id, uuid) DO NOTHING
RETURNING id, created_at, updated_at`,
		d.CompanyID, d.UUID, d.Version, d.Series, d.Folio, d.Type, d.Direction, d.IssuerRFC, d.IssuerName,
		d.ReceiverRFC, d.ReceiverName, d.IssuedAt, int64(d.Subtotal), int64(d.Discount), int64(d.TaxTransferred),
		int64(d.TaxWithheld), int64(d.Total), d.Currency, rate.String(), d.PaymentMethod, d.PaymentForm, d.Status,
		d.RejectReason, int64(d.Paid), d.ContentHash).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := r.FindDocumentByUUID(ctx, d.CompanyID, d.UUID)
		return existing, false, err
	}
	if err != nil {
		return FiscalDocument{}, false, err
	}
	d.ExchangeRate = rate
	return d, true, nil
}

func (r *txRepository) FindDocumentByUUID(ctx context.Context, companyID int64, uuid string) (FiscalDocument, error) {
	return r.getDocument(ctx, `WHERE company_id=$1 AND uuid=$2`, companyID, uuid)
}

func (r *txRepository) GetDocument(ctx context.Context, companyID, id int64) (FiscalDocument, error) {
	return r.getDocument(ctx, `WHERE company_id=$1 AND id=$2`, companyID, id)
}

func (r *txRepository) GetDocumentForUpdate(ctx context.Context, companyID, id int64) (FiscalDocument, error) {
	return r.getDocument(ctx, `WHERE company_id=$1 AND id=$2 FOR UPDATE`, companyID, id)
}

func (r *txRepository) getDocument(ctx context.Context, where string, args ...any) (FiscalDocument, error) {
	d, err := scanDocument(r.tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM fiscal_documents `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FiscalDocument{}, ErrDocumentNotFound
		}
		return FiscalDocument{}, err
	}
	return d, nil
}

func (r *txRepository) UpdateDocument(ctx context.Context, d FiscalDocument) error {
	tag, err := r.tx.Exec(ctx, `UPDATE fiscal_documents
SET status=$3, reject_reason=$4, entry_id=$5, paid=$6, updated_at=NOW()
WHERE company_id=$1 AND id=$2`, d.CompanyID, d.ID, d.Status, d.RejectReason, d.EntryID, int64(d.Paid))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (r *txRepository) ListDocuments(ctx context.Context, companyID int64, f DocumentFilter) ([]FiscalDocument, error) {
	var (
		sb   strings.Builder
		args = []any{companyID}
	)
	sb.WriteString(`SELECT ` + documentColumns + ` FROM fiscal_documents WHERE company_id=$1`)
	add := func(clause string, v any) {
		args = append(args, v)
		fmt.Fprintf(&sb, " AND "+clause, len(args))
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.Direction != "" {
		add("direction=$%d", f.Direction)
	}
	if f.PaymentMethod != "" {
		add("payment_method=$%d", f.PaymentMethod)
	}
	if f.Type != "" {
		add("doc_type=$%d", f.Type)
	}
	if f.From != nil {
		add("issued_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("issued_at <= $%d", *f.To)
	}
	limit := f.Page.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Page.Offset)
	fmt.Fprintf(&sb, " ORDER BY issued_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []FiscalDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (r *txRepository) InsertPaymentLinks(ctx context.Context, links []PaymentLink) error {
	if len(links) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range links {
		batch.Queue(`INSERT INTO payment_links (company_id, payment_uuid, related_uuid, paid_at, amount)
VALUES ($1,$2,$3,$4,$5) ON CONFLICT (company_id, payment_uuid, related_uuid) DO NOTHING`,
			l.CompanyID, l.PaymentUUID, l.RelatedUUID, l.PaidAt, int64(l.Amount))
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) PendingPaymentLinks(ctx context.Context, companyID int64, relatedUUID string) ([]PaymentLink, error) {
	rows, err := r.tx.Query(ctx, `SELECT company_id, payment_uuid, related_uuid, paid_at, amount, applied
FROM payment_links WHERE company_id=$1 AND related_uuid=$2 AND NOT applied ORDER BY paid_at, payment_uuid`, companyID, relatedUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var links []PaymentLink
	for rows.Next() {
		var (
			l      PaymentLink
			amount int64
		)
		if err := rows.Scan(&l.CompanyID, &l.PaymentUUID, &l.RelatedUUID, &l.PaidAt, &amount, &l.Applied); err != nil {
			return nil, err
		}
		l.Amount = shared.Cents(amount)
		links = append(links, l)
	}
	return links, rows.Err()
}

// RecordPayment stores evidence once per document and reference. It reports
// false when the reference was already applied.
func (r *txRepository) RecordPayment(ctx context.Context, companyID, documentID int64, e PaymentEvidence) (bool, error) {
	tag, err := r.tx.Exec(ctx, `INSERT INTO payment_applications (company_id, document_id, reference, amount, paid_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (company_id, document_id, reference) DO NOTHING`, companyID, documentID, e.Reference, int64(e.Amount), e.Date)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) MarkPaymentLinkApplied(ctx context.Context, l PaymentLink) error {
	_, err := r.tx.Exec(ctx, `UPDATE payment_links SET applied=TRUE
WHERE company_id=$1 AND payment_uuid=$2 AND related_uuid=$3`, l.CompanyID, l.PaymentUUID, l.RelatedUUID)
	return err
}

const movementColumns = `id, company_id, external_id, amount, date, reference, description, status, entry_id, document_id, created_at`

func scanMovement(row pgx.Row) (BankMovement, error) {
	var (
		m      BankMovement
		amount int64
	)
	err := row.Scan(&m.ID, &m.CompanyID, &m.ExternalID, &amount, &m.Date, &m.Reference, &m.Description, &m.Status,
		&m.EntryID, &m.DocumentID, &m.CreatedAt)
	m.Amount = shared.Cents(amount)
	return m, err
}

func (r *txRepository) InsertBankMovements(ctx context.Context, companyID int64, in []BankRow) ([]BankMovement, error) {
	var out []BankMovement
	for _, row := range in {
		m, err := scanMovement(r.tx.QueryRow(ctx, `INSERT INTO bank_movements
(company_id, external_id, amount, date, reference, description, status)
VALUES ($1,$2,$3,$4,$5,$6,'UNMATCHED')
ON CONFLICT (company_id, external_id) DO NOTHING
RETURNING `+movementColumns, companyID, row.ExternalID, int64(row.Amount), row.Date, row.Reference, row.Description))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *txRepository) GetMovement(ctx context.Context, companyID, id int64) (BankMovement, error) {
	m, err := scanMovement(r.tx.QueryRow(ctx, `SELECT `+movementColumns+` FROM bank_movements WHERE company_id=$1 AND id=$2`, companyID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BankMovement{}, ErrMovementNotFound
		}
		return BankMovement{}, err
	}
	return m, nil
}

func (r *txRepository) ListMovements(ctx context.Context, companyID int64, f MovementFilter) ([]BankMovement, error) {
	var (
		sb   strings.Builder
		args = []any{companyID}
	)
	sb.WriteString(`SELECT ` + movementColumns + ` FROM bank_movements WHERE company_id=$1`)
	if f.Status != "" {
		args = append(args, f.Status)
		fmt.Fprintf(&sb, " AND status=$%d", len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		fmt.Fprintf(&sb, " AND date >= $%d", len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		fmt.Fprintf(&sb, " AND date <= $%d", len(args))
	}
	limit := f.Page.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Page.Offset)
	fmt.Fprintf(&sb, " ORDER BY date ASC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BankMovement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TransitionMovement changes status only while the row still holds from.
// The returned movement is the row after the attempt.
func (r *txRepository) TransitionMovement(ctx context.Context, companyID, id int64, from, to MovementStatus, entryID, documentID *int64) (BankMovement, bool, error) {
	m, err := scanMovement(r.tx.QueryRow(ctx, `UPDATE bank_movements
SET status=$4, entry_id=$5, document_id=$6
WHERE company_id=$1 AND id=$2 AND status=$3
RETURNING `+movementColumns, companyID, id, from, to, entryID, documentID))
	if err == nil {
		return m, true, nil
	}
	if db.IsUniqueViolation(err, "uq_bank_movements_entry") {
		return BankMovement{}, false, ErrEntryAlreadyLinked
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return BankMovement{}, false, err
	}
	current, err := r.GetMovement(ctx, companyID, id)
	return current, false, err
}

func (r *txRepository) LinkedEntryIDs(ctx context.Context, companyID int64, ids []int64) (map[int64]bool, error) {
	rows, err := r.tx.Query(ctx, `SELECT DISTINCT entry_id FROM bank_movements WHERE company_id=$1 AND entry_id = ANY($2)`, companyID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	linked := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		linked[id] = true
	}
	return linked, rows.Err()
}
