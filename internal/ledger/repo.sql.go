package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contamx/contamx/internal/platform/db"
	"github.com/contamx/contamx/internal/shared"
)

// Repository persists ledger entities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations. Every lookup is scoped by
// company id.
type TxRepository interface {
	ListAccounts(ctx context.Context, companyID int64) ([]Account, error)
	InsertAccount(ctx context.Context, account Account) (Account, error)
	AccountHasMovements(ctx context.Context, accountID int64) (bool, error)

	GetPeriodForUpdate(ctx context.Context, companyID, periodID int64) (Period, error)
	FindOpenPeriodFrom(ctx context.Context, companyID int64, date time.Time) (Period, error)
	ListPeriods(ctx context.Context, companyID int64) ([]Period, error)
	InsertPeriod(ctx context.Context, period Period) (Period, error)
	MarkPeriodClosed(ctx context.Context, companyID, periodID, actorID int64, at time.Time) error

	NextSequence(ctx context.Context, companyID int64) (int64, error)
	CurrentSequence(ctx context.Context, companyID int64) (int64, error)
	InsertEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error)
	InsertMovements(ctx context.Context, entryID int64, movements []MovementInput) ([]Movement, error)
	LinkSource(ctx context.Context, companyID int64, module, ref string, entryID int64) error
	FindEntryBySource(ctx context.Context, companyID int64, module, ref string) (JournalEntry, error)
	GetEntry(ctx context.Context, companyID, entryID int64) (JournalEntry, error)
	ListEntries(ctx context.Context, companyID int64, filter EntryFilter) ([]JournalEntry, error)
	HasReversal(ctx context.Context, originalID int64) (bool, error)
	InsertReversal(ctx context.Context, originalID, reversalID int64) error

	SumMovements(ctx context.Context, filter MovementFilter) (Totals, error)
	TrialBalanceTotals(ctx context.Context, companyID int64, through time.Time) (map[int64]Totals, error)
	LatestSnapshot(ctx context.Context, companyID, accountID int64, asOf time.Time) (BalanceSnapshot, bool, error)
	ListSnapshots(ctx context.Context, companyID, periodID int64) ([]BalanceSnapshot, error)
	UpsertSnapshots(ctx context.Context, snaps []BalanceSnapshot) error

	GetMapping(ctx context.Context, companyID int64, module, key string) (AccountMapping, error)
	UpsertMapping(ctx context.Context, mapping AccountMapping) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const accountColumns = `id, company_id, parent_id, code, name, grouping_code, nature, is_active, created_at`

func (r *txRepository) ListAccounts(ctx context.Context, companyID int64) ([]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE company_id=$1 ORDER BY code`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.ParentID, &a.Code, &a.Name, &a.GroupingCode, &a.Nature, &a.Active, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *txRepository) InsertAccount(ctx context.Context, a Account) (Account, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO accounts (company_id, parent_id, code, name, grouping_code, nature, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id, created_at`,
		a.CompanyID, a.ParentID, a.Code, a.Name, a.GroupingCode, a.Nature, a.Active).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_accounts_code") {
			return Account{}, fmt.Errorf("%w: %s", ErrAccountExists, a.Code)
		}
		return Account{}, err
	}
	return a, nil
}

func (r *txRepository) AccountHasMovements(ctx context.Context, accountID int64) (bool, error) {
	var used bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM movements WHERE account_id=$1)`, accountID).Scan(&used)
	return used, err
}

const periodColumns = `id, company_id, year, month, start_date, end_date, status, closed_at, closed_by`

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.CompanyID, &p.Year, &p.Month, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedAt, &p.ClosedBy)
	return p, err
}

func (r *txRepository) GetPeriodForUpdate(ctx context.Context, companyID, periodID int64) (Period, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods WHERE id=$1 AND company_id=$2 FOR UPDATE`, periodID, companyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	return p, nil
}

func (r *txRepository) FindOpenPeriodFrom(ctx context.Context, companyID int64, date time.Time) (Period, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods
WHERE company_id=$1 AND status='OPEN' AND end_date >= $2 ORDER BY start_date ASC LIMIT 1`, companyID, truncateDay(date)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrNoOpenPeriod
		}
		return Period{}, err
	}
	return p, nil
}

func (r *txRepository) ListPeriods(ctx context.Context, companyID int64) ([]Period, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+periodColumns+` FROM periods WHERE company_id=$1 ORDER BY start_date`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var periods []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func (r *txRepository) InsertPeriod(ctx context.Context, p Period) (Period, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO periods (company_id, year, month, start_date, end_date, status)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, p.CompanyID, p.Year, p.Month, p.StartDate, p.EndDate, p.Status).Scan(&p.ID)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_periods_month") {
			return Period{}, fmt.Errorf("%w: %s", ErrPeriodExists, p.Code())
		}
		return Period{}, err
	}
	return p, nil
}

func (r *txRepository) MarkPeriodClosed(ctx context.Context, companyID, periodID, actorID int64, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE periods SET status='CLOSED', closed_at=$3, closed_by=$4
WHERE id=$1 AND company_id=$2 AND status='OPEN'`, periodID, companyID, at, actorID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAlreadyClosed
	}
	return nil
}

func (r *txRepository) NextSequence(ctx context.Context, companyID int64) (int64, error) {
	var next int64
	err := r.tx.QueryRow(ctx, `INSERT INTO ledger_sequences (company_id, last_number) VALUES ($1, 1)
ON CONFLICT (company_id) DO UPDATE SET last_number = ledger_sequences.last_number + 1
RETURNING last_number`, companyID).Scan(&next)
	return next, err
}

func (r *txRepository) CurrentSequence(ctx context.Context, companyID int64) (int64, error) {
	var current int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE((SELECT last_number FROM ledger_sequences WHERE company_id=$1), 0)`, companyID).Scan(&current)
	return current, err
}

const entryColumns = `id, company_id, period_id, number, uuid, date, description, kind, status, reference_id, source_module, source_ref, posted_by, posted_at`

func scanEntry(row pgx.Row) (JournalEntry, error) {
	var e JournalEntry
	err := row.Scan(&e.ID, &e.CompanyID, &e.PeriodID, &e.Number, &e.UUID, &e.Date, &e.Description, &e.Kind, &e.Status,
		&e.ReferenceID, &e.SourceModule, &e.SourceRef, &e.PostedBy, &e.PostedAt)
	return e, err
}

func (r *txRepository) InsertEntry(ctx context.Context, e JournalEntry) (JournalEntry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO journal_entries
(company_id, period_id, number, uuid, date, description, kind, status, reference_id, source_module, source_ref, posted_by, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		e.CompanyID, e.PeriodID, e.Number, e.UUID, e.Date, e.Description, e.Kind, e.Status, e.ReferenceID,
		e.SourceModule, e.SourceRef, e.PostedBy, e.PostedAt).Scan(&e.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	return e, nil
}

func (r *txRepository) InsertMovements(ctx context.Context, entryID int64, inputs []MovementInput) ([]Movement, error) {
	out := make([]Movement, 0, len(inputs))
	for _, in := range inputs {
		var docKind, docID *string
		if in.Document != nil {
			docKind, docID = &in.Document.Kind, &in.Document.ID
		}
		m := Movement{EntryID: entryID, AccountID: in.AccountID, Debit: in.Debit, Credit: in.Credit, Document: in.Document}
		err := r.tx.QueryRow(ctx, `INSERT INTO movements (entry_id, account_id, debit, credit, document_kind, document_id)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, entryID, in.AccountID, int64(in.Debit), int64(in.Credit), docKind, docID).Scan(&m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *txRepository) LinkSource(ctx context.Context, companyID int64, module, ref string, entryID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO source_links (company_id, module, ref, entry_id) VALUES ($1,$2,$3,$4)`, companyID, module, ref, entryID)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_source_links") {
			return ErrSourceConflict
		}
		return err
	}
	return nil
}

func (r *txRepository) FindEntryBySource(ctx context.Context, companyID int64, module, ref string) (JournalEntry, error) {
	var entryID int64
	err := r.tx.QueryRow(ctx, `SELECT entry_id FROM source_links WHERE company_id=$1 AND module=$2 AND ref=$3`, companyID, module, ref).Scan(&entryID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrEntryNotFound
		}
		return JournalEntry{}, err
	}
	return r.GetEntry(ctx, companyID, entryID)
}

func (r *txRepository) GetEntry(ctx context.Context, companyID, entryID int64) (JournalEntry, error) {
	entry, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1 AND company_id=$2`, entryID, companyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrEntryNotFound
		}
		return JournalEntry{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT id, entry_id, account_id, debit, credit, document_kind, document_id
FROM movements WHERE entry_id=$1 ORDER BY id ASC`, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m              Movement
			debit, credit  int64
			docKind, docID *string
		)
		if err := rows.Scan(&m.ID, &m.EntryID, &m.AccountID, &debit, &credit, &docKind, &docID); err != nil {
			return JournalEntry{}, err
		}
		m.Debit, m.Credit = shared.Cents(debit), shared.Cents(credit)
		if docKind != nil && docID != nil {
			m.Document = &DocumentRef{Kind: *docKind, ID: *docID}
		}
		entry.Movements = append(entry.Movements, m)
	}
	return entry, rows.Err()
}

func (r *txRepository) ListEntries(ctx context.Context, companyID int64, filter EntryFilter) ([]JournalEntry, error) {
	var (
		sb   strings.Builder
		args = []any{companyID}
	)
	sb.WriteString(`SELECT ` + entryColumns + ` FROM journal_entries WHERE company_id=$1`)
	if filter.PeriodID != 0 {
		args = append(args, filter.PeriodID)
		fmt.Fprintf(&sb, " AND period_id=$%d", len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		fmt.Fprintf(&sb, " AND date >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		fmt.Fprintf(&sb, " AND date <= $%d", len(args))
	}
	order := "DESC"
	if filter.AfterNumber != nil {
		args = append(args, *filter.AfterNumber)
		fmt.Fprintf(&sb, " AND number > $%d", len(args))
		order = "ASC"
	}
	limit := filter.Page.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Page.Offset)
	fmt.Fprintf(&sb, " ORDER BY number %s LIMIT $%d OFFSET $%d", order, len(args)-1, len(args))
	rows, err := r.tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *txRepository) HasReversal(ctx context.Context, originalID int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM entry_reversals WHERE original_id=$1)`, originalID).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertReversal(ctx context.Context, originalID, reversalID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO entry_reversals (original_id, reversal_id) VALUES ($1,$2)`, originalID, reversalID)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return ErrAlreadyReversed
		}
		return err
	}
	return nil
}

func (r *txRepository) SumMovements(ctx context.Context, f MovementFilter) (Totals, error) {
	var (
		sb   strings.Builder
		args = []any{f.CompanyID, f.AccountID, truncateDay(f.Through)}
	)
	sb.WriteString(`SELECT COALESCE(SUM(m.debit),0), COALESCE(SUM(m.credit),0)
FROM movements m JOIN journal_entries e ON e.id = m.entry_id
WHERE e.company_id=$1 AND m.account_id=$2 AND e.status='POSTED' AND e.date <= $3`)
	if f.After != nil {
		args = append(args, truncateDay(*f.After), f.LateAfterSeq)
		fmt.Fprintf(&sb, " AND (e.date > $%d OR e.number > $%d)", len(args)-1, len(args))
	}
	if f.UpToSeq != nil {
		args = append(args, *f.UpToSeq)
		fmt.Fprintf(&sb, " AND e.number <= $%d", len(args))
	}
	var debit, credit int64
	if err := r.tx.QueryRow(ctx, sb.String(), args...).Scan(&debit, &credit); err != nil {
		return Totals{}, err
	}
	return Totals{Debit: shared.Cents(debit), Credit: shared.Cents(credit)}, nil
}

func (r *txRepository) TrialBalanceTotals(ctx context.Context, companyID int64, through time.Time) (map[int64]Totals, error) {
	rows, err := r.tx.Query(ctx, `SELECT m.account_id, SUM(m.debit), SUM(m.credit)
FROM movements m JOIN journal_entries e ON e.id = m.entry_id
WHERE e.company_id=$1 AND e.status='POSTED' AND e.date <= $2
GROUP BY m.account_id`, companyID, truncateDay(through))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]Totals)
	for rows.Next() {
		var (
			accountID     int64
			debit, credit int64
		)
		if err := rows.Scan(&accountID, &debit, &credit); err != nil {
			return nil, err
		}
		out[accountID] = Totals{Debit: shared.Cents(debit), Credit: shared.Cents(credit)}
	}
	return out, rows.Err()
}

const snapshotColumns = `company_id, account_id, period_id, as_of, debit, credit, sequence, created_at`

func scanSnapshot(row pgx.Row) (BalanceSnapshot, error) {
	var (
		s             BalanceSnapshot
		debit, credit int64
	)
	err := row.Scan(&s.CompanyID, &s.AccountID, &s.PeriodID, &s.AsOf, &debit, &credit, &s.Sequence, &s.CreatedAt)
	s.Debit, s.Credit = shared.Cents(debit), shared.Cents(credit)
	return s, err
}

func (r *txRepository) LatestSnapshot(ctx context.Context, companyID, accountID int64, asOf time.Time) (BalanceSnapshot, bool, error) {
	snap, err := scanSnapshot(r.tx.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM balance_snapshots
WHERE company_id=$1 AND account_id=$2 AND as_of <= $3 ORDER BY as_of DESC LIMIT 1`, companyID, accountID, truncateDay(asOf)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BalanceSnapshot{}, false, nil
		}
		return BalanceSnapshot{}, false, err
	}
	return snap, true, nil
}

func (r *txRepository) ListSnapshots(ctx context.Context, companyID, periodID int64) ([]BalanceSnapshot, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+snapshotColumns+` FROM balance_snapshots
WHERE company_id=$1 AND period_id=$2 ORDER BY account_id`, companyID, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var snaps []BalanceSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

func (r *txRepository) UpsertSnapshots(ctx context.Context, snaps []BalanceSnapshot) error {
	batch := &pgx.Batch{}
	for _, s := range snaps {
		batch.Queue(`INSERT INTO balance_snapshots (`+snapshotColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (company_id, account_id, period_id) DO UPDATE
SET as_of=EXCLUDED.as_of, debit=EXCLUDED.debit, credit=EXCLUDED.credit, sequence=EXCLUDED.sequence, created_at=EXCLUDED.created_at`,
			s.CompanyID, s.AccountID, s.PeriodID, s.AsOf, int64(s.Debit), int64(s.Credit), s.Sequence, s.CreatedAt)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) GetMapping(ctx context.Context, companyID int64, module, key string) (AccountMapping, error) {
	if module == "" || key == "" {
		return AccountMapping{}, fmt.Errorf("%w: module and key required", ErrMappingNotFound)
	}
	m := AccountMapping{CompanyID: companyID, Module: strings.ToUpper(module), Key: key}
	err := r.tx.QueryRow(ctx, `SELECT account_id FROM account_mappings WHERE company_id=$1 AND module=$2 AND key=$3`,
		companyID, m.Module, key).Scan(&m.AccountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountMapping{}, fmt.Errorf("%w: %s/%s", ErrMappingNotFound, m.Module, key)
		}
		return AccountMapping{}, err
	}
	return m, nil
}

func (r *txRepository) UpsertMapping(ctx context.Context, m AccountMapping) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO account_mappings (company_id, module, key, account_id) VALUES ($1,$2,$3,$4)
ON CONFLICT (company_id, module, key) DO UPDATE SET account_id=EXCLUDED.account_id`,
		m.CompanyID, strings.ToUpper(m.Module), m.Key, m.AccountID)
	return err
}
