package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contamx/contamx/internal/platform/db"
)

// Repository persists sync jobs, checkpoints, Odoo connections and settings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations of the orchestrator.
type TxRepository interface {
	InsertJob(ctx context.Context, job Job) (Job, bool, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	GetJobForUpdate(ctx context.Context, id int64) (Job, error)
	UpdateJob(ctx context.Context, job Job) error
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	ActiveJob(ctx context.Context, companyID int64, kind JobKind) (Job, error)
	RecoverableJobs(ctx context.Context, now, staleBefore time.Time, limit int) ([]Job, error)

	GetCheckpoint(ctx context.Context, companyID int64, kind CheckpointKind) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	GetConnection(ctx context.Context, companyID int64) (OdooConnection, error)
	UpsertConnection(ctx context.Context, conn OdooConnection) error

	GetSettings(ctx context.Context, companyID int64) (SyncSettings, error)
	UpsertSettings(ctx context.Context, settings SyncSettings) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("orchestrator repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const jobColumns = `id, kind, company_id, idempotency_key, attempts, max_attempts, status, needs_attention,
last_error, next_attempt_at, external_ref, payload, cancelled_at, created_at, updated_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Kind, &j.CompanyID, &j.IdempotencyKey, &j.Attempts, &j.MaxAttempts, &j.Status,
		&j.NeedsAttention, &j.LastError, &j.NextAttemptAt, &j.ExternalRef, &j.Payload, &j.CancelledAt,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return j, err
}

func (r *txRepository) InsertJob(ctx context.Context, j Job) (Job, bool, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO sync_jobs
(kind, company_id, idempotency_key, attempts, max_attempts, status, needs_attention, last_error, next_attempt_at, payload,
 created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING id, created_at, updated_at`,
		j.Kind, j.CompanyID, j.IdempotencyKey, j.Attempts, j.MaxAttempts, j.Status, j.NeedsAttention, j.LastError,
		j.NextAttemptAt, j.Payload, j.CreatedAt).Scan(&j.ID, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanJob(r.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE idempotency_key=$1`, j.IdempotencyKey))
		return existing, false, err
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

func (r *txRepository) GetJob(ctx context.Context, id int64) (Job, error) {
	return scanJob(r.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id=$1`, id))
}

func (r *txRepository) GetJobForUpdate(ctx context.Context, id int64) (Job, error) {
	return scanJob(r.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateJob(ctx context.Context, j Job) error {
	tag, err := r.tx.Exec(ctx, `UPDATE sync_jobs SET attempts=$2, status=$3, needs_attention=$4, last_error=$5,
next_attempt_at=$6, external_ref=$7, cancelled_at=$8, updated_at=$9 WHERE id=$1`,
		j.ID, j.Attempts, j.Status, j.NeedsAttention, j.LastError, j.NextAttemptAt, j.ExternalRef, j.CancelledAt, j.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *txRepository) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.CompanyID != 0 {
		add("company_id=$%d", f.CompanyID)
	}
	if f.Kind != "" {
		add("kind=$%d", f.Kind)
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.NeedsAttention != nil {
		add("needs_attention=$%d", *f.NeedsAttention)
	}
	query := `SELECT ` + jobColumns + ` FROM sync_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Page.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Page.Offset)
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	return r.queryJobs(ctx, query, args...)
}

func (r *txRepository) queryJobs(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *txRepository) ActiveJob(ctx context.Context, companyID int64, kind JobKind) (Job, error) {
	return scanJob(r.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs
WHERE company_id=$1 AND kind=$2 AND cancelled_at IS NULL
  AND (status IN ('PENDING','RUNNING') OR (status='FAILED' AND NOT needs_attention))
ORDER BY id DESC LIMIT 1`, companyID, kind))
}

func (r *txRepository) RecoverableJobs(ctx context.Context, now, staleBefore time.Time, limit int) ([]Job, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM sync_jobs
WHERE cancelled_at IS NULL AND (
  (status='PENDING' AND updated_at <= $2)
  OR (status='FAILED' AND NOT needs_attention AND next_attempt_at <= $1)
  OR (status='RUNNING' AND updated_at <= $2))
ORDER BY id LIMIT $3`, now, staleBefore, limit)
}

func (r *txRepository) GetCheckpoint(ctx context.Context, companyID int64, kind CheckpointKind) (Checkpoint, error) {
	cp := Checkpoint{CompanyID: companyID, Kind: kind}
	err := r.tx.QueryRow(ctx, `SELECT cursor, updated_at FROM sync_checkpoints WHERE company_id=$1 AND kind=$2`,
		companyID, kind).Scan(&cp.Cursor, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cp, ErrCheckpointNotFound
	}
	return cp, err
}

func (r *txRepository) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO sync_checkpoints (company_id, kind, cursor, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (company_id, kind) DO UPDATE SET cursor=EXCLUDED.cursor, updated_at=EXCLUDED.updated_at`,
		cp.CompanyID, cp.Kind, cp.Cursor, cp.UpdatedAt)
	return err
}

func (r *txRepository) GetConnection(ctx context.Context, companyID int64) (OdooConnection, error) {
	var c OdooConnection
	err := r.tx.QueryRow(ctx, `SELECT company_id, url, database, username, secret_ciphertext, odoo_company_id,
odoo_journal_id, status, last_error, last_tested_at, updated_at FROM odoo_connections WHERE company_id=$1`, companyID).
		Scan(&c.CompanyID, &c.URL, &c.Database, &c.Username, &c.SecretCiphertext, &c.OdooCompanyID, &c.OdooJournalID,
			&c.Status, &c.LastError, &c.LastTestedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return OdooConnection{}, ErrConnectionNotFound
	}
	return c, err
}

func (r *txRepository) UpsertConnection(ctx context.Context, c OdooConnection) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO odoo_connections
(company_id, url, database, username, secret_ciphertext, odoo_company_id, odoo_journal_id, status, last_error, last_tested_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (company_id) DO UPDATE SET url=EXCLUDED.url, database=EXCLUDED.database, username=EXCLUDED.username,
  secret_ciphertext=EXCLUDED.secret_ciphertext, odoo_company_id=EXCLUDED.odoo_company_id,
  odoo_journal_id=EXCLUDED.odoo_journal_id, status=EXCLUDED.status, last_error=EXCLUDED.last_error,
  last_tested_at=EXCLUDED.last_tested_at, updated_at=EXCLUDED.updated_at`,
		c.CompanyID, c.URL, c.Database, c.Username, c.SecretCiphertext, c.OdooCompanyID, c.OdooJournalID, c.Status,
		c.LastError, c.LastTestedAt, c.UpdatedAt)
	return err
}

func (r *txRepository) GetSettings(ctx context.Context, companyID int64) (SyncSettings, error) {
	s := SyncSettings{CompanyID: companyID}
	err := r.tx.QueryRow(ctx, `SELECT auto_sync, export_enabled, updated_at FROM sync_settings WHERE company_id=$1`,
		companyID).Scan(&s.AutoSync, &s.ExportEnabled, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, ErrSettingsNotFound
	}
	return s, err
}

func (r *txRepository) UpsertSettings(ctx context.Context, s SyncSettings) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO sync_settings (company_id, auto_sync, export_enabled, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (company_id) DO UPDATE SET auto_sync=EXCLUDED.auto_sync, export_enabled=EXCLUDED.export_enabled,
  updated_at=EXCLUDED.updated_at`, s.CompanyID, s.AutoSync, s.ExportEnabled, s.UpdatedAt)
	return err
}
