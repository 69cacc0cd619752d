package tenant

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository persists companies and memberships.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const companyColumns = `id, legal_name, rfc, fiscal_regime, is_active, created_at, updated_at`

func scanCompany(row pgx.Row) (Company, error) {
	var c Company
	err := row.Scan(&c.ID, &c.LegalName, &c.RFC, &c.FiscalRegime, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// GetCompany loads a company by id.
func (r *PgRepository) GetCompany(ctx context.Context, id int64) (Company, error) {
	c, err := scanCompany(r.pool.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Company{}, ErrCompanyNotFound
		}
		return Company{}, err
	}
	return c, nil
}

// GetMembership loads the membership of userID in companyID.
func (r *PgRepository) GetMembership(ctx context.Context, companyID, userID int64) (Membership, error) {
	var m Membership
	err := r.pool.QueryRow(ctx, `SELECT company_id, user_id, role, is_active, created_at
FROM memberships WHERE company_id=$1 AND user_id=$2`, companyID, userID).
		Scan(&m.CompanyID, &m.UserID, &m.Role, &m.Active, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Membership{}, ErrMembershipNotFound
		}
		return Membership{}, err
	}
	return m, nil
}

// ListActiveCompanies returns active companies ordered by id.
func (r *PgRepository) ListActiveCompanies(ctx context.Context) ([]Company, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+companyColumns+` FROM companies WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateCompany inserts the company and its owner membership atomically.
func (r *PgRepository) CreateCompany(ctx context.Context, company Company, owner Membership) (Company, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Company{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	created, err := scanCompany(tx.QueryRow(ctx, `INSERT INTO companies (legal_name, rfc, fiscal_regime, is_active)
VALUES ($1,$2,$3,$4) RETURNING `+companyColumns, company.LegalName, company.RFC, company.FiscalRegime, company.Active))
	if err != nil {
		return Company{}, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO memberships (company_id, user_id, role, is_active) VALUES ($1,$2,$3,$4)`,
		created.ID, owner.UserID, owner.Role, owner.Active); err != nil {
		return Company{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Company{}, err
	}
	return created, nil
}

// UpsertMembership inserts or updates a membership.
func (r *PgRepository) UpsertMembership(ctx context.Context, m Membership) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO memberships (company_id, user_id, role, is_active) VALUES ($1,$2,$3,$4)
ON CONFLICT (company_id, user_id) DO UPDATE SET role=EXCLUDED.role, is_active=EXCLUDED.is_active`,
		m.CompanyID, m.UserID, m.Role, m.Active)
	return err
}

// SetCompanyActive toggles the soft-delete flag.
func (r *PgRepository) SetCompanyActive(ctx context.Context, id int64, active bool) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE companies SET is_active=$2, updated_at=NOW() WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrCompanyNotFound
	}
	return nil
}
