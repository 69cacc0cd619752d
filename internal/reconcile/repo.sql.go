package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contamx/contamx/internal/platform/db"
	"github.com/contamx/contamx/internal/shared"
)

// ErrProposalNotFound indicates no pending proposal for the movement.
var ErrProposalNotFound = shared.NewError(shared.KindNotFound, "ProposalNotFound", "reconcile: proposal not found")

// Repository persists review proposals.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations scoped by company id.
type TxRepository interface {
	UpsertProposal(ctx context.Context, p Proposal) error
	DeleteProposal(ctx context.Context, companyID, movementID int64) error
	GetProposal(ctx context.Context, companyID, movementID int64) (Proposal, error)
	ListProposals(ctx context.Context, companyID int64, page shared.Page) ([]Proposal, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("reconcile repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *txRepository) UpsertProposal(ctx context.Context, p Proposal) error {
	payload, err := json.Marshal(p.Decision)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO reconciliation_proposals (company_id, movement_id, decision, created_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (company_id, movement_id) DO UPDATE SET decision=EXCLUDED.decision, created_at=EXCLUDED.created_at`,
		p.CompanyID, p.MovementID, payload, p.CreatedAt)
	return err
}

func (r *txRepository) DeleteProposal(ctx context.Context, companyID, movementID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM reconciliation_proposals WHERE company_id=$1 AND movement_id=$2`, companyID, movementID)
	return err
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var (
		p       Proposal
		payload []byte
	)
	if err := row.Scan(&p.CompanyID, &p.MovementID, &payload, &p.CreatedAt); err != nil {
		return Proposal{}, err
	}
	if err := json.Unmarshal(payload, &p.Decision); err != nil {
		return Proposal{}, fmt.Errorf("decode decision: %w", err)
	}
	return p, nil
}

func (r *txRepository) GetProposal(ctx context.Context, companyID, movementID int64) (Proposal, error) {
	p, err := scanProposal(r.tx.QueryRow(ctx, `SELECT company_id, movement_id, decision, created_at
FROM reconciliation_proposals WHERE company_id=$1 AND movement_id=$2`, companyID, movementID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Proposal{}, ErrProposalNotFound
	}
	return p, err
}

func (r *txRepository) ListProposals(ctx context.Context, companyID int64, page shared.Page) ([]Proposal, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.tx.Query(ctx, `SELECT company_id, movement_id, decision, created_at
FROM reconciliation_proposals WHERE company_id=$1 ORDER BY created_at DESC, movement_id DESC LIMIT $2 OFFSET $3`,
		companyID, limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
