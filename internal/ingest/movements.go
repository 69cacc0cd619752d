package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
)

// IngestBankRows stores statement rows. Rows whose external id is already
// stored for the company are counted as duplicates and left untouched.
func (s *Service) IngestBankRows(ctx context.Context, scope tenant.Scope, rows []BankRow) (BankImport, error) {
	if err := scope.Require(shared.PermDocumentsIngest); err != nil {
		return BankImport{}, err
	}
	for i, row := range rows {
		if err := row.Validate(); err != nil {
			return BankImport{}, fmt.Errorf("row %d: %w", i+1, err)
		}
	}
	var result BankImport
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inserted, err := tx.InsertBankMovements(ctx, scope.CompanyID(), rows)
		if err != nil {
			return err
		}
		result.Inserted = inserted
		result.Duplicates = len(rows) - len(inserted)
		return nil
	})
	if err != nil {
		return BankImport{}, err
	}
	s.logger.InfoContext(ctx, "bank rows imported",
		slog.Int64("company_id", scope.CompanyID()),
		slog.Int("inserted", len(result.Inserted)),
		slog.Int("duplicates", result.Duplicates),
	)
	return result, nil
}

// MatchMovement flips an unmatched movement to matched. It reports false with
// the current state when another caller matched or ignored it first.
func (s *Service) MatchMovement(ctx context.Context, scope tenant.Scope, id int64, entryID int64, documentID *int64) (BankMovement, bool, error) {
	if err := scope.Require(shared.PermReconcile); err != nil {
		return BankMovement{}, false, err
	}
	var (
		mv      BankMovement
		changed bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		mv, changed, err = tx.TransitionMovement(ctx, scope.CompanyID(), id, MovementUnmatched, MovementMatched, &entryID, documentID)
		return err
	})
	return mv, changed, err
}

// IgnoreBankMovement excludes an unmatched movement from reconciliation.
// Ignoring twice is a no-op; ignoring a matched movement fails.
func (s *Service) IgnoreBankMovement(ctx context.Context, scope tenant.Scope, id int64) (BankMovement, error) {
	if err := scope.Require(shared.PermReconcile); err != nil {
		return BankMovement{}, err
	}
	var mv BankMovement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var (
			changed bool
			err     error
		)
		mv, changed, err = tx.TransitionMovement(ctx, scope.CompanyID(), id, MovementUnmatched, MovementIgnored, nil, nil)
		if err != nil || changed {
			return err
		}
		if mv.Status != MovementIgnored {
			return fmt.Errorf("%w: movement %d is %s", ErrInvalidTransition, id, mv.Status)
		}
		return nil
	})
	return mv, err
}

// GetMovement returns one bank movement.
func (s *Service) GetMovement(ctx context.Context, scope tenant.Scope, id int64) (BankMovement, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return BankMovement{}, err
	}
	var mv BankMovement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		mv, err = tx.GetMovement(ctx, scope.CompanyID(), id)
		return err
	})
	return mv, err
}

// ListMovements returns movements ordered by date.
func (s *Service) ListMovements(ctx context.Context, scope tenant.Scope, filter MovementFilter) ([]BankMovement, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return nil, err
	}
	var out []BankMovement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.ListMovements(ctx, scope.CompanyID(), filter)
		return err
	})
	return out, err
}

// ListUnmatchedMovements returns movements still waiting for reconciliation.
func (s *Service) ListUnmatchedMovements(ctx context.Context, scope tenant.Scope, page shared.Page) ([]BankMovement, error) {
	return s.ListMovements(ctx, scope, MovementFilter{Status: MovementUnmatched, Page: page})
}

// LinkedEntryIDs reports which of ids already back a matched bank movement.
func (s *Service) LinkedEntryIDs(ctx context.Context, scope tenant.Scope, ids []int64) (map[int64]bool, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return map[int64]bool{}, nil
	}
	var linked map[int64]bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		linked, err = tx.LinkedEntryIDs(ctx, scope.CompanyID(), ids)
		return err
	})
	return linked, err
}

// RefreshEFOS replaces the 69-B list from a published CSV and returns the
// number of flagged RFCs.
func (s *Service) RefreshEFOS(ctx context.Context, entries []EFOSEntry) (int, error) {
	if s.efos == nil {
		return 0, errors.New("ingest: efos list not configured")
	}
	flagged := FlaggedRFCs(entries)
	if err := s.efos.Replace(ctx, flagged); err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "efos list refreshed", slog.Int("entries", len(entries)), slog.Int("flagged", len(flagged)))
	return len(flagged), nil
}
