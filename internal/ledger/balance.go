package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
)

// BalanceAsOf returns the balance of the account, summed over every leaf
// below it, at the end of date.
func (s *Service) BalanceAsOf(ctx context.Context, scope tenant.Scope, accountID int64, date time.Time) (Balance, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return Balance{}, err
	}
	date = truncateDay(date)
	var balance Balance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		chart, err := s.loadChart(ctx, tx, scope.CompanyID())
		if err != nil {
			return err
		}
		account, ok := chart.Get(accountID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownAccount, accountID)
		}
		var sum Totals
		for _, leaf := range chart.LeavesUnder(accountID) {
			totals, err := leafTotals(ctx, tx, scope.CompanyID(), leaf, date)
			if err != nil {
				return err
			}
			sum = sum.Add(totals)
		}
		balance = Balance{AccountID: account.ID, AsOf: date, Nature: account.Nature, Debit: sum.Debit, Credit: sum.Credit}
		return nil
	})
	return balance, err
}

// leafTotals starts from the nearest snapshot at or before date and adds the
// movements it does not cover: those dated after it, and back-dated ones
// posted after it was taken.
func leafTotals(ctx context.Context, tx TxRepository, companyID, accountID int64, date time.Time) (Totals, error) {
	snap, found, err := tx.LatestSnapshot(ctx, companyID, accountID, date)
	if err != nil {
		return Totals{}, err
	}
	if !found {
		return tx.SumMovements(ctx, MovementFilter{CompanyID: companyID, AccountID: accountID, Through: date})
	}
	asOf := snap.AsOf
	delta, err := tx.SumMovements(ctx, MovementFilter{
		CompanyID:    companyID,
		AccountID:    accountID,
		After:        &asOf,
		Through:      date,
		LateAfterSeq: snap.Sequence,
	})
	if err != nil {
		return Totals{}, err
	}
	return Totals{Debit: snap.Debit, Credit: snap.Credit}.Add(delta), nil
}

// TrialBalance aggregates every posted movement through the date.
func (s *Service) TrialBalance(ctx context.Context, scope tenant.Scope, through time.Time) (TrialBalance, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return TrialBalance{}, err
	}
	var tb TrialBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		tb, err = s.trialBalance(ctx, tx, scope.CompanyID(), truncateDay(through))
		return err
	})
	return tb, err
}

func (s *Service) trialBalance(ctx context.Context, tx TxRepository, companyID int64, through time.Time) (TrialBalance, error) {
	chart, err := s.loadChart(ctx, tx, companyID)
	if err != nil {
		return TrialBalance{}, err
	}
	totals, err := tx.TrialBalanceTotals(ctx, companyID, through)
	if err != nil {
		return TrialBalance{}, err
	}
	tb := TrialBalance{CompanyID: companyID, Through: through}
	for _, acc := range chart.Accounts() {
		t, ok := totals[acc.ID]
		if !ok {
			continue
		}
		tb.Lines = append(tb.Lines, TrialBalanceLine{AccountID: acc.ID, Code: acc.Code, Debit: t.Debit, Credit: t.Credit})
		tb.Debit += t.Debit
		tb.Credit += t.Credit
	}
	return tb, nil
}

// RebuildSnapshots recomputes the period-end snapshots of every leaf from the
// movements and stamps them with the current ledger sequence.
func (s *Service) RebuildSnapshots(ctx context.Context, scope tenant.Scope, periodID int64) (int, error) {
	if err := scope.Require(shared.PermLedgerClose); err != nil {
		return 0, err
	}
	var count int
	err := s.withLock(ctx, scope.CompanyID(), func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			period, err := tx.GetPeriodForUpdate(ctx, scope.CompanyID(), periodID)
			if err != nil {
				return err
			}
			count, err = s.buildSnapshots(ctx, tx, scope.CompanyID(), period)
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "snapshots rebuilt",
		slog.Int64("company_id", scope.CompanyID()),
		slog.Int64("period_id", periodID),
		slog.Int("accounts", count),
	)
	return count, nil
}

func (s *Service) buildSnapshots(ctx context.Context, tx TxRepository, companyID int64, period Period) (int, error) {
	chart, err := s.loadChart(ctx, tx, companyID)
	if err != nil {
		return 0, err
	}
	seq, err := tx.CurrentSequence(ctx, companyID)
	if err != nil {
		return 0, err
	}
	asOf := truncateDay(period.EndDate)
	leaves := chart.Leaves()
	snaps := make([]BalanceSnapshot, 0, len(leaves))
	for _, leaf := range leaves {
		totals, err := tx.SumMovements(ctx, MovementFilter{CompanyID: companyID, AccountID: leaf, Through: asOf})
		if err != nil {
			return 0, err
		}
		snaps = append(snaps, BalanceSnapshot{
			CompanyID: companyID,
			AccountID: leaf,
			PeriodID:  period.ID,
			AsOf:      asOf,
			Debit:     totals.Debit,
			Credit:    totals.Credit,
			Sequence:  seq,
			CreatedAt: s.now(),
		})
	}
	if err := tx.UpsertSnapshots(ctx, snaps); err != nil {
		return 0, err
	}
	return len(snaps), nil
}

// SnapshotMismatch describes one snapshot disagreeing with its movements.
type SnapshotMismatch struct {
	AccountID int64
	Snapshot  Totals
	Actual    Totals
}

// VerifySnapshots recomputes each snapshot of the period from the movements
// it claims to cover. Any difference returns ErrSnapshotMismatch along with
// the offending accounts.
func (s *Service) VerifySnapshots(ctx context.Context, scope tenant.Scope, periodID int64) ([]SnapshotMismatch, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return nil, err
	}
	var mismatches []SnapshotMismatch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		snaps, err := tx.ListSnapshots(ctx, scope.CompanyID(), periodID)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			seq := snap.Sequence
			actual, err := tx.SumMovements(ctx, MovementFilter{
				CompanyID: scope.CompanyID(),
				AccountID: snap.AccountID,
				Through:   snap.AsOf,
				UpToSeq:   &seq,
			})
			if err != nil {
				return err
			}
			if actual.Debit != snap.Debit || actual.Credit != snap.Credit {
				mismatches = append(mismatches, SnapshotMismatch{
					AccountID: snap.AccountID,
					Snapshot:  Totals{Debit: snap.Debit, Credit: snap.Credit},
					Actual:    actual,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(mismatches) > 0 {
		s.logger.ErrorContext(ctx, "snapshot mismatch",
			slog.Int64("company_id", scope.CompanyID()),
			slog.Int64("period_id", periodID),
			slog.Int("accounts", len(mismatches)),
		)
		return mismatches, fmt.Errorf("%w: %d accounts", ErrSnapshotMismatch, len(mismatches))
	}
	return nil, nil
}
