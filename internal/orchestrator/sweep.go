package orchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/shared"
)

const recoverBatch = 500

// Sweep queues a pull for every active company with auto sync on and an
// export for every entry posted since the company's export cursor, then
// requeues persisted jobs the queue may have lost: PENDING ones, FAILED ones
// whose retry is due and RUNNING ones past the lease.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	companies, err := s.tenants.ListActiveCompanies(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	var (
		mu  sync.Mutex
		res SweepResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for _, company := range companies {
		company := company
		g.Go(func() error {
			settings, err := s.settings(gctx, company.ID)
			if err != nil {
				return err
			}
			if settings.AutoSync {
				_, err := s.triggerPull(gctx, company.ID)
				mu.Lock()
				if err != nil {
					res.Failed++
					s.logger.WarnContext(gctx, "sweep trigger failed",
						slog.Int64("company_id", company.ID),
						slog.Any("error", err),
					)
				} else {
					res.Triggered++
				}
				mu.Unlock()
			}
			if settings.ExportEnabled {
				exported, err := s.sweepExports(gctx, company.ID)
				mu.Lock()
				res.Exported += exported
				if err != nil {
					res.Failed++
					s.logger.WarnContext(gctx, "sweep export failed",
						slog.Int64("company_id", company.ID),
						slog.Any("error", err),
					)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	now := s.now()
	var stale []Job
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		stale, err = tx.RecoverableJobs(ctx, now, now.Add(-s.lease), recoverBatch)
		return err
	})
	if err != nil {
		return res, err
	}
	for _, job := range stale {
		if s.enqueue(ctx, job) {
			res.Requeued++
		} else {
			res.Failed++
		}
	}
	s.logger.InfoContext(ctx, "sync sweep finished",
		slog.Int("companies", len(companies)),
		slog.Int("triggered", res.Triggered),
		slog.Int("exported", res.Exported),
		slog.Int("requeued", res.Requeued),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

// sweepExports hands every entry numbered after the export cursor to
// ExportToOdoo and advances the cursor past the ones it accepted. Export jobs
// are keyed by document, so entries the PolizaPosted reaction already queued
// resolve to their existing job.
func (s *Service) sweepExports(ctx context.Context, companyID int64) (int, error) {
	scope, err := s.tenants.SystemScope(ctx, companyID)
	if err != nil {
		return 0, err
	}
	cursor, err := s.checkpoint(ctx, companyID, CheckpointExport)
	if err != nil {
		return 0, err
	}
	var after int64
	if cursor != "" {
		if after, err = strconv.ParseInt(cursor, 10, 64); err != nil {
			return 0, err
		}
	}
	exported := 0
	for {
		entries, err := s.ledger.ListEntries(ctx, scope, ledger.EntryFilter{
			AfterNumber: &after,
			Page:        shared.Page{Limit: recoverBatch},
		})
		if err != nil {
			return exported, err
		}
		start := after
		var exportErr error
		for _, entry := range entries {
			if _, exportErr = s.ExportToOdoo(ctx, scope, entry.ID); exportErr != nil {
				break
			}
			after = entry.Number
			exported++
		}
		if after != start {
			if err := s.saveCheckpoint(ctx, companyID, CheckpointExport, strconv.FormatInt(after, 10)); err != nil {
				return exported, err
			}
		}
		if exportErr != nil {
			return exported, exportErr
		}
		if len(entries) < recoverBatch {
			return exported, nil
		}
	}
}
