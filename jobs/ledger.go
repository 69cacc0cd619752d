package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/contamx/contamx/internal/jobs"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/tenant"
)

// LedgerService is the ledger surface the maintenance jobs use.
type LedgerService interface {
	ListPeriods(ctx context.Context, scope tenant.Scope) ([]ledger.Period, error)
	RebuildSnapshots(ctx context.Context, scope tenant.Scope, periodID int64) (int, error)
	VerifySnapshots(ctx context.Context, scope tenant.Scope, periodID int64) ([]ledger.SnapshotMismatch, error)
	TrialBalance(ctx context.Context, scope tenant.Scope, through time.Time) (ledger.TrialBalance, error)
}

// TenantDirectory lists companies and opens system scopes for them.
type TenantDirectory interface {
	SystemScope(ctx context.Context, companyID int64) (tenant.Scope, error)
	ListActiveCompanies(ctx context.Context) ([]tenant.Company, error)
}

// LedgerJobs rebuilds and verifies balance snapshots.
type LedgerJobs struct {
	Ledger  LedgerService
	Tenants TenantDirectory
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerJobs constructs the ledger maintenance handlers.
func NewLedgerJobs(ledgerSvc LedgerService, tenants TenantDirectory, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerJobs {
	return &LedgerJobs{
		Ledger:  ledgerSvc,
		Tenants: tenants,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handlers lists the task handlers for worker registration.
func (j *LedgerJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskSnapshotRebuild, Handler: j.HandleSnapshotRebuild},
		{Type: TaskLedgerIntegrity, Handler: j.HandleIntegrity},
	}
}

// HandleSnapshotRebuild rebuilds the snapshots of the payload's period, or
// of each company's latest ended period.
func (j *LedgerJobs) HandleSnapshotRebuild(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Ledger == nil || j.Tenants == nil {
		return errors.New("snapshot rebuild: dependencies not configured")
	}
	payload, err := decodeLedgerPayload(task)
	if err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskSnapshotRebuild)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	scopes, err := j.scopes(ctx, payload)
	if err != nil {
		resultErr = err
		j.log(TaskSnapshotRebuild).Error("resolve companies", slog.String("company", payload.Company), slog.Any("error", err))
		return resultErr
	}
	start := j.now()
	rebuilt := 0
	for _, scope := range scopes {
		periods, err := j.targetPeriods(ctx, scope, payload.PeriodID)
		if err != nil {
			resultErr = err
			j.log(TaskSnapshotRebuild).Error("list periods", slog.Int64("company_id", scope.CompanyID()), slog.Any("error", err))
			return resultErr
		}
		for _, p := range periods {
			if _, err := j.Ledger.RebuildSnapshots(ctx, scope, p.ID); err != nil {
				resultErr = err
				j.log(TaskSnapshotRebuild).Error("rebuild snapshots",
					slog.Int64("company_id", scope.CompanyID()),
					slog.String("period", p.Code()),
					slog.Any("error", err))
				return resultErr
			}
			rebuilt++
		}
	}
	j.log(TaskSnapshotRebuild).Info("snapshots rebuilt",
		slog.Int("companies", len(scopes)),
		slog.Int("periods", rebuilt),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

// HandleIntegrity checks that each company's trial balance is zero and that
// the snapshots of every ended period match their movements. Findings are
// logged and counted; they do not fail the task.
func (j *LedgerJobs) HandleIntegrity(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Ledger == nil || j.Tenants == nil {
		return errors.New("ledger integrity: dependencies not configured")
	}
	payload, err := decodeLedgerPayload(task)
	if err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskLedgerIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	scopes, err := j.scopes(ctx, payload)
	if err != nil {
		resultErr = err
		return resultErr
	}
	now := j.now()
	for _, scope := range scopes {
		logger := j.log(TaskLedgerIntegrity).With(slog.Int64("company_id", scope.CompanyID()))
		tb, err := j.Ledger.TrialBalance(ctx, scope, now)
		if err != nil {
			resultErr = err
			logger.Error("trial balance", slog.Any("error", err))
			return resultErr
		}
		if !tb.Balanced() {
			j.metrics().AddIntegrityIssues("trial_balance", 1)
			logger.Error("trial balance not zero",
				slog.String("debit", tb.Debit.String()),
				slog.String("credit", tb.Credit.String()))
		}
		periods, err := j.Ledger.ListPeriods(ctx, scope)
		if err != nil {
			resultErr = err
			logger.Error("list periods", slog.Any("error", err))
			return resultErr
		}
		for _, p := range periods {
			if !p.EndDate.Before(now) {
				continue
			}
			mismatches, err := j.Ledger.VerifySnapshots(ctx, scope, p.ID)
			if err != nil && !errors.Is(err, ledger.ErrSnapshotMismatch) {
				resultErr = err
				logger.Error("verify snapshots", slog.String("period", p.Code()), slog.Any("error", err))
				return resultErr
			}
			if len(mismatches) > 0 {
				j.metrics().AddIntegrityIssues("snapshots", len(mismatches))
				logger.Warn("snapshot drift", slog.String("period", p.Code()), slog.Int("accounts", len(mismatches)))
			}
		}
	}
	return resultErr
}

func decodeLedgerPayload(task *asynq.Task) (LedgerPayload, error) {
	var payload LedgerPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return payload, err
		}
	}
	if _, err := payload.companyID(); err != nil {
		return payload, err
	}
	return payload, nil
}

func (j *LedgerJobs) scopes(ctx context.Context, payload LedgerPayload) ([]tenant.Scope, error) {
	id, _ := payload.companyID()
	var ids []int64
	if id > 0 {
		ids = []int64{id}
	} else {
		companies, err := j.Tenants.ListActiveCompanies(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range companies {
			ids = append(ids, c.ID)
		}
	}
	scopes := make([]tenant.Scope, 0, len(ids))
	for _, id := range ids {
		scope, err := j.Tenants.SystemScope(ctx, id)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

// targetPeriods returns periodID when set, else the latest period that has
// already ended.
func (j *LedgerJobs) targetPeriods(ctx context.Context, scope tenant.Scope, periodID int64) ([]ledger.Period, error) {
	if periodID > 0 {
		return []ledger.Period{{ID: periodID}}, nil
	}
	periods, err := j.Ledger.ListPeriods(ctx, scope)
	if err != nil {
		return nil, err
	}
	var latest *ledger.Period
	now := j.now()
	for i := range periods {
		p := periods[i]
		if !p.EndDate.Before(now) {
			continue
		}
		if latest == nil || p.EndDate.After(latest.EndDate) {
			latest = &periods[i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	return []ledger.Period{*latest}, nil
}

func (j *LedgerJobs) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerJobs) log(name string) *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", name))
	}
	return slog.Default().With(slog.String("job", name))
}

func (j *LedgerJobs) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *LedgerJobs) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
