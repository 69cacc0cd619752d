package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/contamx/contamx/internal/jobs"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/orchestrator"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
	"github.com/contamx/contamx/internal/tenant/tenanttest"
)

type fakeSync struct {
	err   error
	calls []int64
}

func (f *fakeSync) HandlePull(_ context.Context, jobID int64) error {
	f.calls = append(f.calls, jobID)
	return f.err
}

func (f *fakeSync) HandleExport(_ context.Context, jobID int64) error {
	f.calls = append(f.calls, jobID)
	return f.err
}

func (f *fakeSync) Sweep(context.Context) (orchestrator.SweepResult, error) {
	return orchestrator.SweepResult{Triggered: 1}, f.err
}

func (f *fakeSync) RefreshEFOS(context.Context) (int, error) { return 3, f.err }

func newSyncJobs(svc SyncService) *SyncJobs {
	return NewSyncJobs(svc, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
}

func TestSyncTaskErrorMapping(t *testing.T) {
	task, err := NewSATPullTask(1, 42)
	require.NoError(t, err)

	cases := []struct {
		name      string
		err       error
		skipRetry bool
	}{
		{name: "success", err: nil},
		{name: "transient", err: shared.Transient("SATUnavailable", errors.New("503"))},
		{name: "needs attention", err: fmt.Errorf("%w: %w", orchestrator.ErrNeedsAttention, errors.New("bad")), skipRetry: true},
		{name: "invalid job", err: orchestrator.ErrInvalidJob, skipRetry: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeSync{err: tc.err}
			got := newSyncJobs(svc).HandlePull(context.Background(), task)
			require.Equal(t, []int64{42}, svc.calls)
			if tc.err == nil {
				require.NoError(t, got)
				return
			}
			require.ErrorIs(t, got, tc.err)
			require.Equal(t, tc.skipRetry, errors.Is(got, asynq.SkipRetry))
		})
	}
}

func TestSyncTaskRejectsBadPayload(t *testing.T) {
	svc := &fakeSync{}
	jobs := newSyncJobs(svc)

	err := jobs.HandleExport(context.Background(), asynq.NewTask(TaskOdooExport, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	err = jobs.HandleExport(context.Background(), asynq.NewTask(TaskOdooExport, []byte(`{"job_id":0}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, svc.calls)
}

func TestSweepAndEFOSHandlers(t *testing.T) {
	jobs := newSyncJobs(&fakeSync{})
	require.NoError(t, jobs.HandleSweep(context.Background(), NewSyncSweepTask()))
	require.NoError(t, jobs.HandleEFOSRefresh(context.Background(), NewEFOSRefreshTask()))

	failing := newSyncJobs(&fakeSync{err: shared.Transient("SATUnavailable", errors.New("down"))})
	err := failing.HandleEFOSRefresh(context.Background(), NewEFOSRefreshTask())
	require.Error(t, err)
	require.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestTaskBuilders(t *testing.T) {
	pull, err := NewSATPullTask(7, 9)
	require.NoError(t, err)
	require.Equal(t, TaskSATPull, pull.Type())
	var payload SyncJobPayload
	require.NoError(t, json.Unmarshal(pull.Payload(), &payload))
	require.Equal(t, SyncJobPayload{JobID: 9, CompanyID: 7}, payload)

	rebuild, err := NewSnapshotRebuildTask("", 0)
	require.NoError(t, err)
	lp, err := decodeLedgerPayload(rebuild)
	require.NoError(t, err)
	require.Equal(t, "all", lp.Company)

	bad := asynq.NewTask(TaskSnapshotRebuild, []byte(`{"company":"abc"}`))
	_, err = decodeLedgerPayload(bad)
	require.Error(t, err)
}

func TestRetryDelayFollowsPolicy(t *testing.T) {
	delay := RetryDelayFunc(orchestrator.RetryPolicy{MaxAttempts: 5, Base: time.Minute, Max: 10 * time.Minute})
	require.Equal(t, time.Minute, delay(0, nil, nil))
	require.Equal(t, 2*time.Minute, delay(1, nil, nil))
	require.Equal(t, 10*time.Minute, delay(6, nil, nil))
}

type fakeLedger struct {
	periods    []ledger.Period
	rebuilt    []int64
	mismatches map[int64][]ledger.SnapshotMismatch
	unbalanced bool
}

func (f *fakeLedger) ListPeriods(context.Context, tenant.Scope) ([]ledger.Period, error) {
	return f.periods, nil
}

func (f *fakeLedger) RebuildSnapshots(_ context.Context, _ tenant.Scope, periodID int64) (int, error) {
	f.rebuilt = append(f.rebuilt, periodID)
	return 1, nil
}

func (f *fakeLedger) VerifySnapshots(_ context.Context, _ tenant.Scope, periodID int64) ([]ledger.SnapshotMismatch, error) {
	if m := f.mismatches[periodID]; len(m) > 0 {
		return m, ledger.ErrSnapshotMismatch
	}
	return nil, nil
}

func (f *fakeLedger) TrialBalance(context.Context, tenant.Scope, time.Time) (ledger.TrialBalance, error) {
	if f.unbalanced {
		return ledger.TrialBalance{Debit: 100, Credit: 90}, nil
	}
	return ledger.TrialBalance{Debit: 100, Credit: 100}, nil
}

func ledgerFixture(t *testing.T) (*fakeLedger, *tenant.Service) {
	t.Helper()
	repo := tenanttest.NewMemory()
	repo.AddCompany(tenant.Company{ID: 1, LegalName: "Uno SA", RFC: "CMX010101AB1", Active: true})
	repo.AddCompany(tenant.Company{ID: 2, LegalName: "Dos SA", RFC: "OTR030303AB4", Active: true})
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fl := &fakeLedger{periods: []ledger.Period{
		{ID: 10, Year: 2024, Month: 1, StartDate: jan, EndDate: jan.AddDate(0, 1, -1)},
		{ID: 11, Year: 2024, Month: 2, StartDate: jan.AddDate(0, 1, 0), EndDate: jan.AddDate(0, 2, -1)},
		{ID: 12, Year: 2024, Month: 3, StartDate: jan.AddDate(0, 2, 0), EndDate: jan.AddDate(0, 3, -1)},
	}}
	return fl, tenant.NewService(repo, nil)
}

func TestSnapshotRebuildTargetsLatestEndedPeriod(t *testing.T) {
	fl, tenants := ledgerFixture(t)
	j := NewLedgerJobs(fl, tenants, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	j.WithClock(func() time.Time { return time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC) })

	task, err := NewSnapshotRebuildTask("all", 0)
	require.NoError(t, err)
	require.NoError(t, j.HandleSnapshotRebuild(context.Background(), task))
	require.Equal(t, []int64{11, 11}, fl.rebuilt)

	fl.rebuilt = nil
	task, err = NewSnapshotRebuildTask("2", 10)
	require.NoError(t, err)
	require.NoError(t, j.HandleSnapshotRebuild(context.Background(), task))
	require.Equal(t, []int64{10}, fl.rebuilt)
}

func TestIntegrityCountsFindingsWithoutFailing(t *testing.T) {
	fl, tenants := ledgerFixture(t)
	fl.unbalanced = true
	fl.mismatches = map[int64][]ledger.SnapshotMismatch{10: {{AccountID: 1}, {AccountID: 2}}}
	j := NewLedgerJobs(fl, tenants, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	j.WithClock(func() time.Time { return time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC) })

	task, err := NewLedgerIntegrityTask("1")
	require.NoError(t, err)
	require.NoError(t, j.HandleIntegrity(context.Background(), task))
}
