package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/events/eventstest"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/ledger/ledgertest"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
	"github.com/contamx/contamx/internal/tenant/tenanttest"
	"github.com/contamx/contamx/jobs"
)

type stubLedger struct {
	debit, credit shared.Cents
	mismatches    []ledger.SnapshotMismatch
}

func (s stubLedger) ListPeriods(context.Context, tenant.Scope) ([]ledger.Period, error) {
	start, end := ledger.MonthBounds(2024, 1)
	return []ledger.Period{{ID: 4, Year: 2024, Month: 1, StartDate: start, EndDate: end}}, nil
}

func (s stubLedger) VerifySnapshots(context.Context, tenant.Scope, int64) ([]ledger.SnapshotMismatch, error) {
	if len(s.mismatches) > 0 {
		return s.mismatches, ledger.ErrSnapshotMismatch
	}
	return nil, nil
}

func (s stubLedger) TrialBalance(context.Context, tenant.Scope, time.Time) (ledger.TrialBalance, error) {
	return ledger.TrialBalance{Debit: s.debit, Credit: s.credit}, nil
}

func tenantsWithCompany(t *testing.T) *tenant.Service {
	t.Helper()
	repo := tenanttest.NewMemory()
	repo.AddCompany(tenant.Company{ID: 1, LegalName: "Contadores MX SA de CV", RFC: "CMX010101AB1", Active: true})
	return tenant.NewService(repo, nil)
}

func TestVerifyCommandJSONSuccess(t *testing.T) {
	cli, err := NewLedgerCLI(stubLedger{debit: 116000, credit: 116000}, tenantsWithCompany(t))
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	code := cli.VerifyCommand(context.Background(), VerifyOptions{
		CompanyID: 1, Period: "2024-01", JSONOutput: true, Stdout: stdout, Stderr: stderr,
	})
	require.Zero(t, code)
	require.Empty(t, stderr.String())

	var summary VerifySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Equal(t, "2024-01", summary.Period)
	require.Equal(t, "1160.00", summary.Debit)
	require.Empty(t, summary.Mismatches)
}

func TestVerifyCommandReportsFindings(t *testing.T) {
	reader := stubLedger{
		debit:  100,
		credit: 90,
		mismatches: []ledger.SnapshotMismatch{
			{AccountID: 9, Snapshot: ledger.Totals{Debit: 500}, Actual: ledger.Totals{Debit: 700}},
			{AccountID: 3, Snapshot: ledger.Totals{Credit: 10}, Actual: ledger.Totals{}},
		},
	}
	cli, err := NewLedgerCLI(reader, tenantsWithCompany(t))
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	code := cli.VerifyCommand(context.Background(), VerifyOptions{
		CompanyID: 1, Period: "2024-01", JSONOutput: true, Stdout: stdout, Stderr: new(bytes.Buffer),
	})
	require.Equal(t, 10, code)

	var summary VerifySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.False(t, summary.OK)
	require.False(t, summary.Balanced)
	require.Len(t, summary.Mismatches, 2)
	require.Equal(t, int64(3), summary.Mismatches[0].AccountID)
	require.Equal(t, "7.00", summary.Mismatches[1].ActualDebit)

	human := new(bytes.Buffer)
	code = cli.VerifyCommand(context.Background(), VerifyOptions{CompanyID: 1, Period: "2024-01", Stdout: human, Stderr: new(bytes.Buffer)})
	require.Equal(t, 10, code)
	require.Contains(t, human.String(), "NOT BALANCED")
	require.Contains(t, human.String(), "2 snapshot mismatch(es)")
}

func TestVerifyCommandArgumentErrors(t *testing.T) {
	cli, err := NewLedgerCLI(stubLedger{}, tenantsWithCompany(t))
	require.NoError(t, err)

	stderr := new(bytes.Buffer)
	require.Equal(t, 1, cli.VerifyCommand(context.Background(), VerifyOptions{CompanyID: 1, Period: "202401", Stdout: new(bytes.Buffer), Stderr: stderr}))
	require.Contains(t, stderr.String(), "invalid period")

	stderr.Reset()
	require.Equal(t, 1, cli.VerifyCommand(context.Background(), VerifyOptions{CompanyID: 1, Period: "2023-12", Stdout: new(bytes.Buffer), Stderr: stderr}))
	require.Contains(t, stderr.String(), "not opened")

	stderr.Reset()
	require.Equal(t, 1, cli.VerifyCommand(context.Background(), VerifyOptions{Period: "2024-01", Stdout: new(bytes.Buffer), Stderr: stderr}))
	require.Contains(t, stderr.String(), "--company")
}

func TestRegisterCommandOpensPeriods(t *testing.T) {
	tenants := tenant.NewService(tenanttest.NewMemory(), nil)
	ledgerSvc := ledger.NewService(ledgertest.NewMemory(), tenant.NewLocalLocker(), &eventstest.Recorder{}, nil, nil)
	cli, err := NewCompanyCLI(tenants, ledgerSvc)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	code := cli.RegisterCommand(context.Background(), RegisterOptions{
		RFC: "cmx010101ab1", LegalName: "Contadores MX SA de CV", FiscalRegime: "601",
		OwnerUserID: 100, FirstPeriod: "2024-11", Months: 3, Stdout: stdout, Stderr: stderr,
	})
	require.Zero(t, code, stderr.String())
	require.Contains(t, stdout.String(), "(CMX010101AB1)")
	require.Contains(t, stdout.String(), "Opened period 2025-01")

	companies, err := tenants.ListActiveCompanies(context.Background())
	require.NoError(t, err)
	require.Len(t, companies, 1)
	scope, err := tenants.SystemScope(context.Background(), companies[0].ID)
	require.NoError(t, err)
	periods, err := ledgerSvc.ListPeriods(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, periods, 3)
}

func TestRegisterCommandRejectsBadRFC(t *testing.T) {
	tenants := tenant.NewService(tenanttest.NewMemory(), nil)
	ledgerSvc := ledger.NewService(ledgertest.NewMemory(), tenant.NewLocalLocker(), &eventstest.Recorder{}, nil, nil)
	cli, err := NewCompanyCLI(tenants, ledgerSvc)
	require.NoError(t, err)

	stderr := new(bytes.Buffer)
	code := cli.RegisterCommand(context.Background(), RegisterOptions{
		RFC: "nope", LegalName: "X", OwnerUserID: 1, Stdout: new(bytes.Buffer), Stderr: stderr,
	})
	require.Equal(t, 1, code)
	require.NotEmpty(t, stderr.String())
}

func TestBuildTask(t *testing.T) {
	for _, name := range Triggerable {
		task, err := BuildTask(name, "all")
		require.NoError(t, err, name)
		require.Equal(t, name, task.Type())
	}
	_, err := BuildTask(jobs.TaskSATPull, "all")
	require.Error(t, err)
}
