package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/tenant"
)

// LedgerReader is the ledger surface the verify command reads.
type LedgerReader interface {
	ListPeriods(ctx context.Context, scope tenant.Scope) ([]ledger.Period, error)
	VerifySnapshots(ctx context.Context, scope tenant.Scope, periodID int64) ([]ledger.SnapshotMismatch, error)
	TrialBalance(ctx context.Context, scope tenant.Scope, through time.Time) (ledger.TrialBalance, error)
}

// ScopeSource opens system scopes.
type ScopeSource interface {
	SystemScope(ctx context.Context, companyID int64) (tenant.Scope, error)
}

// LedgerCLI offers operational checks over a company ledger.
type LedgerCLI struct {
	ledger  LedgerReader
	tenants ScopeSource
}

// NewLedgerCLI constructs the helper.
func NewLedgerCLI(reader LedgerReader, tenants ScopeSource) (*LedgerCLI, error) {
	if reader == nil || tenants == nil {
		return nil, errors.New("ledger cli: dependencies required")
	}
	return &LedgerCLI{ledger: reader, tenants: tenants}, nil
}

// VerifyOptions defines available flags for the ledger verify command.
type VerifyOptions struct {
	CompanyID  int64
	Period     string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// VerifySummary describes the JSON response for ledger verify.
type VerifySummary struct {
	OK         bool             `json:"ok"`
	CompanyID  int64            `json:"company_id"`
	Period     string           `json:"period"`
	Debit      string           `json:"debit"`
	Credit     string           `json:"credit"`
	Balanced   bool             `json:"balanced"`
	Mismatches []VerifyMismatch `json:"mismatches"`
}

// VerifyMismatch reports one account whose snapshot drifted.
type VerifyMismatch struct {
	AccountID      int64  `json:"account_id"`
	SnapshotDebit  string `json:"snapshot_debit"`
	SnapshotCredit string `json:"snapshot_credit"`
	ActualDebit    string `json:"actual_debit"`
	ActualCredit   string `json:"actual_credit"`
}

// VerifyCommand checks the trial balance through the period end and the
// period's snapshots. Exit code 10 signals findings.
func (c *LedgerCLI) VerifyCommand(ctx context.Context, opts VerifyOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.CompanyID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "ledger verify: --company is required and must be positive")
		return 1
	}
	month, err := time.Parse("2006-01", strings.TrimSpace(opts.Period))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "ledger verify: invalid period %q (expected YYYY-MM)\n", opts.Period)
		return 1
	}
	summary, err := c.verify(ctx, opts.CompanyID, month)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "ledger verify: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "ledger verify: encode json: %v\n", err)
			return 1
		}
	} else {
		renderVerifyHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func (c *LedgerCLI) verify(ctx context.Context, companyID int64, month time.Time) (VerifySummary, error) {
	scope, err := c.tenants.SystemScope(ctx, companyID)
	if err != nil {
		return VerifySummary{}, err
	}
	periods, err := c.ledger.ListPeriods(ctx, scope)
	if err != nil {
		return VerifySummary{}, err
	}
	var period *ledger.Period
	for i := range periods {
		if periods[i].Year == month.Year() && periods[i].Month == int(month.Month()) {
			period = &periods[i]
			break
		}
	}
	if period == nil {
		return VerifySummary{}, fmt.Errorf("period %s not opened for company %d", month.Format("2006-01"), companyID)
	}
	tb, err := c.ledger.TrialBalance(ctx, scope, period.EndDate)
	if err != nil {
		return VerifySummary{}, err
	}
	mismatches, err := c.ledger.VerifySnapshots(ctx, scope, period.ID)
	if err != nil && !errors.Is(err, ledger.ErrSnapshotMismatch) {
		return VerifySummary{}, err
	}
	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].AccountID < mismatches[j].AccountID })

	summary := VerifySummary{
		CompanyID:  companyID,
		Period:     period.Code(),
		Debit:      tb.Debit.String(),
		Credit:     tb.Credit.String(),
		Balanced:   tb.Balanced(),
		Mismatches: make([]VerifyMismatch, 0, len(mismatches)),
	}
	for _, m := range mismatches {
		summary.Mismatches = append(summary.Mismatches, VerifyMismatch{
			AccountID:      m.AccountID,
			SnapshotDebit:  m.Snapshot.Debit.String(),
			SnapshotCredit: m.Snapshot.Credit.String(),
			ActualDebit:    m.Actual.Debit.String(),
			ActualCredit:   m.Actual.Credit.String(),
		})
	}
	summary.OK = summary.Balanced && len(summary.Mismatches) == 0
	return summary, nil
}

func renderVerifyHuman(out io.Writer, s VerifySummary) {
	_, _ = fmt.Fprintf(out, "Ledger verification for company %d, period %s\n", s.CompanyID, s.Period)
	status := "balanced"
	if !s.Balanced {
		status = "NOT BALANCED"
	}
	_, _ = fmt.Fprintf(out, "Trial balance: debit %s, credit %s (%s)\n", s.Debit, s.Credit, status)
	if len(s.Mismatches) == 0 {
		_, _ = fmt.Fprintln(out, "Snapshots match movements.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d snapshot mismatch(es):\n", len(s.Mismatches))
	for _, m := range s.Mismatches {
		_, _ = fmt.Fprintf(out, " - account %d: snapshot %s/%s, movements %s/%s\n",
			m.AccountID, m.SnapshotDebit, m.SnapshotCredit, m.ActualDebit, m.ActualCredit)
	}
}
