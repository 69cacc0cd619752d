package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/tenant"
)

// CompanyRegistry onboards companies.
type CompanyRegistry interface {
	RegisterCompany(ctx context.Context, company tenant.Company, ownerUserID int64) (tenant.Company, error)
	SystemScope(ctx context.Context, companyID int64) (tenant.Scope, error)
}

// PeriodOpener opens fiscal months.
type PeriodOpener interface {
	OpenPeriod(ctx context.Context, scope tenant.Scope, year, month int) (ledger.Period, error)
}

// CompanyCLI registers companies from the command line.
type CompanyCLI struct {
	tenants CompanyRegistry
	periods PeriodOpener
}

// NewCompanyCLI constructs the helper.
func NewCompanyCLI(tenants CompanyRegistry, periods PeriodOpener) (*CompanyCLI, error) {
	if tenants == nil || periods == nil {
		return nil, errors.New("company cli: dependencies required")
	}
	return &CompanyCLI{tenants: tenants, periods: periods}, nil
}

// RegisterOptions defines available flags for the company register command.
type RegisterOptions struct {
	RFC          string
	LegalName    string
	FiscalRegime string
	OwnerUserID  int64
	// FirstPeriod is YYYY-MM; Months periods are opened from it.
	FirstPeriod string
	Months      int
	Stdout      io.Writer
	Stderr      io.Writer
}

// RegisterCommand creates the company with its owner and opens its first
// fiscal months.
func (c *CompanyCLI) RegisterCommand(ctx context.Context, opts RegisterOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.OwnerUserID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "company register: --owner is required and must be positive")
		return 1
	}
	var first time.Time
	if strings.TrimSpace(opts.FirstPeriod) != "" {
		var err error
		first, err = time.Parse("2006-01", strings.TrimSpace(opts.FirstPeriod))
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "company register: invalid period %q (expected YYYY-MM)\n", opts.FirstPeriod)
			return 1
		}
	}
	company, err := c.tenants.RegisterCompany(ctx, tenant.Company{
		RFC:          opts.RFC,
		LegalName:    opts.LegalName,
		FiscalRegime: opts.FiscalRegime,
	}, opts.OwnerUserID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "company register: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(opts.Stdout, "Registered company %d (%s)\n", company.ID, company.RFC)
	if first.IsZero() {
		return 0
	}
	scope, err := c.tenants.SystemScope(ctx, company.ID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "company register: %v\n", err)
		return 1
	}
	months := opts.Months
	if months <= 0 {
		months = 1
	}
	for i := 0; i < months; i++ {
		m := first.AddDate(0, i, 0)
		p, err := c.periods.OpenPeriod(ctx, scope, m.Year(), int(m.Month()))
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "company register: open %s: %v\n", m.Format("2006-01"), err)
			return 1
		}
		_, _ = fmt.Fprintf(opts.Stdout, "Opened period %s\n", p.Code())
	}
	return 0
}
