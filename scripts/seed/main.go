package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/contamx/contamx/internal/app"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/tenant"
)

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	rt, err := app.NewRuntime(ctx, cfg, app.NewLogger(cfg), "contamx-seed")
	if err != nil {
		log.Fatalf("init runtime: %v", err)
	}
	defer rt.Close()

	s := seeder{tenants: rt.Tenants, ledger: rt.Ledger, out: os.Stdout, now: time.Now().UTC()}
	if err := s.run(ctx); err != nil {
		log.Fatalf("seed: %v", err)
	}
	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

// Tenants is the subset of tenant.Service the seeder drives.
type Tenants interface {
	RegisterCompany(ctx context.Context, company tenant.Company, ownerUserID int64) (tenant.Company, error)
	SystemScope(ctx context.Context, companyID int64) (tenant.Scope, error)
	GrantMembership(ctx context.Context, scope tenant.Scope, userID int64, role tenant.Role, active bool) error
}

// Ledger is the subset of ledger.Service the seeder drives.
type Ledger interface {
	CreateAccount(ctx context.Context, scope tenant.Scope, input ledger.AccountInput) (ledger.Account, error)
	SetMapping(ctx context.Context, scope tenant.Scope, module, key string, accountID int64) error
	OpenPeriod(ctx context.Context, scope tenant.Scope, year, month int) (ledger.Period, error)
}

const (
	demoOwner  = 1
	demoMember = 2
)

type seeder struct {
	tenants Tenants
	ledger  Ledger
	out     io.Writer
	now     time.Time
}

func (s seeder) run(ctx context.Context) error {
	fmt.Fprintln(s.out, "→ Seeding demo company...")
	company, err := s.tenants.RegisterCompany(ctx, tenant.Company{
		LegalName:    "Comercializadora Demo SA de CV",
		RFC:          "CDE010101AB1",
		FiscalRegime: "601",
		Active:       true,
	}, demoOwner)
	if err != nil {
		return fmt.Errorf("register company: %w", err)
	}
	scope, err := s.tenants.SystemScope(ctx, company.ID)
	if err != nil {
		return err
	}
	if err := s.tenants.GrantMembership(ctx, scope, demoMember, tenant.RoleMember, true); err != nil {
		return fmt.Errorf("grant member: %w", err)
	}

	fmt.Fprintln(s.out, "→ Seeding chart of accounts...")
	accounts, err := s.seedChart(ctx, scope)
	if err != nil {
		return err
	}

	fmt.Fprintln(s.out, "→ Seeding account mappings...")
	for _, m := range demoMappings {
		if err := s.ledger.SetMapping(ctx, scope, m.module, m.key, accounts[m.code]); err != nil {
			return fmt.Errorf("map %s/%s: %w", m.module, m.key, err)
		}
	}

	fmt.Fprintln(s.out, "→ Opening periods...")
	first := time.Date(s.now.Year(), s.now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -2, 0)
	for i := 0; i < 3; i++ {
		month := first.AddDate(0, i, 0)
		_, err := s.ledger.OpenPeriod(ctx, scope, month.Year(), int(month.Month()))
		if err != nil && !errors.Is(err, ledger.ErrPeriodExists) {
			return fmt.Errorf("open %s: %w", month.Format("2006-01"), err)
		}
	}
	return nil
}

type chartRow struct {
	code   string
	parent string
	name   string
	group  string
	nature ledger.Nature
}

// demoChart follows the SAT grouping codes (código agrupador).
var demoChart = []chartRow{
	{"100", "", "Activo", "100", ledger.NatureDebit},
	{"102.01", "100", "Bancos nacionales", "102.01", ledger.NatureDebit},
	{"113.01", "100", "ISR retenido", "113.01", ledger.NatureDebit},
	{"118.01", "100", "IVA acreditable pagado", "118.01", ledger.NatureDebit},
	{"200", "", "Pasivo", "200", ledger.NatureCredit},
	{"208.01", "200", "IVA trasladado cobrado", "208.01", ledger.NatureCredit},
	{"216.01", "200", "Impuestos retenidos", "216.01", ledger.NatureCredit},
	{"400", "", "Ingresos", "400", ledger.NatureCredit},
	{"401.01", "400", "Ventas y/o servicios gravados", "401.01", ledger.NatureCredit},
	{"600", "", "Gastos", "600", ledger.NatureDebit},
	{"601.84", "600", "Otros gastos generales", "601.84", ledger.NatureDebit},
	{"701.10", "600", "Comisiones bancarias", "701.10", ledger.NatureDebit},
}

var demoMappings = []struct {
	module, key, code string
}{
	{ledger.SourceCFDI, "bank", "102.01"},
	{ledger.SourceCFDI, "expense", "601.84"},
	{ledger.SourceCFDI, "revenue", "401.01"},
	{ledger.SourceCFDI, "vat_creditable", "118.01"},
	{ledger.SourceCFDI, "vat_payable", "208.01"},
	{ledger.SourceCFDI, "withholding_payable", "216.01"},
	{ledger.SourceCFDI, "withholding_receivable", "113.01"},
	{ledger.SourceBank, "bank", "102.01"},
	{ledger.SourceBank, "bank_fees", "701.10"},
}

func (s seeder) seedChart(ctx context.Context, scope tenant.Scope) (map[string]int64, error) {
	ids := make(map[string]int64, len(demoChart))
	for _, row := range demoChart {
		input := ledger.AccountInput{Code: row.code, Name: row.name, GroupingCode: row.group, Nature: row.nature}
		if row.parent != "" {
			parent := ids[row.parent]
			input.ParentID = &parent
		}
		acc, err := s.ledger.CreateAccount(ctx, scope, input)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", row.code, err)
		}
		ids[row.code] = acc.ID
	}
	return ids, nil
}
