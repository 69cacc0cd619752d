package ledgertest

import (
	"context"
	"testing"

	"github.com/contamx/contamx/internal/events/eventstest"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/tenant"
)

// Fixture is a ledger service over a memory repository with a small Mexican
// chart of accounts, the CFDI and BANK mappings, and open periods for
// January and February 2024.
type Fixture struct {
	Repo     *Memory
	Service  *ledger.Service
	Events   *eventstest.Recorder
	Accounts map[string]ledger.Account
	January  ledger.Period
	February ledger.Period
}

// Chart keys available in Fixture.Accounts.
const (
	Bank                  = "bank"
	VATCreditable         = "vat_creditable"
	WithholdingReceivable = "withholding_receivable"
	VATPayable            = "vat_payable"
	WithholdingPayable    = "withholding_payable"
	Revenue               = "revenue"
	Expense               = "expense"
	BankFees              = "bank_fees"
)

// NewFixture seeds the chart for the scope's company.
func NewFixture(t testing.TB, scope tenant.Scope) *Fixture {
	t.Helper()
	ctx := context.Background()
	f := &Fixture{
		Repo:     NewMemory(),
		Events:   &eventstest.Recorder{},
		Accounts: map[string]ledger.Account{},
	}
	f.Service = ledger.NewService(f.Repo, tenant.NewLocalLocker(), f.Events, nil, nil)

	must := func(acc ledger.Account, err error) ledger.Account {
		t.Helper()
		if err != nil {
			t.Fatalf("ledgertest: seed account: %v", err)
		}
		return acc
	}
	assets := must(f.Service.CreateAccount(ctx, scope, ledger.AccountInput{Code: "100", Name: "Activo", Nature: ledger.NatureDebit}))
	liabilities := must(f.Service.CreateAccount(ctx, scope, ledger.AccountInput{Code: "200", Name: "Pasivo", Nature: ledger.NatureCredit}))
	leaves := []struct {
		key    string
		parent *int64
		code   string
		name   string
		group  string
		nature ledger.Nature
	}{
		{Bank, &assets.ID, "102.01", "Bancos nacionales", "102.01", ledger.NatureDebit},
		{VATCreditable, &assets.ID, "118.01", "IVA acreditable pagado", "118.01", ledger.NatureDebit},
		{WithholdingReceivable, &assets.ID, "113.01", "ISR retenido", "113.01", ledger.NatureDebit},
		{VATPayable, &liabilities.ID, "208.01", "IVA trasladado cobrado", "208.01", ledger.NatureCredit},
		{WithholdingPayable, &liabilities.ID, "216.01", "Impuestos retenidos", "216.01", ledger.NatureCredit},
		{Revenue, nil, "401.01", "Ventas y/o servicios gravados", "401.01", ledger.NatureCredit},
		{Expense, nil, "601.84", "Otros gastos generales", "601.84", ledger.NatureDebit},
		{BankFees, nil, "701.10", "Comisiones bancarias", "701.10", ledger.NatureDebit},
	}
	for _, l := range leaves {
		f.Accounts[l.key] = must(f.Service.CreateAccount(ctx, scope, ledger.AccountInput{
			ParentID: l.parent, Code: l.code, Name: l.name, GroupingCode: l.group, Nature: l.nature,
		}))
	}
	for _, key := range []string{Bank, VATCreditable, WithholdingReceivable, VATPayable, WithholdingPayable, Revenue, Expense} {
		if err := f.Service.SetMapping(ctx, scope, "CFDI", key, f.Accounts[key].ID); err != nil {
			t.Fatalf("ledgertest: map CFDI/%s: %v", key, err)
		}
	}
	for _, key := range []string{Bank, BankFees} {
		if err := f.Service.SetMapping(ctx, scope, "BANK", key, f.Accounts[key].ID); err != nil {
			t.Fatalf("ledgertest: map BANK/%s: %v", key, err)
		}
	}
	var err error
	if f.January, err = f.Service.OpenPeriod(ctx, scope, 2024, 1); err != nil {
		t.Fatalf("ledgertest: open period: %v", err)
	}
	if f.February, err = f.Service.OpenPeriod(ctx, scope, 2024, 2); err != nil {
		t.Fatalf("ledgertest: open period: %v", err)
	}
	return f
}

// ID returns the account id for a chart key.
func (f *Fixture) ID(key string) int64 {
	return f.Accounts[key].ID
}
