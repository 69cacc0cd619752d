package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/ledger/ledgertest"
	"github.com/contamx/contamx/internal/tenant"
	"github.com/contamx/contamx/internal/tenant/tenanttest"
)

func TestSeedBuildsPostableCompany(t *testing.T) {
	ctx := context.Background()
	tenantRepo := tenanttest.NewMemory()
	tenants := tenant.NewService(tenantRepo, nil)
	ledgerSvc := ledger.NewService(ledgertest.NewMemory(), tenant.NewLocalLocker(), nil, nil, nil)

	var out bytes.Buffer
	s := seeder{tenants: tenants, ledger: ledgerSvc, out: &out, now: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, s.run(ctx))
	require.Contains(t, out.String(), "Seeding chart of accounts")

	companies, err := tenants.ListActiveCompanies(ctx)
	require.NoError(t, err)
	require.Len(t, companies, 1)
	scope, err := tenants.SystemScope(ctx, companies[0].ID)
	require.NoError(t, err)

	member, err := tenantRepo.GetMembership(ctx, companies[0].ID, demoMember)
	require.NoError(t, err)
	require.Equal(t, tenant.RoleMember, member.Role)

	accounts, err := ledgerSvc.ListAccounts(ctx, scope)
	require.NoError(t, err)
	require.Len(t, accounts, len(demoChart))

	for _, m := range demoMappings {
		acc, err := ledgerSvc.ResolveAccount(ctx, scope, m.module, m.key)
		require.NoError(t, err, "%s/%s", m.module, m.key)
		require.Equal(t, m.code, acc.Code)
	}

	periods, err := ledgerSvc.ListPeriods(ctx, scope)
	require.NoError(t, err)
	require.Len(t, periods, 3)
	require.Equal(t, "2024-01", periods[0].Code())
	require.Equal(t, "2024-03", periods[2].Code())
}
