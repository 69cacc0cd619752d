package tenant_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
	"github.com/contamx/contamx/internal/tenant/tenanttest"
)

func seeded() (*tenanttest.Memory, *tenant.Service) {
	repo := tenanttest.NewMemory()
	repo.AddCompany(tenant.Company{ID: 1, LegalName: "Acme", RFC: "AAA010101AAA", Active: true})
	repo.AddCompany(tenant.Company{ID: 2, LegalName: "Dormant", RFC: "BBB010101BBB", Active: false})
	ctx := context.Background()
	_ = repo.UpsertMembership(ctx, tenant.Membership{CompanyID: 1, UserID: 7, Role: tenant.RoleMember, Active: true})
	_ = repo.UpsertMembership(ctx, tenant.Membership{CompanyID: 1, UserID: 8, Role: tenant.RoleAdmin, Active: false})
	_ = repo.UpsertMembership(ctx, tenant.Membership{CompanyID: 2, UserID: 7, Role: tenant.RoleAdmin, Active: true})
	return repo, tenant.NewService(repo, nil)
}

func TestWithCompanyGate(t *testing.T) {
	_, svc := seeded()
	ctx := context.Background()

	scope, err := svc.WithCompany(ctx, 1, tenant.Principal{UserID: 7})
	require.NoError(t, err)
	require.True(t, scope.Valid())
	require.Equal(t, int64(1), scope.CompanyID())
	require.True(t, scope.Can(shared.PermLedgerPost))
	require.False(t, scope.Can(shared.PermLedgerClose))
	require.ErrorIs(t, scope.Require(shared.PermLedgerClose), tenant.ErrPermissionDenied)

	_, err = svc.WithCompany(ctx, 0, tenant.Principal{UserID: 7})
	require.ErrorIs(t, err, tenant.ErrCompanyRequired)

	_, err = svc.WithCompany(ctx, 1, tenant.Principal{UserID: 8})
	require.ErrorIs(t, err, tenant.ErrForbidden, "inactive membership")

	_, err = svc.WithCompany(ctx, 1, tenant.Principal{UserID: 99})
	require.ErrorIs(t, err, tenant.ErrForbidden, "no membership")

	_, err = svc.WithCompany(ctx, 2, tenant.Principal{UserID: 7})
	require.ErrorIs(t, err, tenant.ErrForbidden, "inactive company")

	_, err = svc.WithCompany(ctx, 404, tenant.Principal{UserID: 7})
	require.ErrorIs(t, err, tenant.ErrForbidden, "unknown company is not disclosed")
}

func TestZeroScopeIsRejected(t *testing.T) {
	var scope tenant.Scope
	require.False(t, scope.Valid())
	require.ErrorIs(t, scope.Require(""), tenant.ErrNoTenant)
}

func TestSystemScopeAndRegistration(t *testing.T) {
	_, svc := seeded()
	ctx := context.Background()

	scope, err := svc.SystemScope(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, tenant.RoleSystem, scope.Role())
	require.Equal(t, tenant.SystemActorID, scope.ActorID())

	_, err = svc.SystemScope(ctx, 2)
	require.ErrorIs(t, err, tenant.ErrForbidden)

	_, err = svc.RegisterCompany(ctx, tenant.Company{LegalName: "Bad", RFC: "nope"}, 5)
	require.ErrorIs(t, err, tenant.ErrInvalidRFC)

	created, err := svc.RegisterCompany(ctx, tenant.Company{LegalName: " Nueva SA ", RFC: "nsa010101ab1"}, 5)
	require.NoError(t, err)
	require.Equal(t, "NSA010101AB1", created.RFC)
	owner, err := svc.WithCompany(ctx, created.ID, tenant.Principal{UserID: 5})
	require.NoError(t, err)
	require.Equal(t, tenant.RoleAdmin, owner.Role())

	require.NoError(t, svc.Deactivate(ctx, owner))
	_, err = svc.WithCompany(ctx, created.ID, tenant.Principal{UserID: 5})
	require.ErrorIs(t, err, tenant.ErrForbidden)
}

func TestMiddlewareResolvesScope(t *testing.T) {
	_, svc := seeded()
	var seen tenant.Scope
	handler := tenant.Middleware(svc, tenant.HeaderPrincipalResolver{}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = tenant.ScopeFrom(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ledger/accounts", nil)
	req.Header.Set("X-User-ID", "7")
	req.Header.Set(tenant.HeaderCompanyID, "1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, int64(1), seen.CompanyID())

	req = httptest.NewRequest(http.MethodGet, "/ledger/accounts", nil)
	req.Header.Set("X-User-ID", "7")
	req.Header.Set(tenant.HeaderCompanyID, "2")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/ledger/accounts", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func exerciseLocker(t *testing.T, locker tenant.Locker) {
	t.Helper()
	ctx := context.Background()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Lock(ctx, 1)
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
			release()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside)

	release, err := locker.Lock(ctx, 1)
	require.NoError(t, err)
	other, err := locker.Lock(ctx, 2)
	require.NoError(t, err, "companies do not block each other")
	other()

	timeout, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(timeout, 1)
	require.ErrorIs(t, err, tenant.ErrLockTimeout)
	require.Equal(t, shared.KindTransient, shared.KindOf(err))
	release()
}

func TestLocalLockerSerialisesPerCompany(t *testing.T) {
	exerciseLocker(t, tenant.NewLocalLocker())
}

func TestRedisLockerSerialisesPerCompany(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	exerciseLocker(t, tenant.NewRedisLocker(client, 5*time.Second, nil))
	require.False(t, mr.Exists(shared.LedgerLockKey(1)))
}
