package audithttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/audit"
	"github.com/contamx/contamx/internal/tenant"
	"github.com/contamx/contamx/internal/tenant/tenanttest"
)

type fakeTimeline struct {
	last      audit.TimelineFilters
	lastScope tenant.Scope
	rows      []audit.TimelineRow
}

func (f *fakeTimeline) Timeline(_ context.Context, scope tenant.Scope, filters audit.TimelineFilters) (audit.Result, error) {
	f.last, f.lastScope = filters, scope
	if err := scope.Require(""); err != nil {
		return audit.Result{}, err
	}
	return audit.Result{Rows: f.rows, HasNext: true, Page: filters.Page}, nil
}

func (f *fakeTimeline) Export(_ context.Context, scope tenant.Scope, filters audit.TimelineFilters) ([]audit.TimelineRow, error) {
	f.last, f.lastScope = filters, scope
	return f.rows, nil
}

func newTestRouter(t *testing.T, svc TimelineService) http.Handler {
	t.Helper()
	repo := tenanttest.NewMemory()
	repo.AddCompany(tenant.Company{ID: 3, LegalName: "Acme", RFC: "AAA010101AAA", Active: true})
	require.NoError(t, repo.UpsertMembership(context.Background(), tenant.Membership{CompanyID: 3, UserID: 9, Role: tenant.RoleAdmin, Active: true}))
	tenants := tenant.NewService(repo, nil)

	r := chi.NewRouter()
	r.Use(tenant.Middleware(tenants, tenant.HeaderPrincipalResolver{}, nil))
	NewHandler(nil, svc).MountRoutes(r)
	return r
}

func scopedRequest(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("X-User-ID", "9")
	req.Header.Set(tenant.HeaderCompanyID, "3")
	return req
}

func TestTimelineParsesFilters(t *testing.T) {
	svc := &fakeTimeline{rows: []audit.TimelineRow{{ID: 1, At: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Action: "period.close", Entity: "period", EntityID: "2024-02"}}}
	router := newTestRouter(t, svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scopedRequest("/audit?from=2024-03-01&to=2024-03-02&actor_id=9&entity=period&limit=10"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"has_next":true`)
	require.Contains(t, rec.Body.String(), `"action":"period.close"`)
	require.Equal(t, int64(3), svc.lastScope.CompanyID())
	require.Equal(t, "period", svc.last.Entity)
	require.NotNil(t, svc.last.ActorID)
	require.Equal(t, int64(9), *svc.last.ActorID)
	require.Equal(t, 10, svc.last.Page.Limit)
	require.Equal(t, time.Date(2024, 3, 2, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC), svc.last.To)
}

func TestTimelineRejectsBadDate(t *testing.T) {
	router := newTestRouter(t, &fakeTimeline{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scopedRequest("/audit?from=03/01/2024"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestExportStreamsCSVAndRateLimits(t *testing.T) {
	svc := &fakeTimeline{rows: []audit.TimelineRow{{ID: 1, At: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ActorID: 9, Action: "period.open", Entity: "period", EntityID: "2024-03"}}}
	router := newTestRouter(t, svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scopedRequest("/audit/export.csv"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "audit-3-")
	require.Contains(t, rec.Body.String(), "period.open,period,2024-03")

	for i := 0; i < rateLimit-1; i++ {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, scopedRequest("/audit/export.csv"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, scopedRequest("/audit/export.csv"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
