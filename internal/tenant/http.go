package tenant

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/contamx/contamx/internal/platform/httpx"
)

// HeaderCompanyID selects the company a request acts on.
const HeaderCompanyID = "X-Company-ID"

// PrincipalResolver authenticates a request. Authentication itself lives in
// the surrounding gateway.
type PrincipalResolver interface {
	Resolve(r *http.Request) (Principal, error)
}

// HeaderPrincipalResolver trusts a user id header set by the auth gateway.
type HeaderPrincipalResolver struct {
	Header string
}

// Resolve reads the configured header.
func (h HeaderPrincipalResolver) Resolve(r *http.Request) (Principal, error) {
	name := h.Header
	if name == "" {
		name = "X-User-ID"
	}
	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(name)), 10, 64)
	if err != nil || id <= 0 {
		return Principal{}, httpx.ErrUnauthorized
	}
	return Principal{UserID: id}, nil
}

type scopeKey struct{}

// Middleware resolves the scope once per request. Handlers read it with
// ScopeFrom and pass it explicitly to services.
func Middleware(svc *Service, resolver PrincipalResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := resolver.Resolve(r)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			companyID, _ := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderCompanyID)), 10, 64)
			scope, err := svc.WithCompany(r.Context(), companyID, principal)
			if err != nil {
				if logger != nil {
					logger.Warn("tenant scope rejected",
						slog.String("path", r.URL.Path),
						slog.Int64("company_id", companyID),
						slog.Int64("user_id", principal.UserID),
						slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeKey{}, scope)))
		})
	}
}

// ScopeFrom returns the request scope. A request that bypassed Middleware
// yields the zero Scope, which every service rejects.
func ScopeFrom(r *http.Request) Scope {
	scope, _ := r.Context().Value(scopeKey{}).(Scope)
	return scope
}
