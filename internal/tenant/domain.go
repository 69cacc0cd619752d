// Package tenant resolves the acting company for every ledger and ingestion
// call and serialises ledger writes per company.
package tenant

import (
	"slices"
	"time"

	"github.com/contamx/contamx/internal/shared"
)

// Role enumerates membership roles.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
	// RoleSystem is held by background jobs acting for a company.
	RoleSystem Role = "SYSTEM"
)

// SystemActorID identifies postings made by background jobs.
const SystemActorID int64 = 0

// Company is the isolation unit. Companies are deactivated, never deleted.
type Company struct {
	ID           int64
	LegalName    string
	RFC          string
	FiscalRegime string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Membership grants a user access to a company.
type Membership struct {
	CompanyID int64
	UserID    int64
	Role      Role
	Active    bool
	CreatedAt time.Time
}

// Principal is the authenticated actor resolved at the edge.
type Principal struct {
	UserID int64
}

var (
	// ErrCompanyRequired indicates a call without a company id.
	ErrCompanyRequired = shared.NewError(shared.KindValidation, "CompanyRequired", "tenant: company id required")
	// ErrForbidden indicates the principal has no active membership.
	ErrForbidden = shared.NewError(shared.KindForbidden, "Forbidden", "tenant: no active membership for company")
	// ErrNoTenant indicates an operation received an unresolved scope.
	ErrNoTenant = shared.NewError(shared.KindForbidden, "NoTenant", "tenant: operation requires a resolved company scope")
	// ErrPermissionDenied indicates the role lacks a permission.
	ErrPermissionDenied = shared.NewError(shared.KindForbidden, "PermissionDenied", "tenant: permission denied")
	// ErrCompanyNotFound indicates an unknown company id.
	ErrCompanyNotFound = shared.NewError(shared.KindNotFound, "CompanyNotFound", "tenant: company not found")
	// ErrMembershipNotFound indicates no membership row.
	ErrMembershipNotFound = shared.NewError(shared.KindNotFound, "MembershipNotFound", "tenant: membership not found")
	// ErrInvalidRFC indicates a malformed RFC on company registration.
	ErrInvalidRFC = shared.NewError(shared.KindValidation, "InvalidRFC", "tenant: invalid RFC")
)

// Scope is the resolved company handle threaded through every domain call.
// Only this package can build a valid Scope.
type Scope struct {
	company Company
	actorID int64
	role    Role
}

// Valid reports whether the scope was produced by the tenant service.
func (s Scope) Valid() bool {
	return s.company.ID != 0 && s.role != ""
}

// CompanyID returns the scoped company id.
func (s Scope) CompanyID() int64 { return s.company.ID }

// Company returns the scoped company.
func (s Scope) Company() Company { return s.company }

// ActorID returns the acting user, or SystemActorID for jobs.
func (s Scope) ActorID() int64 { return s.actorID }

// Role returns the membership role.
func (s Scope) Role() Role { return s.role }

// Can reports whether the scope's role grants perm.
func (s Scope) Can(perm string) bool {
	switch s.role {
	case RoleAdmin, RoleSystem:
		return slices.Contains(shared.AdminScopes(), perm)
	case RoleMember:
		return slices.Contains(shared.MemberScopes(), perm)
	}
	return false
}

// Require returns ErrNoTenant for an unresolved scope and
// ErrPermissionDenied when perm is not granted.
func (s Scope) Require(perm string) error {
	if !s.Valid() {
		return ErrNoTenant
	}
	if perm != "" && !s.Can(perm) {
		return ErrPermissionDenied
	}
	return nil
}
