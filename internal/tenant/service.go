package tenant

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/contamx/contamx/internal/shared"
)

// Repository loads companies and memberships.
type Repository interface {
	GetCompany(ctx context.Context, id int64) (Company, error)
	GetMembership(ctx context.Context, companyID, userID int64) (Membership, error)
	ListActiveCompanies(ctx context.Context) ([]Company, error)
	CreateCompany(ctx context.Context, company Company, owner Membership) (Company, error)
	UpsertMembership(ctx context.Context, m Membership) error
	SetCompanyActive(ctx context.Context, id int64, active bool) error
}

// Service is the single gate producing company scopes.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

// NewService constructs the tenant gate.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// WithCompany resolves a scope for principal acting on companyID. Unknown,
// inactive, or non-member companies all yield ErrForbidden so the caller
// learns nothing about companies it cannot see.
func (s *Service) WithCompany(ctx context.Context, companyID int64, principal Principal) (Scope, error) {
	if companyID <= 0 {
		return Scope{}, ErrCompanyRequired
	}
	if principal.UserID <= 0 {
		return Scope{}, ErrForbidden
	}
	company, err := s.repo.GetCompany(ctx, companyID)
	if err != nil {
		if errors.Is(err, ErrCompanyNotFound) {
			return Scope{}, ErrForbidden
		}
		return Scope{}, err
	}
	if !company.Active {
		return Scope{}, ErrForbidden
	}
	membership, err := s.repo.GetMembership(ctx, companyID, principal.UserID)
	if err != nil {
		if errors.Is(err, ErrMembershipNotFound) {
			s.logger.Warn("tenant access denied",
				slog.Int64("company_id", companyID),
				slog.Int64("user_id", principal.UserID))
			return Scope{}, ErrForbidden
		}
		return Scope{}, err
	}
	if !membership.Active {
		return Scope{}, ErrForbidden
	}
	return Scope{company: company, actorID: principal.UserID, role: membership.Role}, nil
}

// SystemScope resolves a scope for background work on an active company.
func (s *Service) SystemScope(ctx context.Context, companyID int64) (Scope, error) {
	if companyID <= 0 {
		return Scope{}, ErrCompanyRequired
	}
	company, err := s.repo.GetCompany(ctx, companyID)
	if err != nil {
		return Scope{}, err
	}
	if !company.Active {
		return Scope{}, ErrForbidden
	}
	return Scope{company: company, actorID: SystemActorID, role: RoleSystem}, nil
}

// ListActiveCompanies returns every company eligible for background sync.
func (s *Service) ListActiveCompanies(ctx context.Context) ([]Company, error) {
	return s.repo.ListActiveCompanies(ctx)
}

// RegisterCompany onboards a company with ownerUserID as its first admin.
func (s *Service) RegisterCompany(ctx context.Context, company Company, ownerUserID int64) (Company, error) {
	company.RFC = shared.NormalizeRFC(company.RFC)
	company.LegalName = strings.TrimSpace(company.LegalName)
	if !shared.ValidRFC(company.RFC) {
		return Company{}, ErrInvalidRFC
	}
	if company.LegalName == "" {
		return Company{}, shared.NewError(shared.KindValidation, "LegalNameRequired", "tenant: legal name required")
	}
	if ownerUserID <= 0 {
		return Company{}, ErrForbidden
	}
	company.Active = true
	created, err := s.repo.CreateCompany(ctx, company, Membership{UserID: ownerUserID, Role: RoleAdmin, Active: true})
	if err != nil {
		return Company{}, err
	}
	s.logger.Info("company registered", slog.Int64("company_id", created.ID), slog.String("rfc", created.RFC))
	return created, nil
}

// GrantMembership adds or updates a member of the scoped company.
func (s *Service) GrantMembership(ctx context.Context, scope Scope, userID int64, role Role, active bool) error {
	if err := scope.Require(shared.PermLedgerConfig); err != nil {
		return err
	}
	if role != RoleAdmin && role != RoleMember {
		return shared.NewError(shared.KindValidation, "InvalidRole", "tenant: role must be ADMIN or MEMBER")
	}
	return s.repo.UpsertMembership(ctx, Membership{CompanyID: scope.CompanyID(), UserID: userID, Role: role, Active: active})
}

// Deactivate soft-deletes the scoped company.
func (s *Service) Deactivate(ctx context.Context, scope Scope) error {
	if err := scope.Require(shared.PermLedgerConfig); err != nil {
		return err
	}
	return s.repo.SetCompanyActive(ctx, scope.CompanyID(), false)
}
