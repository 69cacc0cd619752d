// Package tenanttest provides an in-memory tenant repository and scope
// helpers for tests in other packages.
package tenanttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/contamx/contamx/internal/tenant"
)

// Memory is an in-memory tenant.Repository.
type Memory struct {
	mu          sync.Mutex
	nextID      int64
	companies   map[int64]tenant.Company
	memberships map[[2]int64]tenant.Membership
}

// NewMemory constructs an empty repository.
func NewMemory() *Memory {
	return &Memory{
		companies:   make(map[int64]tenant.Company),
		memberships: make(map[[2]int64]tenant.Membership),
	}
}

// AddCompany stores c as-is, keeping its id.
func (m *Memory) AddCompany(c tenant.Company) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID > m.nextID {
		m.nextID = c.ID
	}
	m.companies[c.ID] = c
}

func (m *Memory) GetCompany(ctx context.Context, id int64) (tenant.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[id]
	if !ok {
		return tenant.Company{}, tenant.ErrCompanyNotFound
	}
	return c, nil
}

func (m *Memory) GetMembership(ctx context.Context, companyID, userID int64) (tenant.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.memberships[[2]int64{companyID, userID}]
	if !ok {
		return tenant.Membership{}, tenant.ErrMembershipNotFound
	}
	return ms, nil
}

func (m *Memory) ListActiveCompanies(ctx context.Context) ([]tenant.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tenant.Company
	for id := int64(1); id <= m.nextID; id++ {
		if c, ok := m.companies[id]; ok && c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) CreateCompany(ctx context.Context, c tenant.Company, owner tenant.Membership) (tenant.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	m.companies[c.ID] = c
	owner.CompanyID = c.ID
	m.memberships[[2]int64{c.ID, owner.UserID}] = owner
	return c, nil
}

func (m *Memory) UpsertMembership(ctx context.Context, ms tenant.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[[2]int64{ms.CompanyID, ms.UserID}] = ms
	return nil
}

func (m *Memory) SetCompanyActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[id]
	if !ok {
		return tenant.ErrCompanyNotFound
	}
	c.Active = active
	m.companies[id] = c
	return nil
}

// Scope returns an admin scope for a fresh active company with the given id
// and RFC.
func Scope(t testing.TB, companyID int64, rfc string) tenant.Scope {
	t.Helper()
	return ScopeWithRole(t, companyID, rfc, tenant.RoleAdmin)
}

// ScopeWithRole is Scope with an explicit membership role.
func ScopeWithRole(t testing.TB, companyID int64, rfc string, role tenant.Role) tenant.Scope {
	t.Helper()
	repo := NewMemory()
	repo.AddCompany(tenant.Company{ID: companyID, LegalName: "Test SA de CV", RFC: rfc, Active: true})
	const userID = 100
	_ = repo.UpsertMembership(context.Background(), tenant.Membership{CompanyID: companyID, UserID: userID, Role: role, Active: true})
	scope, err := tenant.NewService(repo, nil).WithCompany(context.Background(), companyID, tenant.Principal{UserID: userID})
	if err != nil {
		t.Fatalf("tenanttest: build scope: %v", err)
	}
	return scope
}
