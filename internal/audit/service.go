package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
)

const (
	defaultWindow = 7 * 24 * time.Hour
	maxWindow     = 90 * 24 * time.Hour
	maxPageSize   = 200
	// maxExportRows caps a CSV export.
	maxExportRows = 20000
)

// ErrRangeTooWide indicates a window longer than 90 days.
var ErrRangeTooWide = shared.NewError(shared.KindValidation, "AuditRangeTooWide", "audit: date range exceeds 90 days")

// Repository reads audit_logs.
type Repository interface {
	Timeline(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error)
}

// Service serves the audit timeline of the scoped company.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService builds the timeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// WithNow overrides the clock for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Timeline returns one page of actions, newest first. The window defaults
// to the last seven days.
func (s *Service) Timeline(ctx context.Context, scope tenant.Scope, filters TimelineFilters) (Result, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return Result{}, err
	}
	filters, err := s.normalize(scope, filters)
	if err != nil {
		return Result{}, err
	}
	page := filters.Page
	if page.Limit > maxPageSize {
		page.Limit = maxPageSize
	}
	filters.Page = shared.Page{Limit: page.Limit + 1, Offset: page.Offset}
	rows, err := s.repo.Timeline(ctx, filters)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > page.Limit
	if hasNext {
		rows = rows[:page.Limit]
	}
	return Result{Rows: rows, HasNext: hasNext, Page: page}, nil
}

// Export returns every action in the window, up to the export cap.
// Exports are restricted to administrators.
func (s *Service) Export(ctx context.Context, scope tenant.Scope, filters TimelineFilters) ([]TimelineRow, error) {
	if err := scope.Require(shared.PermLedgerConfig); err != nil {
		return nil, err
	}
	filters, err := s.normalize(scope, filters)
	if err != nil {
		return nil, err
	}
	filters.Page = shared.Page{Limit: maxExportRows}
	return s.repo.Timeline(ctx, filters)
}

func (s *Service) normalize(scope tenant.Scope, f TimelineFilters) (TimelineFilters, error) {
	if s.repo == nil {
		return f, errors.New("audit: repository not configured")
	}
	f.CompanyID = scope.CompanyID()
	f.Entity = strings.TrimSpace(f.Entity)
	f.Action = strings.TrimSpace(f.Action)
	if f.To.IsZero() {
		f.To = s.now().UTC()
	}
	if f.From.IsZero() {
		f.From = f.To.Add(-defaultWindow)
	}
	if f.From.After(f.To) {
		f.From, f.To = f.To, f.From
	}
	if f.To.Sub(f.From) > maxWindow {
		return f, ErrRangeTooWide
	}
	return f, nil
}
