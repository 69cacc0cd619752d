package audit

import (
	"time"

	"github.com/contamx/contamx/internal/shared"
)

// TimelineFilters narrows the audit timeline of one company.
type TimelineFilters struct {
	CompanyID int64
	From      time.Time
	To        time.Time
	ActorID   *int64
	Entity    string
	Action    string
	Page      shared.Page
}

// TimelineRow is one recorded action.
type TimelineRow struct {
	ID       int64
	At       time.Time
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
}

// Result wraps a timeline page.
type Result struct {
	Rows    []TimelineRow
	HasNext bool
	Page    shared.Page
}
