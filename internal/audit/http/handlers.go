package audithttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/contamx/contamx/internal/audit"
	"github.com/contamx/contamx/internal/platform/httpx"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
)

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	Timeline(ctx context.Context, scope tenant.Scope, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, scope tenant.Scope, filters audit.TimelineFilters) ([]audit.TimelineRow, error)
}

// Handler serves audit timeline endpoints.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
}

// NewHandler builds the audit handler.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), tenant.ScopeFrom(r), filters)
	if err != nil {
		h.fail(w, r, "timeline", err)
		return
	}
	rows := make([]map[string]any, 0, len(result.Rows))
	for _, row := range result.Rows {
		rows = append(rows, rowView(row))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"rows":     rows,
		"has_next": result.HasNext,
		"limit":    result.Page.Limit,
		"offset":   result.Page.Offset,
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	scope := tenant.ScopeFrom(r)
	rows, err := h.service.Export(r.Context(), scope, filters)
	if err != nil {
		h.fail(w, r, "export", err)
		return
	}
	payload, err := audit.WriteCSV(rows)
	if err != nil {
		h.fail(w, r, "export", err)
		return
	}
	name := "audit-" + strconv.FormatInt(scope.CompanyID(), 10) + "-" + time.Now().UTC().Format("20060102") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if shared.KindOf(err) == shared.KindInternal {
		h.logger.ErrorContext(r.Context(), "audit request failed", slog.String("op", op), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	filters := audit.TimelineFilters{
		Entity: strings.TrimSpace(q.Get("entity")),
		Action: strings.TrimSpace(q.Get("action")),
		Page:   shared.PageFromQuery(q),
	}
	var err error
	if filters.From, err = parseDate(q.Get("from"), false); err != nil {
		return filters, err
	}
	if filters.To, err = parseDate(q.Get("to"), true); err != nil {
		return filters, err
	}
	if raw := strings.TrimSpace(q.Get("actor_id")); raw != "" {
		id, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return filters, httpx.ErrValidation
		}
		filters.ActorID = &id
	}
	return filters, nil
}

// parseDate accepts YYYY-MM-DD. An end date covers the whole day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, httpx.ErrValidation
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func rowView(row audit.TimelineRow) map[string]any {
	return map[string]any{
		"id":        row.ID,
		"at":        row.At.UTC().Format(time.RFC3339),
		"actor_id":  row.ActorID,
		"action":    row.Action,
		"entity":    row.Entity,
		"entity_id": row.EntityID,
		"meta":      row.Meta,
	}
}
