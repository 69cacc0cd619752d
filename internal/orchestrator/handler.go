package orchestrator

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/contamx/contamx/internal/platform/httpx"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
)

// Handler wires sync endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes for the orchestrator module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sync/now", h.syncNow)
	r.Get("/sync/jobs", h.listJobs)
	r.Get("/sync/jobs/{id}", h.getJob)
	r.Post("/sync/jobs/{id}/retry", h.retryJob)
	r.Post("/sync/jobs/{id}/cancel", h.cancelJob)
	r.Get("/sync/settings", h.getSettings)
	r.Put("/sync/settings", h.saveSettings)
	r.Post("/entries/{id}/export", h.export)
	r.Get("/odoo/connection", h.getConnection)
	r.Put("/odoo/connection", h.saveConnection)
	r.Post("/odoo/connection/test", h.testConnection)
}

func (h *Handler) syncNow(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.TriggerSyncNow(r.Context(), tenant.ScopeFrom(r))
	if err != nil {
		h.fail(w, r, "sync now", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, jobView(job))
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := JobFilter{
		Kind:   JobKind(q.Get("kind")),
		Status: JobStatus(q.Get("status")),
		Page:   shared.PageFromQuery(q),
	}
	if raw := q.Get("needs_attention"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
		filter.NeedsAttention = &v
	}
	jobs, err := h.service.ListJobs(r.Context(), tenant.ScopeFrom(r), filter)
	if err != nil {
		h.fail(w, r, "list jobs", err)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView(j))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	h.withJob(w, r, "get job", h.service.GetJob)
}

func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request) {
	h.withJob(w, r, "retry job", h.service.RetryJob)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	h.withJob(w, r, "cancel job", h.service.CancelJob)
}

func (h *Handler) withJob(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, tenant.Scope, int64) (Job, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := fn(r.Context(), tenant.ScopeFrom(r), id)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, jobView(job))
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.service.ExportToOdoo(r.Context(), tenant.ScopeFrom(r), id)
	if err != nil {
		h.fail(w, r, "export", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, jobView(job))
}

type settingsRequest struct {
	AutoSync      *bool `json:"auto_sync" validate:"required"`
	ExportEnabled *bool `json:"export_enabled" validate:"required"`
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.GetSyncSettings(r.Context(), tenant.ScopeFrom(r))
	if err != nil {
		h.fail(w, r, "get settings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, settingsView(settings))
}

func (h *Handler) saveSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	settings, err := h.service.SaveSyncSettings(r.Context(), tenant.ScopeFrom(r), *req.AutoSync, *req.ExportEnabled)
	if err != nil {
		h.fail(w, r, "save settings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, settingsView(settings))
}

func (h *Handler) getConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.service.GetOdooConnection(r.Context(), tenant.ScopeFrom(r))
	if err != nil {
		h.fail(w, r, "get connection", err)
		return
	}
	httpx.JSON(w, http.StatusOK, connectionView(conn))
}

func (h *Handler) saveConnection(w http.ResponseWriter, r *http.Request) {
	var req ConnectionInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	conn, err := h.service.SaveOdooConnection(r.Context(), tenant.ScopeFrom(r), req)
	if err != nil {
		h.fail(w, r, "save connection", err)
		return
	}
	httpx.JSON(w, http.StatusOK, connectionView(conn))
}

func (h *Handler) testConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.service.TestOdooConnection(r.Context(), tenant.ScopeFrom(r))
	if err != nil {
		h.fail(w, r, "test connection", err)
		return
	}
	httpx.JSON(w, http.StatusOK, connectionView(conn))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if shared.KindOf(err) == shared.KindInternal {
		h.logger.ErrorContext(r.Context(), "sync request failed", slog.String("op", op), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.ErrValidation)
		return 0, false
	}
	return id, true
}

func jobView(j Job) map[string]any {
	return map[string]any{
		"id":              j.ID,
		"kind":            j.Kind,
		"status":          j.Status,
		"idempotency_key": j.IdempotencyKey,
		"attempts":        j.Attempts,
		"max_attempts":    j.MaxAttempts,
		"needs_attention": j.NeedsAttention,
		"last_error":      j.LastError,
		"next_attempt_at": j.NextAttemptAt,
		"external_ref":    j.ExternalRef,
		"cancelled":       j.Cancelled(),
		"created_at":      j.CreatedAt,
		"updated_at":      j.UpdatedAt,
	}
}

func settingsView(s SyncSettings) map[string]any {
	return map[string]any{
		"auto_sync":      s.AutoSync,
		"export_enabled": s.ExportEnabled,
	}
}

func connectionView(c OdooConnection) map[string]any {
	var tested string
	if c.LastTestedAt != nil {
		tested = c.LastTestedAt.Format(time.RFC3339)
	}
	return map[string]any{
		"url":             c.URL,
		"database":        c.Database,
		"username":        c.Username,
		"odoo_company_id": c.OdooCompanyID,
		"odoo_journal_id": c.OdooJournalID,
		"status":          c.Status,
		"last_error":      c.LastError,
		"last_tested_at":  tested,
		"has_password":    len(c.SecretCiphertext) > 0,
	}
}
