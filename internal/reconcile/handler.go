package reconcile

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/contamx/contamx/internal/ingest"
	"github.com/contamx/contamx/internal/platform/httpx"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
)

// Handler wires reconciliation endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes for the reconcile module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/reconciliation/run", h.run)
	r.Get("/reconciliation/proposals", h.listProposals)
	r.Get("/reconciliation/movements/{id}/proposal", h.propose)
	r.Post("/reconciliation/movements/{id}/accept", h.accept)
	r.Post("/reconciliation/movements/{id}/ignore", h.ignore)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Reconcile(r.Context(), tenant.ScopeFrom(r))
	if err != nil {
		h.fail(w, r, "reconcile", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"scanned":      summary.Scanned,
		"auto_matched": summary.AutoMatched,
		"review":       summary.Review,
		"unmatched":    summary.Unmatched,
		"failed":       summary.Failed,
	})
}

func (h *Handler) listProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := h.service.ListProposals(r.Context(), tenant.ScopeFrom(r), shared.PageFromQuery(r.URL.Query()))
	if err != nil {
		h.fail(w, r, "list proposals", err)
		return
	}
	out := make([]Decision, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, p.Decision)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"proposals": out})
}

func (h *Handler) propose(w http.ResponseWriter, r *http.Request) {
	id, ok := movementID(w, r)
	if !ok {
		return
	}
	decision, err := h.service.Propose(r.Context(), tenant.ScopeFrom(r), id)
	if err != nil {
		h.fail(w, r, "propose", err)
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

type acceptRequest struct {
	Kind             TargetKind `json:"kind" validate:"required,oneof=ENTRY DOCUMENT CREATE"`
	EntryID          int64      `json:"entry_id" validate:"required_if=Kind ENTRY"`
	DocumentUUID     string     `json:"document_uuid" validate:"required_if=Kind DOCUMENT,omitempty,uuid"`
	CounterAccountID int64      `json:"counter_account_id"`
	CounterKey       string     `json:"counter_key"`
	Memo             string     `json:"memo" validate:"max=255"`
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	id, ok := movementID(w, r)
	if !ok {
		return
	}
	var req acceptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	mv, err := h.service.Accept(r.Context(), tenant.ScopeFrom(r), id, Target{
		Kind:             req.Kind,
		EntryID:          req.EntryID,
		DocumentUUID:     req.DocumentUUID,
		CounterAccountID: req.CounterAccountID,
		CounterKey:       req.CounterKey,
		Memo:             req.Memo,
	})
	if err != nil {
		h.fail(w, r, "accept", err)
		return
	}
	httpx.JSON(w, http.StatusOK, movementView(mv))
}

func (h *Handler) ignore(w http.ResponseWriter, r *http.Request) {
	id, ok := movementID(w, r)
	if !ok {
		return
	}
	mv, err := h.service.Ignore(r.Context(), tenant.ScopeFrom(r), id)
	if err != nil {
		h.fail(w, r, "ignore", err)
		return
	}
	httpx.JSON(w, http.StatusOK, movementView(mv))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if shared.KindOf(err) == shared.KindInternal {
		h.logger.ErrorContext(r.Context(), "reconcile request failed", slog.String("op", op), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func movementID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.ErrValidation)
		return 0, false
	}
	return id, true
}

func movementView(m ingest.BankMovement) map[string]any {
	return map[string]any{
		"id":          m.ID,
		"external_id": m.ExternalID,
		"amount":      m.Amount.String(),
		"status":      m.Status,
		"entry_id":    m.EntryID,
		"document_id": m.DocumentID,
	}
}
