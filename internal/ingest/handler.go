package ingest

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/contamx/contamx/internal/platform/httpx"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
)

const maxUploadBytes = 4 << 20

// Handler wires document and bank statement endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes for the ingest module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/documents/cfdi", h.ingestCFDI)
	r.Get("/documents", h.listDocuments)
	r.Get("/documents/{id}", h.getDocument)
	r.Post("/documents/{uuid}/payments", h.applyPayment)
	r.Post("/bank/movements/import", h.importBank)
	r.Get("/bank/movements", h.listMovements)
	r.Post("/bank/movements/{id}/ignore", h.ignoreMovement)
}

func (h *Handler) ingestCFDI(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	result, err := h.service.IngestCFDI(r.Context(), tenant.ScopeFrom(r), raw)
	switch {
	case err != nil && result.Document.ID == 0:
		h.fail(w, r, "ingest cfdi", err)
	case result.Document.Status == StatusRejected:
		httpx.JSON(w, http.StatusUnprocessableEntity, map[string]any{
			"document": documentView(result.Document),
			"error":    err.Error(),
		})
	case err != nil:
		if shared.KindOf(err) == shared.KindInternal {
			h.logger.ErrorContext(r.Context(), "cfdi posting failed", slog.String("uuid", result.Document.UUID), slog.Any("error", err))
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{
			"document":      documentView(result.Document),
			"posting_error": shared.CodeOf(err),
		})
	case result.Duplicate:
		httpx.JSON(w, http.StatusOK, map[string]any{"document": documentView(result.Document), "duplicate": true})
	default:
		httpx.JSON(w, http.StatusCreated, map[string]any{"document": documentView(result.Document), "entry_id": entryID(result)})
	}
}

func entryID(res Result) *int64 {
	if res.Entry != nil {
		return &res.Entry.ID
	}
	return res.Document.EntryID
}

func (h *Handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := DocumentFilter{
		Status:        DocumentStatus(q.Get("status")),
		Direction:     Direction(q.Get("direction")),
		PaymentMethod: PaymentMethod(q.Get("payment_method")),
		Type:          DocType(q.Get("type")),
		Page:          shared.PageFromQuery(q),
	}
	docs, err := h.service.ListDocuments(r.Context(), tenant.ScopeFrom(r), filter)
	if err != nil {
		h.fail(w, r, "list documents", err)
		return
	}
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentView(d))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	doc, err := h.service.GetDocument(r.Context(), tenant.ScopeFrom(r), id)
	if err != nil {
		h.fail(w, r, "get document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, documentView(doc))
}

type paymentRequest struct {
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	Amount    string `json:"amount" validate:"required"`
	Reference string `json:"reference" validate:"required,max=120"`
}

func (h *Handler) applyPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, _ := time.Parse(time.DateOnly, req.Date)
	amount, err := shared.ParseCents(req.Amount)
	if err != nil || amount <= 0 {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	doc, entry, err := h.service.ApplyPayment(r.Context(), tenant.ScopeFrom(r), chi.URLParam(r, "uuid"), PaymentEvidence{
		Date:      date,
		Amount:    amount,
		Reference: req.Reference,
	})
	if err != nil {
		h.fail(w, r, "apply payment", err)
		return
	}
	body := map[string]any{"document": documentView(doc)}
	if entry != nil {
		body["entry_id"] = entry.ID
	}
	httpx.JSON(w, http.StatusOK, body)
}

func (h *Handler) importBank(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	body := io.Reader(r.Body)
	if file, _, err := r.FormFile("file"); err == nil {
		defer file.Close()
		body = file
	}
	rows, err := ParseBankCSV(body)
	if err != nil {
		h.fail(w, r, "parse bank csv", err)
		return
	}
	res, err := h.service.IngestBankRows(r.Context(), tenant.ScopeFrom(r), rows)
	if err != nil {
		h.fail(w, r, "import bank rows", err)
		return
	}
	out := make([]map[string]any, 0, len(res.Inserted))
	for _, m := range res.Inserted {
		out = append(out, movementView(m))
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"inserted": out, "duplicates": res.Duplicates})
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	movements, err := h.service.ListMovements(r.Context(), tenant.ScopeFrom(r), MovementFilter{
		Status: MovementStatus(q.Get("status")),
		Page:   shared.PageFromQuery(q),
	})
	if err != nil {
		h.fail(w, r, "list movements", err)
		return
	}
	out := make([]map[string]any, 0, len(movements))
	for _, m := range movements {
		out = append(out, movementView(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": out})
}

func (h *Handler) ignoreMovement(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	mv, err := h.service.IgnoreBankMovement(r.Context(), tenant.ScopeFrom(r), id)
	if err != nil {
		h.fail(w, r, "ignore movement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, movementView(mv))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		httpx.Problem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error())
		return
	}
	if shared.KindOf(err) == shared.KindInternal {
		h.logger.ErrorContext(r.Context(), "ingest request failed", slog.String("op", op), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func documentView(d FiscalDocument) map[string]any {
	return map[string]any{
		"id":             d.ID,
		"uuid":           d.UUID,
		"version":        d.Version,
		"type":           d.Type,
		"direction":      d.Direction,
		"issuer_rfc":     d.IssuerRFC,
		"receiver_rfc":   d.ReceiverRFC,
		"issued_at":      d.IssuedAt.Format(time.RFC3339),
		"total":          d.Total.String(),
		"currency":       d.Currency,
		"exchange_rate":  d.ExchangeRate.String(),
		"payment_method": d.PaymentMethod,
		"payment_form":   d.PaymentForm,
		"status":         d.Status,
		"reject_reason":  d.RejectReason,
		"entry_id":       d.EntryID,
		"paid":           d.Paid.String(),
	}
}

func movementView(m BankMovement) map[string]any {
	return map[string]any{
		"id":          m.ID,
		"external_id": m.ExternalID,
		"date":        m.Date.Format(time.DateOnly),
		"amount":      m.Amount.String(),
		"reference":   m.Reference,
		"description": m.Description,
		"status":      m.Status,
		"entry_id":    m.EntryID,
		"document_id": m.DocumentID,
	}
}
