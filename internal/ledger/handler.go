package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/contamx/contamx/internal/platform/httpx"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
)

// Handler wires ledger endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes for the ledger module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ledger/accounts", h.listAccounts)
	r.Post("/ledger/accounts", h.createAccount)
	r.Put("/ledger/mappings/{module}/{key}", h.setMapping)
	r.Get("/ledger/periods", h.listPeriods)
	r.Post("/ledger/periods", h.openPeriod)
	r.Post("/ledger/periods/{id}/close", h.closePeriod)
	r.Post("/ledger/periods/{id}/snapshots", h.rebuildSnapshots)
	r.Get("/ledger/entries", h.listEntries)
	r.Post("/ledger/entries", h.postEntry)
	r.Get("/ledger/entries/{id}", h.getEntry)
	r.Post("/ledger/entries/{id}/reverse", h.reverseEntry)
	r.Get("/ledger/balances/{accountID}", h.balance)
	r.Get("/ledger/trial-balance", h.trialBalance)
}

type movementRequest struct {
	AccountID int64  `json:"account_id" validate:"required"`
	Debit     string `json:"debit"`
	Credit    string `json:"credit"`
	DocKind   string `json:"document_kind"`
	DocID     string `json:"document_id"`
}

type entryRequest struct {
	PeriodID    int64             `json:"period_id" validate:"required"`
	Date        string            `json:"date" validate:"required,datetime=2006-01-02"`
	Description string            `json:"description" validate:"required"`
	Kind        EntryKind         `json:"kind" validate:"omitempty,oneof=NORMAL ADJUSTMENT"`
	SourceRef   string            `json:"source_ref"`
	Movements   []movementRequest `json:"movements" validate:"required,min=2,dive"`
}

func (req entryRequest) draft() (EntryDraft, error) {
	date, err := time.Parse(time.DateOnly, req.Date)
	if err != nil {
		return EntryDraft{}, httpx.ErrValidation
	}
	draft := EntryDraft{
		PeriodID:    req.PeriodID,
		Date:        date,
		Description: req.Description,
		Kind:        req.Kind,
	}
	if req.SourceRef != "" {
		draft.SourceModule, draft.SourceRef = SourceAPI, req.SourceRef
	}
	for _, m := range req.Movements {
		in := MovementInput{AccountID: m.AccountID}
		if in.Debit, err = optionalCents(m.Debit); err != nil {
			return EntryDraft{}, err
		}
		if in.Credit, err = optionalCents(m.Credit); err != nil {
			return EntryDraft{}, err
		}
		if m.DocKind != "" && m.DocID != "" {
			in.Document = &DocumentRef{Kind: m.DocKind, ID: m.DocID}
		}
		draft.Movements = append(draft.Movements, in)
	}
	return draft, nil
}

func optionalCents(raw string) (shared.Cents, error) {
	if raw == "" {
		return 0, nil
	}
	return shared.ParseCents(raw)
}

func (h *Handler) postEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	draft, err := req.draft()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.Post(r.Context(), tenant.ScopeFrom(r), draft)
	if err != nil {
		h.fail(w, r, "post entry", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entryView(entry))
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	entry, err := h.service.GetEntry(r.Context(), tenant.ScopeFrom(r), id)
	if err != nil {
		h.fail(w, r, "get entry", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entryView(entry))
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	filter := EntryFilter{Page: shared.PageFromQuery(r.URL.Query())}
	if raw := r.URL.Query().Get("period_id"); raw != "" {
		filter.PeriodID, _ = strconv.ParseInt(raw, 10, 64)
	}
	entries, err := h.service.ListEntries(r.Context(), tenant.ScopeFrom(r), filter)
	if err != nil {
		h.fail(w, r, "list entries", err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": out})
}

type reverseRequest struct {
	Memo string `json:"memo"`
	Date string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) reverseEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req reverseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := ReverseInput{Memo: req.Memo}
	if req.Date != "" {
		date, _ := time.Parse(time.DateOnly, req.Date)
		input.Date = &date
	}
	entry, err := h.service.Reverse(r.Context(), tenant.ScopeFrom(r), id, input)
	if err != nil {
		h.fail(w, r, "reverse entry", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entryView(entry))
}

type periodRequest struct {
	Year  int `json:"year" validate:"required,gte=2000,lte=2999"`
	Month int `json:"month" validate:"required,gte=1,lte=12"`
}

func (h *Handler) openPeriod(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	period, err := h.service.OpenPeriod(r.Context(), tenant.ScopeFrom(r), req.Year, req.Month)
	if err != nil {
		h.fail(w, r, "open period", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, periodView(period))
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.service.ListPeriods(r.Context(), tenant.ScopeFrom(r))
	if err != nil {
		h.fail(w, r, "list periods", err)
		return
	}
	out := make([]map[string]any, 0, len(periods))
	for _, p := range periods {
		out = append(out, periodView(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"periods": out})
}

func (h *Handler) closePeriod(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	period, err := h.service.ClosePeriod(r.Context(), tenant.ScopeFrom(r), id)
	if err != nil {
		h.fail(w, r, "close period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, periodView(period))
}

func (h *Handler) rebuildSnapshots(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	count, err := h.service.RebuildSnapshots(r.Context(), tenant.ScopeFrom(r), id)
	if err != nil {
		h.fail(w, r, "rebuild snapshots", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"accounts": count})
}

type accountRequest struct {
	ParentID     *int64 `json:"parent_id"`
	Code         string `json:"code" validate:"required,max=32"`
	Name         string `json:"name" validate:"required"`
	GroupingCode string `json:"grouping_code"`
	Nature       Nature `json:"nature" validate:"required,oneof=DEBIT CREDIT"`
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	account, err := h.service.CreateAccount(r.Context(), tenant.ScopeFrom(r), AccountInput(req))
	if err != nil {
		h.fail(w, r, "create account", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, account)
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context(), tenant.ScopeFrom(r))
	if err != nil {
		h.fail(w, r, "list accounts", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

type mappingRequest struct {
	AccountID int64 `json:"account_id" validate:"required"`
}

func (h *Handler) setMapping(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	err := h.service.SetMapping(r.Context(), tenant.ScopeFrom(r), chi.URLParam(r, "module"), chi.URLParam(r, "key"), req.AccountID)
	if err != nil {
		h.fail(w, r, "set mapping", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "accountID")
	if !ok {
		return
	}
	date, ok := queryDate(w, r, "as_of")
	if !ok {
		return
	}
	balance, err := h.service.BalanceAsOf(r.Context(), tenant.ScopeFrom(r), accountID, date)
	if err != nil {
		h.fail(w, r, "balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"account_id": balance.AccountID,
		"as_of":      balance.AsOf.Format(time.DateOnly),
		"debit":      balance.Debit.String(),
		"credit":     balance.Credit.String(),
		"net":        balance.Net().String(),
	})
}

func (h *Handler) trialBalance(w http.ResponseWriter, r *http.Request) {
	date, ok := queryDate(w, r, "through")
	if !ok {
		return
	}
	tb, err := h.service.TrialBalance(r.Context(), tenant.ScopeFrom(r), date)
	if err != nil {
		h.fail(w, r, "trial balance", err)
		return
	}
	lines := make([]map[string]any, 0, len(tb.Lines))
	for _, l := range tb.Lines {
		lines = append(lines, map[string]any{"account_id": l.AccountID, "code": l.Code, "debit": l.Debit.String(), "credit": l.Credit.String()})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"through":  tb.Through.Format(time.DateOnly),
		"debit":    tb.Debit.String(),
		"credit":   tb.Credit.String(),
		"balanced": tb.Balanced(),
		"lines":    lines,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if shared.KindOf(err) == shared.KindInternal {
		h.logger.ErrorContext(r.Context(), "ledger request failed", slog.String("op", op), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.ErrValidation)
		return 0, false
	}
	return id, true
}

func queryDate(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Now().UTC(), true
	}
	date, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return time.Time{}, false
	}
	return date, true
}

func entryView(e JournalEntry) map[string]any {
	movements := make([]map[string]any, 0, len(e.Movements))
	for _, m := range e.Movements {
		mv := map[string]any{"account_id": m.AccountID, "debit": m.Debit.String(), "credit": m.Credit.String()}
		if m.Document != nil {
			mv["document_kind"], mv["document_id"] = m.Document.Kind, m.Document.ID
		}
		movements = append(movements, mv)
	}
	return map[string]any{
		"id":            e.ID,
		"number":        e.Number,
		"uuid":          e.UUID.String(),
		"period_id":     e.PeriodID,
		"date":          e.Date.Format(time.DateOnly),
		"description":   e.Description,
		"kind":          e.Kind,
		"status":        e.Status,
		"reference_id":  e.ReferenceID,
		"source_module": e.SourceModule,
		"source_ref":    e.SourceRef,
		"movements":     movements,
	}
}

func periodView(p Period) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"period":     p.Code(),
		"start_date": p.StartDate.Format(time.DateOnly),
		"end_date":   p.EndDate.Format(time.DateOnly),
		"status":     p.Status,
		"closed_at":  p.ClosedAt,
	}
}
