// Package ingesttest provides in-memory ingestion fakes for tests.
package ingesttest

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/contamx/contamx/internal/ingest"
)

type linkKey struct {
	company          int64
	payment, related string
}

type paymentKey struct {
	company, document int64
	reference         string
}

type state struct {
	docs      map[int64]ingest.FiscalDocument
	links     map[linkKey]ingest.PaymentLink
	payments  map[paymentKey]ingest.PaymentEvidence
	movements map[int64]ingest.BankMovement
	nextID    int64
}

func (s *state) clone() *state {
	return &state{
		docs:      maps.Clone(s.docs),
		links:     maps.Clone(s.links),
		payments:  maps.Clone(s.payments),
		movements: maps.Clone(s.movements),
		nextID:    s.nextID,
	}
}

// Memory is an ingest RepositoryPort whose transactions are serialised and
// rolled back on error.
type Memory struct {
	mu sync.Mutex
	st *state
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{st: &state{
		docs:      map[int64]ingest.FiscalDocument{},
		links:     map[linkKey]ingest.PaymentLink{},
		payments:  map[paymentKey]ingest.PaymentEvidence{},
		movements: map[int64]ingest.BankMovement{},
	}}
}

// WithTx runs fn against a copy of the state and commits it on success.
func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, ingest.TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	m.st = work
	return nil
}

// Documents returns every stored document of the company.
func (m *Memory) Documents(companyID int64) []ingest.FiscalDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ingest.FiscalDocument
	for _, d := range m.st.docs {
		if d.CompanyID == companyID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PaymentLinks returns every stored payment link of the company.
func (m *Memory) PaymentLinks(companyID int64) []ingest.PaymentLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ingest.PaymentLink
	for k, l := range m.st.links {
		if k.company == companyID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentUUID+out[i].RelatedUUID < out[j].PaymentUUID+out[j].RelatedUUID })
	return out
}

type memTx struct {
	st *state
}

func (t *memTx) id() int64 {
	t.st.nextID++
	return t.st.nextID
}

func (t *memTx) InsertDocument(_ context.Context, d ingest.FiscalDocument) (ingest.FiscalDocument, bool, error) {
	for _, existing := range t.st.docs {
		if existing.CompanyID == d.CompanyID && existing.UUID == d.UUID {
			return existing, false, nil
		}
	}
	d.ID = t.id()
	d.CreatedAt = time.Now().UTC()
	d.UpdatedAt = d.CreatedAt
	t.st.docs[d.ID] = d
	return d, true, nil
}

func (t *memTx) FindDocumentByUUID(_ context.Context, companyID int64, uuid string) (ingest.FiscalDocument, error) {
	for _, d := range t.st.docs {
		if d.CompanyID == companyID && d.UUID == uuid {
			return d, nil
		}
	}
	return ingest.FiscalDocument{}, ingest.ErrDocumentNotFound
}

func (t *memTx) GetDocument(_ context.Context, companyID, id int64) (ingest.FiscalDocument, error) {
	d, ok := t.st.docs[id]
	if !ok || d.CompanyID != companyID {
		return ingest.FiscalDocument{}, ingest.ErrDocumentNotFound
	}
	return d, nil
}

func (t *memTx) GetDocumentForUpdate(ctx context.Context, companyID, id int64) (ingest.FiscalDocument, error) {
	return t.GetDocument(ctx, companyID, id)
}

func (t *memTx) UpdateDocument(_ context.Context, d ingest.FiscalDocument) error {
	current, ok := t.st.docs[d.ID]
	if !ok || current.CompanyID != d.CompanyID {
		return ingest.ErrDocumentNotFound
	}
	current.Status = d.Status
	current.RejectReason = d.RejectReason
	current.EntryID = d.EntryID
	current.Paid = d.Paid
	current.UpdatedAt = time.Now().UTC()
	t.st.docs[d.ID] = current
	return nil
}

func (t *memTx) ListDocuments(_ context.Context, companyID int64, f ingest.DocumentFilter) ([]ingest.FiscalDocument, error) {
	var out []ingest.FiscalDocument
	for _, d := range t.st.docs {
		switch {
		case d.CompanyID != companyID,
			f.Status != "" && d.Status != f.Status,
			f.Direction != "" && d.Direction != f.Direction,
			f.PaymentMethod != "" && d.PaymentMethod != f.PaymentMethod,
			f.Type != "" && d.Type != f.Type,
			f.From != nil && d.IssuedAt.Before(*f.From),
			f.To != nil && d.IssuedAt.After(*f.To):
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Page.Limit, f.Page.Offset), nil
}

func (t *memTx) InsertPaymentLinks(_ context.Context, links []ingest.PaymentLink) error {
	for _, l := range links {
		k := linkKey{l.CompanyID, l.PaymentUUID, l.RelatedUUID}
		if _, ok := t.st.links[k]; !ok {
			t.st.links[k] = l
		}
	}
	return nil
}

func (t *memTx) PendingPaymentLinks(_ context.Context, companyID int64, relatedUUID string) ([]ingest.PaymentLink, error) {
	var out []ingest.PaymentLink
	for k, l := range t.st.links {
		if k.company == companyID && k.related == relatedUUID && !l.Applied {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaidAt.Equal(out[j].PaidAt) {
			return out[i].PaidAt.Before(out[j].PaidAt)
		}
		return out[i].PaymentUUID < out[j].PaymentUUID
	})
	return out, nil
}

func (t *memTx) RecordPayment(_ context.Context, companyID, documentID int64, e ingest.PaymentEvidence) (bool, error) {
	k := paymentKey{companyID, documentID, e.Reference}
	if _, ok := t.st.payments[k]; ok {
		return false, nil
	}
	t.st.payments[k] = e
	return true, nil
}

func (t *memTx) MarkPaymentLinkApplied(_ context.Context, l ingest.PaymentLink) error {
	k := linkKey{l.CompanyID, l.PaymentUUID, l.RelatedUUID}
	if stored, ok := t.st.links[k]; ok {
		stored.Applied = true
		t.st.links[k] = stored
	}
	return nil
}

func (t *memTx) InsertBankMovements(_ context.Context, companyID int64, rows []ingest.BankRow) ([]ingest.BankMovement, error) {
	var out []ingest.BankMovement
	for _, row := range rows {
		if t.hasExternal(companyID, row.ExternalID) {
			continue
		}
		m := ingest.BankMovement{
			ID:          t.id(),
			CompanyID:   companyID,
			ExternalID:  row.ExternalID,
			Amount:      row.Amount,
			Date:        row.Date,
			Reference:   row.Reference,
			Description: row.Description,
			Status:      ingest.MovementUnmatched,
			CreatedAt:   time.Now().UTC(),
		}
		t.st.movements[m.ID] = m
		out = append(out, m)
	}
	return out, nil
}

func (t *memTx) hasExternal(companyID int64, externalID string) bool {
	for _, m := range t.st.movements {
		if m.CompanyID == companyID && m.ExternalID == externalID {
			return true
		}
	}
	return false
}

func (t *memTx) GetMovement(_ context.Context, companyID, id int64) (ingest.BankMovement, error) {
	m, ok := t.st.movements[id]
	if !ok || m.CompanyID != companyID {
		return ingest.BankMovement{}, ingest.ErrMovementNotFound
	}
	return m, nil
}

func (t *memTx) ListMovements(_ context.Context, companyID int64, f ingest.MovementFilter) ([]ingest.BankMovement, error) {
	var out []ingest.BankMovement
	for _, m := range t.st.movements {
		switch {
		case m.CompanyID != companyID,
			f.Status != "" && m.Status != f.Status,
			f.From != nil && m.Date.Before(*f.From),
			f.To != nil && m.Date.After(*f.To):
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Page.Limit, f.Page.Offset), nil
}

func (t *memTx) TransitionMovement(ctx context.Context, companyID, id int64, from, to ingest.MovementStatus, entryID, documentID *int64) (ingest.BankMovement, bool, error) {
	m, err := t.GetMovement(ctx, companyID, id)
	if err != nil {
		return ingest.BankMovement{}, false, err
	}
	if m.Status != from {
		return m, false, nil
	}
	if entryID != nil {
		for _, other := range t.st.movements {
			if other.ID != id && other.CompanyID == companyID && other.EntryID != nil && *other.EntryID == *entryID {
				return ingest.BankMovement{}, false, ingest.ErrEntryAlreadyLinked
			}
		}
	}
	m.Status, m.EntryID, m.DocumentID = to, entryID, documentID
	t.st.movements[id] = m
	return m, true, nil
}

func (t *memTx) LinkedEntryIDs(_ context.Context, companyID int64, ids []int64) (map[int64]bool, error) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	linked := map[int64]bool{}
	for _, m := range t.st.movements {
		if m.CompanyID == companyID && m.EntryID != nil && want[*m.EntryID] {
			linked[*m.EntryID] = true
		}
	}
	return linked, nil
}

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 50
	}
	if offset >= len(items) {
		return nil
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}
