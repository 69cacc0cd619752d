// Package ledgertest provides an in-memory ledger repository for tests.
package ledgertest

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/contamx/contamx/internal/ledger"
)

type state struct {
	accounts  map[int64]ledger.Account
	periods   map[int64]ledger.Period
	seq       map[int64]int64
	entries   map[int64]ledger.JournalEntry
	sources   map[string]int64
	reversals map[int64]int64
	snapshots map[[3]int64]ledger.BalanceSnapshot
	mappings  map[string]int64
	nextID    int64
}

func (s *state) clone() *state {
	return &state{
		accounts:  maps.Clone(s.accounts),
		periods:   maps.Clone(s.periods),
		seq:       maps.Clone(s.seq),
		entries:   maps.Clone(s.entries),
		sources:   maps.Clone(s.sources),
		reversals: maps.Clone(s.reversals),
		snapshots: maps.Clone(s.snapshots),
		mappings:  maps.Clone(s.mappings),
		nextID:    s.nextID,
	}
}

// Memory is a RepositoryPort whose transactions are serialised and rolled
// back on error.
type Memory struct {
	mu sync.Mutex
	st *state
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{st: &state{
		accounts:  map[int64]ledger.Account{},
		periods:   map[int64]ledger.Period{},
		seq:       map[int64]int64{},
		entries:   map[int64]ledger.JournalEntry{},
		sources:   map[string]int64{},
		reversals: map[int64]int64{},
		snapshots: map[[3]int64]ledger.BalanceSnapshot{},
		mappings:  map[string]int64{},
	}}
}

// WithTx runs fn against a copy of the state and commits it on success.
func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	m.st = work
	return nil
}

// InjectEntry stores an entry bypassing every check, for corrupt-ledger tests.
func (m *Memory) InjectEntry(entry ledger.JournalEntry) ledger.JournalEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.nextID++
	entry.ID = m.st.nextID
	m.st.seq[entry.CompanyID]++
	entry.Number = m.st.seq[entry.CompanyID]
	entry.Status = ledger.EntryStatusPosted
	for i := range entry.Movements {
		m.st.nextID++
		entry.Movements[i].ID = m.st.nextID
		entry.Movements[i].EntryID = entry.ID
	}
	m.st.entries[entry.ID] = entry
	return entry
}

// Snapshots returns the stored snapshots of a period.
func (m *Memory) Snapshots(companyID, periodID int64) []ledger.BalanceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{st: m.st}).snapshotsOf(companyID, periodID)
}

type memTx struct {
	st *state
}

func (t *memTx) id() int64 {
	t.st.nextID++
	return t.st.nextID
}

func day(d time.Time) time.Time {
	y, mo, dd := d.Date()
	return time.Date(y, mo, dd, 0, 0, 0, 0, time.UTC)
}

func (t *memTx) ListAccounts(_ context.Context, companyID int64) ([]ledger.Account, error) {
	var out []ledger.Account
	for _, a := range t.st.accounts {
		if a.CompanyID == companyID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (t *memTx) InsertAccount(_ context.Context, a ledger.Account) (ledger.Account, error) {
	for _, existing := range t.st.accounts {
		if existing.CompanyID == a.CompanyID && existing.Code == a.Code {
			return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.Code)
		}
	}
	a.ID = t.id()
	a.CreatedAt = time.Now()
	t.st.accounts[a.ID] = a
	return a, nil
}

func (t *memTx) AccountHasMovements(_ context.Context, accountID int64) (bool, error) {
	for _, e := range t.st.entries {
		for _, m := range e.Movements {
			if m.AccountID == accountID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (t *memTx) GetPeriodForUpdate(_ context.Context, companyID, periodID int64) (ledger.Period, error) {
	p, ok := t.st.periods[periodID]
	if !ok || p.CompanyID != companyID {
		return ledger.Period{}, ledger.ErrPeriodNotFound
	}
	return p, nil
}

func (t *memTx) FindOpenPeriodFrom(_ context.Context, companyID int64, date time.Time) (ledger.Period, error) {
	var (
		best  ledger.Period
		found bool
	)
	for _, p := range t.st.periods {
		if p.CompanyID != companyID || p.Status != ledger.PeriodStatusOpen || p.EndDate.Before(day(date)) {
			continue
		}
		if !found || p.StartDate.Before(best.StartDate) {
			best, found = p, true
		}
	}
	if !found {
		return ledger.Period{}, ledger.ErrNoOpenPeriod
	}
	return best, nil
}

func (t *memTx) ListPeriods(_ context.Context, companyID int64) ([]ledger.Period, error) {
	var out []ledger.Period
	for _, p := range t.st.periods {
		if p.CompanyID == companyID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (t *memTx) InsertPeriod(_ context.Context, p ledger.Period) (ledger.Period, error) {
	for _, existing := range t.st.periods {
		if existing.CompanyID == p.CompanyID && existing.Year == p.Year && existing.Month == p.Month {
			return ledger.Period{}, fmt.Errorf("%w: %s", ledger.ErrPeriodExists, p.Code())
		}
	}
	p.ID = t.id()
	t.st.periods[p.ID] = p
	return p, nil
}

func (t *memTx) MarkPeriodClosed(_ context.Context, companyID, periodID, actorID int64, at time.Time) error {
	p, ok := t.st.periods[periodID]
	if !ok || p.CompanyID != companyID || p.Status != ledger.PeriodStatusOpen {
		return ledger.ErrAlreadyClosed
	}
	p.Status = ledger.PeriodStatusClosed
	p.ClosedAt = &at
	p.ClosedBy = &actorID
	t.st.periods[periodID] = p
	return nil
}

func (t *memTx) NextSequence(_ context.Context, companyID int64) (int64, error) {
	t.st.seq[companyID]++
	return t.st.seq[companyID], nil
}

func (t *memTx) CurrentSequence(_ context.Context, companyID int64) (int64, error) {
	return t.st.seq[companyID], nil
}

func (t *memTx) InsertEntry(_ context.Context, e ledger.JournalEntry) (ledger.JournalEntry, error) {
	e.ID = t.id()
	t.st.entries[e.ID] = e
	return e, nil
}

func (t *memTx) InsertMovements(_ context.Context, entryID int64, inputs []ledger.MovementInput) ([]ledger.Movement, error) {
	e, ok := t.st.entries[entryID]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	out := make([]ledger.Movement, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, ledger.Movement{ID: t.id(), EntryID: entryID, AccountID: in.AccountID, Debit: in.Debit, Credit: in.Credit, Document: in.Document})
	}
	e.Movements = out
	t.st.entries[entryID] = e
	return out, nil
}

func sourceKey(companyID int64, module, ref string) string {
	return fmt.Sprintf("%d|%s|%s", companyID, module, ref)
}

func (t *memTx) LinkSource(_ context.Context, companyID int64, module, ref string, entryID int64) error {
	key := sourceKey(companyID, module, ref)
	if _, exists := t.st.sources[key]; exists {
		return ledger.ErrSourceConflict
	}
	t.st.sources[key] = entryID
	return nil
}

func (t *memTx) FindEntryBySource(ctx context.Context, companyID int64, module, ref string) (ledger.JournalEntry, error) {
	id, ok := t.st.sources[sourceKey(companyID, module, ref)]
	if !ok {
		return ledger.JournalEntry{}, ledger.ErrEntryNotFound
	}
	return t.GetEntry(ctx, companyID, id)
}

func (t *memTx) GetEntry(_ context.Context, companyID, entryID int64) (ledger.JournalEntry, error) {
	e, ok := t.st.entries[entryID]
	if !ok || e.CompanyID != companyID {
		return ledger.JournalEntry{}, ledger.ErrEntryNotFound
	}
	return e, nil
}

func (t *memTx) ListEntries(_ context.Context, companyID int64, filter ledger.EntryFilter) ([]ledger.JournalEntry, error) {
	var out []ledger.JournalEntry
	for _, e := range t.st.entries {
		if e.CompanyID != companyID {
			continue
		}
		if filter.PeriodID != 0 && e.PeriodID != filter.PeriodID {
			continue
		}
		if filter.From != nil && e.Date.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.Date.After(*filter.To) {
			continue
		}
		if filter.AfterNumber != nil && e.Number <= *filter.AfterNumber {
			continue
		}
		out = append(out, e)
	}
	if filter.AfterNumber != nil {
		sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	}
	if filter.Page.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Page.Offset:]
	if filter.Page.Limit > 0 && len(out) > filter.Page.Limit {
		out = out[:filter.Page.Limit]
	}
	return out, nil
}

func (t *memTx) HasReversal(_ context.Context, originalID int64) (bool, error) {
	_, ok := t.st.reversals[originalID]
	return ok, nil
}

func (t *memTx) InsertReversal(_ context.Context, originalID, reversalID int64) error {
	if _, ok := t.st.reversals[originalID]; ok {
		return ledger.ErrAlreadyReversed
	}
	t.st.reversals[originalID] = reversalID
	return nil
}

func (t *memTx) SumMovements(_ context.Context, f ledger.MovementFilter) (ledger.Totals, error) {
	var out ledger.Totals
	through := day(f.Through)
	for _, e := range t.st.entries {
		if e.CompanyID != f.CompanyID || e.Status != ledger.EntryStatusPosted || e.Date.After(through) {
			continue
		}
		if f.After != nil && !e.Date.After(day(*f.After)) && e.Number <= f.LateAfterSeq {
			continue
		}
		if f.UpToSeq != nil && e.Number > *f.UpToSeq {
			continue
		}
		for _, m := range e.Movements {
			if m.AccountID == f.AccountID {
				out.Debit += m.Debit
				out.Credit += m.Credit
			}
		}
	}
	return out, nil
}

func (t *memTx) TrialBalanceTotals(_ context.Context, companyID int64, through time.Time) (map[int64]ledger.Totals, error) {
	out := map[int64]ledger.Totals{}
	for _, e := range t.st.entries {
		if e.CompanyID != companyID || e.Status != ledger.EntryStatusPosted || e.Date.After(day(through)) {
			continue
		}
		for _, m := range e.Movements {
			out[m.AccountID] = out[m.AccountID].Add(ledger.Totals{Debit: m.Debit, Credit: m.Credit})
		}
	}
	return out, nil
}

func (t *memTx) LatestSnapshot(_ context.Context, companyID, accountID int64, asOf time.Time) (ledger.BalanceSnapshot, bool, error) {
	var (
		best  ledger.BalanceSnapshot
		found bool
	)
	for _, s := range t.st.snapshots {
		if s.CompanyID != companyID || s.AccountID != accountID || s.AsOf.After(day(asOf)) {
			continue
		}
		if !found || s.AsOf.After(best.AsOf) {
			best, found = s, true
		}
	}
	return best, found, nil
}

func (t *memTx) snapshotsOf(companyID, periodID int64) []ledger.BalanceSnapshot {
	var out []ledger.BalanceSnapshot
	for _, s := range t.st.snapshots {
		if s.CompanyID == companyID && s.PeriodID == periodID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (t *memTx) ListSnapshots(_ context.Context, companyID, periodID int64) ([]ledger.BalanceSnapshot, error) {
	return t.snapshotsOf(companyID, periodID), nil
}

func (t *memTx) UpsertSnapshots(_ context.Context, snaps []ledger.BalanceSnapshot) error {
	for _, s := range snaps {
		t.st.snapshots[[3]int64{s.CompanyID, s.AccountID, s.PeriodID}] = s
	}
	return nil
}

func mappingKey(companyID int64, module, key string) string {
	return fmt.Sprintf("%d|%s|%s", companyID, strings.ToUpper(module), key)
}

func (t *memTx) GetMapping(_ context.Context, companyID int64, module, key string) (ledger.AccountMapping, error) {
	id, ok := t.st.mappings[mappingKey(companyID, module, key)]
	if !ok {
		return ledger.AccountMapping{}, fmt.Errorf("%w: %s/%s", ledger.ErrMappingNotFound, module, key)
	}
	return ledger.AccountMapping{CompanyID: companyID, Module: strings.ToUpper(module), Key: key, AccountID: id}, nil
}

func (t *memTx) UpsertMapping(_ context.Context, m ledger.AccountMapping) error {
	t.st.mappings[mappingKey(m.CompanyID, m.Module, m.Key)] = m.AccountID
	return nil
}
