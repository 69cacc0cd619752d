// Package reconciletest provides an in-memory proposal store for tests.
package reconciletest

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/contamx/contamx/internal/reconcile"
	"github.com/contamx/contamx/internal/shared"
)

type key struct{ company, movement int64 }

// Memory is a reconcile RepositoryPort whose transactions are serialised
// and rolled back on error.
type Memory struct {
	mu        sync.Mutex
	proposals map[key]reconcile.Proposal
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{proposals: map[key]reconcile.Proposal{}}
}

// WithTx runs fn against a copy of the state and commits it on success.
func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, reconcile.TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := &memTx{proposals: maps.Clone(m.proposals)}
	if err := fn(ctx, work); err != nil {
		return err
	}
	m.proposals = work.proposals
	return nil
}

type memTx struct {
	proposals map[key]reconcile.Proposal
}

func (t *memTx) UpsertProposal(_ context.Context, p reconcile.Proposal) error {
	t.proposals[key{p.CompanyID, p.MovementID}] = p
	return nil
}

func (t *memTx) DeleteProposal(_ context.Context, companyID, movementID int64) error {
	delete(t.proposals, key{companyID, movementID})
	return nil
}

func (t *memTx) GetProposal(_ context.Context, companyID, movementID int64) (reconcile.Proposal, error) {
	p, ok := t.proposals[key{companyID, movementID}]
	if !ok {
		return reconcile.Proposal{}, reconcile.ErrProposalNotFound
	}
	return p, nil
}

func (t *memTx) ListProposals(_ context.Context, companyID int64, page shared.Page) ([]reconcile.Proposal, error) {
	var out []reconcile.Proposal
	for k, p := range t.proposals {
		if k.company == companyID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MovementID < out[j].MovementID })
	if page.Offset >= len(out) {
		return nil, nil
	}
	out = out[page.Offset:]
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}
