// Package orchestratortest provides an in-memory job store and fakes of the
// external systems the orchestrator talks to.
package orchestratortest

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/contamx/contamx/internal/orchestrator"
)

type checkpointKey struct {
	company int64
	kind    orchestrator.CheckpointKind
}

type state struct {
	nextID      int64
	jobs        map[int64]orchestrator.Job
	checkpoints map[checkpointKey]orchestrator.Checkpoint
	connections map[int64]orchestrator.OdooConnection
	settings    map[int64]orchestrator.SyncSettings
}

func (s state) clone() state {
	return state{
		nextID:      s.nextID,
		jobs:        maps.Clone(s.jobs),
		checkpoints: maps.Clone(s.checkpoints),
		connections: maps.Clone(s.connections),
		settings:    maps.Clone(s.settings),
	}
}

// Memory is an orchestrator RepositoryPort whose transactions are
// serialised and rolled back on error.
type Memory struct {
	mu sync.Mutex
	st state
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{st: state{
		jobs:        map[int64]orchestrator.Job{},
		checkpoints: map[checkpointKey]orchestrator.Checkpoint{},
		connections: map[int64]orchestrator.OdooConnection{},
		settings:    map[int64]orchestrator.SyncSettings{},
	}}
}

// WithTx runs fn against a copy of the state and commits it on success.
func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, orchestrator.TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := &memTx{st: m.st.clone()}
	if err := fn(ctx, work); err != nil {
		return err
	}
	m.st = work.st
	return nil
}

// Job returns a stored job for assertions.
func (m *Memory) Job(id int64) orchestrator.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.jobs[id]
}

// Put overwrites a stored job, for arranging states such as a stale lease.
func (m *Memory) Put(job orchestrator.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.jobs[job.ID] = job
}

// Checkpoint returns the stored cursor, or "".
func (m *Memory) Checkpoint(companyID int64, kind orchestrator.CheckpointKind) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.checkpoints[checkpointKey{companyID, kind}].Cursor
}

type memTx struct {
	st state
}

func (t *memTx) InsertJob(_ context.Context, job orchestrator.Job) (orchestrator.Job, bool, error) {
	for _, existing := range t.st.jobs {
		if existing.IdempotencyKey == job.IdempotencyKey {
			return existing, false, nil
		}
	}
	t.st.nextID++
	job.ID = t.st.nextID
	job.UpdatedAt = job.CreatedAt
	t.st.jobs[job.ID] = job
	return job, true, nil
}

func (t *memTx) GetJob(_ context.Context, id int64) (orchestrator.Job, error) {
	job, ok := t.st.jobs[id]
	if !ok {
		return orchestrator.Job{}, orchestrator.ErrJobNotFound
	}
	return job, nil
}

func (t *memTx) GetJobForUpdate(ctx context.Context, id int64) (orchestrator.Job, error) {
	return t.GetJob(ctx, id)
}

func (t *memTx) UpdateJob(_ context.Context, job orchestrator.Job) error {
	if _, ok := t.st.jobs[job.ID]; !ok {
		return orchestrator.ErrJobNotFound
	}
	t.st.jobs[job.ID] = job
	return nil
}

func (t *memTx) sorted(keep func(orchestrator.Job) bool) []orchestrator.Job {
	var out []orchestrator.Job
	for _, job := range t.st.jobs {
		if keep(job) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memTx) ListJobs(_ context.Context, f orchestrator.JobFilter) ([]orchestrator.Job, error) {
	out := t.sorted(func(j orchestrator.Job) bool {
		return (f.CompanyID == 0 || j.CompanyID == f.CompanyID) &&
			(f.Kind == "" || j.Kind == f.Kind) &&
			(f.Status == "" || j.Status == f.Status) &&
			(f.NeedsAttention == nil || j.NeedsAttention == *f.NeedsAttention)
	})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if f.Page.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Page.Offset:]
	if f.Page.Limit > 0 && len(out) > f.Page.Limit {
		out = out[:f.Page.Limit]
	}
	return out, nil
}

func (t *memTx) ActiveJob(_ context.Context, companyID int64, kind orchestrator.JobKind) (orchestrator.Job, error) {
	out := t.sorted(func(j orchestrator.Job) bool {
		return j.CompanyID == companyID && j.Kind == kind && j.Active()
	})
	if len(out) == 0 {
		return orchestrator.Job{}, orchestrator.ErrJobNotFound
	}
	return out[len(out)-1], nil
}

func (t *memTx) RecoverableJobs(_ context.Context, now, staleBefore time.Time, limit int) ([]orchestrator.Job, error) {
	out := t.sorted(func(j orchestrator.Job) bool {
		if j.Cancelled() {
			return false
		}
		switch j.Status {
		case orchestrator.JobPending, orchestrator.JobRunning:
			return !j.UpdatedAt.After(staleBefore)
		case orchestrator.JobFailed:
			return !j.NeedsAttention && j.NextAttemptAt != nil && !j.NextAttemptAt.After(now)
		}
		return false
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) GetCheckpoint(_ context.Context, companyID int64, kind orchestrator.CheckpointKind) (orchestrator.Checkpoint, error) {
	cp, ok := t.st.checkpoints[checkpointKey{companyID, kind}]
	if !ok {
		return orchestrator.Checkpoint{CompanyID: companyID, Kind: kind}, orchestrator.ErrCheckpointNotFound
	}
	return cp, nil
}

func (t *memTx) SaveCheckpoint(_ context.Context, cp orchestrator.Checkpoint) error {
	t.st.checkpoints[checkpointKey{cp.CompanyID, cp.Kind}] = cp
	return nil
}

func (t *memTx) GetConnection(_ context.Context, companyID int64) (orchestrator.OdooConnection, error) {
	c, ok := t.st.connections[companyID]
	if !ok {
		return orchestrator.OdooConnection{}, orchestrator.ErrConnectionNotFound
	}
	return c, nil
}

func (t *memTx) UpsertConnection(_ context.Context, c orchestrator.OdooConnection) error {
	t.st.connections[c.CompanyID] = c
	return nil
}

func (t *memTx) GetSettings(_ context.Context, companyID int64) (orchestrator.SyncSettings, error) {
	s, ok := t.st.settings[companyID]
	if !ok {
		return orchestrator.SyncSettings{CompanyID: companyID}, orchestrator.ErrSettingsNotFound
	}
	return s, nil
}

func (t *memTx) UpsertSettings(_ context.Context, s orchestrator.SyncSettings) error {
	t.st.settings[s.CompanyID] = s
	return nil
}
