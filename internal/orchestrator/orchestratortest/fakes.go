package orchestratortest

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"

	"github.com/contamx/contamx/internal/ingest"
	"github.com/contamx/contamx/internal/odoo"
	"github.com/contamx/contamx/internal/orchestrator"
	"github.com/contamx/contamx/internal/sat"
)

// Queue records enqueued jobs.
type Queue struct {
	mu      sync.Mutex
	Pulls   []int64
	Exports []int64
	Err     error
}

var _ orchestrator.Queue = (*Queue)(nil)

func (q *Queue) EnqueuePull(_ context.Context, _ int64, jobID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.Pulls = append(q.Pulls, jobID)
	return nil
}

func (q *Queue) EnqueueExport(_ context.Context, jobID int64, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.Exports = append(q.Exports, jobID)
	return nil
}

// Counts returns the number of pulls and exports enqueued.
func (q *Queue) Counts() (pulls, exports int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.Pulls), len(q.Exports)
}

// SAT serves a fixed list of documents in pages; cursors are positions in
// the list.
type SAT struct {
	mu       sync.Mutex
	UUIDs    []string
	Docs     map[string][]byte
	PageSize int
	// FetchErr fails Fetch for the given UUID.
	FetchErr map[string]error
	ListErr  error
	EFOS     []byte
	Fetched  []string
}

var _ sat.Source = (*SAT)(nil)

func (s *SAT) ListSince(_ context.Context, _ string, cursor string) (sat.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return sat.Listing{}, s.ListErr
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return sat.Listing{}, sat.ErrBadResponse
		}
		start = n
	}
	size := s.PageSize
	if size <= 0 {
		size = len(s.UUIDs)
	}
	end := min(start+size, len(s.UUIDs))
	if start > end {
		start = end
	}
	return sat.Listing{
		UUIDs:   append([]string(nil), s.UUIDs[start:end]...),
		Cursor:  strconv.Itoa(end),
		HasMore: end < len(s.UUIDs),
	}, nil
}

func (s *SAT) Fetch(_ context.Context, _ string, uuid string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fetched = append(s.Fetched, uuid)
	if err := s.FetchErr[uuid]; err != nil {
		return nil, err
	}
	raw, ok := s.Docs[uuid]
	if !ok {
		return nil, sat.ErrNotFound
	}
	return raw, nil
}

func (s *SAT) EFOSFeed(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.EFOS)), nil
}

// Bank serves statement rows in pages.
type Bank struct {
	Rows     []ingest.BankRow
	PageSize int
}

func (b *Bank) ListSince(_ context.Context, _ string, cursor string) (sat.StatementPage, error) {
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	size := b.PageSize
	if size <= 0 {
		size = len(b.Rows)
	}
	end := min(start+size, len(b.Rows))
	if start > end {
		start = end
	}
	return sat.StatementPage{
		Rows:    append([]ingest.BankRow(nil), b.Rows[start:end]...),
		Cursor:  strconv.Itoa(end),
		HasMore: end < len(b.Rows),
	}, nil
}

// Odoo is an in-memory Odoo keyed by move ref.
type Odoo struct {
	mu        sync.Mutex
	Moves     map[string]odoo.Move
	ids       map[string]int64
	Configs   []odoo.Config
	Creates   int
	AuthErr   error
	CreateErr error
	// FailCreates fails that many CreateMove calls before succeeding.
	FailCreates int
}

// NewOdoo returns an empty fake.
func NewOdoo() *Odoo {
	return &Odoo{Moves: map[string]odoo.Move{}, ids: map[string]int64{}}
}

// Dialer returns an OdooDialer handing out this fake.
func (o *Odoo) Dialer() orchestrator.OdooDialer {
	return func(cfg odoo.Config) (orchestrator.OdooClient, error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.Configs = append(o.Configs, cfg)
		return o, nil
	}
}

func (o *Odoo) Version(context.Context) (odoo.Version, error) {
	return odoo.Version{ServerVersion: "17.0", ProtocolVer: 1}, nil
}

func (o *Odoo) Authenticate(context.Context) (int64, error) {
	if o.AuthErr != nil {
		return 0, o.AuthErr
	}
	return 2, nil
}

func (o *Odoo) FindMoveByRef(_ context.Context, ref string) (int64, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.ids[ref]
	return id, ok, nil
}

func (o *Odoo) CreateMove(_ context.Context, m odoo.Move) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.CreateErr != nil {
		return 0, o.CreateErr
	}
	if o.FailCreates > 0 {
		o.FailCreates--
		return 0, odoo.ErrBadResponse
	}
	o.Creates++
	id := int64(len(o.ids) + 1)
	o.ids[m.Ref] = id
	o.Moves[m.Ref] = m
	return id, nil
}
