package ingesttest

import (
	"context"
	"sync"

	"github.com/contamx/contamx/internal/shared"
)

// EFOS is an in-memory 69-B list.
type EFOS struct {
	mu      sync.Mutex
	flagged map[string]struct{}
	// Err, when set, is returned by every lookup.
	Err error
}

// NewEFOS returns a list holding rfcs.
func NewEFOS(rfcs ...string) *EFOS {
	l := &EFOS{}
	_ = l.Replace(context.Background(), rfcs)
	return l
}

// IsFlagged reports whether rfc is listed.
func (l *EFOS) IsFlagged(_ context.Context, rfc string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return false, l.Err
	}
	_, ok := l.flagged[shared.NormalizeRFC(rfc)]
	return ok, nil
}

// Replace swaps the list contents.
func (l *EFOS) Replace(_ context.Context, rfcs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flagged = make(map[string]struct{}, len(rfcs))
	for _, r := range rfcs {
		l.flagged[shared.NormalizeRFC(r)] = struct{}{}
	}
	return nil
}
