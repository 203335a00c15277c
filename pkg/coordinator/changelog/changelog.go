// Package changelog is the document-cache collaborator spec.md treats
// as an external store owned outside the coordinator core: the
// `remoteDocumentChangeLog` object store the coordinator only ever
// calls `TruncateThrough` on (spec.md §6), plus a cursor the local
// client advances as it consumes entries. Exercising it end-to-end
// (rather than leaving TruncateThrough a pure interface nobody calls)
// is SPEC_FULL.md §3's RemoteDocumentChangeLogEntry addition.
package changelog

import (
	"context"
	"sort"
	"sync"
)

// Entry is the minimal shape of a remote document change: a
// monotonically increasing ID and an opaque document key the mutation
// touched. Real deployments would carry the document payload itself;
// that is out of scope for the coordinator (spec.md §1 non-goals).
type Entry struct {
	ID          int64
	DocumentKey string
}

// Log is the collaborator interface the coordinator's store backends
// hold a narrow seam to (see store.Transaction.TruncateChangeLogThrough).
type Log interface {
	Append(ctx context.Context, documentKey string) (Entry, error)
	TruncateThrough(ctx context.Context, changeID int64) error
	Entries(ctx context.Context) ([]Entry, error)
}

// MemoryLog is an in-memory reference Log, good enough to prove GC
// truncation (spec.md invariant 6 / scenario S6) in tests without any
// external dependency.
type MemoryLog struct {
	mu      sync.Mutex
	nextID  int64
	entries []Entry
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, documentKey string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	e := Entry{ID: l.nextID, DocumentKey: documentKey}
	l.entries = append(l.entries, e)
	return e, nil
}

func (l *MemoryLog) TruncateThrough(ctx context.Context, changeID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0:0]
	for _, e := range l.entries {
		if e.ID > changeID {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	return nil
}

func (l *MemoryLog) Entries(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Log = (*MemoryLog)(nil)
