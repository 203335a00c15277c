// Package memory is an in-memory Store backend, grounded on
// github.com/marmos91/dittofs's pkg/metadata/store/memory: a single
// mutex held for the duration of a transaction, no rollback support
// (acceptable for tests, not for production atomicity under partial
// failure). Used by the coordinator's own test suite and by the
// single-process "multiple tabs" simulation mode.
package memory

import (
	"context"
	"sync"

	"github.com/marmos91/dittofs/pkg/coordinator/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	clients   map[string]*store.ClientMetadata
	primary   *store.PrimaryClient
	changeLog changeLogTruncator
}

// changeLogTruncator is the minimal seam the memory store needs into the
// document-change-log collaborator (SPEC_FULL.md §3 addition). Nil is
// valid: TruncateChangeLogThrough then becomes a no-op, matching
// spec.md §4.4's "if no such peers exist, skip truncation" posture for
// deployments with no change-log collaborator wired in.
type changeLogTruncator interface {
	TruncateThrough(ctx context.Context, changeID int64) error
}

// New creates an empty in-memory store. changeLog may be nil.
func New(changeLog changeLogTruncator) *Store {
	return &Store{
		clients:   make(map[string]*store.ClientMetadata),
		changeLog: changeLog,
	}
}

func (s *Store) WithReadOnly(ctx context.Context, body func(ctx context.Context, tx store.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return body(ctx, &txn{s: s})
}

func (s *Store) WithReadWrite(ctx context.Context, body func(ctx context.Context, tx store.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return body(ctx, &txn{s: s})
}

func (s *Store) Healthcheck(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

// txn operates directly on Store's maps while Store.mu is held by
// WithReadOnly/WithReadWrite, mirroring memoryTransaction in the teacher.
type txn struct {
	s *Store
}

func (t *txn) GetClientMetadata(ctx context.Context, clientID string) (*store.ClientMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, ok := t.s.clients[clientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *m
	return &clone, nil
}

func (t *txn) PutClientMetadata(ctx context.Context, m *store.ClientMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clone := *m
	t.s.clients[m.ClientID] = &clone
	return nil
}

func (t *txn) DeleteClientMetadata(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	delete(t.s.clients, clientID)
	return nil
}

func (t *txn) ListClientMetadata(ctx context.Context) ([]*store.ClientMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*store.ClientMetadata, 0, len(t.s.clients))
	for _, m := range t.s.clients {
		clone := *m
		out = append(out, &clone)
	}
	return out, nil
}

func (t *txn) GetPrimaryClient(ctx context.Context) (*store.PrimaryClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.s.primary == nil {
		return nil, store.ErrNotFound
	}
	clone := *t.s.primary
	return &clone, nil
}

func (t *txn) PutPrimaryClient(ctx context.Context, p *store.PrimaryClient) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clone := *p
	t.s.primary = &clone
	return nil
}

func (t *txn) DeletePrimaryClient(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.s.primary = nil
	return nil
}

func (t *txn) TruncateChangeLogThrough(ctx context.Context, changeID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.s.changeLog == nil {
		return nil
	}
	return t.s.changeLog.TruncateThrough(ctx, changeID)
}

var _ store.Store = (*Store)(nil)
