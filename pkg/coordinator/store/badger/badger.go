// Package badger is the default production Store backend: one embedded
// BadgerDB file stands in for one IndexedDB database. Grounded on
// github.com/marmos91/dittofs's pkg/metadata/store/badger (key-prefix
// encoding helpers, db.Update/db.View transaction wrapping, JSON value
// encoding, ErrKeyNotFound -> store.ErrNotFound translation).
package badger

import (
	"context"
	"encoding/json"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/dittofs/pkg/coordinator/store"
)

// Store is a BadgerDB-backed store.Store.
type Store struct {
	db        *badgerdb.DB
	changeLog changeLogTruncator
}

type changeLogTruncator interface {
	TruncateThrough(ctx context.Context, changeID int64) error
}

// Options configures Open.
type Options struct {
	// Dir is the BadgerDB data directory. Created if missing.
	Dir string

	// InMemory runs BadgerDB with no on-disk files, useful for tests
	// that want the real transactional semantics without file I/O.
	InMemory bool

	// ChangeLog is the document-change-log collaborator; nil is valid
	// (TruncateChangeLogThrough becomes a no-op).
	ChangeLog changeLogTruncator
}

// Open opens (creating if necessary) a BadgerDB-backed store.
func Open(opts Options) (*Store, error) {
	bopts := badgerdb.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true)
	}

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	return &Store{db: db, changeLog: opts.ChangeLog}, nil
}

func (s *Store) WithReadOnly(ctx context.Context, body func(ctx context.Context, tx store.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *badgerdb.Txn) error {
		return body(ctx, &txn{s: s, btx: btx})
	})
}

func (s *Store) WithReadWrite(ctx context.Context, body func(ctx context.Context, tx store.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *badgerdb.Txn) error {
		return body(ctx, &txn{s: s, btx: btx})
	})
}

func (s *Store) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(*badgerdb.Txn) error { return nil })
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- key encoding ---
//
// clientMetadata:<clientID>  -> JSON(store.ClientMetadata)
// primaryClient              -> JSON(store.PrimaryClient), singleton key

func keyClientMetadata(clientID string) []byte {
	return []byte("clientMetadata:" + clientID)
}

func keyClientMetadataPrefix() []byte {
	return []byte("clientMetadata:")
}

func keyPrimaryClient() []byte {
	return []byte("primaryClient")
}

type txn struct {
	s   *Store
	btx *badgerdb.Txn
}

func (t *txn) GetClientMetadata(ctx context.Context, clientID string) (*store.ClientMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, err := t.btx.Get(keyClientMetadata(clientID))
	if err == badgerdb.ErrKeyNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var m store.ClientMetadata
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	}); err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *txn) PutClientMetadata(ctx context.Context, m *store.ClientMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return t.btx.Set(keyClientMetadata(m.ClientID), data)
}

func (t *txn) DeleteClientMetadata(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := t.btx.Delete(keyClientMetadata(clientID))
	if err == badgerdb.ErrKeyNotFound {
		return nil
	}
	return err
}

func (t *txn) ListClientMetadata(ctx context.Context) ([]*store.ClientMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*store.ClientMetadata
	it := t.btx.NewIterator(badgerdb.DefaultIteratorOptions)
	defer it.Close()

	prefix := keyClientMetadataPrefix()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var m store.ClientMetadata
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		}); err != nil {
			return nil, err
		}
		mCopy := m
		out = append(out, &mCopy)
	}
	return out, nil
}

func (t *txn) GetPrimaryClient(ctx context.Context) (*store.PrimaryClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, err := t.btx.Get(keyPrimaryClient())
	if err == badgerdb.ErrKeyNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var p store.PrimaryClient
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &p)
	}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *txn) PutPrimaryClient(ctx context.Context, p *store.PrimaryClient) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return t.btx.Set(keyPrimaryClient(), data)
}

func (t *txn) DeletePrimaryClient(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := t.btx.Delete(keyPrimaryClient())
	if err == badgerdb.ErrKeyNotFound {
		return nil
	}
	return err
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
