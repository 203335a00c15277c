// Package store defines the coordinator's transactional store adapter:
// the seam between the lease/refresher logic in pkg/coordinator and the
// concrete backend (memory, badger, postgres) holding ClientMetadata,
// PrimaryClient, and the remote document change-log cursor.
//
// Grounded on github.com/marmos91/dittofs's pkg/metadata.Transaction /
// WithTransaction pattern: one interface, several backends, callers
// never see the backend directly once a Store is constructed.
package store

import (
	"context"
	"time"
)

// ClientMetadata mirrors SPEC_FULL.md §3 ClientMetadata, unchanged
// fields and units (milliseconds) from spec.md.
type ClientMetadata struct {
	ClientID                      string
	UpdateTimeMs                  int64
	NetworkEnabled                bool
	InForeground                  bool
	LastProcessedDocumentChangeID int64
}

// PrimaryClient mirrors SPEC_FULL.md §3 PrimaryClient (singleton record).
type PrimaryClient struct {
	OwnerID                 string
	LeaseTimestampMs        int64
	AllowTabSynchronization bool
}

// ErrNotFound is returned by Get* methods when no record exists. It is a
// sentinel distinct from pkg/coordinator/errors.CoordinatorError because
// "not found" is a normal, expected outcome inside transaction bodies
// (e.g. no PrimaryClient yet), not a coordinator-level failure.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: record not found" }

// Store is the transactional store adapter. Implementations: memory,
// badger, postgres (pkg/coordinator/store/{memory,badger,postgres}).
type Store interface {
	// WithReadOnly runs body within a read-only transaction. Suspension
	// points inside body (store I/O) are fine; the transaction commits
	// or aborts atomically around body's single logical unit of work.
	WithReadOnly(ctx context.Context, body func(ctx context.Context, tx Transaction) error) error

	// WithReadWrite runs body within a read-write transaction with the
	// same atomicity guarantee. An error returned by body aborts the
	// transaction; the error propagates to the caller unchanged.
	WithReadWrite(ctx context.Context, body func(ctx context.Context, tx Transaction) error) error

	// Healthcheck verifies the store is reachable without mutating it.
	// Used at Start() to decide whether to latch a persistence error.
	Healthcheck(ctx context.Context) error

	// Close releases underlying resources (file handles, connections).
	Close() error
}

// Transaction is the set of typed operations available within a single
// atomic transaction, covering the three persistent entities named in
// SPEC_FULL.md §3/§6.
type Transaction interface {
	// GetClientMetadata returns store.ErrNotFound if no record exists.
	GetClientMetadata(ctx context.Context, clientID string) (*ClientMetadata, error)
	PutClientMetadata(ctx context.Context, m *ClientMetadata) error
	DeleteClientMetadata(ctx context.Context, clientID string) error
	ListClientMetadata(ctx context.Context) ([]*ClientMetadata, error)

	// GetPrimaryClient returns store.ErrNotFound if the singleton has
	// never been written or has been deleted.
	GetPrimaryClient(ctx context.Context) (*PrimaryClient, error)
	PutPrimaryClient(ctx context.Context, p *PrimaryClient) error
	DeletePrimaryClient(ctx context.Context) error

	// TruncateChangeLogThrough instructs the document-change-log
	// collaborator (SPEC_FULL.md §3 addition: RemoteDocumentChangeLogEntry)
	// to discard entries with ID <= changeID. changeID is inclusive, as
	// in invariant 6 of spec.md §8.
	TruncateChangeLogThrough(ctx context.Context, changeID int64) error
}

// NowMs converts t to milliseconds since the Unix epoch, the unit used
// throughout the data model. Stores never generate timestamps
// themselves; callers always pass one in.
func NowMs(t time.Time) int64 {
	return t.UnixMilli()
}
