// Package coordinator implements the multi-client primary-lease
// coordinator: the lease-acquisition and client-lifecycle state
// machine that lets several client instances sharing one transactional
// store agree on a single primary at any moment.
package coordinator

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/marmos91/dittofs/pkg/coordinator/changelog"
	"github.com/marmos91/dittofs/pkg/coordinator/clock"
	coorderrors "github.com/marmos91/dittofs/pkg/coordinator/errors"
	"github.com/marmos91/dittofs/pkg/coordinator/observer"
	"github.com/marmos91/dittofs/pkg/coordinator/queue"
	"github.com/marmos91/dittofs/pkg/coordinator/sidechannel"
	"github.com/marmos91/dittofs/pkg/coordinator/store"
)

// Collaborators groups the external components the coordinator drives
// but does not own, matching spec.md §1's "out of scope, fixed
// interfaces only" framing.
type Collaborators struct {
	// ChangeLog is the remoteDocumentChangeLog collaborator (spec.md
	// §6), returned by Coordinator.ChangeLog; nil is valid. GC truncation
	// does not use this field: it goes through the store backend's own
	// change-log option.
	ChangeLog changelog.Log
}

// Options configures New.
type Options struct {
	Config        Config
	Store         store.Store
	SideChannel   sidechannel.Store
	Clock         clock.Clock // defaults to clock.System{} if nil
	Logger        *slog.Logger
	Metrics       *Metrics
	Collaborators Collaborators

	// ClientID overrides the generated client ID; primarily for tests
	// that need deterministic, human-readable IDs.
	ClientID string
}

// Coordinator is the top-level entry point, implementing spec.md §6's
// public API: Start, Shutdown, SetNetworkEnabled, SetPrimaryStateListener,
// GetActiveClients, RunTransaction, and collaborator accessors.
type Coordinator struct {
	clientID      string
	storagePrefix string
	cfg           Config
	clk           clock.Clock
	store         store.Store
	sideChannel   sidechannel.Store
	queue         *queue.Queue
	lease         *leaseStateMachine
	refresher     *metadataRefresher
	observer      *observer.Observer
	logger        *slog.Logger
	metrics       *Metrics
	collaborators Collaborators

	gcMu       sync.Mutex
	lastGCAtMs int64

	changeLogCursorMu sync.Mutex
	changeLogCursorID int64

	mu      sync.Mutex
	running bool
}

// New constructs a Coordinator without starting it. Call Start to
// health-check the (already opened) store, run the first heartbeat,
// and begin the refresher.
func New(opts Options) *Coordinator {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = NewClientID()
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	q := queue.New(clk)

	c := &Coordinator{
		clientID:      clientID,
		storagePrefix: opts.Config.StoragePrefix(),
		cfg:           opts.Config,
		clk:           clk,
		store:         opts.Store,
		sideChannel:   opts.SideChannel,
		queue:         q,
		logger:        logger,
		metrics:       metrics,
		collaborators: opts.Collaborators,
	}

	c.lease = newLeaseStateMachine(clientID, c.storagePrefix, opts.Config, clk, opts.SideChannel, q, logger, metrics)
	c.refresher = newMetadataRefresher(c)
	c.observer = observer.New(c.onUnload)

	return c
}

// ClientID returns this coordinator's stable client identifier.
func (c *Coordinator) ClientID() string {
	return c.clientID
}

// Start is spec.md §6's start(): health-checks the store (which the
// caller has already opened), starts observers, runs the first
// heartbeat, and starts the refresher.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.store.Healthcheck(ctx); err != nil {
		latched := coorderrors.NewUnavailableError(err)
		c.lease.latchPersistenceError(latched)
		return latched
	}

	c.queue.Start(ctx)
	c.observer.Start()

	if err := updateMetadataAndTryBecomePrimary(ctx, c); err != nil {
		if coorderrors.CodeOf(err) == coorderrors.ErrPrimaryLeaseExclusive {
			c.lease.markFailed()
			c.observer.Stop()
			c.queue.Stop()
			return err
		}
		c.logger.Error("initial heartbeat failed", "error", err)
	}

	c.lease.markStarted()
	c.refresher.start()

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	return nil
}

// Shutdown is spec.md §4.7's 8-step sequence.
func (c *Coordinator) Shutdown(ctx context.Context, deleteData bool) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	// 1. Mark started = false.
	c.lease.markStopped()

	// 2. Write own ZombieMarker (synchronous, best-effort).
	c.writeOwnZombieMarker()

	// 3. Cancel the refresher timer.
	c.refresher.stop()

	// 4. Detach visibility and unload observers.
	c.observer.Stop()
	c.queue.Stop()

	// 5. Release lease and delete own ClientMetadata, in one transaction.
	err := c.store.WithReadWrite(ctx, func(ctx context.Context, tx store.Transaction) error {
		if err := c.lease.releaseLeaseIfHeld(ctx, tx); err != nil {
			return err
		}
		return tx.DeleteClientMetadata(ctx, c.clientID)
	})
	if err != nil {
		c.logger.Error("shutdown transaction failed", "error", err)
	}

	// 6. Close the store.
	if closeErr := c.store.Close(); closeErr != nil {
		c.logger.Error("failed to close store", "error", closeErr)
	}

	// 7. Remove own ZombieMarker.
	if rmErr := c.sideChannel.Remove(zombieMarkerKey(c.storagePrefix, c.clientID)); rmErr != nil {
		c.logger.Warn("failed to remove own zombie marker on shutdown", "error", rmErr)
	}

	// 8. Optionally delete the underlying database — left to the
	// embedding application, since only it knows the backend's
	// deletion mechanism (e.g. removing the badger directory).
	if deleteData {
		c.logger.Info("data deletion requested on shutdown; embedder must remove backend storage", "clientId", c.clientID)
	}

	return err
}

func (c *Coordinator) writeOwnZombieMarker() {
	key := zombieMarkerKey(c.storagePrefix, c.clientID)
	if err := c.sideChannel.Set(key, markerValue(c.clk)); err != nil {
		c.logger.Warn("failed to write zombie marker", "error", err)
	}
}

func markerValue(clk clock.Clock) string {
	return "unload@" + strconv.FormatInt(clk.NowMs(), 10)
}

// onUnload implements spec.md §4.6's unload(): synchronously write the
// zombie marker, then enqueue graceful shutdown. Runs on the signal
// handler goroutine, so it must stay fast and synchronous.
func (c *Coordinator) onUnload() {
	c.writeOwnZombieMarker()
	c.queue.EnqueueAndForget(func(ctx context.Context) {
		if err := c.Shutdown(ctx, false); err != nil {
			c.logger.Error("graceful shutdown after unload failed", "error", err)
		}
	})
}

// SetNetworkEnabled is spec.md §6's set_network_enabled: updates the
// input and schedules immediate re-evaluation if the value changed.
func (c *Coordinator) SetNetworkEnabled(enabled bool) {
	if !c.lease.setNetworkEnabled(enabled) {
		return
	}
	c.queue.EnqueueAndForget(func(ctx context.Context) {
		if err := updateMetadataAndTryBecomePrimary(ctx, c); err != nil {
			c.logger.Error("re-evaluation after network change failed", "error", err)
		}
	})
}

// SetInForeground is spec.md §4.6's visibility_changed(inForeground):
// schedules immediate re-evaluation if the value changed.
func (c *Coordinator) SetInForeground(inForeground bool) {
	if !c.lease.setInForeground(inForeground) {
		return
	}
	c.queue.EnqueueAndForget(func(ctx context.Context) {
		if err := updateMetadataAndTryBecomePrimary(ctx, c); err != nil {
			c.logger.Error("re-evaluation after visibility change failed", "error", err)
		}
	})
}

// SetPrimaryStateListener is spec.md §6's set_primary_state_listener:
// registers cb, invoked immediately with the current value and on
// every subsequent transition made while the coordinator is started,
// both delivered via the async queue.
func (c *Coordinator) SetPrimaryStateListener(cb PrimaryStateListener) {
	c.lease.setListener(cb)
}

// GetActiveClients is spec.md §6's get_active_clients: a read-only
// transaction returning active, non-zombied client IDs.
func (c *Coordinator) GetActiveClients(ctx context.Context) ([]string, error) {
	if persistErr := c.lease.getPersistenceError(); persistErr != nil {
		return nil, persistErr
	}

	var ids []string
	err := c.store.WithReadOnly(ctx, func(ctx context.Context, tx store.Transaction) error {
		all, err := tx.ListClientMetadata(ctx)
		if err != nil {
			return err
		}
		maxAgeMs := c.cfg.ClientMetadataMaxAge.Milliseconds()
		for _, m := range all {
			if !c.lease.withinAge(m.UpdateTimeMs, maxAgeMs) {
				continue
			}
			if isZombied(c.sideChannel, c.storagePrefix, m.ClientID) {
				continue
			}
			ids = append(ids, m.ClientID)
		}
		return nil
	})
	if err != nil {
		return nil, coorderrors.NewStoreTransientError(err)
	}
	c.metrics.SetActiveClients(len(ids))
	return ids, nil
}

// IsPrimary reports the cached local primary bit.
func (c *Coordinator) IsPrimary() bool {
	return c.lease.getIsPrimary()
}

// State returns the lease state machine's current state, mostly useful
// for diagnostics (the status API surfaces this as a string).
func (c *Coordinator) State() string {
	return c.lease.currentState().String()
}

// ChangeLog returns the document-change-log collaborator, or nil if
// none was configured.
func (c *Coordinator) ChangeLog() changelog.Log {
	return c.collaborators.ChangeLog
}

// changeLogCursor returns this client's lastProcessedDocumentChangeId,
// advanced by AdvanceChangeLogCursor as the embedding application
// consumes entries.
func (c *Coordinator) changeLogCursor() int64 {
	c.changeLogCursorMu.Lock()
	defer c.changeLogCursorMu.Unlock()
	return c.changeLogCursorID
}

// AdvanceChangeLogCursor records that this client has processed all
// remote document changes up to and including changeID. Called by the
// embedding application's document cache, not by the coordinator
// itself (spec.md §1: out of scope collaborator).
func (c *Coordinator) AdvanceChangeLogCursor(changeID int64) {
	c.changeLogCursorMu.Lock()
	defer c.changeLogCursorMu.Unlock()
	if changeID > c.changeLogCursorID {
		c.changeLogCursorID = changeID
	}
}
