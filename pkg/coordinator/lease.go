package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/marmos91/dittofs/pkg/coordinator/clock"
	coorderrors "github.com/marmos91/dittofs/pkg/coordinator/errors"
	"github.com/marmos91/dittofs/pkg/coordinator/queue"
	"github.com/marmos91/dittofs/pkg/coordinator/sidechannel"
	"github.com/marmos91/dittofs/pkg/coordinator/store"
)

// leaseStateMachine is spec.md §4.3's Lease State Machine, grounded on
// github.com/marmos91/dittofs's pkg/metadata/lock.GracePeriodManager:
// a small mutex-guarded local state struct plus pure evaluation
// functions that run inside a caller-supplied transaction, with
// listener callbacks always invoked outside the lock.
type leaseStateMachine struct {
	clientID      string
	storagePrefix string
	cfg           Config
	clk           clock.Clock
	sideChannel   sidechannel.Store
	queue         *queue.Queue
	logger        *slog.Logger

	metrics *Metrics

	mu               sync.Mutex
	isPrimary        bool
	networkEnabled   bool
	inForeground     bool
	started          bool
	persistenceError error
	listener         PrimaryStateListener
	state            state
}

func newLeaseStateMachine(clientID, storagePrefix string, cfg Config, clk clock.Clock, sc sidechannel.Store, q *queue.Queue, logger *slog.Logger, metrics *Metrics) *leaseStateMachine {
	return &leaseStateMachine{
		clientID:       clientID,
		storagePrefix:  storagePrefix,
		cfg:            cfg,
		clk:            clk,
		sideChannel:    sc,
		queue:          q,
		logger:         logger,
		metrics:        metrics,
		networkEnabled: true,
		inForeground:   true,
		state:          stateStarting,
	}
}

func (l *leaseStateMachine) withinAge(tsMs int64, maxAge int64) bool {
	now := l.clk.NowMs()
	if tsMs > now {
		// spec.md §5 clock assumptions: a future-dated timestamp is
		// treated as not within age, logged but not escalated.
		l.logger.Warn("client timestamp is in the future relative to local clock", "timestampMs", tsMs, "nowMs", now)
		return false
	}
	return now-tsMs <= maxAge
}

// canActAsPrimary is spec.md §4.3's can_act_as_primary, evaluated
// within an active transaction. Returns (eligible, error); error is a
// CoordinatorError{Code: ErrPrimaryLeaseExclusive} when a non-
// synchronizing remote holder is found, matching the "fail, abort
// transaction" requirement.
func (l *leaseStateMachine) canActAsPrimary(ctx context.Context, tx store.Transaction) (bool, error) {
	maxAgeMs := l.cfg.ClientMetadataMaxAge.Milliseconds()

	primary, err := tx.GetPrimaryClient(ctx)
	leaseExists := err == nil
	if err != nil && err != store.ErrNotFound {
		return false, coorderrors.NewStoreTransientError(err)
	}

	l.mu.Lock()
	self := l.clientID
	networkEnabled := l.networkEnabled
	inForeground := l.inForeground
	l.mu.Unlock()

	currentLeaseValid := leaseExists &&
		l.withinAge(primary.LeaseTimestampMs, maxAgeMs) &&
		!isZombied(l.sideChannel, l.storagePrefix, primary.OwnerID)

	if currentLeaseValid && primary.OwnerID == self {
		return networkEnabled, nil
	}

	if currentLeaseValid {
		if !primary.AllowTabSynchronization {
			return false, coorderrors.NewPrimaryLeaseExclusiveError(primary.OwnerID)
		}
		return false, nil
	}

	// Lease invalid or absent.
	if networkEnabled && inForeground {
		return true, nil
	}

	peers, err := tx.ListClientMetadata(ctx)
	if err != nil {
		return false, coorderrors.NewStoreTransientError(err)
	}

	for _, p := range peers {
		if p.ClientID == self {
			continue
		}
		if !l.withinAge(p.UpdateTimeMs, maxAgeMs) || isZombied(l.sideChannel, l.storagePrefix, p.ClientID) {
			continue
		}
		if preferredOver(p, store.ClientMetadata{NetworkEnabled: networkEnabled, InForeground: inForeground}) {
			return false, nil
		}
	}
	return true, nil
}

// preferredOver reports whether peer p is preferred over self under
// spec.md §4.3 step 5's predicate. Ties favor self.
func preferredOver(p *store.ClientMetadata, self store.ClientMetadata) bool {
	if p.NetworkEnabled && !self.NetworkEnabled {
		return true
	}
	if p.InForeground && !self.InForeground && p.NetworkEnabled == self.NetworkEnabled {
		return true
	}
	return false
}

// acquireOrExtendLease is spec.md §4.3's acquire_or_extend_lease:
// unconditionally writes a fresh PrimaryClient. Caller must have
// already verified eligibility.
func (l *leaseStateMachine) acquireOrExtendLease(ctx context.Context, tx store.Transaction) error {
	l.mu.Lock()
	self := l.clientID
	allowSync := l.cfg.AllowTabSynchronization
	l.mu.Unlock()

	p := &store.PrimaryClient{
		OwnerID:                 self,
		LeaseTimestampMs:        l.clk.NowMs(),
		AllowTabSynchronization: allowSync,
	}
	if err := tx.PutPrimaryClient(ctx, p); err != nil {
		return coorderrors.NewStoreTransientError(err)
	}
	return nil
}

// releaseLeaseIfHeld is spec.md §4.3's release_lease_if_held.
func (l *leaseStateMachine) releaseLeaseIfHeld(ctx context.Context, tx store.Transaction) error {
	l.mu.Lock()
	self := l.clientID
	l.mu.Unlock()

	primary, err := tx.GetPrimaryClient(ctx)
	if err != nil && err != store.ErrNotFound {
		return coorderrors.NewStoreTransientError(err)
	}
	if err == nil && primary.OwnerID == self {
		if err := tx.DeletePrimaryClient(ctx); err != nil {
			return coorderrors.NewStoreTransientError(err)
		}
	}

	l.setIsPrimary(false)
	return nil
}

// setIsPrimary updates the cached bit and, if it changed and the
// machine is still started, enqueues the listener call on the async
// queue. The listener is never called directly, so it runs outside
// any store transaction the caller may be inside (spec.md §4.3 step 3:
// "delivered outside the transaction").
func (l *leaseStateMachine) setIsPrimary(isPrimary bool) {
	l.mu.Lock()
	changed := l.isPrimary != isPrimary
	l.isPrimary = isPrimary
	if isPrimary {
		l.state = statePrimary
	} else if l.state != stateStopped && l.state != stateFailed {
		l.state = stateSecondary
	}
	listener := l.listener
	started := l.started
	l.mu.Unlock()

	l.metrics.SetIsPrimary(isPrimary)
	if changed {
		l.metrics.ObserveLeaseTransition(isPrimary)
	}

	if changed && started && listener != nil {
		l.queue.EnqueueAndForget(func(context.Context) {
			listener(isPrimary)
		})
	}
}

func (l *leaseStateMachine) currentState() state {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *leaseStateMachine) setListener(cb PrimaryStateListener) {
	l.mu.Lock()
	l.listener = cb
	isPrimary := l.isPrimary
	l.mu.Unlock()

	// spec.md §6: "Initial invocation occurs on registration with the
	// current value."
	if cb != nil {
		l.queue.EnqueueAndForget(func(context.Context) {
			cb(isPrimary)
		})
	}
}

func (l *leaseStateMachine) setNetworkEnabled(enabled bool) (changed bool) {
	l.mu.Lock()
	changed = l.networkEnabled != enabled
	l.networkEnabled = enabled
	l.mu.Unlock()
	return changed
}

func (l *leaseStateMachine) setInForeground(inForeground bool) (changed bool) {
	l.mu.Lock()
	changed = l.inForeground != inForeground
	l.inForeground = inForeground
	l.mu.Unlock()
	return changed
}

func (l *leaseStateMachine) isNetworkEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.networkEnabled
}

func (l *leaseStateMachine) markStarted() {
	l.mu.Lock()
	l.started = true
	if l.state == stateStarting {
		l.state = stateSecondary
	}
	l.mu.Unlock()
}

func (l *leaseStateMachine) markStopped() {
	l.mu.Lock()
	l.started = false
	l.state = stateStopped
	l.mu.Unlock()
}

func (l *leaseStateMachine) markFailed() {
	l.mu.Lock()
	l.state = stateFailed
	l.mu.Unlock()
}

func (l *leaseStateMachine) latchPersistenceError(err error) {
	l.mu.Lock()
	l.persistenceError = err
	l.mu.Unlock()
}

func (l *leaseStateMachine) getPersistenceError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persistenceError
}

func (l *leaseStateMachine) getIsPrimary() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isPrimary
}
