package coordinator

import (
	"context"

	"github.com/marmos91/dittofs/pkg/coordinator/queue"
	"github.com/marmos91/dittofs/pkg/coordinator/store"
)

// metadataRefresher is spec.md §4.4: a self-rescheduling task on the
// async queue, grounded on github.com/marmos91/dittofs's
// pkg/cache/flusher.BackgroundFlusher's sweep-then-reschedule shape,
// adapted from a ticker loop into an explicit enqueue_after chain so
// it shares the coordinator's single FIFO executor rather than running
// on its own goroutine.
type metadataRefresher struct {
	c      *Coordinator
	cancel queue.Cancelable
}

func newMetadataRefresher(c *Coordinator) *metadataRefresher {
	return &metadataRefresher{c: c}
}

// start enqueues a tick immediately and, through each tick's
// reschedule, every subsequent tick after the configured interval.
// Start has already run the first heartbeat itself, so this first tick
// is a second heartbeat plus the first GC check.
func (r *metadataRefresher) start() {
	r.c.queue.EnqueueAndForget(r.tick)
}

func (r *metadataRefresher) stop() {
	if r.cancel != nil {
		r.cancel.Cancel()
	}
}

func (r *metadataRefresher) tick(ctx context.Context) {
	if err := updateMetadataAndTryBecomePrimary(ctx, r.c); err != nil {
		r.c.logger.Error("metadata refresh failed", "error", err)
	}
	if err := r.maybeGCMultiClientState(ctx); err != nil {
		r.c.logger.Error("garbage collection pass failed", "error", err)
	}
	r.reschedule()
}

func (r *metadataRefresher) reschedule() {
	r.cancel = r.c.queue.EnqueueAfter(r.c.cfg.ClientMetadataRefreshInterval, r.tick)
}

// maybeGCMultiClientState is spec.md §4.4's GC policy: runs at most
// once per ClientStateGCThreshold and only while this client is
// primary.
func (r *metadataRefresher) maybeGCMultiClientState(ctx context.Context) error {
	c := r.c
	if !c.lease.getIsPrimary() {
		return nil
	}

	now := c.clk.NowMs()
	c.gcMu.Lock()
	elapsed := now - c.lastGCAtMs
	if c.lastGCAtMs != 0 && elapsed < c.cfg.ClientStateGCThreshold.Milliseconds() {
		c.gcMu.Unlock()
		return nil
	}
	c.lastGCAtMs = now
	c.gcMu.Unlock()

	var inactiveIDs []string

	err := c.store.WithReadWrite(ctx, func(ctx context.Context, tx store.Transaction) error {
		maxAgeMs := c.cfg.ClientStateGCThreshold.Milliseconds()

		all, err := tx.ListClientMetadata(ctx)
		if err != nil {
			return err
		}

		var active []*store.ClientMetadata
		for _, m := range all {
			stale := !c.lease.withinAge(m.UpdateTimeMs, maxAgeMs)
			zombied := isZombied(c.sideChannel, c.storagePrefix, m.ClientID)
			if stale || zombied {
				inactiveIDs = append(inactiveIDs, m.ClientID)
				continue
			}
			active = append(active, m)
		}

		for _, id := range inactiveIDs {
			if err := tx.DeleteClientMetadata(ctx, id); err != nil {
				return err
			}
		}

		var oldest int64 = -1
		for _, m := range active {
			if m.ClientID == c.clientID {
				continue
			}
			if oldest == -1 || m.LastProcessedDocumentChangeID < oldest {
				oldest = m.LastProcessedDocumentChangeID
			}
		}
		if oldest != -1 {
			if err := tx.TruncateChangeLogThrough(ctx, oldest); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// spec.md §4.4: "on-disk removal is performed before side-channel
	// removal to prevent reviving a zombied client."
	for _, id := range inactiveIDs {
		if rmErr := c.sideChannel.Remove(zombieMarkerKey(c.storagePrefix, id)); rmErr != nil {
			c.logger.Warn("failed to remove zombie marker during gc", "clientId", id, "error", rmErr)
		}
	}
	c.metrics.ObserveGCRun(len(inactiveIDs))
	return nil
}

// updateMetadataAndTryBecomePrimary is spec.md §4.3's
// update_metadata_and_try_become_primary: one read-write transaction
// that upserts the heartbeat, evaluates eligibility, and acquires or
// releases the lease accordingly. Listener notification happens after
// the transaction commits, enqueued by setIsPrimary.
func updateMetadataAndTryBecomePrimary(ctx context.Context, c *Coordinator) error {
	if persistErr := c.lease.getPersistenceError(); persistErr != nil {
		return persistErr
	}

	wasPrimary := c.lease.getIsPrimary()
	var eligible bool

	err := c.store.WithReadWrite(ctx, func(ctx context.Context, tx store.Transaction) error {
		c.lease.mu.Lock()
		self := c.lease.clientID
		networkEnabled := c.lease.networkEnabled
		inForeground := c.lease.inForeground
		c.lease.mu.Unlock()

		own := &store.ClientMetadata{
			ClientID:                      self,
			UpdateTimeMs:                  c.clk.NowMs(),
			NetworkEnabled:                networkEnabled,
			InForeground:                  inForeground,
			LastProcessedDocumentChangeID: c.changeLogCursor(),
		}
		if err := tx.PutClientMetadata(ctx, own); err != nil {
			return err
		}

		var err error
		eligible, err = c.lease.canActAsPrimary(ctx, tx)
		if err != nil {
			return err
		}

		if eligible {
			return c.lease.acquireOrExtendLease(ctx, tx)
		}
		return c.lease.releaseLeaseIfHeld(ctx, tx)
	})
	if err != nil {
		return err
	}

	c.metrics.ObserveRefresh(refreshOutcome(wasPrimary, eligible))
	c.lease.setIsPrimary(eligible)
	return nil
}

// refreshOutcome labels a single refresh tick by the transition (if any)
// it produced in the local primary bit.
func refreshOutcome(wasPrimary, isPrimary bool) string {
	switch {
	case !wasPrimary && isPrimary:
		return OutcomeBecamePrimary
	case wasPrimary && !isPrimary:
		return OutcomeLostPrimary
	case wasPrimary && isPrimary:
		return OutcomeRemainedPrimary
	default:
		return OutcomeRemainedSecondary
	}
}
