package coordinator

import (
	"context"

	coorderrors "github.com/marmos91/dittofs/pkg/coordinator/errors"
	"github.com/marmos91/dittofs/pkg/coordinator/store"
)

// RunTransaction is spec.md §4.5's Transaction Gate: the entry point
// for all caller-initiated persistent work. Generic over the result
// type T so callers get a typed value back instead of interface{},
// matching the `Future<T>` signature in spec.md §6.
func RunTransaction[T any](ctx context.Context, c *Coordinator, actionName string, requirePrimary bool, body func(ctx context.Context, tx store.Transaction) (T, error)) (T, error) {
	var zero T

	if persistErr := c.lease.getPersistenceError(); persistErr != nil {
		return zero, persistErr
	}

	var result T
	err := c.store.WithReadWrite(ctx, func(ctx context.Context, tx store.Transaction) error {
		if requirePrimary {
			ok, err := c.lease.canActAsPrimary(ctx, tx)
			if err != nil {
				return err
			}
			if !ok {
				c.lease.setIsPrimary(false)
				return coorderrors.NewPrimaryLeaseLostError()
			}

			r, err := body(ctx, tx)
			if err != nil {
				return err
			}
			result = r

			// spec.md §4.5 step 4: refresh the lease after the body so
			// the stored timestamp reflects actual completion.
			if err := c.lease.acquireOrExtendLease(ctx, tx); err != nil {
				return err
			}
			return nil
		}

		if err := c.verifyAllowTabSynchronization(ctx, tx); err != nil {
			return err
		}
		r, err := body(ctx, tx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	c.metrics.ObserveTransaction(actionName, err == nil)
	if err != nil {
		return zero, err
	}
	return result, nil
}

// verifyAllowTabSynchronization is spec.md §4.5's
// verify_allow_tab_synchronization: fails PrimaryLeaseExclusive if a
// valid remote leaseholder exists that has not opted into shared
// access.
func (c *Coordinator) verifyAllowTabSynchronization(ctx context.Context, tx store.Transaction) error {
	maxAgeMs := c.cfg.ClientMetadataMaxAge.Milliseconds()

	primary, err := tx.GetPrimaryClient(ctx)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return coorderrors.NewStoreTransientError(err)
	}

	if primary.OwnerID == c.clientID {
		return nil
	}
	if !c.lease.withinAge(primary.LeaseTimestampMs, maxAgeMs) {
		return nil
	}
	if isZombied(c.sideChannel, c.storagePrefix, primary.OwnerID) {
		return nil
	}
	if !primary.AllowTabSynchronization {
		return coorderrors.NewPrimaryLeaseExclusiveError(primary.OwnerID)
	}
	return nil
}
