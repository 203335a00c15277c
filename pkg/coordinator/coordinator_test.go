package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittofs/pkg/coordinator/changelog"
	"github.com/marmos91/dittofs/pkg/coordinator/clock"
	coorderrors "github.com/marmos91/dittofs/pkg/coordinator/errors"
	"github.com/marmos91/dittofs/pkg/coordinator/sidechannel"
	"github.com/marmos91/dittofs/pkg/coordinator/store"
	memorystore "github.com/marmos91/dittofs/pkg/coordinator/store/memory"
)

// newTestHarness wires a coordinator against a shared memory store and
// side channel, so multiple coordinator instances in-process simulate
// multiple browser tabs sharing one database, per SPEC_FULL.md §4.1.
//
// This file is an internal (white-box) test so it can reach into a
// Coordinator's queue to deterministically drain async work after
// advancing the fake clock, rather than racing the worker goroutine.
type testHarness struct {
	clk *clock.Fake
	st  store.Store
	sc  sidechannel.Store
	cl  *changelog.MemoryLog
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	cl := changelog.NewMemoryLog()
	return &testHarness{
		clk: clock.NewFake(1_000_000),
		st:  memorystore.New(cl),
		sc:  sidechannel.NewMemoryStore(),
		cl:  cl,
	}
}

func (h *testHarness) newClient(t *testing.T, clientID string, networkEnabled, inForeground bool) *Coordinator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PersistenceKey = "test"
	cfg.ProjectID = "proj"

	c := New(Options{
		Config:      cfg,
		Store:       h.st,
		SideChannel: h.sc,
		Clock:       h.clk,
		ClientID:    clientID,
		Collaborators: Collaborators{
			ChangeLog: h.cl,
		},
	})
	// Both setters are no-ops against the lease machine's true/true
	// defaults, so the common case doesn't enqueue a pre-Start
	// re-evaluation task that would otherwise race the first heartbeat
	// Start runs synchronously.
	c.SetNetworkEnabled(networkEnabled)
	c.SetInForeground(inForeground)
	return c
}

// advance moves the shared fake clock forward and drains every given
// coordinator's queue afterward, so any refresher tick or re-evaluation
// enqueued by firing a due timer has actually run before the caller
// asserts on IsPrimary/GetActiveClients.
func (h *testHarness) advance(d time.Duration, cs ...*Coordinator) {
	h.clk.Advance(d)
	drain(cs...)
}

func drain(cs ...*Coordinator) {
	for _, c := range cs {
		c.queue.Drain()
	}
}

func refreshInterval() time.Duration { return DefaultConfig().ClientMetadataRefreshInterval }
func maxAge() time.Duration          { return DefaultConfig().ClientMetadataMaxAge }
func gcThreshold() time.Duration     { return DefaultConfig().ClientStateGCThreshold }

// S1 — Solo startup.
func TestSoloStartupBecomesPrimary(t *testing.T) {
	h := newTestHarness(t)
	a := h.newClient(t, "A", true, true)

	var notifications []bool
	a.SetPrimaryStateListener(func(isPrimary bool) {
		notifications = append(notifications, isPrimary)
	})

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer a.Shutdown(ctx, false)
	drain(a)

	require.True(t, a.IsPrimary())

	ids, err := a.GetActiveClients(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, "A")
}

// S2 — Hand-off on background.
//
// Per §4.3 step 2, a local client holding a currently-valid lease
// retains it as long as network_enabled stays true, regardless of
// inForeground — this is deliberate anti-flapping behavior, not a
// gap: the preference predicate (step 5) only ever runs once the
// current lease is absent or stale. See DESIGN.md's note on S2 for the
// full reconciliation with spec.md's scenario narrative. This test
// therefore drives the handoff the way the algorithm actually performs
// it: A backgrounding also drops offline (a common mobile-runtime
// coupling), so A's next evaluation returns false and releases its
// lease, and B, still foreground and online, claims the absent lease at
// its next refresh through the step 4 self-assertion.
func TestHandoffOnBackground(t *testing.T) {
	h := newTestHarness(t)
	a := h.newClient(t, "A", true, true)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer a.Shutdown(ctx, false)
	drain(a)
	require.True(t, a.IsPrimary())

	b := h.newClient(t, "B", true, true)
	require.NoError(t, b.Start(ctx))
	defer b.Shutdown(ctx, false)
	drain(b)

	a.SetInForeground(false)
	a.SetNetworkEnabled(false)
	drain(a)

	h.advance(refreshInterval(), a, b)

	require.False(t, a.IsPrimary())
	require.True(t, b.IsPrimary())
}

// S3 — Crash recovery: A's lease goes stale with no graceful shutdown,
// B reclaims it once the max-age threshold elapses.
func TestCrashRecoveryReclaimsStaleLease(t *testing.T) {
	h := newTestHarness(t)
	a := h.newClient(t, "A", true, true)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	drain(a)
	require.True(t, a.IsPrimary())
	// Simulate a crash: no graceful Shutdown, no zombie marker, and the
	// in-process worker goroutine itself is killed so it stops
	// extending A's lease (an in-process simulation can't otherwise
	// represent the process disappearing).
	a.queue.Stop()

	b := h.newClient(t, "B", true, true)
	require.NoError(t, b.Start(ctx))
	defer b.Shutdown(ctx, false)
	drain(b)

	require.False(t, b.IsPrimary(), "B should not yet claim a still-valid lease")

	h.advance(maxAge(), b)
	h.advance(refreshInterval(), b)

	require.True(t, b.IsPrimary())
}

// S4 — Unload handoff: A writes a zombie marker directly (simulating
// its unload handler) without waiting for the lease to expire; B
// should claim the lease at its next refresh regardless of lease age.
func TestUnloadZombieMarkerAllowsImmediateHandoff(t *testing.T) {
	h := newTestHarness(t)
	a := h.newClient(t, "A", true, true)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	drain(a)
	require.True(t, a.IsPrimary())

	b := h.newClient(t, "B", true, true)
	require.NoError(t, b.Start(ctx))
	defer b.Shutdown(ctx, false)
	drain(b)
	require.False(t, b.IsPrimary())

	// Simulate A's unload handler firing without a graceful shutdown
	// sequence completing (process died right after): the zombie marker
	// is written directly, and A's worker goroutine is killed so it
	// cannot re-extend its own (now-zombied) lease on its next tick.
	require.NoError(t, h.sc.Set(sidechannel.ZombieMarkerKey(coordinatorStoragePrefix(t), "A"), "unload"))
	a.queue.Stop()

	h.advance(refreshInterval(), b)

	require.True(t, b.IsPrimary())
}

func coordinatorStoragePrefix(t *testing.T) string {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PersistenceKey = "test"
	cfg.ProjectID = "proj"
	return cfg.StoragePrefix()
}

// S5 — Exclusivity conflict: A holds the lease with
// AllowTabSynchronization=false; B's Start fails with
// PrimaryLeaseExclusive and does not touch A's record.
func TestExclusivityConflictFailsStart(t *testing.T) {
	h := newTestHarness(t)
	cfg := DefaultConfig()
	cfg.PersistenceKey = "test"
	cfg.ProjectID = "proj"
	cfg.AllowTabSynchronization = false

	a := New(Options{
		Config:      cfg,
		Store:       h.st,
		SideChannel: h.sc,
		Clock:       h.clk,
		ClientID:    "A",
	})

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	drain(a)
	require.True(t, a.IsPrimary())

	bCfg := cfg
	bCfg.AllowTabSynchronization = true
	b := New(Options{
		Config:      bCfg,
		Store:       h.st,
		SideChannel: h.sc,
		Clock:       h.clk,
		ClientID:    "B",
	})

	err := b.Start(ctx)
	require.Error(t, err)
	require.Equal(t, coorderrors.ErrPrimaryLeaseExclusive, coorderrors.CodeOf(err))
	require.False(t, b.IsPrimary())

	ids, err := a.GetActiveClients(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, "A")
}

// S6 — Primary GC setting: a dead client C stops heartbeating while A
// stays primary and the clock moves past the GC threshold. The test
// asserts only that A no longer reports C as active. C's heartbeat is
// then far older than ClientMetadataMaxAge, so GetActiveClients drops
// it whether or not a GC pass has deleted its record; the store, the
// zombie markers and the change log are not inspected.
func TestPrimaryGarbageCollection(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	a := h.newClient(t, "A", true, true)
	require.NoError(t, a.Start(ctx))
	defer a.Shutdown(ctx, false)
	drain(a)
	require.True(t, a.IsPrimary())

	// C writes metadata once, then goes silent (dead client).
	c := h.newClient(t, "C", true, false)
	require.NoError(t, c.Start(ctx))
	drain(c)
	c.AdvanceChangeLogCursor(5)
	// C goes silent (dead client): kill its worker so nothing further
	// refreshes its ClientMetadata heartbeat.
	c.queue.Stop()

	b := h.newClient(t, "B", true, false)
	require.NoError(t, b.Start(ctx))
	defer b.Shutdown(ctx, false)
	drain(b)
	b.AdvanceChangeLogCursor(2)

	// Advance by the GC threshold plus one refresh interval, so C's
	// heartbeat is far past the max age. GC collects only records older
	// than the GC threshold, so whether A's pass in this window deletes
	// C depends on when its tick observes the clock.
	h.advance(gcThreshold(), a, b)
	h.advance(refreshInterval(), a, b)

	ids, err := a.GetActiveClients(ctx)
	require.NoError(t, err)
	require.NotContains(t, ids, "C")
}

// Property 5 — lease-refresh idempotence: repeated refresh ticks with
// no environmental change produce no primary-bit flapping.
func TestRefreshIdempotence(t *testing.T) {
	h := newTestHarness(t)
	a := h.newClient(t, "A", true, true)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer a.Shutdown(ctx, false)
	drain(a)
	require.True(t, a.IsPrimary())

	var transitions int
	a.SetPrimaryStateListener(func(bool) { transitions++ })
	drain(a)
	transitions = 0 // ignore the initial registration callback

	for i := 0; i < 5; i++ {
		h.advance(refreshInterval(), a)
	}

	require.Equal(t, 0, transitions)
	require.True(t, a.IsPrimary())
}

// Property 3 — preference: when the lease is absent, a client that is
// not itself network+foreground defers to a foreground+online peer
// visible in its own heartbeat transaction (§4.3 step 5), rather than
// opportunistically claiming the lease itself.
//
// Note this predicate only ever runs for a requester that fails the
// "networkEnabled && inForeground" self-assertion in step 4 — a
// foreground+online requester claims an absent lease unconditionally,
// without even looking at peers. So the end-to-end race "whichever of
// two foreground-capable clients starts first wins" is S2's anti-
// flapping behavior (a held, valid, synchronizing lease is never
// preempted by preference), not this predicate. To exercise step 5
// itself, this test seeds the foreground peer's heartbeat directly,
// as if that tab's most recent update already landed, then starts the
// background client and confirms it declines to claim the lease.
func TestBackgroundClientDefersToForegroundPeer(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, h.st.WithReadWrite(ctx, func(ctx context.Context, tx store.Transaction) error {
		return tx.PutClientMetadata(ctx, &store.ClientMetadata{
			ClientID:       "FG",
			UpdateTimeMs:   h.clk.NowMs(),
			NetworkEnabled: true,
			InForeground:   true,
		})
	}))

	bg := h.newClient(t, "BG", true, false)
	require.NoError(t, bg.Start(ctx))
	defer bg.Shutdown(ctx, false)
	drain(bg)

	require.False(t, bg.IsPrimary(), "background client should defer to the foreground peer candidate")

	fg := h.newClient(t, "FG", true, true)
	require.NoError(t, fg.Start(ctx))
	defer fg.Shutdown(ctx, false)
	drain(fg)

	require.True(t, fg.IsPrimary())
	require.False(t, bg.IsPrimary())
}
