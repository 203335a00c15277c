package coordinator

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"

	"github.com/marmos91/dittofs/pkg/coordinator/sidechannel"
)

// NewClientID generates an opaque, stable-for-process-lifetime client
// identifier, matching spec.md §3's ClientMetadata.clientId contract:
// stable identity with no required external meaning.
func NewClientID() string {
	var buf [12]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// PrimaryStateListener is invoked via the async queue whenever the
// local client's primary bit transitions while the coordinator is
// started, and once immediately on registration with the current value
// (spec.md §6). Transitions made before Start completes (including the
// first heartbeat's) are not delivered.
type PrimaryStateListener func(isPrimary bool)

// state is the lease state machine's local state (spec.md §4.3).
type state int

const (
	stateStarting state = iota
	stateSecondary
	statePrimary
	stateFailed
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateStarting:
		return "Starting"
	case stateSecondary:
		return "Secondary"
	case statePrimary:
		return "Primary"
	case stateFailed:
		return "Failed"
	case stateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

func zombieMarkerKey(storagePrefix, clientID string) string {
	return sidechannel.ZombieMarkerKey(storagePrefix, clientID)
}

func isZombied(sc sidechannel.Store, storagePrefix, clientID string) bool {
	_, ok, err := sc.Get(zombieMarkerKey(storagePrefix, clientID))
	if err != nil {
		// spec.md §9 Open Question: side-channel failure is treated as
		// "not zombied" (liveness-preserving). Logged here, through the
		// default slog logger.
		slog.Warn("side channel read failed; treating client as not zombied", "clientId", clientID, "error", err)
		return false
	}
	return ok
}
