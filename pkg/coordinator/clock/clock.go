// Package clock provides the coordinator's wall-clock and timer source,
// kept as a narrow seam so tests can drive multi-client histories (S1-S6
// in SPEC_FULL.md) without real sleeps.
package clock

import "time"

// Clock is the coordinator's view of wall time and scheduled callbacks.
type Clock interface {
	// NowMs returns the current wall-clock time in milliseconds since the
	// Unix epoch, matching the updateTimeMs/leaseTimestampMs units used
	// throughout the data model.
	NowMs() int64

	// AfterFunc schedules fn to run once after d elapses and returns a
	// handle whose Stop cancels it if it has not yet fired. Mirrors
	// time.AfterFunc so the real implementation is a one-line wrapper.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancelable one-shot timer handle.
type Timer interface {
	// Stop prevents the timer from firing, if it has not already fired
	// or been stopped. Returns true if the stop prevented an actual
	// firing. Best-effort: a callback already running is not aborted.
	Stop() bool
}

// System is the real Clock backed by the standard library.
type System struct{}

func (System) NowMs() int64 {
	return time.Now().UnixMilli()
}

func (System) AfterFunc(d time.Duration, fn func()) Timer {
	return timerWrapper{time.AfterFunc(d, fn)}
}

type timerWrapper struct {
	t *time.Timer
}

func (w timerWrapper) Stop() bool {
	return w.t.Stop()
}
