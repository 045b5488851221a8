// Package clock abstracts timers so debounce, expiry and reconnect backoff
// can be driven by a virtual clock in tests.
package clock

import "time"

// Clock is the subset of the time package used by supportline. Production
// code uses Real(); tests use Fake() and advance time explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can cancel
	// or re-arm the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a single-shot timer that can be cancelled and re-armed.
type Timer interface {
	// Stop cancels the pending call. Returns false if it already fired or
	// was already stopped.
	Stop() bool

	// Reset re-arms the timer to fire d from now. Returns true if the
	// timer was pending before the call.
	Reset(d time.Duration) bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
