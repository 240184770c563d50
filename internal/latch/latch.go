// Package latch implements the process-wide, one-way "disable nonessential
// traffic" flag. It is injected into the components that need to read or
// flip it rather than being reached for as global mutable state.
package latch

import "sync/atomic"

// Latch is a monotonic boolean: once set, Flip is a no-op and Enabled always
// returns true for the remaining lifetime of the process.
type Latch struct {
	flipped atomic.Bool
}

// New creates a Latch seeded with the given initial value (read from
// CLAUDE_CODE_DISABLE_NONESSENTIAL_TRAFFIC at startup by the caller).
func New(initial bool) *Latch {
	l := &Latch{}
	if initial {
		l.flipped.Store(true)
	}
	return l
}

// Enabled reports whether nonessential traffic is currently disabled.
func (l *Latch) Enabled() bool {
	return l.flipped.Load()
}

// Flip sets the latch to true. It returns true the first time it actually
// transitions the value, false if the latch was already set.
func (l *Latch) Flip() bool {
	return l.flipped.CompareAndSwap(false, true)
}
