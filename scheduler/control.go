package scheduler

import "sync/atomic"

// Control pauses and resumes a running session. It is safe for concurrent
// use.
type Control struct {
	paused atomic.Bool
	wake   chan struct{}
}

// NewControl creates a Control in the running state.
func NewControl() *Control {
	return &Control{wake: make(chan struct{}, 1)}
}

// Pause stops dispatching new chunks. It reports whether the state changed.
func (c *Control) Pause() bool {
	if !c.paused.CompareAndSwap(false, true) {
		return false
	}
	c.signal()
	return true
}

// Resume continues dispatching. It reports whether the state changed.
func (c *Control) Resume() bool {
	if !c.paused.CompareAndSwap(true, false) {
		return false
	}
	c.signal()
	return true
}

// Paused reports whether the session is paused.
func (c *Control) Paused() bool {
	return c.paused.Load()
}

func (c *Control) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
