// Package deadman implements a restartable countdown that raises an alarm when
// in-flight work stops reporting liveness.
package deadman

import (
	"sync"
	"time"
)

// Timer fires its alarm at most once per Start/Stop cycle if KeepAlive is not
// called within the timeout. A zero or negative timeout disables the alarm.
type Timer struct {
	mu      sync.Mutex
	timeout time.Duration
	alarm   func()

	t     *time.Timer
	gen   uint64 // invalidates callbacks of superseded countdowns
	armed bool
	fired bool
}

// New returns a disarmed timer.
func New(timeout time.Duration, alarm func()) *Timer {
	return &Timer{timeout: timeout, alarm: alarm}
}

// Timeout returns the configured window.
func (d *Timer) Timeout() time.Duration { return d.timeout }

// Start arms the timer, restarting the cycle if it was already armed.
func (d *Timer) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	if d.timeout <= 0 {
		return
	}
	d.armed = true
	d.fired = false
	d.scheduleLocked()
}

// KeepAlive resets the countdown. It has no effect on a disarmed timer or
// once the alarm has fired in the current cycle.
func (d *Timer) KeepAlive() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.armed || d.fired {
		return
	}
	if d.t != nil {
		d.t.Stop()
	}
	d.scheduleLocked()
}

// Stop disarms the timer without firing.
func (d *Timer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Fired reports whether the alarm fired in the current cycle.
func (d *Timer) Fired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

func (d *Timer) stopLocked() {
	d.armed = false
	d.gen++
	if d.t != nil {
		d.t.Stop()
		d.t = nil
	}
}

func (d *Timer) scheduleLocked() {
	d.gen++
	gen := d.gen
	d.t = time.AfterFunc(d.timeout, func() { d.expire(gen) })
}

func (d *Timer) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.armed || d.fired {
		d.mu.Unlock()
		return
	}
	d.fired = true
	alarm := d.alarm
	d.mu.Unlock()

	if alarm != nil {
		alarm()
	}
}
