/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package lifecycle tracks the reactor's Idle/Running/Draining/Stopping
// state machine and the cross-thread wakeup that lets an embedding
// application drive it from outside the loop thread. Start, BeginDrain,
// ShrinkDeadline and Stop change State (or the drain deadline) with
// atomic operations on the calling goroutine; BeginDrain, ShrinkDeadline
// and Stop then signal the eventloop.Loop's wakeup fd so the loop thread
// notices the change at the top of its next iteration.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// State is one of the four reactor lifecycle states. It is written
// atomically by whichever goroutine calls Start, BeginDrain or Stop.
type State int32

const (
	Idle State = iota
	Running
	Draining
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Waker unblocks a blocked eventloop.Poll call from another goroutine.
// Satisfied by *eventloop.Loop; kept as an interface here so lifecycle
// has no import-cycle dependency on eventloop.
type Waker interface {
	Wake()
}

// Lifecycle holds the reactor's state plus the advisory started/ready
// atomics built-in probes read. It does not itself touch the eventloop
// or the listener; the reactor's accept loop calls Begin*/effective
// deadline helpers and acts on the results.
type Lifecycle struct {
	state State // accessed only via atomic on the int32 view

	started int32
	ready   int32
	startup int32

	deadline atomic.Value // time.Time, zero value means "no deadline"

	waker Waker
}

// New returns an Idle Lifecycle that signals waker on every transition
// request so a blocked Poll wakes up promptly.
func New(waker Waker) *Lifecycle {
	l := &Lifecycle{waker: waker}
	l.deadline.Store(time.Time{})
	return l
}

// State returns the current lifecycle state. Safe from any goroutine,
// as are the Start/BeginDrain/ShrinkDeadline/Stop mutators below.
func (l *Lifecycle) State() State {
	return State(atomic.LoadInt32((*int32)(&l.state)))
}

// Start transitions Idle -> Running and flips the started/ready probes
// on. Calling it a second time is a no-op.
func (l *Lifecycle) Start() {
	if atomic.CompareAndSwapInt32((*int32)(&l.state), int32(Idle), int32(Running)) {
		atomic.StoreInt32(&l.started, 1)
		atomic.StoreInt32(&l.ready, 1)
	}
}

// BeginDrain transitions Running -> Draining, clears the readiness
// probe, and records an optional deadline after which surviving
// connections are forced closed. A zero deadline means "no deadline".
// Safe to call from any goroutine; wakes the loop thread.
func (l *Lifecycle) BeginDrain(deadline time.Time) {
	if atomic.CompareAndSwapInt32((*int32)(&l.state), int32(Running), int32(Draining)) {
		atomic.StoreInt32(&l.ready, 0)
		l.deadline.Store(deadline)
		if l.waker != nil {
			l.waker.Wake()
		}
	}
}

// ShrinkDeadline replaces the current drain deadline with d if d is
// earlier than the existing one, or if no deadline was set yet. It never
// extends an existing deadline.
func (l *Lifecycle) ShrinkDeadline(d time.Time) {
	cur := l.Deadline()
	if cur.IsZero() || d.Before(cur) {
		l.deadline.Store(d)
		if l.waker != nil {
			l.waker.Wake()
		}
	}
}

// Deadline returns the current drain deadline, or the zero time if none
// is set.
func (l *Lifecycle) Deadline() time.Time {
	return l.deadline.Load().(time.Time)
}

// Stop transitions to Stopping from any state and wakes the loop thread
// so it closes every connection and returns on its next iteration.
func (l *Lifecycle) Stop() {
	atomic.StoreInt32((*int32)(&l.state), int32(Stopping))
	atomic.StoreInt32(&l.ready, 0)
	if l.waker != nil {
		l.waker.Wake()
	}
}

// MarkStartupComplete flips the one-shot startup probe to true. The
// reactor calls this once, after the first loop iteration completes.
func (l *Lifecycle) MarkStartupComplete() {
	atomic.StoreInt32(&l.startup, 1)
}

// Started reports the liveness probe: true from Start() until process
// exit (it is never cleared).
func (l *Lifecycle) Started() bool {
	return atomic.LoadInt32(&l.started) == 1
}

// Ready reports the readiness probe: true while Running, false while
// Idle, Draining or Stopping.
func (l *Lifecycle) Ready() bool {
	return atomic.LoadInt32(&l.ready) == 1
}

// StartupComplete reports the one-shot startup probe.
func (l *Lifecycle) StartupComplete() bool {
	return atomic.LoadInt32(&l.startup) == 1
}

// EffectivePollTimeout returns the poll timeout the reactor should pass
// to eventloop.Loop.Poll: pollInterval, unless draining with a deadline
// closer than pollInterval away, in which case the time remaining until
// that deadline (floored at zero) is used instead so the loop wakes in
// time to enforce it.
func (l *Lifecycle) EffectivePollTimeout(now time.Time, pollInterval time.Duration) time.Duration {
	if l.State() != Draining {
		return pollInterval
	}
	dl := l.Deadline()
	if dl.IsZero() {
		return pollInterval
	}
	remaining := dl.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	if remaining < pollInterval {
		return remaining
	}
	return pollInterval
}

// DeadlineElapsed reports whether a drain deadline is set and now is at
// or past it.
func (l *Lifecycle) DeadlineElapsed(now time.Time) bool {
	dl := l.Deadline()
	return !dl.IsZero() && !now.Before(dl)
}
