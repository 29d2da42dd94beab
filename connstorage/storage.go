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

// Package connstorage maps accepted file descriptors to their
// connstate.State, backed by a slab pool for stable addresses and a
// bounded recycle cache so short-lived connections don't churn the pool.
// All exported methods are meant to be called only from the reactor's
// loop thread; none of it is internally synchronized.
package connstorage

import (
	"time"

	"github.com/nabbar/reactorhttp/connstate"
	"github.com/nabbar/reactorhttp/pool"

	liberr "github.com/nabbar/reactorhttp/errors"
)

const defaultRecycleCap = 256

// Storage owns every live connstate.State, keyed by file descriptor, plus
// a bounded cache of recently closed states available for reuse.
type Storage struct {
	pool    *pool.Pool[connstate.State]
	live    map[int]*connstate.State
	recycle []*connstate.State
	cap     int
}

// New returns an empty Storage. recycleCap bounds how many closed states
// are kept warm for reuse before being returned to the pool; a
// non-positive value falls back to a default of 256.
func New(recycleCap int) *Storage {
	if recycleCap <= 0 {
		recycleCap = defaultRecycleCap
	}
	return &Storage{
		pool: pool.New[connstate.State](128),
		live: make(map[int]*connstate.State, 1024),
		cap:  recycleCap,
	}
}

// Acquire returns a connstate.State for a newly accepted fd, reusing a
// recycled one if available. The pointer is stable for as long as the
// fd stays registered; callers may hold it across further Acquire calls
// without it moving.
func (s *Storage) Acquire(fd int) (*connstate.State, liberr.Error) {
	if _, exists := s.live[fd]; exists {
		return nil, ErrorDuplicateFD.Error(nil)
	}

	var st *connstate.State
	if n := len(s.recycle); n > 0 {
		st = s.recycle[n-1]
		s.recycle = s.recycle[:n-1]
		st.Reset()
	} else {
		st = s.pool.Get()
		*st = *connstate.New()
	}

	st.FD = fd
	st.LastActivity = time.Now()
	s.live[fd] = st
	return st, nil
}

// Lookup returns the State registered for fd, if any.
func (s *Storage) Lookup(fd int) (*connstate.State, bool) {
	st, ok := s.live[fd]
	return st, ok
}

// Len reports the number of currently live connections.
func (s *Storage) Len() int {
	return len(s.live)
}

// Release removes fd from the live map. If the recycle cache has room,
// the State is reset and parked there for reuse by a future Acquire;
// otherwise it is returned to the pool outright. Either way the caller
// must not use the pointer again after calling Release.
func (s *Storage) Release(fd int) liberr.Error {
	st, ok := s.live[fd]
	if !ok {
		return ErrorUnknownFD.Error(nil)
	}
	delete(s.live, fd)

	if len(s.recycle) < s.cap {
		st.Reset()
		s.recycle = append(s.recycle, st)
		return nil
	}

	st.Reset()
	return s.pool.Put(st)
}

// SweepIdle calls onIdle for every live connection whose LastActivity is
// older than now.Add(-timeout), in map iteration order (not sorted by
// fd). It does not remove
// anything itself; the reactor decides what "idle" means for each
// connection (close vs. respond) and calls Release separately.
func (s *Storage) SweepIdle(now time.Time, timeout time.Duration, onIdle func(fd int, st *connstate.State)) {
	cutoff := now.Add(-timeout)
	for fd, st := range s.live {
		if st.LastActivity.Before(cutoff) {
			onIdle(fd, st)
		}
	}
}

// SweepHandshake calls onTimeout for every live connection with a
// handshake in flight whose HandshakeStart predates now.Add(-timeout).
func (s *Storage) SweepHandshake(now time.Time, timeout time.Duration, onTimeout func(fd int, st *connstate.State)) {
	cutoff := now.Add(-timeout)
	for fd, st := range s.live {
		if st.HandshakeInFlight() && st.HandshakeStart.Before(cutoff) {
			onTimeout(fd, st)
		}
	}
}

// PoolStats reports the underlying slab pool's allocated/free slot counts.
func (s *Storage) PoolStats() (allocated int, free int) {
	return s.pool.Stats()
}

// RecycleLen reports how many states currently sit in the recycle cache.
func (s *Storage) RecycleLen() int {
	return len(s.recycle)
}
