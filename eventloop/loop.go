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

// Package eventloop wraps Linux epoll into a single-threaded readiness
// multiplexer: one fd is registered per connection plus the listener,
// Poll blocks until at least one is ready (or the loop is woken from
// another goroutine) and reports readiness through a callback rather
// than an allocated slice of results.
package eventloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	liberr "github.com/nabbar/reactorhttp/errors"
)

// Event is a bitmask of readiness conditions, mirroring the epoll event
// flags the caller cares about.
type Event uint32

const (
	Readable   Event = unix.EPOLLIN
	Writable   Event = unix.EPOLLOUT
	Closed     Event = unix.EPOLLHUP | unix.EPOLLRDHUP
	ErrEvent   Event = unix.EPOLLERR
	EdgeTrig   Event = unix.EPOLLET
	OneShot    Event = unix.EPOLLONESHOT
	wakeEvents Event = Readable
)

const initialReadySize = 64

// Loop is an epoll-backed event loop. The zero value is not usable;
// construct with New. A Loop is safe for Add/Modify/Remove from any
// goroutine; Poll must only be called from the owning loop thread.
type Loop struct {
	epfd   int
	wakeFd int
	ready  []unix.EpollEvent
	closed int32
	mu     sync.Mutex
}

// New creates an epoll instance and its wakeup eventfd.
func New() (*Loop, liberr.Error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, ErrorCreateFailed.Error(err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, ErrorEventFDFailed.Error(err)
	}

	l := &Loop{
		epfd:   epfd,
		wakeFd: wakeFd,
		ready:  make([]unix.EpollEvent, initialReadySize),
	}

	if cerr := l.ctl(unix.EPOLL_CTL_ADD, wakeFd, uint32(wakeEvents)); cerr != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, cerr
	}

	return l, nil
}

func (l *Loop) ctl(op int, fd int, events uint32) liberr.Error {
	e := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, op, fd, &e); err != nil {
		return ErrorCtlFailed.Error(err)
	}
	return nil
}

// Add registers fd for the given Event set.
func (l *Loop) Add(fd int, events Event) liberr.Error {
	if atomic.LoadInt32(&l.closed) != 0 {
		return ErrorClosed.Error(nil)
	}
	return l.ctl(unix.EPOLL_CTL_ADD, fd, uint32(events))
}

// Modify changes the registered Event set for fd.
func (l *Loop) Modify(fd int, events Event) liberr.Error {
	if atomic.LoadInt32(&l.closed) != 0 {
		return ErrorClosed.Error(nil)
	}
	return l.ctl(unix.EPOLL_CTL_MOD, fd, uint32(events))
}

// Remove deregisters fd. Callers must still close fd themselves.
func (l *Loop) Remove(fd int) liberr.Error {
	if atomic.LoadInt32(&l.closed) != 0 {
		return ErrorClosed.Error(nil)
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return ErrorCtlFailed.Error(err)
	}
	return nil
}

// Wake interrupts a blocked Poll call from any goroutine. Safe to call
// repeatedly; excess wakeups coalesce.
func (l *Loop) Wake() {
	if atomic.LoadInt32(&l.closed) != 0 {
		return
	}
	var buf [8]byte
	buf[7] = 1
	_, _ = unix.Write(l.wakeFd, buf[:])
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakeFd, buf[:])
		if err == nil || err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// Poll blocks up to timeoutMs milliseconds (negative: forever) waiting
// for readiness, then invokes cb once per ready fd other than the
// internal wakeup fd, which is drained silently. An EINTR from the
// underlying epoll_wait is treated as zero readiness, matching the
// reactor's tolerance for spurious signal interruption.
func (l *Loop) Poll(timeoutMs int, cb func(fd int, events Event)) liberr.Error {
	if atomic.LoadInt32(&l.closed) != 0 {
		return ErrorClosed.Error(nil)
	}

	n, err := unix.EpollWait(l.epfd, l.ready, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return ErrorWaitFailed.Error(err)
	}

	for i := 0; i < n; i++ {
		ev := l.ready[i]
		if int(ev.Fd) == l.wakeFd {
			l.drainWake()
			continue
		}
		cb(int(ev.Fd), Event(ev.Events))
	}

	if n == len(l.ready) {
		l.growReady()
	}

	return nil
}

func (l *Loop) growReady() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready = make([]unix.EpollEvent, len(l.ready)*2)
}

// Close releases the epoll fd and the wakeup eventfd. Further calls to
// Add/Modify/Remove/Poll/Wake return ErrorClosed or are no-ops.
func (l *Loop) Close() liberr.Error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	_ = unix.Close(l.wakeFd)
	if err := unix.Close(l.epfd); err != nil {
		return ErrorCtlFailed.Error(err)
	}
	return nil
}
