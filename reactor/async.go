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

package reactor

import (
	"sync"
	"sync/atomic"

	"github.com/nabbar/reactorhttp/httpwire"
)

// Waker lets an AsyncQueue interrupt a blocked epoll_wait the instant a
// completion is posted. eventloop.Loop satisfies this with its Wake
// method.
type Waker interface {
	Wake()
}

type completion struct {
	fd   int
	gen  uint64
	resp httpwire.Response
}

// AsyncQueue collects responses produced by AsyncHandlerFunc callbacks
// running on arbitrary goroutines and hands them back to the loop thread
// in Drain, the only place they are ever read. Posting after the owning
// connection has already closed is harmless: Drain's caller discards
// completions for fds it no longer recognizes, and gen guards against the
// rarer case of the kernel having already reused fd for an unrelated
// connection by the time Drain runs.
type AsyncQueue struct {
	mu    sync.Mutex
	items []completion
	waker Waker
}

// NewAsyncQueue returns an empty queue that wakes waker whenever a
// completion is posted.
func NewAsyncQueue(waker Waker) *AsyncQueue {
	return &AsyncQueue{waker: waker}
}

// Post appends a completion for fd/gen and wakes the loop. Safe to call
// from any goroutine.
func (q *AsyncQueue) Post(fd int, gen uint64, resp httpwire.Response) {
	q.mu.Lock()
	q.items = append(q.items, completion{fd: fd, gen: gen, resp: resp})
	q.mu.Unlock()

	if q.waker != nil {
		q.waker.Wake()
	}
}

// Drain returns and clears all completions posted since the last Drain.
func (q *AsyncQueue) Drain() []completion {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// asyncHandle is a minimal connstate.AsyncHandle carrying a cancelled
// flag. Run's completion loop skips a completion whose connection's Async
// field holds a cancelled *asyncHandle; the reactor itself does not
// create one when it dispatches an AsyncHandlerFunc.
type asyncHandle struct {
	cancelled int32
}

func newAsyncHandle() *asyncHandle {
	return &asyncHandle{}
}

func (h *asyncHandle) Cancel() {
	atomic.StoreInt32(&h.cancelled, 1)
}

func (h *asyncHandle) isCancelled() bool {
	return atomic.LoadInt32(&h.cancelled) == 1
}
