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

package lifecycle

import "sync"

// ConfigMutator mutates live server configuration on the loop thread.
type ConfigMutator func()

// RouterMutator mutates the live route table on the loop thread.
type RouterMutator func()

// PendingUpdates is the mutex-guarded queue cross-thread producers push
// onto via PostConfigUpdate/PostRouterUpdate. The loop thread calls Drain
// at the top of every iteration, applying config mutators before router
// mutators so a route added in the same batch sees the config it expects.
type PendingUpdates struct {
	mu      sync.Mutex
	config  []ConfigMutator
	router  []RouterMutator
	waker   Waker
}

// NewPendingUpdates returns an empty queue that wakes waker whenever a
// mutator is posted, so a blocked Poll notices promptly.
func NewPendingUpdates(waker Waker) *PendingUpdates {
	return &PendingUpdates{waker: waker}
}

// PostConfigUpdate enqueues fn and signals the wakeup. Safe from any
// goroutine.
func (p *PendingUpdates) PostConfigUpdate(fn ConfigMutator) {
	p.mu.Lock()
	p.config = append(p.config, fn)
	p.mu.Unlock()
	if p.waker != nil {
		p.waker.Wake()
	}
}

// PostRouterUpdate enqueues fn and signals the wakeup. Safe from any
// goroutine.
func (p *PendingUpdates) PostRouterUpdate(fn RouterMutator) {
	p.mu.Lock()
	p.router = append(p.router, fn)
	p.mu.Unlock()
	if p.waker != nil {
		p.waker.Wake()
	}
}

// HasPending reports, without draining, whether any mutator is queued.
// It takes the same mutex as Drain and the Post* methods.
func (p *PendingUpdates) HasPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.config) > 0 || len(p.router) > 0
}

// Drain applies every queued config mutator, then every queued router
// mutator, clearing the queue. Must be called only from the loop thread;
// the mutators themselves run synchronously and must not block.
func (p *PendingUpdates) Drain() {
	p.mu.Lock()
	cfg := p.config
	rtr := p.router
	p.config = nil
	p.router = nil
	p.mu.Unlock()

	for _, fn := range cfg {
		fn()
	}
	for _, fn := range rtr {
		fn()
	}
}
