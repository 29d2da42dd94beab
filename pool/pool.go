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

// Package pool implements a fixed-layout slab allocator with a free list.
// Slots keep a stable address for their entire lifetime: growth allocates
// a brand new block rather than reallocating existing ones, so a pointer
// handed out by Get remains valid until the matching Put, regardless of
// how many further allocations happen on the same Pool. Not safe for use
// by multiple goroutines without the pool's own locking, which this type
// provides internally.
package pool

import (
	"sync"
	"unsafe"

	liberr "github.com/nabbar/reactorhttp/errors"
)

const defaultBlockSize = 64

type slot[T any] struct {
	val   T
	inUse bool
	owner unsafe.Pointer
}

// Pool is a slab allocator for values of type T. The zero value is not
// usable; construct with New.
type Pool[T any] struct {
	mu        sync.Mutex
	blockSize int
	blocks    [][]slot[T]
	free      []*slot[T]
}

// New returns a Pool whose first block holds initialBlockSize slots.
// A non-positive initialBlockSize falls back to a default of 64.
func New[T any](initialBlockSize int) *Pool[T] {
	if initialBlockSize <= 0 {
		initialBlockSize = defaultBlockSize
	}
	return &Pool[T]{blockSize: initialBlockSize}
}

// Get returns a pointer to a zero-valued T, reusing a previously freed
// slot when one is available and growing the pool (doubling the block
// size) otherwise.
func (p *Pool[T]) Get() *T {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		p.grow()
	}

	n := len(p.free) - 1
	s := p.free[n]
	p.free = p.free[:n]
	s.inUse = true

	return &s.val
}

// Put returns a slot previously obtained from Get back to the pool,
// resetting it to its zero value. Returns ErrorForeignSlot if ptr was
// not allocated by this Pool, or ErrorDoublePut if it was already
// returned.
func (p *Pool[T]) Put(ptr *T) liberr.Error {
	if ptr == nil {
		return nil
	}

	s := (*slot[T])(unsafe.Pointer(ptr))

	p.mu.Lock()
	defer p.mu.Unlock()

	if s.owner != unsafe.Pointer(p) {
		return ErrorForeignSlot.Error(nil)
	}
	if !s.inUse {
		return ErrorDoublePut.Error(nil)
	}

	var zero T
	s.val = zero
	s.inUse = false
	p.free = append(p.free, s)

	return nil
}

// grow allocates a new block of p.blockSize slots, appends every slot to
// the free list, then doubles p.blockSize for the next growth. Must be
// called with p.mu held.
func (p *Pool[T]) grow() {
	block := make([]slot[T], p.blockSize)
	self := unsafe.Pointer(p)

	for i := range block {
		block[i].owner = self
	}

	p.blocks = append(p.blocks, block)
	for i := range block {
		p.free = append(p.free, &block[i])
	}

	p.blockSize *= 2
}

// Stats reports the total number of slots ever allocated (allocated) and
// how many of those are currently free (free). allocated-free is the
// live slot count.
func (p *Pool[T]) Stats() (allocated int, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.blocks {
		allocated += len(b)
	}
	free = len(p.free)
	return
}
