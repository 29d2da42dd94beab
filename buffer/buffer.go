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

// Package buffer provides a contiguous, append-only byte container with
// exponential growth, explicit capacity reservation and front-erase, for
// use on the reactor's single loop thread. None of its operations are
// safe for concurrent use.
package buffer

import (
	"math"

	liberr "github.com/nabbar/reactorhttp/errors"
)

// Policy distinguishes the space-sensitive scratch buffer (bounded by a
// 32-bit size, used for per-connection auxiliary data) from the payload
// buffer (bounded by a 64-bit size, used for request/response bodies).
// Go slices already index with platform int, so the split is expressed
// as a maximum-size policy rather than a distinct integer width.
type Policy uint8

const (
	// Scratch bounds the buffer at math.MaxUint32 bytes.
	Scratch Policy = iota
	// Payload bounds the buffer at math.MaxUint64 bytes (practically,
	// the platform's max slice length).
	Payload
)

func (p Policy) max() uint64 {
	if p == Scratch {
		return math.MaxUint32
	}
	return math.MaxUint64
}

// Buffer is a contiguous append-only byte container with exponential
// growth. The zero value is not usable; construct with New.
type Buffer struct {
	data   []byte
	policy Policy
}

// New returns an empty Buffer governed by the given Policy.
func New(policy Policy) *Buffer {
	return &Buffer{policy: policy}
}

// NewScratch returns a Buffer sized for auxiliary per-connection data.
func NewScratch() *Buffer {
	return New(Scratch)
}

// NewPayload returns a Buffer sized for request/response bodies.
func NewPayload() *Buffer {
	return New(Payload)
}

// Len returns the number of valid bytes currently stored.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Cap returns the current backing capacity.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// View returns a view over the stored bytes. The returned slice aliases
// the buffer's storage and is invalidated by the next mutating call.
func (b *Buffer) View() []byte {
	return b.data
}

// Bytes is an alias of View, kept for callers that prefer the
// conventional Go accessor name.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Reserve ensures at least n additional bytes of spare capacity are
// available, growing the backing array exponentially (at least doubling)
// when it must grow at all. Returns an error if the requested capacity
// would exceed the buffer's size policy.
func (b *Buffer) Reserve(n int) liberr.Error {
	if n <= 0 {
		return nil
	}

	need := uint64(len(b.data)) + uint64(n)
	if need > b.policy.max() {
		return ErrorCapacityOverflow.Error(nil)
	}

	if cap(b.data)-len(b.data) >= n {
		return nil
	}

	newCap := uint64(cap(b.data))
	if newCap == 0 {
		newCap = 64
	}
	for newCap-uint64(len(b.data)) < uint64(n) {
		doubled := newCap * 2
		if doubled <= newCap || doubled > b.policy.max() {
			newCap = need
			break
		}
		newCap = doubled
	}
	if newCap > b.policy.max() {
		newCap = b.policy.max()
	}

	grown := make([]byte, len(b.data), newCap)
	copy(grown, b.data)
	b.data = grown
	return nil
}

// Append copies p onto the end of the buffer, growing as needed.
func (b *Buffer) Append(p []byte) liberr.Error {
	if len(p) == 0 {
		return nil
	}
	if err := b.Reserve(len(p)); err != nil {
		return err
	}
	b.UncheckedAppend(p)
	return nil
}

// UncheckedAppend appends p without checking capacity. The caller must
// have reserved sufficient capacity beforehand (e.g. via Reserve); it
// exists to let hot paths (one read() into spare capacity) skip a
// redundant bounds check.
func (b *Buffer) UncheckedAppend(p []byte) {
	n := len(b.data)
	b.data = b.data[:n+len(p)]
	copy(b.data[n:], p)
}

// Spare returns the unused tail of the backing array, sized exactly to
// the current capacity headroom. Callers (typically transport.Read) may
// write directly into it and then call SetLen/UncheckedAppend-by-length
// via Grow to commit the bytes actually produced.
func (b *Buffer) Spare() []byte {
	return b.data[len(b.data):cap(b.data)]
}

// Grow commits n bytes already written into the slice returned by Spare.
func (b *Buffer) Grow(n int) liberr.Error {
	if n < 0 || len(b.data)+n > cap(b.data) {
		return ErrorSetLenOutOfRange.Error(nil)
	}
	b.data = b.data[:len(b.data)+n]
	return nil
}

// SetLen sets the buffer's reported length within current capacity,
// without touching stored bytes. Used after an in-place decode shrinks
// the logical length (e.g. chunk-envelope stripping).
func (b *Buffer) SetLen(n int) liberr.Error {
	if n < 0 || n > cap(b.data) {
		return ErrorSetLenOutOfRange.Error(nil)
	}
	b.data = b.data[:n]
	return nil
}

// EraseFront removes the first n bytes, shifting the remainder left via
// an in-place memmove-equivalent copy.
func (b *Buffer) EraseFront(n int) liberr.Error {
	if n < 0 || n > len(b.data) {
		return ErrorEraseOutOfRange.Error(nil)
	}
	if n == 0 {
		return nil
	}
	remaining := copy(b.data, b.data[n:])
	b.data = b.data[:remaining]
	return nil
}

// Reset truncates the buffer to zero length without releasing capacity.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}

// Shrink releases backing capacity down to the current length, useful
// when recycling a Buffer that transiently grew very large (e.g. after a
// large file-backed request body).
func (b *Buffer) Shrink() {
	if len(b.data) == cap(b.data) {
		return
	}
	shrunk := make([]byte, len(b.data))
	copy(shrunk, b.data)
	b.data = shrunk
}
