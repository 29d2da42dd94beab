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

// Package connstate defines the per-connection state the reactor's loop
// thread mutates on every readiness callback. Every field here is only
// ever touched from that single thread; no field needs its own lock.
package connstate

import (
	"os"
	"time"

	"github.com/nabbar/reactorhttp/buffer"
	"github.com/nabbar/reactorhttp/transport"
)

// CloseMode tracks how a connection should wind down.
type CloseMode uint8

const (
	CloseNone CloseMode = iota
	CloseDrainThenClose
	CloseImmediate
)

// AsyncHandle is an opaque token an asynchronous handler leaves behind
// so the reactor knows to resume it later instead of parsing the next
// request on the same connection. Concrete shape belongs to whatever
// async handler integration is wired in; the reactor only tests it for
// nil.
type AsyncHandle interface {
	// Cancel is invoked when the owning connection closes mid-flight.
	Cancel()
}

// FileSend tracks an in-progress static-file response transfer.
type FileSend struct {
	File      *os.File
	Offset    int64
	Remaining int64
}

// Active reports whether a FileSend is in progress.
func (f *FileSend) Active() bool {
	return f != nil && f.File != nil && f.Remaining > 0
}

// State is a single connection's mutable state, allocated from
// package pool and addressed by a stable pointer for its entire
// lifetime in a connstorage.Storage.
type State struct {
	FD        int
	Transport transport.Transport

	In  *buffer.Buffer // accumulated raw input
	Out *buffer.Buffer // pending outbound bytes not yet written

	LastActivity time.Time
	HeaderStart  time.Time // zero value: no header-read timing active
	HandshakeStart time.Time // zero value: no handshake in flight

	RequestsServed uint32
	CloseMode      CloseMode

	WaitingWritable bool
	TLSEstablished  bool
	TLSWantRead     bool
	TLSWantWrite    bool

	SelectedALPN      string
	NegotiatedCipher  string
	NegotiatedVersion string
	PeerCertSubject   string

	SendFile *FileSend
	Async    AsyncHandle
}

// New returns a State with its buffers allocated; callers still set FD
// and Transport after accept()/recycle.
func New() *State {
	return &State{
		In:  buffer.NewPayload(),
		Out: buffer.NewPayload(),
	}
}

// Reset restores a State to a reusable baseline so it can be handed back
// out of a connstorage recycle cache without reallocating its buffers.
func (s *State) Reset() {
	s.FD = -1
	s.Transport = nil
	s.In.Reset()
	s.Out.Reset()
	s.LastActivity = time.Time{}
	s.HeaderStart = time.Time{}
	s.HandshakeStart = time.Time{}
	s.RequestsServed = 0
	s.CloseMode = CloseNone
	s.WaitingWritable = false
	s.TLSEstablished = false
	s.TLSWantRead = false
	s.TLSWantWrite = false
	s.SelectedALPN = ""
	s.NegotiatedCipher = ""
	s.NegotiatedVersion = ""
	s.PeerCertSubject = ""
	s.SendFile = nil
	s.Async = nil
}

// RequestImmediateClose aborts any buffered outbound writes once seen by
// the reactor's writable path.
func (s *State) RequestImmediateClose() {
	s.CloseMode = CloseImmediate
}

// RequestDrainAndClose asks for a graceful close once the outbound
// buffer and any active file-send finish draining. A stronger request
// already in effect is never downgraded.
func (s *State) RequestDrainAndClose() {
	if s.CloseMode == CloseNone {
		s.CloseMode = CloseDrainThenClose
	}
}

func (s *State) IsImmediateCloseRequested() bool { return s.CloseMode == CloseImmediate }
func (s *State) IsDrainCloseRequested() bool     { return s.CloseMode == CloseDrainThenClose }
func (s *State) IsAnyCloseRequested() bool       { return s.CloseMode != CloseNone }

// HeaderTimingActive reports whether a request head is currently being
// accumulated (HeaderStart was stamped and not yet cleared).
func (s *State) HeaderTimingActive() bool {
	return !s.HeaderStart.IsZero()
}

// HandshakeInFlight reports whether a TLS handshake has started but not
// yet completed.
func (s *State) HandshakeInFlight() bool {
	return !s.HandshakeStart.IsZero() && !s.TLSEstablished
}
