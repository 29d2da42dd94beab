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

// Package transport is the closed plain/TLS sum type the reactor drives.
// Both implementations expose the same non-blocking read/write contract
// and a readiness Hint so the caller knows which epoll interest to
// register next; neither implementation ever blocks the loop thread.
package transport

import (
	liberr "github.com/nabbar/reactorhttp/errors"
)

// Kind identifies which of the two closed transport implementations a
// Transport value is. The set is intentionally closed: new transports
// are not expected, so callers may safely switch over Kind instead of
// using open-ended type assertions.
type Kind uint8

const (
	Plain Kind = iota
	TLS
)

func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case TLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Hint tells the caller what the transport needs before it can make
// further progress.
type Hint uint8

const (
	// None means the operation completed; no readiness change needed.
	None Hint = iota
	// ReadReady means the operation would block; register for readable.
	ReadReady
	// WriteReady means the operation would block; register for writable.
	WriteReady
	// ErrHint means the operation failed fatally; the connection must close.
	ErrHint
)

func (h Hint) String() string {
	switch h {
	case None:
		return "none"
	case ReadReady:
		return "read_ready"
	case WriteReady:
		return "write_ready"
	case ErrHint:
		return "error"
	default:
		return "unknown"
	}
}

// HandshakeStatus reports the outcome of one non-blocking handshake step.
type HandshakeStatus uint8

const (
	Done HandshakeStatus = iota
	WantRead
	WantWrite
	Fatal
)

func (s HandshakeStatus) String() string {
	switch s {
	case Done:
		return "done"
	case WantRead:
		return "want_read"
	case WantWrite:
		return "want_write"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Transport is the contract the reactor drives for a connection,
// regardless of whether bytes travel in the clear or through TLS.
type Transport interface {
	// Kind reports which closed implementation this is.
	Kind() Kind

	// Handshake advances a TLS handshake by one non-blocking step. Plain
	// transports always return Done without side effects.
	Handshake() (HandshakeStatus, liberr.Error)

	// Read copies at most len(p) bytes into p. n may be > 0 even when
	// hint != None (short read before EAGAIN).
	Read(p []byte) (n int, hint Hint, err liberr.Error)

	// Write copies at most len(p) bytes from p onto the wire.
	Write(p []byte) (n int, hint Hint, err liberr.Error)

	// Shutdown issues a best-effort graceful close (TLS close_notify);
	// it never blocks and may be called at most once meaningfully.
	Shutdown() liberr.Error

	// Close releases the underlying file descriptor.
	Close() liberr.Error
}
