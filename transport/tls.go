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

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	liberr "github.com/nabbar/reactorhttp/errors"
)

// TLSTransport drives a crypto/tls.Conn over a non-blocking socket. The
// handshake is advanced one step at a time: each call either finishes,
// or surfaces the would-block direction as WantRead/WantWrite so the
// reactor can flip the fd's epoll interest and come back later.
type TLSTransport struct {
	conn *fdConn
	tls  *tls.Conn
	done bool
}

// NewTLS wraps fd with a server-side TLS connection using cfg. The
// handshake has not started; call Handshake to drive it.
func NewTLS(fd int, cfg *tls.Config) *TLSTransport {
	c := newFdConn(fd)
	return &TLSTransport{
		conn: c,
		tls:  tls.Server(c, cfg),
	}
}

func (t *TLSTransport) Kind() Kind {
	return TLS
}

// ConnectionState exposes the negotiated ALPN protocol, cipher suite,
// version and peer certificates once the handshake has completed.
func (t *TLSTransport) ConnectionState() tls.ConnectionState {
	return t.tls.ConnectionState()
}

// Conn exposes the underlying *tls.Conn as a net.Conn, for handing the
// connection off to a package that wants one of its own, such as
// golang.org/x/net/http2's server once ALPN has selected h2. The
// reactor's own non-blocking Read/Write/Handshake path above remains the
// only caller that drives the handshake; callers of Conn must not invoke
// it before Handshake reports Done.
func (t *TLSTransport) Conn() net.Conn {
	return t.tls
}

func (t *TLSTransport) Handshake() (HandshakeStatus, liberr.Error) {
	if t.done {
		return Done, nil
	}

	err := t.tls.HandshakeContext(context.Background())
	if err == nil {
		t.done = true
		return Done, nil
	}

	var wb *wouldBlockError
	if errors.As(err, &wb) {
		if t.conn.lastWantWrite {
			return WantWrite, nil
		}
		return WantRead, nil
	}

	return Fatal, ErrorHandshake.Error(err)
}

func (t *TLSTransport) Read(p []byte) (int, Hint, liberr.Error) {
	n, err := t.tls.Read(p)
	if err == nil {
		return n, None, nil
	}

	var wb *wouldBlockError
	if errors.As(err, &wb) {
		if t.conn.lastWantWrite {
			return n, WriteReady, nil
		}
		return n, ReadReady, nil
	}

	return n, ErrHint, ErrorRead.Error(err)
}

func (t *TLSTransport) Write(p []byte) (int, Hint, liberr.Error) {
	n, err := t.tls.Write(p)
	if err == nil {
		return n, None, nil
	}

	var wb *wouldBlockError
	if errors.As(err, &wb) {
		if t.conn.lastWantWrite {
			return n, WriteReady, nil
		}
		return n, ReadReady, nil
	}

	return n, ErrHint, ErrorWrite.Error(err)
}

// Shutdown sends a single close_notify alert without blocking on the
// peer's own close_notify in return.
func (t *TLSTransport) Shutdown() liberr.Error {
	if err := t.tls.CloseWrite(); err != nil {
		var wb *wouldBlockError
		if errors.As(err, &wb) {
			return nil
		}
		return ErrorShutdown.Error(err)
	}
	return nil
}

func (t *TLSTransport) Close() liberr.Error {
	if err := t.conn.Close(); err != nil {
		return ErrorClosed.Error(err)
	}
	return nil
}
