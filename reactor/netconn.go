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
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// rawFdAddr is a minimal net.Addr for connections this package owns
// directly by file descriptor; it carries no address information
// because the reactor already tracks the peer out of band.
type rawFdAddr struct{}

func (rawFdAddr) Network() string { return "tcp" }
func (rawFdAddr) String() string  { return "" }

// rawFdConn adapts a plain socket fd, which handoffH2 switches back to
// blocking mode first, to net.Conn so it can be handed to
// golang.org/x/net/http2's Server.ServeConn for an h2c or prior-knowledge
// HTTP/2 connection. Read and Write retry only on EINTR. It is kept as
// its own small type here rather than
// exporting transport's internal one: the only consumer of a genuine
// net.Conn in this codebase is the HTTP/2 bridge, so the adapter belongs
// next to that wiring instead of widening transport's public surface.
type rawFdConn struct {
	fd int
}

func newRawFdConn(fd int) *rawFdConn {
	return &rawFdConn{fd: fd}
}

func (c *rawFdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == nil {
			if n == 0 {
				return 0, net.ErrClosed
			}
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		return 0, err
	}
}

func (c *rawFdConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(c.fd, p[written:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return written, err
		}
		written += n
	}
	return written, nil
}

func (c *rawFdConn) Close() error {
	return unix.Close(c.fd)
}

func (c *rawFdConn) LocalAddr() net.Addr  { return rawFdAddr{} }
func (c *rawFdConn) RemoteAddr() net.Addr { return rawFdAddr{} }

// SetDeadline and its Read/Write variants are no-ops: by the time a
// connection is handed to the HTTP/2 bridge it has already left the
// reactor's own non-blocking epoll management, and h2's Server drives
// its own per-stream timeouts from Config instead.
func (c *rawFdConn) SetDeadline(time.Time) error      { return nil }
func (c *rawFdConn) SetReadDeadline(time.Time) error  { return nil }
func (c *rawFdConn) SetWriteDeadline(time.Time) error { return nil }
