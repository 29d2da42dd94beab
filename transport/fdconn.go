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
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// fdConn adapts a raw non-blocking socket fd to net.Conn so crypto/tls
// can drive a handshake and record layer over it. It never blocks: on
// EAGAIN it returns a net.Error whose Temporary()/Timeout() report true,
// and it remembers whether the blocking call was a Read or a Write so
// the caller can turn that into a WantRead/WantWrite hint.
type fdConn struct {
	fd            int
	lastWantWrite bool
}

func newFdConn(fd int) *fdConn {
	return &fdConn{fd: fd}
}

type wouldBlockError struct {
	op string
}

func (e *wouldBlockError) Error() string   { return "transport: " + e.op + " would block" }
func (e *wouldBlockError) Timeout() bool   { return true }
func (e *wouldBlockError) Temporary() bool { return true }

func (c *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == nil {
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.lastWantWrite = false
			return 0, &wouldBlockError{op: "read"}
		}
		return 0, err
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, p)
		if err == nil {
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.lastWantWrite = true
			return 0, &wouldBlockError{op: "write"}
		}
		return 0, err
	}
}

func (c *fdConn) Close() error                       { return unix.Close(c.fd) }
func (c *fdConn) LocalAddr() net.Addr                { return fdAddr{} }
func (c *fdConn) RemoteAddr() net.Addr               { return fdAddr{} }
func (c *fdConn) SetDeadline(t time.Time) error      { return nil }
func (c *fdConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(t time.Time) error { return nil }

// fdAddr is a placeholder net.Addr: the reactor already tracks the peer
// address from accept(); the TLS record layer only needs SOMETHING that
// implements net.Addr to satisfy net.Conn.
type fdAddr struct{}

func (fdAddr) Network() string { return "tcp" }
func (fdAddr) String() string  { return "" }
