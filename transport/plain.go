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
	"golang.org/x/sys/unix"

	liberr "github.com/nabbar/reactorhttp/errors"
)

// PlainTransport reads and writes a non-blocking socket directly with no
// encryption. Handshake is a no-op that always reports Done.
type PlainTransport struct {
	fd int
}

// NewPlain wraps an already-nonblocking socket fd.
func NewPlain(fd int) *PlainTransport {
	return &PlainTransport{fd: fd}
}

func (p *PlainTransport) Kind() Kind {
	return Plain
}

func (p *PlainTransport) Handshake() (HandshakeStatus, liberr.Error) {
	return Done, nil
}

func (p *PlainTransport) Read(buf []byte) (int, Hint, liberr.Error) {
	for {
		n, err := unix.Read(p.fd, buf)
		if err == nil {
			if n == 0 {
				return 0, ErrHint, nil
			}
			return n, None, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ReadReady, nil
		}
		return 0, ErrHint, ErrorRead.Error(err)
	}
}

func (p *PlainTransport) Write(buf []byte) (int, Hint, liberr.Error) {
	for {
		n, err := unix.Write(p.fd, buf)
		if err == nil {
			return n, None, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, WriteReady, nil
		}
		return 0, ErrHint, ErrorWrite.Error(err)
	}
}

func (p *PlainTransport) Shutdown() liberr.Error {
	_ = unix.Shutdown(p.fd, unix.SHUT_WR)
	return nil
}

func (p *PlainTransport) Close() liberr.Error {
	if err := unix.Close(p.fd); err != nil {
		return ErrorClosed.Error(err)
	}
	return nil
}
