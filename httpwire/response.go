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

package httpwire

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Response is the descriptor a handler returns: status, optional body,
// and, for a static file transfer, a file handle plus byte range instead
// of an in-memory body. The reactor's writable path chooses sendfile or
// a read-and-encrypt loop based on which is set.
type Response struct {
	Status       int
	Reason       string // empty: canonical http.StatusText(Status) is used
	ContentType  string
	Body         []byte
	Headers      Headers
	ContentEncoding string // preset by the handler to suppress server-side compression

	File       *os.File
	FileOffset int64
	FileLength int64
}

// FileResponse builds a Response that streams length bytes of f starting
// at offset through the reactor's sendfile/TLS-chunk-fallback path.
func FileResponse(status int, contentType string, f *os.File, offset, length int64) Response {
	return Response{Status: status, ContentType: contentType, File: f, FileOffset: offset, FileLength: length}
}

// IsFile reports whether this Response streams from a file rather than
// an in-memory Body.
func (r Response) IsFile() bool {
	return r.File != nil
}

// ContentLength returns the would-be body size: len(Body) for in-memory
// responses, FileLength for file responses.
func (r Response) ContentLength() int64 {
	if r.IsFile() {
		return r.FileLength
	}
	return int64(len(r.Body))
}

var (
	dateMu     sync.Mutex
	dateCache  string
	dateCached time.Time
)

// httpDate returns the RFC 7231 Date header value for now, cached per
// second so a connection bursting many responses in the same second
// doesn't reformat the clock every time.
func httpDate(now time.Time) string {
	dateMu.Lock()
	defer dateMu.Unlock()

	if now.Truncate(time.Second).Equal(dateCached) {
		return dateCache
	}
	dateCached = now.Truncate(time.Second)
	dateCache = dateCached.UTC().Format(http.TimeFormat)
	return dateCache
}

// HeadOptions carries the per-request context BuildHead needs beyond the
// Response itself: whether to suppress the body (HEAD), the negotiated
// keep-alive decision, and chunked-vs-content-length framing.
type HeadOptions struct {
	SuppressBody bool
	KeepAlive    bool
	Chunked      bool
	Now          time.Time
}

// BuildHead renders the status line, Date, Content-Type, framing header
// (Content-Length or Transfer-Encoding: chunked), Connection, any extra
// response headers, and the terminating CRLFCRLF. Capacity is reserved
// up front from the sum of known field sizes.
func BuildHead(r Response, opts HeadOptions) []byte {
	reason := r.Reason
	if reason == "" {
		reason = http.StatusText(r.Status)
	}

	var b strings.Builder
	size := 160 + len(reason) + len(r.ContentType) + len(r.ContentEncoding)
	for _, f := range r.Headers {
		size += len(f.Name) + len(f.Value) + 4
	}
	b.Grow(size)

	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.Status, reason)
	b.WriteString("Date: ")
	b.WriteString(httpDate(opts.Now))
	b.WriteString("\r\n")

	if r.ContentType != "" {
		b.WriteString("Content-Type: ")
		b.WriteString(r.ContentType)
		b.WriteString("\r\n")
	}

	encoding := r.ContentEncoding
	if encoding != "" {
		b.WriteString("Content-Encoding: ")
		b.WriteString(encoding)
		b.WriteString("\r\n")
	}

	if opts.Chunked {
		b.WriteString("Transfer-Encoding: chunked\r\n")
	} else {
		b.WriteString("Content-Length: ")
		b.WriteString(strconv.FormatInt(r.ContentLength(), 10))
		b.WriteString("\r\n")
	}

	if opts.KeepAlive {
		b.WriteString("Connection: keep-alive\r\n")
	} else {
		b.WriteString("Connection: close\r\n")
	}

	for _, f := range r.Headers {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}

	b.WriteString("\r\n")
	return []byte(b.String())
}

// Continue100 is the fixed interim response sent for Expect: 100-continue.
const Continue100 = "HTTP/1.1 100 Continue\r\n\r\n"

// ErrorResponse builds the minimal response for client-input errors:
// status line, Date, Content-Length: 0, Connection. The connection is
// always closed after this is written.
func ErrorResponse(status int) []byte {
	return BuildHead(Response{Status: status}, HeadOptions{KeepAlive: false, Now: time.Now()})
}

// EncodeChunk frames payload as one chunk of an HTTP/1.1 chunked body:
// hex size, CRLF, bytes, CRLF. An empty payload encodes the terminating
// zero-size chunk (without trailers).
func EncodeChunk(payload []byte) []byte {
	size := strconv.FormatInt(int64(len(payload)), 16)
	out := make([]byte, 0, len(size)+len(payload)+4)
	out = append(out, size...)
	out = append(out, '\r', '\n')
	out = append(out, payload...)
	out = append(out, '\r', '\n')
	return out
}
