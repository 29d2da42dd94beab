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

// Package httpwire implements the HTTP/1.x request-line/header tokenizer,
// chunked transfer-coding, response head builder and decompression
// pipeline the reactor drives per connection. It never does I/O itself;
// every function here operates on bytes already sitting in a
// buffer.Buffer and reports how many bytes it consumed.
package httpwire

import "strings"

// Field is one header field in the order it appeared on the wire.
type Field struct {
	Name  string
	Value string
}

// Headers preserves field order and supports duplicate detection, which
// plain-map headers would silently hide.
type Headers []Field

// Get returns the value of the first field matching name
// case-insensitively, and whether it was found.
func (h Headers) Get(name string) (string, bool) {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Count returns how many fields match name case-insensitively.
func (h Headers) Count(name string) int {
	n := 0
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			n++
		}
	}
	return n
}

// Values returns every value for fields matching name case-insensitively,
// in appearance order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Request is a fully parsed HTTP/1.x request head, plus the body once
// read and, if applicable, decompressed.
type Request struct {
	Method   string
	Target   string
	Version  string // "HTTP/1.0" or "HTTP/1.1"; "HTTP/2.0" for requests built by h2glue
	Headers  Headers
	Body     []byte
	StreamID uint32 // non-zero only for HTTP/2-origin requests (see h2glue)

	keepAliveHint bool
}

// IsHTTP10 reports whether the request line named HTTP/1.0.
func (r *Request) IsHTTP10() bool {
	return r.Version == "HTTP/1.0"
}

// Expect100Continue reports whether the client sent Expect: 100-continue.
func (r *Request) Expect100Continue() bool {
	v, ok := r.Headers.Get("Expect")
	return ok && strings.EqualFold(strings.TrimSpace(v), "100-continue")
}

// KeepAlive reports whether the connection should persist after this
// request: HTTP/1.1 defaults to keep-alive unless Connection: close;
// HTTP/1.0 defaults to close unless Connection: keep-alive.
func (r *Request) KeepAlive() bool {
	conn, has := r.Headers.Get("Connection")
	conn = strings.ToLower(strings.TrimSpace(conn))

	if r.IsHTTP10() {
		return has && conn == "keep-alive"
	}
	return !(has && conn == "close")
}
