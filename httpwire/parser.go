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
	"bytes"
	"net/http"
	"strconv"
	"strings"

	liberr "github.com/nabbar/reactorhttp/errors"
)

var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodConnect: true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
	http.MethodPatch:   true,
}

// ParseResult is the outcome of one ParseHead call.
type ParseResult struct {
	Request    *Request
	Consumed   int
	NeedMore   bool
	StatusCode int // non-zero: reject with this status, do not dispatch
}

// ParseHead scans data for a complete CRLF-terminated request head and,
// if found, tokenizes the request line and header fields. It does not
// consume the body: callers read Content-Length/Transfer-Encoding off
// the returned Request and either feed the body to a ChunkedDecoder
// (NewChunkedDecoder, Feed) or slice it themselves.
func ParseHead(data []byte, maxHeaderBytes int) (ParseResult, liberr.Error) {
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(data) > maxHeaderBytes {
			return ParseResult{StatusCode: http.StatusRequestHeaderFieldsTooLarge}, ErrorHeadersTooLarge.Error(nil)
		}
		return ParseResult{NeedMore: true}, nil
	}

	headEnd := idx + 4
	if headEnd > maxHeaderBytes {
		return ParseResult{StatusCode: http.StatusRequestHeaderFieldsTooLarge}, ErrorHeadersTooLarge.Error(nil)
	}

	lines := strings.Split(string(data[:idx]), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return ParseResult{StatusCode: http.StatusBadRequest}, ErrorMalformedRequestLine.Error(nil)
	}

	req, status, err := parseRequestLine(lines[0])
	if err != nil {
		return ParseResult{StatusCode: status}, err
	}

	headers, status, err := parseHeaderLines(lines[1:])
	if err != nil {
		return ParseResult{StatusCode: status}, err
	}
	req.Headers = headers

	if status, err := validateFraming(headers); err != nil {
		return ParseResult{StatusCode: status}, err
	}

	return ParseResult{Request: req, Consumed: headEnd}, nil
}

func parseRequestLine(line string) (*Request, int, liberr.Error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, http.StatusBadRequest, ErrorMalformedRequestLine.Error(nil)
	}

	method, target, version := parts[0], parts[1], parts[2]

	if method == "" || !isToken(method) {
		return nil, http.StatusBadRequest, ErrorUnknownMethod.Error(nil)
	}
	if !knownMethods[method] {
		return nil, http.StatusNotImplemented, ErrorUnknownMethod.Error(nil)
	}
	if target == "" {
		return nil, http.StatusBadRequest, ErrorMalformedRequestLine.Error(nil)
	}
	if !strings.HasPrefix(version, "HTTP/") {
		return nil, http.StatusBadRequest, ErrorMalformedRequestLine.Error(nil)
	}
	if version != "HTTP/1.0" && version != "HTTP/1.1" {
		return nil, http.StatusHTTPVersionNotSupported, ErrorUnsupportedVersion.Error(nil)
	}

	return &Request{Method: method, Target: target, Version: version}, 0, nil
}

func parseHeaderLines(lines []string) (Headers, int, liberr.Error) {
	headers := make(Headers, 0, len(lines))

	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// obs-fold continuation: rejected outright.
			return nil, http.StatusBadRequest, ErrorMalformedHeader.Error(nil)
		}

		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, http.StatusBadRequest, ErrorMalformedHeader.Error(nil)
		}

		name := line[:colon]
		if !isToken(name) {
			return nil, http.StatusBadRequest, ErrorMalformedHeader.Error(nil)
		}

		value := strings.Trim(line[colon+1:], " \t")
		headers = append(headers, Field{Name: name, Value: value})
	}

	return headers, 0, nil
}

// validateFraming enforces the Content-Length/Transfer-Encoding
// interactions RFC 7230 §3.3.3 requires before the body is even read.
func validateFraming(headers Headers) (int, liberr.Error) {
	cls := headers.Values("Content-Length")
	if len(cls) > 1 {
		for _, v := range cls[1:] {
			if v != cls[0] {
				return http.StatusBadRequest, ErrorMalformedHeader.Error(nil)
			}
		}
	}
	if len(cls) > 0 {
		if _, err := strconv.ParseUint(strings.TrimSpace(cls[0]), 10, 63); err != nil {
			return http.StatusBadRequest, ErrorMalformedHeader.Error(nil)
		}
	}

	te, hasTE := headers.Get("Transfer-Encoding")
	if hasTE {
		if len(cls) > 0 {
			return http.StatusBadRequest, ErrorMalformedHeader.Error(nil)
		}
		for _, tok := range strings.Split(te, ",") {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok != "chunked" && tok != "identity" {
				return http.StatusNotImplemented, ErrorUnknownTransferEncoding.Error(nil)
			}
		}
	}

	return 0, nil
}

// ContentLength returns the parsed Content-Length, or -1 if absent.
func (r *Request) ContentLength() int64 {
	v, ok := r.Headers.Get("Content-Length")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 63)
	if err != nil {
		return -1
	}
	return n
}

// IsChunked reports whether Transfer-Encoding: chunked was negotiated.
func (r *Request) IsChunked() bool {
	v, ok := r.Headers.Get("Transfer-Encoding")
	if !ok {
		return false
	}
	for _, tok := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "chunked") {
			return true
		}
	}
	return false
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isTChar(c) {
			return false
		}
	}
	return true
}

// isTChar reports whether c is an RFC 7230 tchar.
func isTChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
