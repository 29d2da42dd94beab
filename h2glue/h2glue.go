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

// Package h2glue is the integration surface between the reactor and
// golang.org/x/net/http2's frame codec/HPACK state, deliberately left to
// that library rather than reimplemented. It recognizes the three entry
// paths (prior-knowledge preface, h2c Upgrade, ALPN-negotiated h2),
// and bridges http2.Server's http.Handler-shaped callback into the same
// httpwire.Request fingerprint the reactor's HTTP/1 path hands handlers.
// http2.Server does not expose the stream id to its handler, so StreamID
// is taken from an X-Http2-Stream-Id request header when that parses as a
// uint32, and is 0 otherwise.
package h2glue

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2"

	"github.com/nabbar/reactorhttp/httpwire"
)

// prefaceBytes is the fixed connection preface a prior-knowledge HTTP/2
// client sends before any frame, per RFC 7540 §3.5.
var prefaceBytes = []byte(http2.ClientPreface)

// IsPriorKnowledgePreface reports whether data begins with the HTTP/2
// connection preface, meaning the reactor should hand the connection
// straight to the HTTP/2 bridge without attempting HTTP/1 parsing.
func IsPriorKnowledgePreface(data []byte) bool {
	return bytes.HasPrefix(data, prefaceBytes)
}

// IsH2CUpgradeRequest reports whether req is an HTTP/1.1 Upgrade request
// offering h2c, per RFC 7540 §3.2. The reactor answers with
// "101 Switching Protocols" plus the preface handling in Bridge.ServeConn.
func IsH2CUpgradeRequest(req *httpwire.Request) bool {
	if req.Version != "HTTP/1.1" {
		return false
	}
	conn, _ := req.Headers.Get("Connection")
	upgrade, _ := req.Headers.Get("Upgrade")
	_, hasSettings := req.Headers.Get("HTTP2-Settings")
	return containsToken(conn, "upgrade") && containsToken(conn, "http2-settings") &&
		strings.EqualFold(strings.TrimSpace(upgrade), "h2c") && hasSettings
}

// SelectedByALPN reports whether the negotiated ALPN protocol names
// HTTP/2 over TLS.
func SelectedByALPN(negotiatedProtocol string) bool {
	return negotiatedProtocol == http2.NextProtoTLS
}

func containsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// Handler is the signature every reactor dispatch path already uses for
// HTTP/1: a fingerprint in, a descriptor the caller writes out via w.
// StreamRequest carries the StreamID field, filled only as described on
// StreamRequest.
type Handler func(w http.ResponseWriter, req *StreamRequest)

// StreamRequest is an httpwire.Request materialized from one HTTP/2
// stream, keeping the same field shape handlers already expect for
// HTTP/1.x. Its StreamID is read from an X-Http2-Stream-Id request
// header when present and valid as a uint32, and is 0 otherwise; the
// actual HTTP/2 stream id is not available from http2.Server.
type StreamRequest struct {
	httpwire.Request
}

// Bridge owns the *http2.Server that decodes frames/HPACK for every
// connection handed to it and re-expresses each stream as a
// StreamRequest for the caller's Handler.
type Bridge struct {
	srv     *http2.Server
	handler Handler
}

// Config holds the HTTP/2 bridge's tunable parameters.
type Config struct {
	Enabled             bool
	H2CEnabled          bool
	H2CUpgradeEnabled   bool
	MaxConcurrentStreams uint32
	InitialWindowSize   uint32
}

// NewBridge returns a Bridge that serves HTTP/2 streams through handler,
// configured per cfg.
func NewBridge(cfg Config, handler Handler) *Bridge {
	return &Bridge{
		srv: &http2.Server{
			MaxConcurrentStreams: cfg.MaxConcurrentStreams,
			MaxUploadBufferPerStream: int32(cfg.InitialWindowSize),
		},
		handler: handler,
	}
}

// ServeConn hands conn to the HTTP/2 codec. The reactor must not have
// consumed any bytes from conn itself: ServeConn reads and validates the
// fixed 24-byte connection preface on its own, whether the reactor got
// there via prior knowledge, an h2c Upgrade 101 response, or ALPN.
func (b *Bridge) ServeConn(conn net.Conn, opts *http2.ServeConnOpts) {
	b.srv.ServeConn(conn, &http2.ServeConnOpts{
		Context:    opts.Context,
		BaseConfig: opts.BaseConfig,
		Handler:    http.HandlerFunc(b.serveHTTP),
	})
}

func (b *Bridge) serveHTTP(w http.ResponseWriter, r *http.Request) {
	req := fromHTTPRequest(r)
	b.handler(w, req)
}

// fromHTTPRequest translates the *http.Request http2.Server hands its
// handler back into the same Headers/Body shape the HTTP/1 parser
// produces, so downstream dispatch code never branches on protocol.
func fromHTTPRequest(r *http.Request) *StreamRequest {
	headers := make(httpwire.Headers, 0, len(r.Header)+1)
	for name, values := range r.Header {
		for _, v := range values {
			headers = append(headers, httpwire.Field{Name: name, Value: v})
		}
	}

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}

	streamID := uint32(0)
	if v := r.Header.Get("X-Http2-Stream-Id"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			streamID = uint32(n)
		}
	}

	return &StreamRequest{
		Request: httpwire.Request{
			Method:   r.Method,
			Target:   r.URL.RequestURI(),
			Version:  "HTTP/2.0",
			Headers:  headers,
			Body:     body,
			StreamID: streamID,
		},
	}
}
