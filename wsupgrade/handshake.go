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

// Package wsupgrade implements the WebSocket handshake (RFC 6455) and
// the permessage-deflate (RFC 7692) extension negotiation the reactor
// needs to hand a connection off to a frame codec. The frame codec
// itself lives elsewhere: this package stops at producing the 101
// response headers and a DeflateContext the codec can drive per message.
package wsupgrade

import (
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/nabbar/reactorhttp/httpwire"

	liberr "github.com/nabbar/reactorhttp/errors"
)

const guid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// DeflateOptions is the negotiated permessage-deflate configuration
// applied on a per-connection basis after the handshake.
type DeflateOptions struct {
	Enabled                bool
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits    int // [8,15], 0 means "not offered"
	ClientMaxWindowBits    int
}

// IsUpgrade reports whether req carries the headers marking an HTTP/1.1
// WebSocket upgrade request.
func IsUpgrade(req *httpwire.Request) bool {
	conn, _ := req.Headers.Get("Connection")
	upgrade, _ := req.Headers.Get("Upgrade")
	return containsToken(conn, "upgrade") && strings.EqualFold(strings.TrimSpace(upgrade), "websocket")
}

func containsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// AcceptKey computes Sec-WebSocket-Accept from the client's
// Sec-WebSocket-Key per RFC 6455 §1.3: SHA-1 of key+GUID, base64-encoded.
func AcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(guid))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Handshake is the result of successfully validating an upgrade request:
// the accept key and, if offered and enabled, the negotiated deflate
// options.
type Handshake struct {
	AcceptKey string
	Deflate   DeflateOptions
}

// Negotiate validates req as a WebSocket upgrade and, if
// deflateSupported, parses any permessage-deflate offer in
// Sec-WebSocket-Extensions. It does not build the response itself; call
// BuildResponseHeaders with the result.
func Negotiate(req *httpwire.Request, deflateSupported bool) (Handshake, liberr.Error) {
	if !IsUpgrade(req) {
		return Handshake{}, ErrorNotUpgrade.Error(nil)
	}

	key, ok := req.Headers.Get("Sec-WebSocket-Key")
	if !ok || strings.TrimSpace(key) == "" {
		return Handshake{}, ErrorMissingKey.Error(nil)
	}

	if v, ok := req.Headers.Get("Sec-WebSocket-Version"); ok && strings.TrimSpace(v) != "13" {
		return Handshake{}, ErrorUnsupportedVersion.Error(nil)
	}

	hs := Handshake{AcceptKey: AcceptKey(strings.TrimSpace(key))}

	if deflateSupported {
		if ext, ok := req.Headers.Get("Sec-WebSocket-Extensions"); ok {
			opts, err := parseDeflateOffer(ext)
			if err != nil {
				return Handshake{}, err
			}
			hs.Deflate = opts
		}
	}

	return hs, nil
}

// parseDeflateOffer scans a Sec-WebSocket-Extensions header for a
// permessage-deflate offer and its parameters.
func parseDeflateOffer(header string) (DeflateOptions, liberr.Error) {
	for _, offer := range strings.Split(header, ",") {
		parts := strings.Split(offer, ";")
		name := strings.TrimSpace(parts[0])
		if !strings.EqualFold(name, "permessage-deflate") {
			continue
		}

		opts := DeflateOptions{Enabled: true, ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
		for _, raw := range parts[1:] {
			param := strings.TrimSpace(raw)
			if param == "" {
				continue
			}
			key, val, hasVal := strings.Cut(param, "=")
			key = strings.TrimSpace(key)
			val = strings.Trim(strings.TrimSpace(val), `"`)

			switch strings.ToLower(key) {
			case "server_no_context_takeover":
				opts.ServerNoContextTakeover = true
			case "client_no_context_takeover":
				opts.ClientNoContextTakeover = true
			case "server_max_window_bits":
				bits, err := parseWindowBits(val, hasVal)
				if err != nil {
					return DeflateOptions{}, err
				}
				opts.ServerMaxWindowBits = bits
			case "client_max_window_bits":
				bits, err := parseWindowBits(val, hasVal)
				if err != nil {
					return DeflateOptions{}, err
				}
				opts.ClientMaxWindowBits = bits
			default:
				return DeflateOptions{}, ErrorInvalidExtension.Error(nil)
			}
		}
		return opts, nil
	}
	return DeflateOptions{}, nil
}

func parseWindowBits(val string, hasVal bool) (int, liberr.Error) {
	if !hasVal || val == "" {
		return 15, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 8 || n > 15 {
		return 0, ErrorInvalidExtension.Error(nil)
	}
	return n, nil
}

// BuildResponseHeaders returns the 101 Switching Protocols response
// headers (excluding the status line) for a successful handshake, in
// wire order, CRLF-terminated and ready to append to a connection's
// outbound buffer.
func BuildResponseHeaders(hs Handshake) string {
	var b strings.Builder
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: ")
	b.WriteString(hs.AcceptKey)
	b.WriteString("\r\n")

	if hs.Deflate.Enabled {
		b.WriteString("Sec-WebSocket-Extensions: permessage-deflate")
		if hs.Deflate.ServerNoContextTakeover {
			b.WriteString("; server_no_context_takeover")
		}
		if hs.Deflate.ClientNoContextTakeover {
			b.WriteString("; client_no_context_takeover")
		}
		if hs.Deflate.ServerMaxWindowBits != 0 && hs.Deflate.ServerMaxWindowBits != 15 {
			b.WriteString("; server_max_window_bits=")
			b.WriteString(strconv.Itoa(hs.Deflate.ServerMaxWindowBits))
		}
		if hs.Deflate.ClientMaxWindowBits != 0 && hs.Deflate.ClientMaxWindowBits != 15 {
			b.WriteString("; client_max_window_bits=")
			b.WriteString(strconv.Itoa(hs.Deflate.ClientMaxWindowBits))
		}
		b.WriteString("\r\n")
	}

	b.WriteString("\r\n")
	return b.String()
}
