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
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sys/unix"

	"github.com/nabbar/reactorhttp/connstate"
	"github.com/nabbar/reactorhttp/eventloop"
	"github.com/nabbar/reactorhttp/h2glue"
	"github.com/nabbar/reactorhttp/httpwire"
	"github.com/nabbar/reactorhttp/transport"
	"github.com/nabbar/reactorhttp/wsupgrade"
)

const minCompressSize = 256

// connExt carries the protocol-level parsing state processConn needs
// across multiple readiness callbacks that connstate.State deliberately
// does not: a chunked-body decode in progress, the request head parsed
// so far, and whether this fd is currently suspended waiting on an
// AsyncHandlerFunc. It lives only as long as the fd does.
type connExt struct {
	req           *httpwire.Request
	headBytes     int
	contentLen    int64
	chunkedDec    *httpwire.ChunkedDecoder
	chunkedOffset int
	expectSent    bool
	awaitingAsync bool
	admittedTLS   bool
	gen           uint64
}

func (e *connExt) reset() {
	e.req = nil
	e.headBytes = 0
	e.contentLen = 0
	e.chunkedDec = nil
	e.chunkedOffset = 0
	e.expectSent = false
}

func (s *Server) extFor(fd int) *connExt {
	e, ok := s.ext[fd]
	if !ok {
		e = &connExt{}
		s.ext[fd] = e
	}
	return e
}

// acceptAll drains the listening socket's backlog into new connections,
// one per accept4 call, until it would block.
func (s *Server) acceptAll() {
	for {
		fd, sa, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return
			}
			if s.log != nil {
				s.log.ConnectionError(-1, ErrorAcceptFailed.Error(err))
			}
			return
		}
		s.onAccepted(fd, peerAddrString(sa))
	}
}

// peerAddrString renders a peer sockaddr as the bare IP the handshake
// admission rate limiter keys on; the port carries no admission meaning.
func peerAddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String()
	default:
		return ""
	}
}

func (s *Server) onAccepted(fd int, remoteAddr string) {
	st, aerr := s.storage.Acquire(fd)
	if aerr != nil {
		_ = unix.Close(fd)
		return
	}

	if s.tlsCtx != nil {
		admit := s.tlsCtx.Admit(remoteAddr)
		ext := s.extFor(fd)
		if admit != 0 {
			if s.stats != nil {
				s.stats.RecordHandshakeFailure("admission-rejected")
			}
			_ = s.storage.Release(fd)
			delete(s.ext, fd)
			_ = unix.Close(fd)
			return
		}
		ext.admittedTLS = true
		st.Transport = transport.NewTLS(fd, s.tlsCtx.TLSConfig(""))
		st.HandshakeStart = time.Now()
	} else {
		st.Transport = transport.NewPlain(fd)
	}

	s.nextGen++
	s.extFor(fd).gen = s.nextGen

	if err := s.loop.Add(fd, eventloop.Readable); err != nil {
		s.closeConn(fd, st)
		return
	}

	if s.log != nil {
		s.log.AcceptedConnection(fd, remoteAddr)
	}
}

// onEvent is the single epoll readiness callback Run's Poll loop
// dispatches every ready fd to. An error or hangup event closes the
// connection; a TLS connection still handshaking goes to driveHandshake;
// otherwise a writable event flushes pending output and a readable event
// reads new input.
func (s *Server) onEvent(fd int, ev eventloop.Event) {
	st, ok := s.storage.Lookup(fd)
	if !ok {
		return
	}

	if ev&eventloop.ErrEvent != 0 || ev&eventloop.Closed != 0 {
		s.closeConn(fd, st)
		return
	}

	if st.Transport.Kind() == transport.TLS && !st.TLSEstablished {
		s.driveHandshake(fd, st)
		return
	}

	st.LastActivity = time.Now()

	if ev&eventloop.Writable != 0 {
		s.flushOut(fd, st)
		if st.IsAnyCloseRequested() && st.Out.Len() == 0 && !st.SendFile.Active() {
			s.closeConn(fd, st)
			return
		}
	}
	if ev&eventloop.Readable != 0 {
		s.readIncoming(fd, st)
	}
}

func (s *Server) driveHandshake(fd int, st *connstate.State) {
	status, err := st.Transport.Handshake()
	switch status {
	case transport.Done:
		st.TLSEstablished = true
		st.HandshakeStart = time.Time{}

		tt := st.Transport.(*transport.TLSTransport)
		cs := tt.ConnectionState()
		st.SelectedALPN = cs.NegotiatedProtocol
		st.NegotiatedVersion = tlsVersionName(cs.Version)
		if len(cs.PeerCertificates) > 0 {
			st.PeerCertSubject = cs.PeerCertificates[0].Subject.String()
		}
		if s.stats != nil {
			s.stats.RecordHandshakeSuccess(st.NegotiatedVersion, st.SelectedALPN, len(cs.PeerCertificates) > 0)
		}

		if s.h2 != nil && h2glue.SelectedByALPN(st.SelectedALPN) {
			s.handoffH2(fd, st, tt.Conn())
			return
		}

		_ = s.loop.Modify(fd, eventloop.Readable)
		s.readIncoming(fd, st)

	case transport.WantRead:
		_ = s.loop.Modify(fd, eventloop.Readable)
	case transport.WantWrite:
		_ = s.loop.Modify(fd, eventloop.Writable)
	case transport.Fatal:
		if s.stats != nil {
			s.stats.RecordHandshakeFailure("handshake-failed")
		}
		if s.log != nil {
			s.log.HandshakeRejected(fd, "", err.Error())
		}
		s.closeConn(fd, st)
	}
}

func tlsVersionName(v uint16) string {
	switch v {
	case 0x0304:
		return "TLS1.3"
	case 0x0303:
		return "TLS1.2"
	case 0x0302:
		return "TLS1.1"
	case 0x0301:
		return "TLS1.0"
	default:
		return "unknown"
	}
}

// readIncoming drains the socket into st.In, then hands off to
// processConn to extract as many complete requests as are now buffered.
func (s *Server) readIncoming(fd int, st *connstate.State) {
	for {
		if err := st.In.Reserve(4096); err != nil {
			s.writeErrorAndClose(fd, st, http.StatusRequestEntityTooLarge)
			return
		}
		n, hint, rerr := st.Transport.Read(st.In.Spare())
		if rerr != nil {
			s.closeConn(fd, st)
			return
		}
		if n > 0 {
			_ = st.In.Grow(n)
		}
		switch hint {
		case transport.ReadReady:
			s.processConn(fd, st)
			return
		case transport.WriteReady:
			_ = s.loop.Modify(fd, eventloop.Writable)
			return
		case transport.ErrHint:
			s.closeConn(fd, st)
			return
		default:
			if n == 0 {
				s.processConn(fd, st)
				return
			}
		}
	}
}

// processConn extracts and dispatches as many complete HTTP/1.x requests
// as are currently buffered in st.In, stopping to wait for more input,
// for an in-flight AsyncHandlerFunc, or because the connection is
// closing. It is re-entered after every read and after every async
// completion.
func (s *Server) processConn(fd int, st *connstate.State) {
	ext := s.extFor(fd)

	for {
		if st.IsAnyCloseRequested() || ext.awaitingAsync {
			return
		}

		if ext.req == nil {
			if st.RequestsServed >= uint32(s.cfg.MaxRequestsPerConnection) {
				st.RequestDrainAndClose()
				return
			}

			if s.h2 != nil && s.cfg.HTTP2.H2CEnabled && st.RequestsServed == 0 &&
				h2glue.IsPriorKnowledgePreface(st.In.View()) {
				s.handoffH2(fd, st, nil)
				return
			}

			pr, perr := httpwire.ParseHead(st.In.View(), s.cfg.MaxHeaderBytes)
			if perr != nil {
				s.writeErrorAndClose(fd, st, pr.StatusCode)
				return
			}
			if pr.NeedMore {
				if st.HeaderStart.IsZero() && st.In.Len() > 0 {
					st.HeaderStart = time.Now()
				}
				return
			}

			st.HeaderStart = time.Time{}
			ext.req = pr.Request
			ext.headBytes = pr.Consumed

			if ext.req.IsChunked() {
				ext.chunkedDec = httpwire.NewChunkedDecoder(s.cfg.MaxBodyBytes)
				ext.chunkedOffset = 0
			} else {
				cl := ext.req.ContentLength()
				if cl < 0 {
					cl = 0
				}
				if cl > s.cfg.MaxBodyBytes {
					s.writeErrorAndClose(fd, st, http.StatusRequestEntityTooLarge)
					return
				}
				ext.contentLen = cl
			}
		}

		if ext.req.Expect100Continue() && !ext.expectSent {
			_ = st.Out.Append([]byte(httpwire.Continue100))
			ext.expectSent = true
			s.flushOut(fd, st)
		}

		var body []byte
		var totalConsumed int
		complete := false

		if ext.chunkedDec != nil {
			rest := st.In.View()[ext.headBytes+ext.chunkedOffset:]
			consumed, cerr := ext.chunkedDec.Feed(rest)
			if cerr != nil {
				s.writeErrorAndClose(fd, st, http.StatusBadRequest)
				return
			}
			ext.chunkedOffset += consumed
			if ext.chunkedDec.Done() {
				body = ext.chunkedDec.Body()
				totalConsumed = ext.headBytes + ext.chunkedOffset
				complete = true
			}
		} else {
			need := ext.headBytes + int(ext.contentLen)
			if st.In.Len() >= need {
				body = append([]byte(nil), st.In.View()[ext.headBytes:need]...)
				totalConsumed = need
				complete = true
			}
		}

		if !complete {
			return
		}

		if enc, ok := ext.req.Headers.Get("Content-Encoding"); ok && enc != "" {
			decoded, derr := httpwire.DecompressBody(body, httpwire.Coding(enc), s.cfg.MaxDecompressedBodyBytes)
			if derr != nil {
				_ = st.In.EraseFront(totalConsumed)
				s.writeErrorAndClose(fd, st, http.StatusUnprocessableEntity)
				return
			}
			body = decoded
		}
		ext.req.Body = body

		_ = st.In.EraseFront(totalConsumed)

		if s.h2 != nil && s.cfg.HTTP2.H2CUpgradeEnabled && h2glue.IsH2CUpgradeRequest(ext.req) {
			s.upgradeH2C(fd, st)
			return
		}

		if wsupgrade.IsUpgrade(ext.req) {
			s.upgradeWebSocket(fd, st, ext)
			return
		}

		req := ext.req

		var resp httpwire.Response
		var handle connstate.AsyncHandle
		var isAsync bool

		if pr := s.probes.Match(pathOf(req.Target)); pr.Matched {
			resp = probeResponse(pr)
		} else {
			gen := ext.gen
			resp, handle, isAsync = s.router.Dispatch(req, func(r httpwire.Response) {
				s.asyncQ.Post(fd, gen, r)
			})
		}

		if isAsync {
			st.Async = handle
			ext.awaitingAsync = true
			return
		}

		s.finishRequest(fd, st, ext, resp)
	}
}

// finishRequest renders resp for ext.req, writes it, and either loops
// back into processConn for any further pipelined bytes already
// buffered or arms a drain-then-close once the framing says to.
func (s *Server) finishRequest(fd int, st *connstate.State, ext *connExt, resp httpwire.Response) {
	req := ext.req

	keepAlive := s.cfg.KeepAliveEnabled && req.KeepAlive()
	if st.RequestsServed+1 >= uint32(s.cfg.MaxRequestsPerConnection) {
		keepAlive = false
	}

	if resp.ContentEncoding == "" && !resp.IsFile() && len(resp.Body) > 0 {
		ae, _ := req.Headers.Get("Accept-Encoding")
		coding := httpwire.NegotiateEncoding(ae, len(resp.Body), minCompressSize)
		if coding != httpwire.CodingIdentity {
			if compressed, cerr := httpwire.CompressBody(resp.Body, coding); cerr == nil {
				resp.Body = compressed
				resp.ContentEncoding = string(coding)
			}
		}
	}

	suppressBody := req.Method == http.MethodHead
	head := httpwire.BuildHead(resp, httpwire.HeadOptions{KeepAlive: keepAlive, Now: time.Now(), SuppressBody: suppressBody})
	_ = st.Out.Append(head)

	if !suppressBody {
		if resp.IsFile() {
			st.SendFile = &connstate.FileSend{File: resp.File, Offset: resp.FileOffset, Remaining: resp.FileLength}
		} else {
			_ = st.Out.Append(resp.Body)
		}
	}

	st.RequestsServed++
	st.LastActivity = time.Now()
	ext.reset()
	ext.awaitingAsync = false
	st.Async = nil

	if !keepAlive {
		st.RequestDrainAndClose()
	}

	if s.log != nil {
		s.log.RequestLine(fd, req.Method, req.Target, resp.Status)
	}
	if s.stats != nil {
		s.stats.IncRequests()
	}

	s.flushOut(fd, st)

	if !st.IsAnyCloseRequested() || st.Out.Len() > 0 || st.SendFile.Active() {
		if !st.IsImmediateCloseRequested() {
			s.processConn(fd, st)
		}
	}
}

// flushOut writes as much of st.Out (and, once it drains, any active
// sendfile transfer) as the socket will currently accept.
func (s *Server) flushOut(fd int, st *connstate.State) {
	for st.Out.Len() > 0 {
		n, hint, werr := st.Transport.Write(st.Out.View())
		if werr != nil {
			s.closeConn(fd, st)
			return
		}
		if n > 0 {
			_ = st.Out.EraseFront(n)
		}
		if hint == transport.WriteReady {
			_ = s.loop.Modify(fd, eventloop.Writable)
			return
		}
		if n == 0 {
			break
		}
	}

	if st.SendFile.Active() {
		s.flushSendFile(fd, st)
		return
	}

	if st.IsAnyCloseRequested() && st.Out.Len() == 0 {
		s.closeConn(fd, st)
		return
	}

	_ = s.loop.Modify(fd, eventloop.Readable)
}

// flushSendFile transfers the active file response. Plain connections
// use the kernel's sendfile(2) so the bytes never cross into user
// space; TLS connections must encrypt in user space, so they fall back
// to a bounded read-then-write copy loop through the same scratch
// buffer reused per call.
func (s *Server) flushSendFile(fd int, st *connstate.State) {
	sf := st.SendFile

	if st.Transport.Kind() == transport.Plain {
		for sf.Remaining > 0 {
			off := sf.Offset
			n, err := unix.Sendfile(fd, int(sf.File.Fd()), &off, int(sf.Remaining))
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					_ = s.loop.Modify(fd, eventloop.Writable)
					return
				}
				_ = sf.File.Close()
				s.closeConn(fd, st)
				return
			}
			if n == 0 {
				break
			}
			sf.Offset += int64(n)
			sf.Remaining -= int64(n)
		}
	} else {
		buf := make([]byte, 32*1024)
		for sf.Remaining > 0 {
			want := int64(len(buf))
			if sf.Remaining < want {
				want = sf.Remaining
			}
			n, rerr := sf.File.ReadAt(buf[:want], sf.Offset)
			if n > 0 {
				wn, _, werr := st.Transport.Write(buf[:n])
				if werr != nil {
					_ = sf.File.Close()
					s.closeConn(fd, st)
					return
				}
				sf.Offset += int64(wn)
				sf.Remaining -= int64(wn)
				if wn < n {
					_ = s.loop.Modify(fd, eventloop.Writable)
					return
				}
			}
			if rerr != nil {
				break
			}
		}
	}

	if sf.Remaining <= 0 {
		_ = sf.File.Close()
		st.SendFile = nil
		if st.IsAnyCloseRequested() {
			s.closeConn(fd, st)
			return
		}
		_ = s.loop.Modify(fd, eventloop.Readable)
		s.processConn(fd, st)
	}
}

func (s *Server) writeErrorAndClose(fd int, st *connstate.State, status int) {
	if status == 0 {
		status = http.StatusBadRequest
	}
	_ = st.Out.Append(httpwire.ErrorResponse(status))
	st.RequestImmediateClose()
	s.flushOut(fd, st)
}

// upgradeWebSocket completes the RFC 6455 handshake and writes the
// 101 response. Framing of the resulting data stream (text/binary
// message echo, ping/pong, close frames) is not implemented by this
// pass: see DESIGN.md's open questions for the reasoning.
func (s *Server) upgradeWebSocket(fd int, st *connstate.State, ext *connExt) {
	hs, err := wsupgrade.Negotiate(ext.req, s.cfg.WebSocket.DeflateEnabled)
	if err != nil {
		s.writeErrorAndClose(fd, st, http.StatusBadRequest)
		return
	}
	_ = st.Out.Append([]byte("HTTP/1.1 101 Switching Protocols\r\n"))
	_ = st.Out.Append([]byte(wsupgrade.BuildResponseHeaders(hs)))
	ext.reset()
	st.RequestsServed++
	s.flushOut(fd, st)
}

// upgradeH2C switches a plaintext connection over to golang.org/x/net/
// http2's own server loop after the Upgrade: h2c handshake. The fd
// leaves epoll's management entirely; from here on the http2.Server
// goroutine owns its lifecycle until the peer or an I/O error closes it.
func (s *Server) upgradeH2C(fd int, st *connstate.State) {
	_ = st.Out.Append([]byte("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: h2c\r\n\r\n"))
	s.flushOut(fd, st)
	s.handoffH2(fd, st, nil)
}

func (s *Server) handoffH2(fd int, st *connstate.State, conn net.Conn) {
	admittedTLS := false
	if ext, ok := s.ext[fd]; ok {
		admittedTLS = ext.admittedTLS
	}

	_ = s.loop.Remove(fd)
	delete(s.ext, fd)
	_ = s.storage.Release(fd)

	if conn == nil {
		_ = unix.SetNonblock(fd, false)
		conn = newRawFdConn(fd)
	} else if admittedTLS && s.tlsCtx != nil {
		// The TLS handshake's admission slot is scoped to the time spent
		// establishing the connection, not its subsequent lifetime as an
		// HTTP/2 stream multiplexer.
		s.tlsCtx.Release()
	}

	go s.h2.ServeConn(conn, &http2.ServeConnOpts{})
}

func (s *Server) closeConn(fd int, st *connstate.State) {
	admittedTLS := false
	if ext, ok := s.ext[fd]; ok {
		admittedTLS = ext.admittedTLS
		delete(s.ext, fd)
	}
	if st.Async != nil {
		st.Async.Cancel()
	}
	if st.SendFile.Active() {
		_ = st.SendFile.File.Close()
	}
	if admittedTLS && s.tlsCtx != nil {
		s.tlsCtx.Release()
	}

	_ = s.loop.Remove(fd)
	_ = st.Transport.Shutdown()
	_ = st.Transport.Close()
	_ = s.storage.Release(fd)

	if s.log != nil {
		s.log.ClosedConnection(fd, "")
	}
}
