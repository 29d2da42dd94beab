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
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/nabbar/reactorhttp/config"
	"github.com/nabbar/reactorhttp/connstate"
	"github.com/nabbar/reactorhttp/connstorage"
	liberr "github.com/nabbar/reactorhttp/errors"
	"github.com/nabbar/reactorhttp/eventloop"
	"github.com/nabbar/reactorhttp/h2glue"
	"github.com/nabbar/reactorhttp/httpwire"
	"github.com/nabbar/reactorhttp/lifecycle"
	"github.com/nabbar/reactorhttp/logger"
	"github.com/nabbar/reactorhttp/probes"
	"github.com/nabbar/reactorhttp/stats"
	"github.com/nabbar/reactorhttp/tlscontext"
)

// Options gathers everything a caller supplies to New. Router, Logger and
// Stats are taken as-is; TLS, HTTP/2, built-in probes and metrics are all
// derived from Config and only wired up when their respective section
// says to.
type Options struct {
	Config     config.Config
	Router     *Router
	Logger     *logger.Logger
	Stats      *stats.Stats
	Registerer *prometheus.Registry
}

// Server owns one listening socket and the epoll-driven reactor that
// serves every connection accepted on it from a single OS thread. All of
// its fields below are read and mutated exclusively from that thread
// except where noted; nothing here is safe to touch concurrently from
// another goroutine.
type Server struct {
	cfg    config.Config
	router *Router

	loop     *eventloop.Loop
	storage  *connstorage.Storage
	ext      map[int]*connExt
	listenFD int
	nextGen  uint64

	tlsCtx *tlscontext.Context
	h2     *h2glue.Bridge
	probes *probes.Probes

	log   *logger.Logger
	stats *stats.Stats
	asyncQ *AsyncQueue

	lc      *lifecycle.Lifecycle
	pending *lifecycle.PendingUpdates

	registerer *prometheus.Registry
}

// New builds a Server from opts but does not yet open the listening
// socket or start accepting connections; call Run for that.
func New(opts Options) (*Server, liberr.Error) {
	loop, lerr := eventloop.New()
	if lerr != nil {
		return nil, lerr
	}

	s := &Server{
		cfg:      opts.Config,
		router:   opts.Router,
		loop:     loop,
		storage:  connstorage.New(0),
		ext:      make(map[int]*connExt),
		listenFD: -1,
		log:      opts.Logger,
		stats:    opts.Stats,
	}
	s.lc = lifecycle.New(loop)
	s.pending = lifecycle.NewPendingUpdates(loop)
	s.asyncQ = NewAsyncQueue(loop)

	if s.router == nil {
		s.router = NewRouter()
	}
	if s.stats == nil {
		s.stats = stats.New()
	}

	if opts.Config.BuiltinProbes.Enabled {
		pcfg := probes.Config{
			Enabled:     opts.Config.BuiltinProbes.Enabled,
			LivePath:    opts.Config.BuiltinProbes.LivePath,
			ReadyPath:   opts.Config.BuiltinProbes.ReadyPath,
			StartupPath: opts.Config.BuiltinProbes.StartupPath,
		}.WithDefaults()
		s.probes = probes.New(pcfg, s.lc)
	}

	if opts.Config.TLS.Enabled {
		tlsCfg := opts.Config.TLS.Cert.New()
		s.tlsCtx = tlscontext.New(tlsCfg, tlscontext.Options{
			ALPNPreference:        opts.Config.TLS.ALPNList,
			ALPNStrict:            opts.Config.TLS.ALPNStrict,
			MaxInFlightHandshakes: opts.Config.TLS.Admission.MaxInFlightHandshakes,
			PerClientRate: tlscontext.RateLimit{
				TokensPerSecond: opts.Config.TLS.Admission.PerClientRate.TokensPerSecond,
				Burst:           opts.Config.TLS.Admission.PerClientRate.Burst,
			},
			KTLSEnabled: opts.Config.TLS.KTLS != config.KTLSDisabled,
		})
	}

	if opts.Config.HTTP2.Enabled {
		s.h2 = h2glue.NewBridge(h2glue.Config{
			Enabled:              true,
			H2CEnabled:           opts.Config.HTTP2.H2CEnabled,
			H2CUpgradeEnabled:    opts.Config.HTTP2.H2CUpgradeEnabled,
			MaxConcurrentStreams: opts.Config.HTTP2.MaxConcurrentStreams,
			InitialWindowSize:    opts.Config.HTTP2.InitialWindowSize,
		}, s.h2Handler())
	}

	reg := opts.Registerer
	if opts.Config.MetricsEnabled {
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		reg.MustRegister(stats.NewCollector(s.stats))
		s.router.Handle(opts.Config.MetricsPath, metricsHandler(reg))
	}
	s.registerer = reg

	return s, nil
}

// BeginDrain starts graceful shutdown: no further connections are
// accepted, in-flight ones are allowed up to deadline to finish on their
// own, and Run returns once they have or the deadline passes.
func (s *Server) BeginDrain(deadline time.Time) {
	s.lc.BeginDrain(deadline)
}

// Stop forces an immediate shutdown regardless of current lifecycle
// state; Run closes every connection and returns on its next iteration.
func (s *Server) Stop() {
	s.lc.Stop()
}

// State reports the server's current lifecycle phase.
func (s *Server) State() lifecycle.State {
	return s.lc.State()
}

// Addr reports the listening socket's bound address, including the
// kernel-assigned port when Config.Port was 0. It only returns a
// meaningful value once Run has opened the socket.
func (s *Server) Addr() (string, error) {
	sa, err := unix.Getsockname(s.listenFD)
	if err != nil {
		return "", err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port)), nil
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port)), nil
	default:
		return "", ErrorListenFailed.Error(nil)
	}
}

// Reload queues cfg to replace the server's own configuration on Run's
// next loop iteration, the same path a SIGHUP-triggered config.Watcher
// reload uses.
func (s *Server) Reload(cfg config.Config) {
	s.pending.PostConfigUpdate(func() {
		s.cfg = cfg
	})
}

// Pending exposes the lifecycle.PendingUpdates queue so a config.Watcher
// can be pointed at this server's own reload path.
func (s *Server) Pending() *lifecycle.PendingUpdates {
	return s.pending
}

// Run opens the listening socket, drives the reactor's event loop until
// ctx is cancelled or Stop is called, and closes every remaining
// connection before returning.
func (s *Server) Run(ctx context.Context) error {
	if s.lc.State() != lifecycle.Idle {
		return ErrorAlreadyRunning.Error(nil)
	}

	fd, err := listen(s.cfg)
	if err != nil {
		return ErrorListenFailed.Error(err)
	}
	s.listenFD = fd

	if aerr := s.loop.Add(fd, eventloop.Readable); aerr != nil {
		_ = unix.Close(fd)
		return aerr
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.lc.Stop()
		case <-stop:
		}
	}()
	defer close(stop)

	s.lc.Start()

	lastSweep := time.Now()
	for {
		if s.lc.State() == lifecycle.Stopping {
			break
		}
		if s.lc.State() == lifecycle.Draining && s.storage.Len() == 0 {
			break
		}
		if s.lc.State() == lifecycle.Draining && s.lc.DeadlineElapsed(time.Now()) {
			break
		}

		timeout := s.lc.EffectivePollTimeout(time.Now(), time.Duration(s.cfg.PollInterval))
		ms := int(timeout / time.Millisecond)
		if ms <= 0 {
			ms = 1
		}

		if perr := s.loop.Poll(ms, func(evfd int, ev eventloop.Event) {
			if evfd == s.listenFD {
				if s.lc.State() == lifecycle.Running {
					s.acceptAll()
				}
				return
			}
			s.onEvent(evfd, ev)
		}); perr != nil {
			if s.log != nil {
				s.log.ConnectionError(-1, perr)
			}
		}

		if s.pending.HasPending() {
			s.pending.Drain()
		}

		for _, c := range s.asyncQ.Drain() {
			st, ok := s.storage.Lookup(c.fd)
			if !ok {
				continue
			}
			ext, ok := s.ext[c.fd]
			if !ok || !ext.awaitingAsync || ext.gen != c.gen {
				continue
			}
			if st.Async != nil {
				if h, ok := st.Async.(*asyncHandle); ok && h.isCancelled() {
					continue
				}
			}
			ext.awaitingAsync = false
			s.finishRequest(c.fd, st, ext, c.resp)
		}

		now := time.Now()
		if now.Sub(lastSweep) >= time.Duration(s.cfg.PollInterval) {
			lastSweep = now
			s.storage.SweepIdle(now, time.Duration(s.cfg.KeepAliveTimeout), func(sfd int, st *connstate.State) {
				s.closeConn(sfd, st)
			})
			s.storage.SweepHandshake(now, time.Duration(s.cfg.TLS.Admission.HandshakeTimeout), func(sfd int, st *connstate.State) {
				s.closeConn(sfd, st)
			})
		}

		if !s.lc.StartupComplete() {
			s.lc.MarkStartupComplete()
		}
	}

	s.shutdownAll()
	_ = s.loop.Remove(s.listenFD)
	_ = unix.Close(s.listenFD)
	_ = s.loop.Close()

	return nil
}

func (s *Server) shutdownAll() {
	fds := make([]int, 0, len(s.ext))
	for fd := range s.ext {
		fds = append(fds, fd)
	}
	for _, fd := range fds {
		if st, ok := s.storage.Lookup(fd); ok {
			s.closeConn(fd, st)
		}
	}
}

// h2Handler bridges an HTTP/2 stream back into the same Router and
// built-in probes a plaintext/TLS HTTP/1.x connection dispatches
// through. Unlike the HTTP/1.x path, an AsyncHandlerFunc cannot suspend
// here: http2.Server requires the handler goroutine to have written its
// response before returning, so an async route answers 501 over HTTP/2.
func (s *Server) h2Handler() h2glue.Handler {
	return func(w http.ResponseWriter, req *h2glue.StreamRequest) {
		if pr := s.probes.Match(pathOf(req.Target)); pr.Matched {
			writeH2Response(w, probeResponse(pr))
			return
		}

		resp, _, isAsync := s.router.Dispatch(&req.Request, func(httpwire.Response) {})
		if isAsync {
			writeH2Response(w, httpwire.Response{Status: http.StatusNotImplemented})
			return
		}

		if s.stats != nil {
			s.stats.IncRequests()
		}
		writeH2Response(w, resp)
	}
}

func writeH2Response(w http.ResponseWriter, resp httpwire.Response) {
	for _, f := range resp.Headers {
		w.Header().Add(f.Name, f.Value)
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	if resp.ContentEncoding != "" {
		w.Header().Set("Content-Encoding", resp.ContentEncoding)
	}
	w.WriteHeader(resp.Status)

	if resp.IsFile() {
		sr := io.NewSectionReader(resp.File, resp.FileOffset, resp.FileLength)
		_, _ = io.Copy(w, sr)
		_ = resp.File.Close()
		return
	}
	_, _ = w.Write(resp.Body)
}

