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

// Package tlscontext generalizes the certificates package into a live
// TLS context: ALPN preference + strict-mismatch handling, a rotating
// session ticket key ring, handshake admission control (concurrency cap
// and per-client rate limiting) and a best-effort kTLS opt-in. The
// context stores itself behind a pointer so that moving the owning
// reactor does not invalidate the callback closures crypto/tls captures
// (GetConfigForClient, SetSessionTicketKeys).
package tlscontext

import (
	"crypto/rand"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/nabbar/reactorhttp/certificates"
	liberr "github.com/nabbar/reactorhttp/errors"
)

const maxTicketKeys = 3

// RateLimit configures the per-source-IP handshake admission bucket.
type RateLimit struct {
	TokensPerSecond float64
	Burst           int
}

// Options configures a Context at construction time.
type Options struct {
	// ALPNPreference lists protocols in server-preferred order.
	ALPNPreference []string
	// ALPNStrict aborts the handshake when no ALPN protocol overlaps.
	ALPNStrict bool
	// MaxInFlightHandshakes caps concurrent in-progress handshakes; 0 means unbounded.
	MaxInFlightHandshakes int32
	// PerClientRate bounds handshake attempts per source IP; zero TokensPerSecond disables it.
	PerClientRate RateLimit
	// KTLSEnabled opts into attempting a kernel TLS handoff after handshake.
	KTLSEnabled bool
}

// Context is the live TLS state the reactor drives for every TLS
// connection it accepts.
type Context struct {
	cfg  certificates.TLSConfig
	opts Options

	mu         sync.Mutex
	ticketKeys [][32]byte

	inFlight int32

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Context over an already-configured certificates.TLSConfig.
func New(cfg certificates.TLSConfig, opts Options) *Context {
	return &Context{
		cfg:      cfg,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// TLSConfig returns the *tls.Config the reactor hands to tls.Server for
// every new TLS connection, wired for ALPN selection and session ticket
// keys.
func (c *Context) TLSConfig(serverName string) *tls.Config {
	base := c.cfg.TLS(serverName)
	base.GetConfigForClient = c.getConfigForClient
	c.applyTicketKeys(base)
	return base
}

// getConfigForClient implements ALPN selection per spec: the server
// picks the first entry of its own preference list present in the
// client's offer. With no overlap, strict mode aborts the handshake;
// non-strict mode proceeds with no protocol selected.
func (c *Context) getConfigForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	base := c.cfg.TLS(hello.ServerName)
	c.applyTicketKeys(base)

	if len(c.opts.ALPNPreference) == 0 {
		base.NextProtos = nil
		return base, nil
	}

	offered := make(map[string]struct{}, len(hello.SupportedProtos))
	for _, p := range hello.SupportedProtos {
		offered[p] = struct{}{}
	}

	for _, pref := range c.opts.ALPNPreference {
		if _, ok := offered[pref]; ok {
			base.NextProtos = []string{pref}
			return base, nil
		}
	}

	if c.opts.ALPNStrict {
		return nil, ErrorALPNStrictMismatch.Error(nil)
	}

	base.NextProtos = nil
	return base, nil
}

// RotateTicketKey generates a fresh random session ticket key and pushes
// it to the front of the ring, evicting the oldest once the ring holds
// maxTicketKeys entries. Tickets issued under an evicted key stop
// resuming and fall back to a full handshake. The new ring is applied to
// every subsequently issued per-connection *tls.Config by
// applyTicketKeys.
func (c *Context) RotateTicketKey() liberr.Error {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return ErrorTicketKeyGeneration.Error(err)
	}

	c.mu.Lock()
	c.ticketKeys = append([][32]byte{key}, c.ticketKeys...)
	if len(c.ticketKeys) > maxTicketKeys {
		c.ticketKeys = c.ticketKeys[:maxTicketKeys]
	}
	c.mu.Unlock()

	return nil
}

// applyTicketKeys sets the current ring on cfg, if any keys have been
// generated yet.
func (c *Context) applyTicketKeys(cfg *tls.Config) {
	c.mu.Lock()
	keys := make([][32]byte, len(c.ticketKeys))
	copy(keys, c.ticketKeys)
	c.mu.Unlock()

	if len(keys) > 0 {
		cfg.SetSessionTicketKeys(keys)
	}
}

// AdmitResult is the outcome of a handshake admission check.
type AdmitResult uint8

const (
	Admitted AdmitResult = iota
	RejectedConcurrency
	RejectedRateLimit
)

// Admit applies the concurrency cap and per-client token bucket before a
// newly accepted connection is allowed to start a TLS handshake. On
// anything but Admitted, the caller must not call Release.
func (c *Context) Admit(sourceIP string) AdmitResult {
	if c.opts.MaxInFlightHandshakes > 0 {
		if atomic.AddInt32(&c.inFlight, 1) > c.opts.MaxInFlightHandshakes {
			atomic.AddInt32(&c.inFlight, -1)
			return RejectedConcurrency
		}
	}

	if c.opts.PerClientRate.TokensPerSecond > 0 {
		if !c.limiterFor(sourceIP).Allow() {
			if c.opts.MaxInFlightHandshakes > 0 {
				atomic.AddInt32(&c.inFlight, -1)
			}
			return RejectedRateLimit
		}
	}

	return Admitted
}

// Release decrements the in-flight handshake counter for a connection
// admitted by Admit, whether the handshake succeeded, failed or timed out.
func (c *Context) Release() {
	if c.opts.MaxInFlightHandshakes > 0 {
		atomic.AddInt32(&c.inFlight, -1)
	}
}

// InFlight reports the current number of admitted, not-yet-finished handshakes.
func (c *Context) InFlight() int32 {
	return atomic.LoadInt32(&c.inFlight)
}

func (c *Context) limiterFor(sourceIP string) *rate.Limiter {
	c.limMu.Lock()
	defer c.limMu.Unlock()

	lim, ok := c.limiters[sourceIP]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.opts.PerClientRate.TokensPerSecond), c.opts.PerClientRate.Burst)
		c.limiters[sourceIP] = lim
	}
	return lim
}

// ForgetClient drops the rate-limiter state tracked for sourceIP,
// reclaiming memory for clients that are no longer connecting.
func (c *Context) ForgetClient(sourceIP string) {
	c.limMu.Lock()
	delete(c.limiters, sourceIP)
	c.limMu.Unlock()
}

// TryEnableKTLS attempts to hand the socket's record encryption to the
// kernel after a successful handshake. crypto/tls does not export the
// negotiated traffic secrets needed to actually seed the kernel's TLS
// ULP socket options, so this can only attach the ULP itself; it always
// reports a fallback to user-space records rather than fabricating a
// key-export mechanism the standard library does not provide.
func (c *Context) TryEnableKTLS(fd int) (enabled bool) {
	if !c.opts.KTLSEnabled {
		return false
	}
	if err := unix.SetsockoptString(fd, unix.SOL_TCP, unix.TCP_ULP, "tls"); err != nil {
		return false
	}
	return false
}

// HandshakeDeadline returns the wall-clock instant by which a handshake
// started now must complete, per the given timeout.
func HandshakeDeadline(now time.Time, timeout time.Duration) time.Time {
	return now.Add(timeout)
}
