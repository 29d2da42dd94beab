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

// Package stats holds the reactor's monotonic counters. Every Add is
// called only from the loop thread; external readers only ever see a
// Snapshot, taken under a single mutex so the copy is internally
// consistent even though the writer never locks on its own hot path.
package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time, internally consistent copy of Stats.
type Snapshot struct {
	TotalRequests uint64

	TLSHandshakesSucceeded uint64
	TLSClientCertPresented uint64
	TLSVersionDistribution map[string]uint64
	ALPNSelected           map[string]uint64
	ALPNStrictMismatches   uint64

	HandshakeFailures map[string]uint64 // keyed by reason label, see tlscontext

	KTLSSendsEnabled         uint64
	KTLSSendsFallback        uint64
	KTLSForcedShutdown       uint64
	KTLSBytes                uint64
}

// Stats is updated exclusively from the reactor's loop thread. Reads via
// Snapshot take a mutex so a concurrent monitoring goroutine never
// observes a torn copy, without requiring the loop thread to lock on
// every single increment.
type Stats struct {
	mu sync.Mutex
	s  Snapshot
}

// New returns an empty Stats with its distribution maps initialized.
func New() *Stats {
	return &Stats{
		s: Snapshot{
			TLSVersionDistribution: make(map[string]uint64),
			ALPNSelected:           make(map[string]uint64),
			HandshakeFailures:      make(map[string]uint64),
		},
	}
}

// IncRequests records one fully dispatched request.
func (s *Stats) IncRequests() {
	s.mu.Lock()
	s.s.TotalRequests++
	s.mu.Unlock()
}

// RecordHandshakeSuccess tallies a completed TLS handshake and its
// negotiated version/ALPN protocol, and whether the client presented a
// certificate.
func (s *Stats) RecordHandshakeSuccess(version, alpn string, clientCertPresented bool) {
	s.mu.Lock()
	s.s.TLSHandshakesSucceeded++
	if clientCertPresented {
		s.s.TLSClientCertPresented++
	}
	if version != "" {
		s.s.TLSVersionDistribution[version]++
	}
	if alpn != "" {
		s.s.ALPNSelected[alpn]++
	}
	s.mu.Unlock()
}

// RecordALPNStrictMismatch tallies a handshake aborted by strict ALPN
// mismatch.
func (s *Stats) RecordALPNStrictMismatch() {
	s.mu.Lock()
	s.s.ALPNStrictMismatches++
	s.mu.Unlock()
}

// RecordHandshakeFailure tallies a handshake that failed for reason
// (one of the labels in package tlscontext).
func (s *Stats) RecordHandshakeFailure(reason string) {
	s.mu.Lock()
	s.s.HandshakeFailures[reason]++
	s.mu.Unlock()
}

// RecordKTLSEnabled tallies a successful kernel-TLS handoff.
func (s *Stats) RecordKTLSEnabled() {
	s.mu.Lock()
	s.s.KTLSSendsEnabled++
	s.mu.Unlock()
}

// RecordKTLSFallback tallies a kTLS handoff attempt that fell back to
// user-space records.
func (s *Stats) RecordKTLSFallback() {
	s.mu.Lock()
	s.s.KTLSSendsFallback++
	s.mu.Unlock()
}

// RecordKTLSForcedShutdown tallies a kTLS-engaged connection that had to
// be torn down because a partial sendfile result could not be resumed
// in user space.
func (s *Stats) RecordKTLSForcedShutdown() {
	s.mu.Lock()
	s.s.KTLSForcedShutdown++
	s.mu.Unlock()
}

// AddKTLSBytes tallies bytes sent through an engaged kTLS socket.
func (s *Stats) AddKTLSBytes(n uint64) {
	s.mu.Lock()
	s.s.KTLSBytes += n
	s.mu.Unlock()
}

// Snapshot returns a deep copy safe to read without further locking.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Snapshot{
		TotalRequests:          s.s.TotalRequests,
		TLSHandshakesSucceeded: s.s.TLSHandshakesSucceeded,
		TLSClientCertPresented: s.s.TLSClientCertPresented,
		ALPNStrictMismatches:   s.s.ALPNStrictMismatches,
		KTLSSendsEnabled:       s.s.KTLSSendsEnabled,
		KTLSSendsFallback:      s.s.KTLSSendsFallback,
		KTLSForcedShutdown:     s.s.KTLSForcedShutdown,
		KTLSBytes:              s.s.KTLSBytes,
		TLSVersionDistribution: make(map[string]uint64, len(s.s.TLSVersionDistribution)),
		ALPNSelected:           make(map[string]uint64, len(s.s.ALPNSelected)),
		HandshakeFailures:      make(map[string]uint64, len(s.s.HandshakeFailures)),
	}
	for k, v := range s.s.TLSVersionDistribution {
		out.TLSVersionDistribution[k] = v
	}
	for k, v := range s.s.ALPNSelected {
		out.ALPNSelected[k] = v
	}
	for k, v := range s.s.HandshakeFailures {
		out.HandshakeFailures[k] = v
	}
	return out
}

// Collector adapts Stats to prometheus.Collector so the /metrics
// endpoint can scrape the same counters the in-process Snapshot
// exposes, without keeping two sources of truth.
type Collector struct {
	stats *Stats

	descTotalRequests   *prometheus.Desc
	descHandshakesOK    *prometheus.Desc
	descClientCertSeen  *prometheus.Desc
	descALPNStrictMiss  *prometheus.Desc
	descALPNSelected    *prometheus.Desc
	descTLSVersion      *prometheus.Desc
	descHandshakeFail   *prometheus.Desc
	descKTLSEnabled     *prometheus.Desc
	descKTLSFallback    *prometheus.Desc
	descKTLSForcedShut  *prometheus.Desc
	descKTLSBytes       *prometheus.Desc
}

// NewCollector wraps s for registration with a prometheus.Registry.
func NewCollector(s *Stats) *Collector {
	ns := "reactorhttp"
	return &Collector{
		stats:              s,
		descTotalRequests:  prometheus.NewDesc(ns+"_requests_total", "Total requests dispatched.", nil, nil),
		descHandshakesOK:   prometheus.NewDesc(ns+"_tls_handshakes_succeeded_total", "Successful TLS handshakes.", nil, nil),
		descClientCertSeen: prometheus.NewDesc(ns+"_tls_client_cert_presented_total", "Handshakes where the client presented a certificate.", nil, nil),
		descALPNStrictMiss: prometheus.NewDesc(ns+"_tls_alpn_strict_mismatches_total", "Handshakes aborted by strict ALPN mismatch.", nil, nil),
		descALPNSelected:   prometheus.NewDesc(ns+"_tls_alpn_selected_total", "Handshakes by negotiated ALPN protocol.", []string{"protocol"}, nil),
		descTLSVersion:     prometheus.NewDesc(ns+"_tls_version_total", "Handshakes by negotiated TLS version.", []string{"version"}, nil),
		descHandshakeFail:  prometheus.NewDesc(ns+"_tls_handshake_failures_total", "Failed handshakes by reason.", []string{"reason"}, nil),
		descKTLSEnabled:    prometheus.NewDesc(ns+"_ktls_enabled_total", "Connections where kTLS was engaged.", nil, nil),
		descKTLSFallback:   prometheus.NewDesc(ns+"_ktls_fallback_total", "kTLS attempts that fell back to user-space records.", nil, nil),
		descKTLSForcedShut: prometheus.NewDesc(ns+"_ktls_forced_shutdown_total", "kTLS connections torn down on an unrecoverable partial sendfile.", nil, nil),
		descKTLSBytes:      prometheus.NewDesc(ns+"_ktls_bytes_total", "Bytes sent through an engaged kTLS socket.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.descTotalRequests
	ch <- c.descHandshakesOK
	ch <- c.descClientCertSeen
	ch <- c.descALPNStrictMiss
	ch <- c.descALPNSelected
	ch <- c.descTLSVersion
	ch <- c.descHandshakeFail
	ch <- c.descKTLSEnabled
	ch <- c.descKTLSFallback
	ch <- c.descKTLSForcedShut
	ch <- c.descKTLSBytes
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.descTotalRequests, prometheus.CounterValue, float64(snap.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.descHandshakesOK, prometheus.CounterValue, float64(snap.TLSHandshakesSucceeded))
	ch <- prometheus.MustNewConstMetric(c.descClientCertSeen, prometheus.CounterValue, float64(snap.TLSClientCertPresented))
	ch <- prometheus.MustNewConstMetric(c.descALPNStrictMiss, prometheus.CounterValue, float64(snap.ALPNStrictMismatches))
	ch <- prometheus.MustNewConstMetric(c.descKTLSEnabled, prometheus.CounterValue, float64(snap.KTLSSendsEnabled))
	ch <- prometheus.MustNewConstMetric(c.descKTLSFallback, prometheus.CounterValue, float64(snap.KTLSSendsFallback))
	ch <- prometheus.MustNewConstMetric(c.descKTLSForcedShut, prometheus.CounterValue, float64(snap.KTLSForcedShutdown))
	ch <- prometheus.MustNewConstMetric(c.descKTLSBytes, prometheus.CounterValue, float64(snap.KTLSBytes))

	for proto, n := range snap.ALPNSelected {
		ch <- prometheus.MustNewConstMetric(c.descALPNSelected, prometheus.CounterValue, float64(n), proto)
	}
	for version, n := range snap.TLSVersionDistribution {
		ch <- prometheus.MustNewConstMetric(c.descTLSVersion, prometheus.CounterValue, float64(n), version)
	}
	for reason, n := range snap.HandshakeFailures {
		ch <- prometheus.MustNewConstMetric(c.descHandshakeFail, prometheus.CounterValue, float64(n), reason)
	}
}
