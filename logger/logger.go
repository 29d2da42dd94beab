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

// Package logger wraps logrus into the level-gated, field-attaching
// shape the reactor needs: accept/close/error events at Info/Warn,
// per-request lines at Debug, TLS admission rejections at Warn carrying
// the rejection reason. A sampling gate keeps Debug-level request
// logging from becoming a loop-thread bottleneck under load.
package logger

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Logger is a thin facade over *logrus.Logger that adds request-line
// sampling. The zero value is not usable; construct with New.
type Logger struct {
	base    *logrus.Logger
	sample  uint32 // log every Nth debug-level request line; 0 or 1 means "log every one"
	counter uint32
}

// Options configures a Logger.
type Options struct {
	Level         logrus.Level
	JSON          bool
	SampleEveryN  uint32 // 0 or 1: no sampling
}

// New returns a Logger configured per opts.
func New(opts Options) *Logger {
	l := logrus.New()
	l.SetLevel(opts.Level)
	if opts.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return &Logger{base: l, sample: opts.SampleEveryN}
}

// WithFields returns a *logrus.Entry carrying fd/remote-addr/request-id
// style context, ready for .Info/.Warn/.Debug.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.base.WithFields(fields)
}

// AcceptedConnection logs a new connection at Info.
func (l *Logger) AcceptedConnection(fd int, remoteAddr string) {
	l.base.WithFields(logrus.Fields{"fd": fd, "remote_addr": remoteAddr}).Info("connection accepted")
}

// ClosedConnection logs a connection teardown at Info.
func (l *Logger) ClosedConnection(fd int, reason string) {
	l.base.WithFields(logrus.Fields{"fd": fd, "reason": reason}).Info("connection closed")
}

// ConnectionError logs a fatal per-connection error at Warn; the reactor
// never escalates this to a process-level failure.
func (l *Logger) ConnectionError(fd int, err error) {
	l.base.WithFields(logrus.Fields{"fd": fd}).WithError(err).Warn("connection error")
}

// HandshakeRejected logs a TLS admission rejection at Warn with its
// reason label (tlscontext.FailureReason string).
func (l *Logger) HandshakeRejected(fd int, remoteAddr, reason string) {
	l.base.WithFields(logrus.Fields{"fd": fd, "remote_addr": remoteAddr, "reason": reason}).Warn("tls handshake rejected")
}

// RequestLine logs one dispatched request at Debug, subject to sampling.
func (l *Logger) RequestLine(fd int, method, target string, status int) {
	if l.sample > 1 {
		n := atomic.AddUint32(&l.counter, 1)
		if n%l.sample != 0 {
			return
		}
	}
	l.base.WithFields(logrus.Fields{"fd": fd, "method": method, "target": target, "status": status}).Debug("request")
}

// Base returns the underlying *logrus.Logger for callers (e.g. viper's
// fsnotify-driven config watcher) that want to log through the same
// sink without going through the sampled convenience methods.
func (l *Logger) Base() *logrus.Logger {
	return l.base
}
