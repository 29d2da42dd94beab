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

package tlscontext

// FailureReason enumerates why a TLS handshake did not complete. The set
// mirrors the OpenSSL-era reasons this engine's ancestor reported; most
// no longer apply literally to crypto/tls (there is no separate
// ssl_new/ssl_set_fd step) but are kept so operators correlating metrics
// across engine generations see the same label vocabulary.
type FailureReason string

const (
	ReasonNone                 FailureReason = ""
	ReasonALPNStrictMismatch   FailureReason = "alpn_strict_mismatch"
	ReasonHandshakeEOF         FailureReason = "handshake_eof"
	ReasonHandshakeError       FailureReason = "handshake_error"
	ReasonHandshakeTimeout     FailureReason = "handshake_timeout"
	ReasonRejectedConcurrency  FailureReason = "rejected_concurrency"
	ReasonRejectedRateLimit    FailureReason = "rejected_rate_limit"
	ReasonSSLNewFailed         FailureReason = "ssl_new_failed"
	ReasonSSLSetFdFailed       FailureReason = "ssl_set_fd_failed"
	ReasonSSLSetExDataFailed   FailureReason = "ssl_set_ex_data_failed"
)
