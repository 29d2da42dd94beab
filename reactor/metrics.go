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
	"bytes"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/nabbar/reactorhttp/httpwire"
)

// metricsHandler renders reg's current gather in the Prometheus text
// exposition format, reusing this codebase's own raw-bytes Response path
// instead of net/http's ResponseWriter: the reactor never runs an
// *http.Server, so promhttp.Handler's adapter would buy nothing here.
func metricsHandler(reg *prometheus.Registry) HandlerFunc {
	return func(_ *httpwire.Request) httpwire.Response {
		families, err := reg.Gather()
		if err != nil {
			return httpwire.Response{Status: http.StatusInternalServerError}
		}

		var buf bytes.Buffer
		enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
		for _, mf := range families {
			if encErr := enc.Encode(mf); encErr != nil {
				return httpwire.Response{Status: http.StatusInternalServerError}
			}
		}

		return httpwire.Response{
			Status:      http.StatusOK,
			ContentType: string(expfmt.FmtText),
			Body:        buf.Bytes(),
		}
	}
}
