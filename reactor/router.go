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
	"net/http"
	"strings"
	"sync"

	"github.com/nabbar/reactorhttp/connstate"
	"github.com/nabbar/reactorhttp/httpwire"
	"github.com/nabbar/reactorhttp/probes"
)

// HandlerFunc answers a request synchronously, on the loop thread. It
// must not block: anything that can take more than a handful of
// microseconds belongs behind an AsyncHandlerFunc instead, since every
// other connection's readiness waits behind it.
type HandlerFunc func(req *httpwire.Request) httpwire.Response

// AsyncHandlerFunc starts work off the loop thread and calls respond
// exactly once, from any goroutine, once the result is ready. The
// returned connstate.AsyncHandle lets the reactor cancel in-flight work
// if the owning connection closes first; a nil handle is valid when
// there is nothing to cancel.
type AsyncHandlerFunc func(req *httpwire.Request, respond func(httpwire.Response)) connstate.AsyncHandle

type route struct {
	sync  HandlerFunc
	async AsyncHandlerFunc
}

// Router maps the path portion of a request target (no query string) to
// handlers. There is no pattern matching or method-based dispatch: the
// dispatch model is a flat table plus a fallback, the same shape the
// built-in probe paths are matched against ahead of it.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]route
	fallback HandlerFunc
}

// NewRouter returns a Router whose fallback answers 404 Not Found.
func NewRouter() *Router {
	return &Router{
		routes:   make(map[string]route),
		fallback: notFoundHandler,
	}
}

func notFoundHandler(_ *httpwire.Request) httpwire.Response {
	return httpwire.Response{Status: http.StatusNotFound}
}

// probeResponse renders a matched built-in probe result, ahead of and
// independent from the route table.
func probeResponse(r probes.Result) httpwire.Response {
	status := http.StatusServiceUnavailable
	if r.OK {
		status = http.StatusOK
	}
	return httpwire.Response{Status: status, ContentType: "text/plain; charset=utf-8", Body: []byte(r.Body)}
}

// Handle registers a synchronous handler for an exact path.
func (r *Router) Handle(path string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[path] = route{sync: h}
}

// HandleAsync registers an asynchronous handler for an exact path.
func (r *Router) HandleAsync(path string, h AsyncHandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[path] = route{async: h}
}

// SetFallback overrides the default 404 handler invoked when no route
// matches.
func (r *Router) SetFallback(h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// pathOf strips any query string from a request target.
func pathOf(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}

// Dispatch resolves req.Target to a route. A synchronous match (or the
// fallback, when nothing matched) returns its Response directly with
// handle nil and isAsync false. An asynchronous match invokes the
// handler immediately, which must arrange to call respond later; the
// zero Response is returned alongside the handler's AsyncHandle and
// isAsync true, telling the caller to suspend this connection until
// respond fires.
func (r *Router) Dispatch(req *httpwire.Request, respond func(httpwire.Response)) (resp httpwire.Response, handle connstate.AsyncHandle, isAsync bool) {
	path := pathOf(req.Target)

	r.mu.RLock()
	rt, ok := r.routes[path]
	fallback := r.fallback
	r.mu.RUnlock()

	if !ok {
		return fallback(req), nil, false
	}
	if rt.async != nil {
		return httpwire.Response{}, rt.async(req, respond), true
	}
	return rt.sync(req), nil, false
}
