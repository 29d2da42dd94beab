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

// Package probes implements the three built-in liveness/readiness/
// startup paths that short-circuit routing ahead of the handler table.
// Each path's truthiness is backed by a lifecycle.Lifecycle atomic;
// probes never touches the connection or the router.
package probes

import (
	"strings"

	"github.com/nabbar/reactorhttp/lifecycle"

	liberr "github.com/nabbar/reactorhttp/errors"
)

const (
	DefaultLivePath    = "/livez"
	DefaultReadyPath   = "/readyz"
	DefaultStartupPath = "/startupz"
)

// Config enables the probe paths and names them. The zero value has
// probes disabled.
type Config struct {
	Enabled     bool
	LivePath    string
	ReadyPath   string
	StartupPath string
}

// WithDefaults returns a copy of c with empty paths replaced by the
// package defaults.
func (c Config) WithDefaults() Config {
	if c.LivePath == "" {
		c.LivePath = DefaultLivePath
	}
	if c.ReadyPath == "" {
		c.ReadyPath = DefaultReadyPath
	}
	if c.StartupPath == "" {
		c.StartupPath = DefaultStartupPath
	}
	return c
}

// Validate enforces the path rules: non-empty, leading slash, no control
// characters or spaces. Disabled configs are not validated.
func (c Config) Validate() liberr.Error {
	if !c.Enabled {
		return nil
	}
	for _, p := range []string{c.LivePath, c.ReadyPath, c.StartupPath} {
		if err := validatePath(p); err != nil {
			return err
		}
	}
	return nil
}

func validatePath(p string) liberr.Error {
	if p == "" {
		return ErrorEmptyPath.Error(nil)
	}
	if !strings.HasPrefix(p, "/") {
		return ErrorMissingLeadingSlash.Error(nil)
	}
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == ' ' || c < 0x20 || c == 0x7f {
			return ErrorInvalidCharacter.Error(nil)
		}
	}
	return nil
}

// Probes resolves a request target against the configured paths and
// reports the matching probe's status. The reactor calls Match before
// consulting the route table.
type Probes struct {
	cfg Config
	lc  *lifecycle.Lifecycle
}

// New returns a Probes backed by lc. cfg should already have had
// WithDefaults and Validate applied.
func New(cfg Config, lc *lifecycle.Lifecycle) *Probes {
	return &Probes{cfg: cfg, lc: lc}
}

// Result is the outcome of matching a request target against the
// built-in probe paths.
type Result struct {
	Matched bool
	OK      bool
	Body    string
}

// Match reports whether target names one of the three built-in probe
// paths, and if so, whether that probe currently reports healthy.
func (p *Probes) Match(target string) Result {
	if p == nil || !p.cfg.Enabled {
		return Result{}
	}

	switch target {
	case p.cfg.LivePath:
		return Result{Matched: true, OK: p.lc.Started(), Body: "live\n"}
	case p.cfg.ReadyPath:
		return Result{Matched: true, OK: p.lc.Ready(), Body: "ready\n"}
	case p.cfg.StartupPath:
		return Result{Matched: true, OK: p.lc.StartupComplete(), Body: "started\n"}
	default:
		return Result{}
	}
}
