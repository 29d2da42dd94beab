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

package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/nabbar/reactorhttp/lifecycle"

	liberr "github.com/nabbar/reactorhttp/errors"
)

// Watcher watches a config file for writes and posts a freshly parsed
// Config to a lifecycle.PendingUpdates queue, closing the loop from
// "operator edits YAML" to "reactor hot-applies it on its own thread"
// without ever touching reactor state from the watcher goroutine itself.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	pending *lifecycle.PendingUpdates
	apply   func(Config)
	onError func(liberr.Error)
}

// NewWatcher starts watching path. apply is invoked on the loop thread
// (wrapped in a ConfigMutator posted to pending) with every successfully
// parsed reload; onError is invoked (also loop-thread side, since it is
// itself wrapped into the posted mutator) when a reload fails validation
// or parsing.
func NewWatcher(path string, pending *lifecycle.PendingUpdates, apply func(Config), onError func(liberr.Error)) (*Watcher, liberr.Error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ErrorWatchFailed.Error(err)
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, ErrorWatchFailed.Error(err)
	}

	w := &Watcher{path: path, fsw: fsw, pending: pending, apply: apply, onError: onError}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.pending.PostConfigUpdate(func() {
			if w.onError != nil {
				w.onError(err)
			}
		})
		return
	}
	w.pending.PostConfigUpdate(func() {
		w.apply(cfg)
	})
}

// Close stops the watcher goroutine and releases the underlying inotify
// fd.
func (w *Watcher) Close() liberr.Error {
	if err := w.fsw.Close(); err != nil {
		return ErrorWatchFailed.Error(err)
	}
	return nil
}
