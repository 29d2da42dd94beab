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

// Command reactorhttpd wraps the reactor package behind a thin
// github.com/spf13/cobra CLI: flag parsing and signal plumbing only,
// everything about how a request is served lives in the library
// packages this just wires together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nabbar/reactorhttp/config"
	liberr "github.com/nabbar/reactorhttp/errors"
	"github.com/nabbar/reactorhttp/logger"
	"github.com/nabbar/reactorhttp/reactor"
	"github.com/nabbar/reactorhttp/stats"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "reactorhttpd",
		Short: "epoll-driven HTTP/1.x, HTTP/2 and WebSocket-handshake reactor",
	}
	root.AddCommand(newServeCmd(), newReloadCmd(), newDrainCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	var pidFile string
	var jsonLog bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "load configuration and run the reactor until terminated",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(configPath, pidFile, jsonLog)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file (required)")
	cmd.Flags().StringVar(&pidFile, "pidfile", "/var/run/reactorhttpd.pid", "path to write the running process id to")
	cmd.Flags().BoolVar(&jsonLog, "json-log", false, "emit structured logs as JSON instead of text")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func newReloadCmd() *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "send SIGHUP to the running reactor named by --pidfile, triggering a config reload",
		RunE: func(_ *cobra.Command, _ []string) error {
			return signalPID(pidFile, syscall.SIGHUP)
		},
	}
	cmd.Flags().StringVar(&pidFile, "pidfile", "/var/run/reactorhttpd.pid", "path to the running process's pidfile")
	return cmd
}

func newDrainCmd() *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "send SIGTERM to the running reactor named by --pidfile, triggering a graceful drain",
		RunE: func(_ *cobra.Command, _ []string) error {
			return signalPID(pidFile, syscall.SIGTERM)
		},
	}
	cmd.Flags().StringVar(&pidFile, "pidfile", "/var/run/reactorhttpd.pid", "path to the running process's pidfile")
	return cmd
}

func signalPID(pidFile string, sig syscall.Signal) error {
	raw, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("reading pidfile %s: %w", pidFile, err)
	}
	pid, err := strconv.Atoi(string(trimNewline(raw)))
	if err != nil {
		return fmt.Errorf("parsing pid from %s: %w", pidFile, err)
	}
	return syscall.Kill(pid, sig)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

func runServe(configPath, pidFile string, jsonLog bool) error {
	cfg, cerr := config.Load(configPath)
	if cerr != nil {
		return fmt.Errorf("loading config: %w", cerr)
	}

	level := logrus.InfoLevel
	log := logger.New(logger.Options{Level: level, JSON: jsonLog, SampleEveryN: 1})

	if pidFile != "" {
		if werr := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); werr != nil {
			log.Base().WithError(werr).Warn("could not write pidfile")
		} else {
			defer func() { _ = os.Remove(pidFile) }()
		}
	}

	srv, nerr := reactor.New(reactor.Options{
		Config: cfg,
		Router: reactor.NewRouter(),
		Logger: log,
		Stats:  stats.New(),
	})
	if nerr != nil {
		return fmt.Errorf("constructing reactor: %w", nerr)
	}

	if cfg.ReloadOnSIGHUP {
		watcher, werr := config.NewWatcher(configPath, srv.Pending(), func(newCfg config.Config) {
			log.Base().Info("configuration reloaded")
			srv.Reload(newCfg)
		}, func(lerr liberr.Error) {
			log.Base().WithError(lerr).Warn("config reload failed")
		})
		if werr != nil {
			log.Base().WithError(werr).Warn("config file watcher not started")
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for s := range sigCh {
			switch s {
			case syscall.SIGHUP:
				newCfg, lerr := config.Load(configPath)
				if lerr != nil {
					log.Base().WithError(lerr).Warn("SIGHUP config reload failed")
					continue
				}
				srv.Reload(newCfg)
				log.Base().Info("configuration reloaded via SIGHUP")
			case syscall.SIGTERM, syscall.SIGINT:
				log.Base().Info("draining connections before shutdown")
				srv.BeginDrain(time.Now().Add(time.Duration(cfg.DrainTimeout)))
			}
		}
	}()
	defer signal.Stop(sigCh)

	return srv.Run(ctx)
}
