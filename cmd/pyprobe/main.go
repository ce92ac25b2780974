// Copyright 2023-2024 The PyProbe Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	runtimepprof "runtime/pprof"
	"sort"
	"strings"
	"time"

	// Automatically set GOMEMLIMIT to match the Linux container or system
	// memory limit.
	_ "github.com/KimMachineGun/automemlimit"
	"github.com/alecthomas/kong"
	"github.com/common-nighthawk/go-figure"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/model"
	"github.com/zcalusic/sysinfo"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/pyprobe-dev/pyprobe/pkg/buildinfo"
	"github.com/pyprobe-dev/pyprobe/pkg/byteorder"
	"github.com/pyprobe-dev/pyprobe/pkg/cache"
	"github.com/pyprobe-dev/pyprobe/pkg/config"
	"github.com/pyprobe-dev/pyprobe/pkg/discovery"
	"github.com/pyprobe-dev/pyprobe/pkg/logger"
	"github.com/pyprobe-dev/pyprobe/pkg/pyproc"
	"github.com/pyprobe-dev/pyprobe/pkg/template"
)

var (
	version string
	commit  string
	date    string
	goArch  string
)

type flags struct {
	LogLevel    string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	LogFormat   string `kong:"enum='logfmt,json',help='Log format.',default='logfmt'"`
	HTTPAddress string `kong:"help='Address to bind HTTP server to.',default=':7071'"`

	ConfigPath string `default:"" help:"Path to config file."`

	MatchPatterns   []string      `kong:"help='Substrings of comm or executable names that identify interpreter processes.',default='python'"`
	ScanInterval    time.Duration `kong:"help='Interval between process table scans.',default='5s'"`
	AttachTimeout   time.Duration `kong:"help='How long to keep retrying an attach while an interpreter is still starting up.',default='5s'"`
	RefreshInterval time.Duration `kong:"help='Interval between liveness and remap checks of attached interpreters.',default='10s'"`
}

func main() {
	flags := flags{}
	kong.Parse(&flags)

	logger := logger.NewLogger(flags.LogLevel, flags.LogFormat, "pyprobe")

	if byteorder.GetHostByteOrder() == binary.BigEndian {
		level.Error(logger).Log("msg", "big endian CPUs are not supported")
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	intro := figure.NewColorFigure("PyProbe ", "roman", "yellow", true)
	intro.Print()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	if err := run(logger, reg, flags); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, reg *prometheus.Registry, flags flags) error {
	var (
		cfg              = &config.Config{}
		configFileExists bool
	)

	if flags.ConfigPath != "" {
		configFileExists = true

		cfgFile, err := config.LoadFile(flags.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		cfg = cfgFile
	}

	// Fetch build info such as the git revision we are based off.
	buildInfo, err := buildinfo.FetchBuildInfo()
	if err != nil {
		return fmt.Errorf("failed to fetch build info: %w", err)
	}

	if commit == "" {
		commit = buildInfo.VcsRevision
	}
	if date == "" {
		date = buildInfo.VcsTime
	}
	if goArch == "" {
		goArch = buildInfo.GoArch
	}
	level.Debug(logger).Log("msg", "pyprobe initialized",
		"version", version,
		"commit", commit,
		"date", date,
		"config", fmt.Sprintf("%+v", flags),
		"arch", goArch,
	)

	var si sysinfo.SysInfo
	si.GetSysInfo()
	level.Info(logger).Log("msg", "host information",
		"hostname", si.Node.Hostname,
		"os", fmt.Sprintf("%s %s", si.OS.Name, si.OS.Version),
		"kernel", si.Kernel.Release,
		"arch", si.Kernel.Architecture,
	)

	patterns := flags.MatchPatterns
	if len(cfg.MatchPatterns) > 0 {
		patterns = cfg.MatchPatterns
	}
	attachTimeout := flags.AttachTimeout
	if cfg.AttachTimeout > 0 {
		attachTimeout = time.Duration(cfg.AttachTimeout)
	}

	var (
		ctx = context.Background()

		g okrun.Group
	)

	interpreters := pyproc.NewManager(logger, reg, pyproc.NewProber(logger), attachTimeout, flags.RefreshInterval)
	defer interpreters.Close()

	logger.Log("msg", "starting...", "patterns", strings.Join(patterns, ","), "http", flags.HTTPAddress)

	agentVersion := version
	if agentVersion == "" {
		agentVersion = commit
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthy" || r.URL.Path == "/ready" || r.URL.Path == "/favicon.ico" {
			return
		}
		if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			statusPage := template.StatusPage{
				Version:      agentVersion,
				Config:       cfg.String(),
				Interpreters: interpreterRows(interpreters),
			}

			if err := template.StatusPageTemplate.Execute(w, statusPage); err != nil {
				if _, err := w.Write([]byte("\n\nUnexpected error occurred while rendering status page: " + err.Error())); err != nil {
					level.Error(logger).Log("msg", "failed to write error message to response", "err", err)
				}
			}

			return
		}

		http.NotFound(w, r)
	})

	// Shared across config reloads, so the label cache and its metrics
	// survive provider restarts.
	metadataCache := cache.NewLRUCache[string, model.LabelSet](
		prometheus.WrapRegistererWithPrefix("pyprobe_discovery_metadata_", reg), 512)
	defer metadataCache.Close()

	newProcessConfig := func(cfg *config.Config) *discovery.ProcessConfig {
		patterns := flags.MatchPatterns
		if len(cfg.MatchPatterns) > 0 {
			patterns = cfg.MatchPatterns
		}
		interval := flags.ScanInterval
		if cfg.ScanInterval > 0 {
			interval = time.Duration(cfg.ScanInterval)
		}
		pcfg := discovery.NewProcessConfig(patterns, interval)
		pcfg.Metadata = metadataCache
		return pcfg
	}

	var discoveryManager *discovery.Manager
	// Run group for discovery manager.
	{
		ctx, cancel := context.WithCancel(ctx)
		configs := discovery.Configs{
			newProcessConfig(cfg),
		}
		discoveryManager = discovery.NewManager(logger, reg)
		if err := discoveryManager.ApplyConfig(ctx, map[string]discovery.Configs{"interpreters": configs}); err != nil {
			cancel()
			return err
		}

		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: discovery manager")
			defer level.Debug(logger).Log("msg", "stopped: discovery manager")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "discovery_manager"), func(ctx context.Context) {
				err = discoveryManager.Run(ctx)
			})

			return err
		}, func(error) {
			cancel()
		})
	}

	// Run group for the interpreter manager refresh loop.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: interpreter manager")
			defer level.Debug(logger).Log("msg", "stopped: interpreter manager")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "interpreter_manager"), func(ctx context.Context) {
				err = interpreters.Run(ctx)
			})

			return err
		}, func(error) {
			cancel()
		})
	}

	// Run group for the target watcher attaching to discovered processes.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: target watcher")
			defer level.Debug(logger).Log("msg", "stopped: target watcher")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "target_watcher"), func(ctx context.Context) {
				err = watchTargets(ctx, logger, interpreters, discoveryManager.SyncCh())
			})

			return err
		}, func(error) {
			cancel()
		})
	}

	// Run group for http server.
	{
		srv := &http.Server{
			Addr:         flags.HTTPAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}

		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: http server")
			defer level.Debug(logger).Log("msg", "stopped: http server")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "http_server"), func(_ context.Context) {
				err = srv.ListenAndServe()
			})

			return err
		}, func(error) {
			srv.Close()
		})
	}

	if configFileExists {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		reloaders := []config.ComponentReloader{
			{
				// Shown on the status page.
				Name: "main",
				Reloader: func(newCfg *config.Config) error {
					cfg = newCfg
					return nil
				},
			},
			{
				Name: "discovery",
				Reloader: func(newCfg *config.Config) error {
					return discoveryManager.ApplyConfig(ctx, map[string]discovery.Configs{
						"interpreters": {newProcessConfig(newCfg)},
					})
				},
			},
		}

		cfgReloader, err := config.NewConfigReloader(logger, reg, flags.ConfigPath, reloaders)
		if err != nil {
			level.Error(logger).Log("msg", "failed to instantiate config file reloader", "err", err)
			return err
		}

		g.Add(
			func() error {
				level.Debug(logger).Log("msg", "starting: config file reloader")
				defer level.Debug(logger).Log("msg", "stopped: config file reloader")

				var err error
				runtimepprof.Do(ctx, runtimepprof.Labels("component", "config_file_reloader"), func(_ context.Context) {
					err = cfgReloader.Run(ctx)
				})

				return err
			},
			func(error) {
				cancel()
			},
		)
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, os.Kill))
	return g.Run()
}

// watchTargets consumes discovery updates and keeps the interpreter manager
// attached to every reported pid. Attaches run concurrently per target since
// a starting interpreter can hold an attach in retries for a while; the
// manager dedupes by pid.
func watchTargets(ctx context.Context, logger log.Logger, manager *pyproc.Manager, updates <-chan map[string][]*discovery.Group) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sets := <-updates:
			for _, groups := range sets {
				for _, group := range groups {
					for _, target := range group.Targets {
						if _, ok := manager.Get(target.PID); ok {
							continue
						}
						pid := target.PID
						go func() {
							if _, err := manager.Attach(ctx, pid); err != nil {
								level.Debug(logger).Log("msg", "cannot attach to discovered process", "pid", pid, "err", err)
								return
							}
							if err := manager.WatchExit(ctx, pid); err != nil && !errors.Is(err, context.Canceled) {
								level.Debug(logger).Log("msg", "exit watch failed", "pid", pid, "err", err)
							}
						}()
					}
				}
			}
		}
	}
}

func interpreterRows(manager *pyproc.Manager) []template.Interpreter {
	handles := manager.List()
	rows := make([]template.Interpreter, 0, len(handles))
	for _, h := range handles {
		version := "unknown"
		if v := h.Version(); v != nil {
			version = v.String()
		}
		img := h.Image()
		path := img.BinaryPath
		if path == "" {
			path = img.LibraryPath
		}
		resident := "unknown"
		if rss := h.ResidentMemory(); rss >= 0 {
			resident = humanize.Bytes(uint64(rss))
		}
		rows = append(rows, template.Interpreter{
			PID:      h.PID(),
			Version:  version,
			Path:     path,
			Resident: resident,
			Symbols:  len(h.Symbols()),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PID < rows[j].PID })
	return rows
}
