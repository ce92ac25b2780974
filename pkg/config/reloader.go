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

package config

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	lvSuccess = "success"
	lvFail    = "fail"
)

// ComponentReloader applies a freshly loaded Config to one component.
type ComponentReloader struct {
	Name     string
	Reloader func(*Config) error
}

type reloaderMetrics struct {
	reloads           *prometheus.CounterVec
	lastReloadSuccess prometheus.Gauge
	lastReloadTime    prometheus.Gauge
}

func newReloaderMetrics(reg prometheus.Registerer) *reloaderMetrics {
	m := &reloaderMetrics{
		reloads: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pyprobe_config_reload_total",
			Help: "Number of config reload attempts.",
		}, []string{"result"}),
		lastReloadSuccess: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pyprobe_config_last_reload_successful",
			Help: "Whether the last config reload attempt was successful.",
		}),
		lastReloadTime: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pyprobe_config_last_reload_success_timestamp_seconds",
			Help: "Timestamp of the last successful config reload.",
		}),
	}
	m.reloads.WithLabelValues(lvSuccess)
	m.reloads.WithLabelValues(lvFail)
	return m
}

// ConfigReloader watches a config file and applies it to the registered
// components whenever it changes.
type ConfigReloader struct {
	logger  log.Logger
	metrics *reloaderMetrics

	filename  string
	watcher   *fsnotify.Watcher
	reloaders []ComponentReloader
}

// NewConfigReloader starts watching filename. Watching follows symlinks, so
// swapping the link and removing the old target triggers a reload of the
// new target.
func NewConfigReloader(logger log.Logger, reg prometheus.Registerer, filename string, reloaders []ComponentReloader) (*ConfigReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(filename); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filename, err)
	}

	return &ConfigReloader{
		logger:    log.With(logger, "component", "config_reloader"),
		metrics:   newReloaderMetrics(reg),
		filename:  filename,
		watcher:   watcher,
		reloaders: reloaders,
	}, nil
}

func (r *ConfigReloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Remove and Rename drop the underlying watch. Re-adding
			// resolves the path again, which is what picks up a swapped
			// symlink target.
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if err := r.watcher.Add(r.filename); err != nil {
					level.Warn(r.logger).Log("msg", "cannot re-watch config file", "path", r.filename, "err", err)
				}
			}
			r.reload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			level.Warn(r.logger).Log("msg", "config file watcher failed", "err", err)
		}
	}
}

func (r *ConfigReloader) reload() {
	cfg, err := LoadFile(r.filename)
	if err != nil {
		r.metrics.reloads.WithLabelValues(lvFail).Inc()
		r.metrics.lastReloadSuccess.Set(0)
		level.Warn(r.logger).Log("msg", "cannot load config file", "path", r.filename, "err", err)
		return
	}

	failed := false
	for _, comp := range r.reloaders {
		if err := comp.Reloader(cfg); err != nil {
			failed = true
			level.Warn(r.logger).Log("msg", "cannot reload component", "component", comp.Name, "err", err)
		}
	}
	if failed {
		r.metrics.reloads.WithLabelValues(lvFail).Inc()
		r.metrics.lastReloadSuccess.Set(0)
		return
	}

	r.metrics.reloads.WithLabelValues(lvSuccess).Inc()
	r.metrics.lastReloadSuccess.Set(1)
	r.metrics.lastReloadTime.SetToCurrentTime()
	level.Debug(r.logger).Log("msg", "config reloaded", "path", r.filename)
}
