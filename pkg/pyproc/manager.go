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

package pyproc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/pyprobe-dev/pyprobe/pkg/remotememory"
)

const (
	lvSuccess = "success"
	lvFail    = "fail"
)

const (
	// DefaultAttachTimeout bounds the retry window of a single attach. A
	// freshly exec'd interpreter needs a moment before its image and heap
	// show up in the memory map.
	DefaultAttachTimeout = 5 * time.Second
	// DefaultRefreshInterval paces the periodic liveness and remap sweep
	// over attached interpreters.
	DefaultRefreshInterval = 10 * time.Second
)

type metrics struct {
	attachAttempts prometheus.Counter
	attach         *prometheus.CounterVec
	attachDuration prometheus.Histogram
	attachRetries  prometheus.Counter
	detach         prometheus.Counter
	exits          prometheus.Counter
	refresh        *prometheus.CounterVec
	remaps         prometheus.Counter
	attached       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		attachAttempts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pyprobe_process_attach_attempts_total",
			Help: "Total number of interpreter attach attempts.",
		}),
		attach: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pyprobe_process_attach_total",
			Help: "Total number of completed interpreter attaches.",
		}, []string{"result"}),
		attachDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pyprobe_process_attach_duration_seconds",
			Help:    "Duration of interpreter attaches, retries included.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9, 20, 30, 60, 90, 120, 360},
		}),
		attachRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pyprobe_process_attach_retries_total",
			Help: "Total number of retried interpreter attach attempts.",
		}),
		detach: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pyprobe_process_detach_total",
			Help: "Total number of interpreter detaches.",
		}),
		exits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pyprobe_process_exit_total",
			Help: "Total number of attached interpreters seen exiting.",
		}),
		refresh: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pyprobe_process_refresh_total",
			Help: "Total number of attached interpreter refreshes.",
		}, []string{"result"}),
		remaps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pyprobe_process_remap_detected_total",
			Help: "Total number of detected interpreter remappings.",
		}),
		attached: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pyprobe_attached_processes",
			Help: "Number of interpreters currently attached.",
		}),
	}
	m.attach.WithLabelValues(lvSuccess)
	m.attach.WithLabelValues(lvFail)
	m.refresh.WithLabelValues(lvSuccess)
	m.refresh.WithLabelValues(lvFail)
	return m
}

// Manager owns the attached interpreter Handles of a process population.
// Attaches for the same pid are deduplicated, stale pids are detached, and a
// periodic sweep detaches targets that exited or remapped themselves.
type Manager struct {
	logger  log.Logger
	metrics *metrics

	prober  *Prober
	handles *xsync.MapOf[int, *Handle]
	sfg     *singleflight.Group

	attachTimeout   time.Duration
	refreshInterval time.Duration
}

func NewManager(logger log.Logger, reg prometheus.Registerer, prober *Prober, attachTimeout, refreshInterval time.Duration) *Manager {
	if attachTimeout <= 0 {
		attachTimeout = DefaultAttachTimeout
	}
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	return &Manager{
		logger:          logger,
		metrics:         newMetrics(reg),
		prober:          prober,
		handles:         xsync.NewMapOf[int, *Handle](),
		sfg:             &singleflight.Group{},
		attachTimeout:   attachTimeout,
		refreshInterval: refreshInterval,
	}
}

// Attach returns the Handle for pid, attaching on first use. Concurrent
// calls for one pid share a single attach. A cached Handle whose pid now
// belongs to a different process is detached and replaced.
func (m *Manager) Attach(ctx context.Context, pid int) (*Handle, error) {
	if h, ok := m.handles.Load(pid); ok {
		if !m.stale(h) {
			return h, nil
		}
		m.Detach(pid)
	}

	v, err, _ := m.sfg.Do(strconv.Itoa(pid), func() (interface{}, error) {
		if h, ok := m.handles.Load(pid); ok {
			return h, nil
		}
		h, err := m.attachWithRetry(ctx, pid)
		if err != nil {
			return nil, err
		}
		m.handles.Store(pid, h)
		m.metrics.attached.Inc()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	h, ok := v.(*Handle)
	if !ok {
		return nil, fmt.Errorf("unexpected type from attach: %T", v)
	}
	return h, nil
}

// stale reports whether the pid of h was reused by a different process. A
// Handle attached without a start time cannot be checked and counts as
// current.
func (m *Manager) stale(h *Handle) bool {
	if h.StartTime() == 0 {
		return false
	}
	st, err := processStartTime(h.PID())
	if err != nil {
		return true
	}
	return st != h.StartTime()
}

func (m *Manager) attachWithRetry(ctx context.Context, pid int) (*Handle, error) {
	m.metrics.attachAttempts.Inc()
	defer func(start time.Time) {
		m.metrics.attachDuration.Observe(time.Since(start).Seconds())
	}(time.Now())

	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = 10 * time.Millisecond
	expBackOff.MaxElapsedTime = m.attachTimeout

	var h *Handle
	err := backoff.Retry(func() error {
		var err error
		h, err = m.prober.Attach(pid)
		if err != nil {
			if errors.Is(err, remotememory.ErrNoSuchProcess) ||
				errors.Is(err, remotememory.ErrPermissionDenied) ||
				errors.Is(err, ErrUnsupportedVersion) {
				return backoff.Permanent(err)
			}
			// A just-started interpreter has no image or heap mapped yet.
			m.metrics.attachRetries.Inc()
			level.Debug(m.logger).Log(
				"msg", "retrying interpreter attach",
				"pid", pid,
				"retry", expBackOff.NextBackOff(),
				"err", err,
			)
			return err
		}
		return nil
	}, backoff.WithContext(expBackOff, ctx))
	if err != nil {
		m.metrics.attach.WithLabelValues(lvFail).Inc()
		return nil, fmt.Errorf("attach to pid %d: %w", pid, err)
	}
	m.metrics.attach.WithLabelValues(lvSuccess).Inc()
	return h, nil
}

// Detach closes and forgets the Handle for pid. Unknown pids are a no-op.
func (m *Manager) Detach(pid int) {
	h, ok := m.handles.LoadAndDelete(pid)
	if !ok {
		return
	}
	_ = h.Close()
	m.metrics.detach.Inc()
	m.metrics.attached.Dec()
}

// Get returns the Handle for pid when one is attached.
func (m *Manager) Get(pid int) (*Handle, bool) {
	return m.handles.Load(pid)
}

// List returns the attached Handles in no particular order.
func (m *Manager) List() []*Handle {
	handles := make([]*Handle, 0, m.handles.Size())
	m.handles.Range(func(_ int, h *Handle) bool {
		handles = append(handles, h)
		return true
	})
	return handles
}

// Run sweeps the attached interpreters on the configured interval until ctx
// is canceled. Targets that vanished are detached; targets that remapped
// themselves are detached so the next Attach rebuilds them.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.refresh()
		}
	}
}

func (m *Manager) refresh() {
	m.handles.Range(func(pid int, h *Handle) bool {
		if _, err := h.RefreshResidentMemory(); err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, remotememory.ErrNoSuchProcess) {
				level.Debug(m.logger).Log("msg", "attached interpreter vanished", "pid", pid)
				m.Detach(pid)
				return true
			}
			m.metrics.refresh.WithLabelValues(lvFail).Inc()
			level.Debug(m.logger).Log("msg", "failed to refresh interpreter", "pid", pid, "err", err)
			return true
		}
		remapped, err := h.Remapped()
		if err != nil {
			m.metrics.refresh.WithLabelValues(lvFail).Inc()
			level.Debug(m.logger).Log("msg", "failed to rescan interpreter", "pid", pid, "err", err)
			return true
		}
		if remapped {
			m.metrics.remaps.Inc()
			level.Debug(m.logger).Log("msg", "interpreter remapped itself, detaching", "pid", pid)
			m.Detach(pid)
			return true
		}
		m.metrics.refresh.WithLabelValues(lvSuccess).Inc()
		return true
	})
}

// WatchExit blocks until pid exits, then detaches it. It returns nil once
// the process is gone, ctx.Err() on cancellation, and the wait error
// otherwise. Unattached pids and pids that already have a watcher return
// immediately.
func (m *Manager) WatchExit(ctx context.Context, pid int) error {
	h, ok := m.handles.Load(pid)
	if !ok {
		return nil
	}
	if h.watched.Swap(true) {
		return nil
	}
	defer h.watched.Store(false)
	if err := h.WaitExit(ctx); err != nil {
		return err
	}
	m.metrics.exits.Inc()
	level.Debug(m.logger).Log("msg", "attached interpreter exited", "pid", pid)
	m.Detach(pid)
	return nil
}

// Close detaches every attached interpreter.
func (m *Manager) Close() error {
	m.handles.Range(func(pid int, _ *Handle) bool {
		m.Detach(pid)
		return true
	})
	return nil
}
