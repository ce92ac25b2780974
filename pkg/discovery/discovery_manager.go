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

package discovery

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	failedConfigs     prometheus.Gauge
	discoveredTargets *prometheus.GaugeVec
	receivedUpdates   prometheus.Counter
	delayedUpdates    prometheus.Counter
	sentUpdates       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	var m metrics

	m.failedConfigs = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "pyprobe_sd_failed_configs",
			Help: "Current number of discovery configurations that failed to load.",
		})
	m.discoveredTargets = promauto.With(reg).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pyprobe_sd_discovered_targets",
			Help: "Current number of discovered interpreter processes.",
		},
		[]string{"config"})
	m.receivedUpdates = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "pyprobe_sd_received_updates_total",
			Help: "Total number of update events received from discovery providers.",
		})
	m.delayedUpdates = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "pyprobe_sd_updates_delayed_total",
			Help: "Total number of update events that couldn't be sent immediately.",
		})
	m.sentUpdates = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "pyprobe_sd_updates_total",
			Help: "Total number of update events sent to discovery consumers.",
		})

	return &m
}

type poolKey struct {
	setName  string
	provider string
}

// provider holds a Discoverer instance, its configuration and its
// subscribed target sets.
type provider struct {
	name   string
	d      Discoverer
	subs   []string
	config interface{}
}

// NewManager returns a discovery Manager with no providers registered.
func NewManager(logger log.Logger, reg prometheus.Registerer, options ...func(*Manager)) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	mgr := &Manager{
		logger:         logger,
		syncCh:         make(chan map[string][]*Group),
		targets:        make(map[poolKey]map[string]*Group),
		discoverCancel: []context.CancelFunc{},
		metrics:        newMetrics(reg),
		updatert:       5 * time.Second,
		triggerSend:    make(chan struct{}, 1),
	}
	for _, option := range options {
		option(mgr)
	}
	return mgr
}

// Manager maintains a set of discovery providers and fans their updates
// into one sync channel, keyed by target set name.
type Manager struct {
	logger log.Logger

	mtx            sync.RWMutex
	discoverCancel []context.CancelFunc

	metrics *metrics

	// Providers send full group sets, so the latest group per source is
	// the whole truth for that source.
	targets   map[poolKey]map[string]*Group
	providers []*provider
	syncCh    chan map[string][]*Group

	// How long to wait before sending updates to the channel. Tests lower
	// this through an option.
	updatert time.Duration

	// triggerSend signals that updates arrived since the last send.
	triggerSend chan struct{}
}

// Run starts the background update pump and blocks until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	go m.sender(ctx)
	<-ctx.Done()
	m.cancelDiscoverers()
	return ctx.Err()
}

// SyncCh returns the read-only channel consumers receive target updates on.
func (m *Manager) SyncCh() <-chan map[string][]*Group {
	return m.syncCh
}

// ApplyConfig stops all running providers and starts new ones from cfg.
func (m *Manager) ApplyConfig(ctx context.Context, cfg map[string]Configs) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for pk := range m.targets {
		if _, ok := cfg[pk.setName]; !ok {
			m.metrics.discoveredTargets.DeleteLabelValues(pk.setName)
		}
	}
	m.cancelDiscoverers()
	m.targets = make(map[poolKey]map[string]*Group)
	m.providers = nil
	m.discoverCancel = nil

	failedCount := 0
	for name, scfg := range cfg {
		failedCount += m.registerProviders(scfg, name)
		m.metrics.discoveredTargets.WithLabelValues(name).Set(0)
	}
	m.metrics.failedConfigs.Set(float64(failedCount))

	for _, prov := range m.providers {
		m.startProvider(ctx, prov)
	}

	return nil
}

// StartCustomProvider runs a Discoverer outside the Config registry, under
// its own target set name.
func (m *Manager) StartCustomProvider(ctx context.Context, name string, worker Discoverer) {
	p := &provider{
		name: name,
		d:    worker,
		subs: []string{name},
	}
	m.providers = append(m.providers, p)
	m.startProvider(ctx, p)
}

func (m *Manager) startProvider(ctx context.Context, p *provider) {
	level.Debug(m.logger).Log("msg", "starting provider", "provider", p.name, "subs", fmt.Sprintf("%v", p.subs))
	ctx, cancel := context.WithCancel(ctx)
	updates := make(chan []*Group)

	m.discoverCancel = append(m.discoverCancel, cancel)

	go func() {
		if err := p.d.Run(ctx, updates); err != nil {
			level.Debug(m.logger).Log("msg", "provider stopped", "provider", p.name, "err", err)
		}
	}()

	go m.updater(ctx, p, updates)
}

func (m *Manager) updater(ctx context.Context, p *provider, updates chan []*Group) {
	for {
		select {
		case <-ctx.Done():
			return
		case tgs, ok := <-updates:
			m.metrics.receivedUpdates.Inc()
			if !ok {
				level.Debug(m.logger).Log("msg", "discoverer channel closed", "provider", p.name)
				return
			}

			for _, s := range p.subs {
				m.updateGroup(poolKey{setName: s, provider: p.name}, tgs)
			}

			select {
			case m.triggerSend <- struct{}{}:
			default:
			}
		}
	}
}

// sender throttles channel sends to one per update interval, so providers
// that push on every scan cannot flood consumers.
func (m *Manager) sender(ctx context.Context) {
	ticker := time.NewTicker(m.updatert)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case <-m.triggerSend:
				m.metrics.sentUpdates.Inc()
				select {
				case m.syncCh <- m.allGroups():
				default:
					m.metrics.delayedUpdates.Inc()
					level.Debug(m.logger).Log("msg", "consumer channel full, retrying on the next cycle")
					select {
					case m.triggerSend <- struct{}{}:
					default:
					}
				}
			default:
			}
		}
	}
}

func (m *Manager) cancelDiscoverers() {
	for _, c := range m.discoverCancel {
		c()
	}
}

func (m *Manager) updateGroup(pk poolKey, tgs []*Group) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.targets[pk]; !ok {
		m.targets[pk] = make(map[string]*Group)
	}
	for _, tg := range tgs {
		if tg != nil {
			m.targets[pk][tg.Source] = tg
		}
	}
}

func (m *Manager) allGroups() map[string][]*Group {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	tSets := map[string][]*Group{}
	n := map[string]int{}
	for pkey, tsets := range m.targets {
		for _, tg := range tsets {
			// Empty groups still go out; they tell the consumer a source
			// sees no targets anymore.
			tSets[pkey.setName] = append(tSets[pkey.setName], tg)
			n[pkey.setName] += len(tg.Targets)
		}
	}
	for setName, v := range n {
		m.metrics.discoveredTargets.WithLabelValues(setName).Set(float64(v))
	}
	return tSets
}

// registerProviders constructs the Discoverers of one target set, reusing
// providers with an identical config, and returns the number of configs
// that failed to load.
func (m *Manager) registerProviders(cfgs Configs, setName string) int {
	var failed int
	add := func(cfg Config) {
		for _, p := range m.providers {
			if reflect.DeepEqual(cfg, p.config) {
				p.subs = append(p.subs, setName)
				return
			}
		}
		typ := cfg.Name()
		d, err := cfg.NewDiscoverer(DiscovererOptions{
			Logger: log.With(m.logger, "discovery", typ),
		})
		if err != nil {
			level.Error(m.logger).Log("msg", "cannot create discoverer", "err", err, "type", typ)
			failed++
			return
		}
		m.providers = append(m.providers, &provider{
			name:   fmt.Sprintf("%s/%d", typ, len(m.providers)),
			d:      d,
			config: cfg,
			subs:   []string{setName},
		})
	}
	for _, cfg := range cfgs {
		add(cfg)
	}

	return failed
}
