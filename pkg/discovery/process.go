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
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
	"github.com/prometheus/procfs"

	"github.com/pyprobe-dev/pyprobe/pkg/cache"
	"github.com/pyprobe-dev/pyprobe/pkg/python"
)

const (
	processSource = "process"

	// metadataCacheSize bounds the per-executable label cache. The set of
	// distinct interpreter binaries on a host is small; this is headroom
	// for heavily containerized ones.
	metadataCacheSize = 512
)

// DefaultMatchPatterns selects stock CPython interpreters.
var DefaultMatchPatterns = []string{"python"}

// ProcessConfig configures the process-table discoverer. Metadata, when
// set, is shared across config reloads so the binary label cache and its
// metrics survive provider restarts.
type ProcessConfig struct {
	MatchPatterns []string
	Interval      time.Duration
	Metadata      *cache.LRUCache[string, model.LabelSet]
}

func NewProcessConfig(patterns []string, interval time.Duration) *ProcessConfig {
	if len(patterns) == 0 {
		patterns = DefaultMatchPatterns
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ProcessConfig{MatchPatterns: patterns, Interval: interval}
}

func (c *ProcessConfig) Name() string {
	return processSource
}

func (c *ProcessConfig) NewDiscoverer(d DiscovererOptions) (Discoverer, error) {
	metadata := c.Metadata
	if metadata == nil {
		metadata = cache.NewLRUCache[string, model.LabelSet](prometheus.NewRegistry(), metadataCacheSize)
	}
	return &ProcessDiscoverer{
		logger:   d.Logger,
		patterns: c.MatchPatterns,
		interval: c.Interval,
		metadata: metadata,
	}, nil
}

// ProcessDiscoverer scans the process table for interpreters whose comm or
// executable name matches one of the configured patterns.
type ProcessDiscoverer struct {
	logger   log.Logger
	patterns []string
	interval time.Duration

	// metadata caches per-executable binary labels. Unreadable binaries
	// are cached as empty sets so they are not re-probed on every scan.
	metadata *cache.LRUCache[string, model.LabelSet]
}

func (d *ProcessDiscoverer) Run(ctx context.Context, up chan<- []*Group) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		group, err := d.scan()
		if err != nil {
			return err
		}

		select {
		case up <- []*Group{group}:
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// scan walks the process table once and returns the full group of matching
// processes.
func (d *ProcessDiscoverer) scan() (*Group, error) {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	group := &Group{
		Source: processSource,
		Labels: model.LabelSet{"discovery": processSource},
	}
	for _, proc := range procs {
		comm, err := proc.Comm()
		if err != nil {
			// Gone since the listing was taken.
			continue
		}
		// The executable link is unreadable for foreign processes without
		// privileges; the comm match still applies then.
		exe, _ := proc.Executable()

		if !d.matches(comm, exe) {
			continue
		}
		stat, err := proc.Stat()
		if err != nil {
			continue
		}

		labels := model.LabelSet{"comm": model.LabelValue(comm)}
		if exe != "" {
			labels["exe"] = model.LabelValue(exe)
			labels = labels.Merge(d.binaryMetadata(exe))
		}
		group.Targets = append(group.Targets, Target{
			PID:       proc.PID,
			StartTime: stat.Starttime,
			Labels:    labels,
		})
	}
	return group, nil
}

func (d *ProcessDiscoverer) matches(comm, exe string) bool {
	for _, pat := range d.patterns {
		if strings.Contains(comm, pat) {
			return true
		}
		if exe != "" && strings.Contains(filepath.Base(exe), pat) {
			return true
		}
	}
	return false
}

func (d *ProcessDiscoverer) binaryMetadata(exe string) model.LabelSet {
	if labels, ok := d.metadata.Get(exe); ok {
		return labels
	}
	labels, err := python.BinaryMetadata(exe)
	if err != nil {
		level.Debug(d.logger).Log("msg", "cannot read interpreter binary metadata", "exe", exe, "err", err)
		labels = model.LabelSet{}
	}
	d.metadata.Add(exe, labels)
	return labels
}
