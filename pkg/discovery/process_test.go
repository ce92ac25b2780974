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
	"os"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"

	"github.com/pyprobe-dev/pyprobe/pkg/cache"
)

func TestProcessConfigDefaults(t *testing.T) {
	cfg := NewProcessConfig(nil, 0)
	require.Equal(t, DefaultMatchPatterns, cfg.MatchPatterns)
	require.Equal(t, 5*time.Second, cfg.Interval)

	cfg = NewProcessConfig([]string{"uwsgi"}, time.Second)
	require.Equal(t, []string{"uwsgi"}, cfg.MatchPatterns)
	require.Equal(t, time.Second, cfg.Interval)
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		comm     string
		exe      string
		want     bool
	}{
		{
			name:     "comm",
			patterns: []string{"python"},
			comm:     "python3.11",
			want:     true,
		},
		{
			name:     "executable_base",
			patterns: []string{"python"},
			comm:     "uwsgi",
			exe:      "/usr/bin/python3.11",
			want:     true,
		},
		{
			name:     "executable_directory_ignored",
			patterns: []string{"python"},
			comm:     "bash",
			exe:      "/opt/python/bin/bash",
			want:     false,
		},
		{
			name:     "no_match",
			patterns: []string{"python"},
			comm:     "bash",
			exe:      "/bin/bash",
			want:     false,
		},
		{
			name:     "second_pattern",
			patterns: []string{"python", "uwsgi"},
			comm:     "uwsgi",
			want:     true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &ProcessDiscoverer{patterns: tt.patterns}
			require.Equal(t, tt.want, d.matches(tt.comm, tt.exe))
		})
	}
}

func TestScanFindsSelf(t *testing.T) {
	self, err := procfs.Self()
	if err != nil {
		t.Skipf("proc filesystem unavailable: %v", err)
	}
	comm, err := self.Comm()
	require.NoError(t, err)

	cfg := NewProcessConfig([]string{comm}, time.Second)
	d, err := cfg.NewDiscoverer(DiscovererOptions{Logger: log.NewNopLogger()})
	require.NoError(t, err)

	group, err := d.(*ProcessDiscoverer).scan()
	require.NoError(t, err)
	require.Equal(t, processSource, group.Source)
	require.Equal(t, model.LabelValue(processSource), group.Labels["discovery"])

	var found *Target
	for i := range group.Targets {
		if group.Targets[i].PID == os.Getpid() {
			found = &group.Targets[i]
			break
		}
	}
	require.NotNil(t, found, "scan did not report the test process")
	require.NotZero(t, found.StartTime)
	require.Equal(t, model.LabelValue(comm), found.Labels["comm"])
	require.NotEmpty(t, found.Labels["exe"])
	require.Contains(t, found.Labels, model.LabelName("compiler"))
}

func TestBinaryMetadataNegativeCache(t *testing.T) {
	d := &ProcessDiscoverer{
		logger:   log.NewNopLogger(),
		metadata: cache.NewLRUCache[string, model.LabelSet](prometheus.NewRegistry(), metadataCacheSize),
	}

	labels := d.binaryMetadata("/does/not/exist")
	require.Empty(t, labels)

	// The failed probe is cached, so the lookup now hits.
	cached, ok := d.metadata.Peek("/does/not/exist")
	require.True(t, ok)
	require.Empty(t, cached)
	require.Empty(t, d.binaryMetadata("/does/not/exist"))
}

func TestNewDiscovererSharesMetadataCache(t *testing.T) {
	shared := cache.NewLRUCache[string, model.LabelSet](prometheus.NewRegistry(), metadataCacheSize)
	cfg := NewProcessConfig([]string{"python"}, time.Second)
	cfg.Metadata = shared

	d, err := cfg.NewDiscoverer(DiscovererOptions{Logger: log.NewNopLogger()})
	require.NoError(t, err)
	require.Same(t, shared, d.(*ProcessDiscoverer).metadata)
}
