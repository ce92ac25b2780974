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
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		want    *Config
		wantErr bool
	}{
		{
			name:    "empty",
			input:   ``,
			want:    nil,
			wantErr: true,
		},
		{
			name:  "comment_only",
			input: `# comment`,
			want:  &Config{},
		},
		{
			name:  "empty_patterns",
			input: `match_patterns: []`,
			want: &Config{
				MatchPatterns: []string{},
			},
		},
		{
			name: "patterns",
			input: `match_patterns:
- python
- uwsgi
`,
			want: &Config{
				MatchPatterns: []string{"python", "uwsgi"},
			},
		},
		{
			name: "full",
			input: `match_patterns: [python]
attach_timeout: 10s
scan_interval: 5s
`,
			want: &Config{
				MatchPatterns: []string{"python"},
				AttachTimeout: model.Duration(10 * time.Second),
				ScanInterval:  model.Duration(5 * time.Second),
			},
		},
		{
			name: "quoted_keys",
			input: `"match_patterns":
- "python"
"scan_interval": "1m"
`,
			want: &Config{
				MatchPatterns: []string{"python"},
				ScanInterval:  model.Duration(time.Minute),
			},
		},
		{
			name:    "bad_duration",
			input:   `attach_timeout: soon`,
			wantErr: true,
		},
		{
			name:    "bad_yaml",
			input:   `{`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Load([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestLoadEmpty(t *testing.T) {
	t.Parallel()
	_, err := Load(nil)
	require.ErrorIs(t, err, ErrEmptyConfig)
}
