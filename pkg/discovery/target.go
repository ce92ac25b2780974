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
	"fmt"

	"github.com/prometheus/common/model"
)

// Target is one discovered interpreter process. StartTime is the kernel
// starttime of the pid, so consumers can tell the process apart from a
// later reuse of its pid.
type Target struct {
	PID       int
	StartTime uint64
	Labels    model.LabelSet
}

func (t Target) String() string {
	return fmt.Sprintf("pid %d", t.PID)
}

// Group is a set of targets sharing a common label set, named by the source
// that discovered them. A group without targets tells consumers the source
// currently sees none.
type Group struct {
	Source  string
	Labels  model.LabelSet
	Targets []Target
}

func (g *Group) String() string {
	return g.Source
}
