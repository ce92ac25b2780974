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

// Package discovery finds interpreter processes to attach to. Discoverers
// scan a source of processes and push full target group sets; the Manager
// fans provider updates into one throttled sync channel.
package discovery

import (
	"context"

	"github.com/go-kit/log"
)

// Discoverer streams target groups of a single source. A provider sends a
// full set of its groups on every update and must return once ctx is
// canceled, without closing the update channel.
type Discoverer interface {
	Run(ctx context.Context, up chan<- []*Group) error
}

// DiscovererOptions carries the dependencies handed to a new Discoverer.
type DiscovererOptions struct {
	Logger log.Logger
}

// Config names a discovery mechanism and constructs its Discoverer.
type Config interface {
	// Name returns the name of the discovery mechanism.
	Name() string

	// NewDiscoverer returns a Discoverer for this Config.
	NewDiscoverer(DiscovererOptions) (Discoverer, error)
}

// Configs is the set of discovery mechanisms of one target set.
type Configs []Config
