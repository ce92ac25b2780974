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

package cache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestLRUCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewLRUCache[string, int](reg, 2)

	c.Add("key1", 1)
	c.Add("key2", 2)

	v, ok := c.Get("key1")
	if !ok || v != 1 {
		t.Errorf("expected to get key1 = 1, got %v, %v", v, ok)
	}

	v, ok = c.Peek("key2")
	if !ok || v != 2 {
		t.Errorf("expected to peek key2 = 2, got %v, %v", v, ok)
	}

	// key1 was used last, so adding a third entry evicts key2.
	c.Add("key3", 3)

	_, ok = c.Get("key2")
	if ok {
		t.Errorf("expected key2 to be evicted, but was still present")
	}

	c.Remove("key1")
	_, ok = c.Peek("key1")
	if ok {
		t.Errorf("expected key1 to be removed, but was still present")
	}
}

func TestLRUCacheUpdate(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewLRUCache[string, int](reg, 2)

	c.Add("key1", 1)
	c.Add("key1", 11)

	v, ok := c.Get("key1")
	if !ok || v != 11 {
		t.Errorf("expected updated key1 = 11, got %v, %v", v, ok)
	}
}

func TestLRUCacheClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewLRUCache[string, int](reg, 2)
	c.Add("key1", 1)

	if err := c.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	// Close unregisters the metrics, so a second cache with the same
	// names can be created on the same registry.
	c2 := NewLRUCache[string, int](reg, 2)
	defer c2.Close()
	c2.Add("key1", 1)
}
