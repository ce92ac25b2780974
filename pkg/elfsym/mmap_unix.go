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

//go:build unix

package elfsym

import (
	"fmt"
	"os"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// mapping is a read-only file mapping sized to the table window the
// analysis needs rather than the whole file.
type mapping struct {
	data   []byte
	closed atomic.Bool
}

func openMapping(path string, length uint64) (*mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, int(length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", path, err)
	}
	return &mapping{data: data}, nil
}

// Close releases the mapping. It is safe to call more than once.
func (m *mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return unix.Munmap(m.data)
}
