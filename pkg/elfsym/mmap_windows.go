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

//go:build windows

package elfsym

import (
	"fmt"
	"os"
	"unsafe"

	"go.uber.org/atomic"
	"golang.org/x/sys/windows"
)

// mapping is a read-only file mapping sized to the table window the
// analysis needs rather than the whole file.
type mapping struct {
	data   []byte
	addr   uintptr
	closed atomic.Bool
}

func openMapping(path string, length uint64) (*mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READONLY, 0, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("create mapping of %s: %w", path, err)
	}
	// The view keeps the mapping object alive on its own.
	defer windows.CloseHandle(h)

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ, 0, 0, uintptr(length))
	if err != nil {
		return nil, fmt.Errorf("map view of %s: %w", path, err)
	}
	return &mapping{
		data: unsafe.Slice((*byte)(unsafe.Pointer(addr)), length),
		addr: addr,
	}, nil
}

// Close releases the mapping. It is safe to call more than once.
func (m *mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return windows.UnmapViewOfFile(m.addr)
}
