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

package testutil

import (
	"github.com/pyprobe-dev/pyprobe/pkg/remotememory"
)

// MemoryReader serves remote reads from an in-memory image laid out at a
// fixed base address, standing in for a live target process.
type MemoryReader struct {
	PID  int
	Base uint64
	Data []byte
	// Err forces every copy to fail when set.
	Err error
}

func (r *MemoryReader) Copy(a remotememory.Address, buf []byte) error {
	if r.Err != nil {
		return r.Err
	}
	if a.PID != r.PID {
		return remotememory.ErrNoSuchProcess
	}
	if a.Addr < r.Base || a.Addr+uint64(len(buf)) > r.Base+uint64(len(r.Data)) {
		return remotememory.ErrMemoryFault
	}
	off := a.Addr - r.Base
	copy(buf, r.Data[off:off+uint64(len(buf))])
	return nil
}
