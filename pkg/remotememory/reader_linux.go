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

package remotememory

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type vmReader struct{}

func newReader() Reader {
	return vmReader{}
}

// Copy reads the target through process_vm_readv with a single local and
// remote iovec pair.
func (vmReader) Copy(a Address, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	localIov := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(a.Addr), Len: len(buf)}}

	n, err := unix.ProcessVMReadv(a.PID, localIov, remoteIov, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.ESRCH):
			return fmt.Errorf("copy %d bytes from %s: %w", len(buf), a, ErrNoSuchProcess)
		case errors.Is(err, unix.EPERM):
			return fmt.Errorf("copy %d bytes from %s: %w", len(buf), a, ErrPermissionDenied)
		case errors.Is(err, unix.ENOSYS):
			// Kernels built without cross memory attach.
			return procMemCopy(a, buf)
		default:
			return fmt.Errorf("copy %d bytes from %s: %s: %w", len(buf), a, err, ErrMemoryFault)
		}
	}
	if n != len(buf) {
		return fmt.Errorf("copy from %s: got only %d of %d bytes: %w", a, n, len(buf), ErrMemoryFault)
	}
	return nil
}

// procMemCopy reads through /proc/<pid>/mem when process_vm_readv is not
// available.
func procMemCopy(a Address, buf []byte) error {
	f, err := os.Open(fmt.Sprintf("/proc/%d/mem", a.PID))
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("open mem of %s: %w", a, ErrNoSuchProcess)
		case errors.Is(err, os.ErrPermission):
			return fmt.Errorf("open mem of %s: %w", a, ErrPermissionDenied)
		default:
			return fmt.Errorf("open mem of %s: %s: %w", a, err, ErrMemoryFault)
		}
	}
	defer f.Close()

	n, err := f.ReadAt(buf, int64(a.Addr))
	if err != nil || n != len(buf) {
		return fmt.Errorf("read mem of %s: got %d of %d bytes: %w", a, n, len(buf), ErrMemoryFault)
	}
	return nil
}
