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

	"golang.org/x/sys/windows"
)

type winReader struct{}

func newReader() Reader {
	return winReader{}
}

// Copy reads the target through ReadProcessMemory with the transferred byte
// count verified. The process handle is opened and closed per call so the
// reader stays stateless.
func (winReader) Copy(a Address, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	h, err := windows.OpenProcess(windows.PROCESS_VM_READ, false, uint32(a.PID))
	if err != nil {
		switch {
		case errors.Is(err, windows.ERROR_ACCESS_DENIED):
			return fmt.Errorf("open process %d: %w", a.PID, ErrPermissionDenied)
		case errors.Is(err, windows.ERROR_INVALID_PARAMETER):
			return fmt.Errorf("open process %d: %w", a.PID, ErrNoSuchProcess)
		default:
			return fmt.Errorf("open process %d: %s: %w", a.PID, err, ErrMemoryFault)
		}
	}
	defer windows.CloseHandle(h)

	var n uintptr
	if err := windows.ReadProcessMemory(h, uintptr(a.Addr), &buf[0], uintptr(len(buf)), &n); err != nil {
		switch {
		case errors.Is(err, windows.ERROR_ACCESS_DENIED):
			return fmt.Errorf("copy %d bytes from %s: %w", len(buf), a, ErrPermissionDenied)
		case errors.Is(err, windows.ERROR_INVALID_HANDLE):
			return fmt.Errorf("copy %d bytes from %s: %w", len(buf), a, ErrNoSuchProcess)
		default:
			return fmt.Errorf("copy %d bytes from %s: %s: %w", len(buf), a, err, ErrMemoryFault)
		}
	}
	if n != uintptr(len(buf)) {
		return fmt.Errorf("copy from %s: got only %d of %d bytes: %w", a, n, len(buf), ErrMemoryFault)
	}
	return nil
}
