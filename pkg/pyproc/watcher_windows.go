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

package pyproc

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// waitExit blocks until pid exits, waiting on the process handle. A manual
// reset event signaled on cancellation is waited on alongside it.
func waitExit(ctx context.Context, pid int) error {
	proc, err := windows.OpenProcess(windows.SYNCHRONIZE, false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return nil
		}
		return fmt.Errorf("open process %d: %w", pid, err)
	}
	defer windows.CloseHandle(proc)

	cancel, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return fmt.Errorf("create cancel event: %w", err)
	}
	defer windows.CloseHandle(cancel)

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			_ = windows.SetEvent(cancel)
		case <-done:
		}
	}()
	defer func() { close(done); <-stopped }()

	ev, err := windows.WaitForMultipleObjects([]windows.Handle{proc, cancel}, false, windows.INFINITE)
	if err != nil {
		return fmt.Errorf("wait for process %d: %w", pid, err)
	}
	switch ev {
	case windows.WAIT_OBJECT_0:
		return nil
	case windows.WAIT_OBJECT_0 + 1:
		return ctx.Err()
	default:
		return fmt.Errorf("wait for process %d: unexpected status %#x", pid, ev)
	}
}
