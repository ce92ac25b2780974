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
	"time"

	"golang.org/x/sys/unix"
)

// waitExit blocks until pid exits, watching a pidfd. Cancellation arrives
// through a pipe polled alongside the pidfd, so the wait consumes no CPU
// while idle.
func waitExit(ctx context.Context, pid int) error {
	pidfd, err := unix.PidfdOpen(pid, 0)
	switch {
	case err == nil:
	case errors.Is(err, unix.ESRCH):
		return nil
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EPERM):
		// Old kernel, or a seccomp profile without pidfd_open.
		return waitExitPoll(ctx, pid)
	default:
		return fmt.Errorf("pidfd_open pid %d: %w", pid, err)
	}
	defer unix.Close(pidfd)

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("pipe2: %w", err)
	}
	defer unix.Close(pipe[0])

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		defer unix.Close(pipe[1])
		select {
		case <-ctx.Done():
			_, _ = unix.Write(pipe[1], []byte{1})
		case <-done:
		}
	}()
	defer func() { close(done); <-stopped }()

	fds := []unix.PollFd{
		{Fd: int32(pidfd), Events: unix.POLLIN},
		{Fd: int32(pipe[0]), Events: unix.POLLIN},
	}
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll pidfd of %d: %w", pid, err)
		}
		if fds[0].Revents != 0 {
			return nil
		}
		if fds[1].Revents != 0 {
			return ctx.Err()
		}
	}
}

// waitExitPoll probes the process with a null signal on kernels where a
// pidfd is unavailable.
func waitExitPoll(ctx context.Context, pid int) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
				return nil
			}
		}
	}
}
