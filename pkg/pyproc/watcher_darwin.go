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

	"golang.org/x/sys/unix"
)

// cancelIdent names the user event a context cancel triggers on the queue.
const cancelIdent = 1

// waitExit blocks until pid exits, watching the process through a kqueue.
// Cancellation is delivered as a user event on the same queue.
func waitExit(ctx context.Context, pid int) error {
	kq, err := unix.Kqueue()
	if err != nil {
		return fmt.Errorf("kqueue: %w", err)
	}
	defer unix.Close(kq)

	changes := []unix.Kevent_t{
		{Ident: uint64(pid), Filter: unix.EVFILT_PROC, Flags: unix.EV_ADD | unix.EV_ONESHOT, Fflags: unix.NOTE_EXIT},
		{Ident: cancelIdent, Filter: unix.EVFILT_USER, Flags: unix.EV_ADD | unix.EV_CLEAR},
	}
	if _, err := unix.Kevent(kq, changes, nil, nil); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("kevent register pid %d: %w", pid, err)
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			trigger := []unix.Kevent_t{{Ident: cancelIdent, Filter: unix.EVFILT_USER, Fflags: unix.NOTE_TRIGGER}}
			_, _ = unix.Kevent(kq, trigger, nil, nil)
		case <-done:
		}
	}()
	defer func() { close(done); <-stopped }()

	events := make([]unix.Kevent_t, 1)
	for {
		n, err := unix.Kevent(kq, nil, events, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("kevent wait: %w", err)
		}
		if n == 0 {
			continue
		}
		switch events[0].Filter {
		case unix.EVFILT_PROC:
			return nil
		case unix.EVFILT_USER:
			return ctx.Err()
		}
	}
}
