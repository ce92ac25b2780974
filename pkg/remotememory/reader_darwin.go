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

/*
#include <mach/mach.h>
#include <mach/mach_vm.h>

// read_task_memory acquires the target task port, reads len bytes at addr
// into buf and releases the port again. *acquired is set once task access
// was granted, so the caller can tell the two failure stages apart.
kern_return_t
read_task_memory(int pid, mach_vm_address_t addr, void *buf, mach_vm_size_t len, mach_vm_size_t *nread, int *acquired) {
	task_t        task;
	kern_return_t kr;

	kr = task_for_pid(mach_task_self(), pid, &task);
	if (kr != KERN_SUCCESS) {
		*acquired = 0;
		return kr;
	}
	*acquired = 1;

	kr = mach_vm_read_overwrite(task, addr, len, (mach_vm_address_t) buf, nread);
	mach_port_deallocate(mach_task_self(), task);
	return kr;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

type machReader struct{}

func newReader() Reader {
	return machReader{}
}

// Copy reads the target through mach_vm_read_overwrite. Acquiring the task
// port needs root or the proper entitlements; once it was granted, the only
// plausible read failure left is that the process has gone away, so errors
// past that point are reported only as the coarse ErrNoSuchProcess.
func (machReader) Copy(a Address, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	var (
		nread    C.mach_vm_size_t
		acquired C.int
	)
	kr := C.read_task_memory(C.int(a.PID), C.mach_vm_address_t(a.Addr),
		unsafe.Pointer(&buf[0]), C.mach_vm_size_t(len(buf)), &nread, &acquired)
	if kr != C.KERN_SUCCESS {
		if acquired == 0 {
			return fmt.Errorf("task access for pid %d: kern return %d: %w", a.PID, int(kr), ErrPermissionDenied)
		}
		return fmt.Errorf("copy %d bytes from %s: %w", len(buf), a, ErrNoSuchProcess)
	}
	if int(nread) != len(buf) {
		return fmt.Errorf("copy from %s: got only %d of %d bytes: %w", a, int(nread), len(buf), ErrMemoryFault)
	}
	return nil
}
