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

// Package remotememory copies bytes out of the address space of live,
// external processes without attaching a debugger or stopping the target.
package remotememory

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/exp/constraints"
)

var (
	// ErrNoSuchProcess is returned when the target vanished or the pid was
	// never valid.
	ErrNoSuchProcess = errors.New("no such process")
	// ErrPermissionDenied is returned when the caller lacks the rights to
	// read the target's memory.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrMemoryFault is returned for any other transfer shortfall, typically
	// an unmapped region or a race with the target's own memory changes.
	ErrMemoryFault = errors.New("remote memory fault")
)

// Address locates a byte in another process's virtual address space. It is
// purely descriptive, never an owning reference; the bytes behind it are
// reachable only through a Reader.
type Address struct {
	PID  int
	Addr uint64
}

func (a Address) String() string {
	return fmt.Sprintf("pid %d addr 0x%x", a.PID, a.Addr)
}

// Offset returns the address displaced by off bytes.
func (a Address) Offset(off uint64) Address {
	return Address{PID: a.PID, Addr: a.Addr + off}
}

// Reader copies bytes from another process's address space.
//
// Copy transfers exactly len(buf) bytes starting at a; a transfer short of
// that is never surfaced as success. Failures are classified with
// ErrNoSuchProcess, ErrPermissionDenied and ErrMemoryFault. Implementations
// are stateless, retry nothing, and are safe to call concurrently for
// independent (pid, address) pairs. Concurrent calls racing the target's own
// memory mutation may legitimately fail with ErrMemoryFault.
type Reader interface {
	Copy(a Address, buf []byte) error
}

// NewReader returns the Reader backed by this operating system's foreign
// memory read primitive. The implementation is selected at build time, one
// per platform.
func NewReader() Reader {
	return newReader()
}

// Read copies the remote value at a into v. The transfer size is the size of
// *v, exact-size-or-fail. Both sides run on the same machine, so the value
// arrives in host byte order, memcpy style.
func Read[T any](r Reader, a Address, v *T) error {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
	return r.Copy(a, buf)
}

// ReadUint copies an unsigned integer of the parametrized width from a.
func ReadUint[T constraints.Unsigned](r Reader, a Address) (T, error) {
	var v T
	if err := Read(r, a, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// ReadUint32 copies a 32-bit unsigned integer from a.
func ReadUint32(r Reader, a Address) (uint32, error) {
	return ReadUint[uint32](r, a)
}

// ReadUint64 copies a 64-bit unsigned integer from a.
func ReadUint64(r Reader, a Address) (uint64, error) {
	return ReadUint[uint64](r, a)
}

// ReadPtr copies a native-width pointer value from a.
func ReadPtr(r Reader, a Address) (uint64, error) {
	v, err := ReadUint[uintptr](r, a)
	return uint64(v), err
}
