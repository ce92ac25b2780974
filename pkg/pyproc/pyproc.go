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

// Package pyproc attaches to live Python interpreter processes. An attach
// locates the interpreter image in the target's memory map, resolves the
// runtime symbols introspection needs, and yields a Handle addressing the
// target until it exits or is detached.
package pyproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/pyprobe-dev/pyprobe/pkg/elfsym"
	"github.com/pyprobe-dev/pyprobe/pkg/hash"
	"github.com/pyprobe-dev/pyprobe/pkg/python"
	"github.com/pyprobe-dev/pyprobe/pkg/remotememory"
	"github.com/pyprobe-dev/pyprobe/pkg/vmmap"
)

var (
	// ErrClosed is returned by operations on a detached Handle.
	ErrClosed = errors.New("interpreter handle is closed")

	// ErrUnsupportedVersion is returned when the interpreter announces a
	// version older than the introspection readers can deal with.
	ErrUnsupportedVersion = errors.New("unsupported interpreter version")
)

// Prober attaches to interpreter processes. It is stateless and safe for
// concurrent use; every Attach builds its Handle from scratch.
type Prober struct {
	logger   log.Logger
	reader   remotememory.Reader
	scanner  *vmmap.Scanner
	resolver *elfsym.Resolver
	fsys     fs.FS
}

type realfs struct{}

func (realfs) Open(name string) (fs.File, error) { return os.Open(name) }

func NewProber(logger log.Logger) *Prober {
	return NewProberFS(logger, remotememory.NewReader(), realfs{})
}

// NewProberFS returns a Prober that reads proc listings from fsys and
// remote memory through reader. It is meant for testing.
func NewProberFS(logger log.Logger, reader remotememory.Reader, fsys fs.FS) *Prober {
	return &Prober{
		logger:   logger,
		reader:   reader,
		scanner:  vmmap.NewScannerFS(logger, fsys),
		resolver: elfsym.NewResolver(logger, reader, python.RequiredSymbols()),
		fsys:     fsys,
	}
}

// Reader exposes the remote memory reader the Prober attaches with, so
// callers can follow resolved symbol addresses into the target.
func (p *Prober) Reader() remotememory.Reader {
	return p.reader
}

// Attach locates pid's interpreter image, resolves its runtime symbols and
// returns a Handle. The process keeps running; nothing here stops or traces
// the target. A process without a qualifying interpreter image fails with
// vmmap.ErrInvalidTarget, which a caller polling a still-starting
// interpreter should treat as retryable.
func (p *Prober) Attach(pid int) (*Handle, error) {
	starttime, err := processStartTime(pid)
	if err != nil {
		level.Debug(p.logger).Log("msg", "cannot determine process start time", "pid", pid, "err", err)
	}

	img, err := p.scanner.Locate(pid)
	if err != nil {
		return nil, err
	}

	// The binary is authoritative when present, a libpython mapping is the
	// fallback for interpreters that put the runtime in a shared object.
	path := img.BinaryPath
	if path == "" {
		path = img.LibraryPath
	}

	analysis, err := p.resolver.Analyze(pid, path, img.ELF)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", path, err)
	}
	img.BSS = analysis.BSS

	var version *semver.Version
	if v, verr := python.VersionFromPath(path); verr != nil {
		level.Debug(p.logger).Log("msg", "interpreter version not present in path", "path", path, "err", verr)
	} else if !python.Supported(v) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, v)
	} else {
		version = v
	}

	var objectHash uint64
	if sum, herr := hash.File(p.fsys, path); herr != nil {
		level.Debug(p.logger).Log("msg", "cannot fingerprint interpreter object", "path", path, "err", herr)
	} else {
		objectHash = sum
	}

	h := &Handle{
		logger:     log.With(p.logger, "pid", pid),
		prober:     p,
		pid:        pid,
		starttime:  starttime,
		image:      img,
		analysis:   analysis,
		version:    version,
		objectHash: objectHash,
	}
	h.resident.Store(-1)

	resident, err := p.residentMemory(pid)
	if err != nil {
		return nil, err
	}
	h.resident.Store(resident)

	level.Debug(h.logger).Log(
		"msg", "attached to interpreter",
		"path", path,
		"version", version,
		"symbols", len(analysis.Symbols),
		"resident", humanize.Bytes(uint64(resident)),
	)
	return h, nil
}

// residentMemory samples the target's resident set size in bytes from its
// statm listing.
func (p *Prober) residentMemory(pid int) (int64, error) {
	f, err := p.fsys.Open(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, fmt.Errorf("open statm of pid %d: %w", pid, err)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("read statm of pid %d: %w", pid, err)
	}
	fields := strings.Fields(string(b))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm content of pid %d", pid)
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse statm of pid %d: %w", pid, err)
	}
	return pages * int64(os.Getpagesize()), nil
}

// Handle is an attached interpreter process. Accessors stay valid after
// Close; the operations that touch the live target fail with ErrClosed.
type Handle struct {
	logger log.Logger
	prober *Prober

	pid        int
	starttime  uint64
	image      *vmmap.Image
	analysis   *elfsym.Analysis
	version    *semver.Version
	objectHash uint64

	// resident holds the last sampled resident set size in bytes, -1 when
	// no sample succeeded yet.
	resident atomic.Int64
	watched  atomic.Bool
	closed   atomic.Bool
}

func (h *Handle) PID() int {
	return h.pid
}

// StartTime returns the kernel's starttime ticks for the process, 0 when the
// platform or proc filesystem could not supply one. Paired with the PID it
// distinguishes the attached process from a later reuse of its pid.
func (h *Handle) StartTime() uint64 {
	return h.starttime
}

// Image returns the located interpreter image. Callers must treat it as
// read-only.
func (h *Handle) Image() *vmmap.Image {
	return h.image
}

// Version returns the interpreter version parsed from the image path, nil
// when the path carried none.
func (h *Handle) Version() *semver.Version {
	return h.version
}

// ObjectHash fingerprints the interpreter object file as it was on disk at
// attach time, 0 when the file could not be read.
func (h *Handle) ObjectHash() uint64 {
	return h.objectHash
}

// Symbol returns the remote address resolved for the named runtime symbol.
func (h *Handle) Symbol(name string) (remotememory.Address, bool) {
	addr, ok := h.analysis.Symbols[name]
	return addr, ok
}

// Symbols returns a copy of every resolved symbol address.
func (h *Handle) Symbols() map[string]remotememory.Address {
	return maps.Clone(h.analysis.Symbols)
}

// BSS returns the remote region backing the interpreter's zero-initialized
// data, where older runtimes keep their interpreter state head.
func (h *Handle) BSS() vmmap.Region {
	return h.image.BSS
}

// ResidentMemory returns the target's resident set size in bytes as of the
// last successful sample, -1 when unknown.
func (h *Handle) ResidentMemory() int64 {
	return h.resident.Load()
}

// RefreshResidentMemory samples the target's resident set size. A failed
// sample resets the stored value to unknown and reports the error.
func (h *Handle) RefreshResidentMemory() (int64, error) {
	if h.closed.Load() {
		return -1, ErrClosed
	}
	resident, err := h.prober.residentMemory(h.pid)
	if err != nil {
		h.resident.Store(-1)
		return -1, err
	}
	h.resident.Store(resident)
	return resident, nil
}

// Remapped rescans the target's memory map and reports whether it changed
// since attach, which happens when the target exec'd or reloaded its
// interpreter. A remapped target must be re-attached before its symbol
// addresses are trusted again.
func (h *Handle) Remapped() (bool, error) {
	if h.closed.Load() {
		return false, ErrClosed
	}
	img, err := h.prober.scanner.Locate(h.pid)
	if err != nil {
		return false, err
	}
	return img.Fingerprint != h.image.Fingerprint, nil
}

// WaitExit blocks until the target exits or ctx is canceled. It returns nil
// once the process is gone, including when it was already gone on entry.
func (h *Handle) WaitExit(ctx context.Context) error {
	if h.closed.Load() {
		return ErrClosed
	}
	return waitExit(ctx, h.pid)
}

// Close detaches from the target. It never signals the process; it only
// fences the live-target operations of this Handle. Close is idempotent.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	level.Debug(h.logger).Log("msg", "detached from interpreter")
	return nil
}
