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

// Package vmmap locates a process's interpreter image, heap and address
// bounding box from its memory map listing.
package vmmap

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pyprobe-dev/pyprobe/pkg/byteorder"
	"github.com/pyprobe-dev/pyprobe/pkg/remotememory"
)

// ErrInvalidTarget is returned when a full scan found neither an interpreter
// image nor a heap region, so the process cannot be introspected.
var ErrInvalidTarget = errors.New("process has no interpreter image or heap")

// Mappings smaller than this are not useful interpreter binaries.
const minCandidateSize = 1 << 20

// Region is a half-open [Base, Base+Size) interval of a process's virtual
// address space.
type Region struct {
	Base uint64
	Size uint64
}

func (r Region) End() uint64 {
	return r.Base + r.Size
}

// Image aggregates what a scan found: the interpreter binary or library
// path, the regions needed for symbol resolution, and the bounding box over
// all non-synthetic mappings. At most one of BinaryPath/LibraryPath is
// authoritative; the first qualifying candidate of each kind wins.
type Image struct {
	BinaryPath  string
	LibraryPath string

	// ELF is the accepted candidate's mapping. BSS is filled in by the
	// symbol resolver afterwards.
	ELF  Region
	BSS  Region
	Heap Region

	MinAddr uint64
	MaxAddr uint64

	// Fingerprint hashes the raw listing, so callers can cheaply detect
	// that the target remapped itself.
	Fingerprint uint64
}

// Scanner builds Images from per-process memory map listings.
type Scanner struct {
	logger log.Logger
	fsys   fs.FS
}

type realfs struct{}

func (realfs) Open(name string) (fs.File, error) { return os.Open(name) }

func NewScanner(logger log.Logger) *Scanner {
	return &Scanner{logger: logger, fsys: realfs{}}
}

// NewScannerFS returns a Scanner that reads listings from fsys instead of
// the host proc filesystem.
func NewScannerFS(logger log.Logger, fsys fs.FS) *Scanner {
	return &Scanner{logger: logger, fsys: fsys}
}

// Locate scans pid's memory map listing and returns a freshly built Image.
// It never accumulates state across calls, so a retried attach cannot see a
// previous attempt's paths.
func (s *Scanner) Locate(pid int) (*Image, error) {
	f, err := s.fsys.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("open maps of pid %d: %w", pid, remotememory.ErrPermissionDenied)
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("open maps of pid %d: %w", pid, remotememory.ErrNoSuchProcess)
		default:
			return nil, fmt.Errorf("open maps of pid %d: %w", pid, err)
		}
	}
	defer f.Close()

	img := &Image{MinAddr: math.MaxUint64}
	digest := xxhash.New()
	heapSeen := false

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		_, _ = digest.WriteString(line)
		_, _ = digest.WriteString("\n")

		ml, ok := parseLine(line)
		if !ok {
			level.Debug(s.logger).Log("msg", "skipping malformed maps line", "pid", pid, "line", line)
			continue
		}

		// Synthetic pseudo mappings like [vsyscall] carry addresses that are
		// unrepresentative of real memory and would corrupt the bounding box.
		if !strings.Contains(ml.pathname, "[v") {
			if ml.lower < img.MinAddr {
				img.MinAddr = ml.lower
			}
			if ml.upper > img.MaxAddr {
				img.MaxAddr = ml.upper
			}
		}

		if !heapSeen && ml.pathname == "[heap]" {
			img.Heap = Region{Base: ml.lower, Size: ml.upper - ml.lower}
			heapSeen = true
			continue
		}

		if !strings.Contains(ml.pathname, "python") {
			continue
		}

		size, executable, err := probeObjectFile(ml.pathname)
		if err != nil {
			// The file may have been unlinked since the listing was
			// produced; skip the candidate rather than abort the scan.
			level.Debug(s.logger).Log("msg", "skipping interpreter candidate", "path", ml.pathname, "err", err)
			continue
		}

		if executable {
			if img.BinaryPath != "" || size < minCandidateSize {
				continue
			}
			level.Debug(s.logger).Log("msg", "candidate binary", "path", ml.pathname, "size", size)
			img.BinaryPath = ml.pathname
			img.ELF = Region{Base: ml.lower, Size: ml.upper - ml.lower}
			continue
		}

		if img.BinaryPath != "" || img.LibraryPath != "" || size < minCandidateSize {
			continue
		}
		level.Debug(s.logger).Log("msg", "candidate library", "path", ml.pathname, "size", size)
		img.LibraryPath = ml.pathname
		img.ELF = Region{Base: ml.lower, Size: ml.upper - ml.lower}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan maps of pid %d: %w", pid, err)
	}

	if (img.BinaryPath == "" && img.LibraryPath == "") || !heapSeen {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrInvalidTarget)
	}

	img.Fingerprint = digest.Sum64()
	return img, nil
}

// mapLine is one parsed listing line: an address range, a permission
// string, offset, device, inode and an optional pathname.
type mapLine struct {
	lower, upper uint64
	perms        string
	pathname     string
}

// parseLine splits a listing line of the form
//
//	lower-upper perms offset major:minor inode [pathname]
//
// into its fields. Lines carrying fewer than the fixed fields, or fields
// that do not parse, are reported as malformed.
func parseLine(line string) (mapLine, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return mapLine{}, false
	}

	lowerStr, upperStr, ok := strings.Cut(fields[0], "-")
	if !ok {
		return mapLine{}, false
	}
	lower, err := strconv.ParseUint(lowerStr, 16, 64)
	if err != nil {
		return mapLine{}, false
	}
	upper, err := strconv.ParseUint(upperStr, 16, 64)
	if err != nil {
		return mapLine{}, false
	}

	if len(fields[1]) < 4 {
		return mapLine{}, false
	}
	if _, err := strconv.ParseUint(fields[2], 16, 64); err != nil {
		return mapLine{}, false
	}
	major, minor, ok := strings.Cut(fields[3], ":")
	if !ok {
		return mapLine{}, false
	}
	if _, err := strconv.ParseUint(major, 16, 64); err != nil {
		return mapLine{}, false
	}
	if _, err := strconv.ParseUint(minor, 16, 64); err != nil {
		return mapLine{}, false
	}
	if _, err := strconv.ParseUint(fields[4], 10, 64); err != nil {
		return mapLine{}, false
	}

	ml := mapLine{lower: lower, upper: upper, perms: fields[1]}
	if len(fields) > 5 {
		ml.pathname = fields[5]
	}
	return ml, true
}

// probeObjectFile stats the candidate and reads its object type from the
// identification header. Executable-type binaries are ET_EXEC; position
// independent interpreters ship as shared objects and classify as libraries,
// same as libpython itself.
func probeObjectFile(path string) (int64, bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, false, err
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	hdr := make([]byte, 18)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return 0, false, err
	}
	if string(hdr[:4]) != elf.ELFMAG {
		return fi.Size(), false, nil
	}
	// e_type sits right after the 16 byte ident.
	etype := byteorder.GetHostByteOrder().Uint16(hdr[16:18])
	return fi.Size(), elf.Type(etype) == elf.ET_EXEC, nil
}
