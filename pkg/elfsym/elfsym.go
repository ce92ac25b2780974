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

// Package elfsym resolves interpreter symbols to remote addresses. It reads
// the identification header of the mapped object out of the target process,
// then walks the object's on-disk dynamic symbol table through a mapping
// sized to just the tables it needs.
package elfsym

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pyprobe-dev/pyprobe/pkg/remotememory"
	"github.com/pyprobe-dev/pyprobe/pkg/vmmap"
)

var (
	// ErrMalformedObject is returned when the mapped object is not a
	// well-formed binary: wrong magic, no section table, no loadable
	// segment, or tables that fall outside the file.
	ErrMalformedObject = errors.New("malformed object file")

	// ErrSymbolNotFound is returned when the dynamic symbol table was
	// walked to completion and at least one required symbol stayed
	// unresolved.
	ErrSymbolNotFound = errors.New("required symbol not found")
)

// headerWindow covers the identification bytes plus the widest header form,
// so a single remote read serves both widths.
const headerWindow = 64

// Analysis is the outcome of analyzing one mapped object: every required
// symbol translated into the target's address space, and the remote .bss
// region when the object declares one.
type Analysis struct {
	Symbols map[string]remotememory.Address
	BSS     vmmap.Region
}

// Resolver analyzes mapped objects for a fixed, ordered set of required
// symbols. Resolution is all or nothing: a single missing symbol fails the
// whole analysis.
type Resolver struct {
	logger   log.Logger
	reader   remotememory.Reader
	required []string
	wantSet  map[string]struct{}
}

func NewResolver(logger log.Logger, reader remotememory.Reader, required []string) *Resolver {
	wantSet := make(map[string]struct{}, len(required))
	for _, name := range required {
		wantSet[name] = struct{}{}
	}
	return &Resolver{
		logger:   logger,
		reader:   reader,
		required: required,
		wantSet:  wantSet,
	}
}

// Analyze resolves the required symbols of the object mapped at elfRegion
// in pid's address space, reading the object's tables from path. The
// returned addresses are load-bias corrected, so they are directly readable
// through a remote memory reader.
func (r *Resolver) Analyze(pid int, path string, elfRegion vmmap.Region) (*Analysis, error) {
	var hdr [headerWindow]byte
	if err := r.reader.Copy(remotememory.Address{PID: pid, Addr: elfRegion.Base}, hdr[:]); err != nil {
		return nil, fmt.Errorf("read mapped object header: %w", err)
	}
	if !bytes.HasPrefix(hdr[:], []byte(elf.ELFMAG)) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedObject)
	}

	var order binary.ByteOrder
	switch elf.Data(hdr[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: unknown data encoding %d", ErrMalformedObject, hdr[elf.EI_DATA])
	}

	level.Debug(r.logger).Log("msg", "analyzing mapped object", "pid", pid, "path", path)

	switch elf.Class(hdr[elf.EI_CLASS]) {
	case elf.ELFCLASS64:
		return r.analyze64(pid, path, elfRegion, hdr[:], order)
	case elf.ELFCLASS32:
		return r.analyze32(pid, path, elfRegion, hdr[:], order)
	default:
		return nil, fmt.Errorf("%w: unknown class %d", ErrMalformedObject, hdr[elf.EI_CLASS])
	}
}

func (r *Resolver) analyze64(pid int, path string, region vmmap.Region, remote []byte, order binary.ByteOrder) (*Analysis, error) {
	var rhdr elf.Header64
	if err := binary.Read(bytes.NewReader(remote), order, &rhdr); err != nil {
		return nil, fmt.Errorf("%w: short identification header", ErrMalformedObject)
	}
	if rhdr.Shoff == 0 || rhdr.Shnum < 2 {
		return nil, fmt.Errorf("%w: no section header table", ErrMalformedObject)
	}

	shdrSize := uint64(binary.Size(elf.Section64{}))
	m, err := r.openWindow(path, rhdr.Shoff+uint64(rhdr.Shnum)*shdrSize)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	// The walk below follows the on-disk header of the object, which is the
	// authoritative layout even if the remote copy was tampered with.
	var hdr elf.Header64
	if err := binary.Read(bytes.NewReader(m.data), order, &hdr); err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedObject)
	}

	bias := uint64(math.MaxUint64)
	phdrSize := uint64(binary.Size(elf.Prog64{}))
	for i := uint64(0); i < uint64(hdr.Phnum); i++ {
		b := tableWindow(m.data, hdr.Phoff+i*phdrSize, phdrSize)
		if b == nil {
			return nil, fmt.Errorf("%w: program header out of bounds", ErrMalformedObject)
		}
		var phdr elf.Prog64
		if err := binary.Read(bytes.NewReader(b), order, &phdr); err != nil {
			return nil, fmt.Errorf("read program header: %w", err)
		}
		if elf.ProgType(phdr.Type) == elf.PT_LOAD {
			bias = loadBias(phdr.Vaddr, phdr.Align)
			break
		}
	}
	if bias == math.MaxUint64 {
		return nil, fmt.Errorf("%w: no loadable segment", ErrMalformedObject)
	}

	if hdr.Shstrndx >= hdr.Shnum {
		return nil, fmt.Errorf("%w: section name table index out of range", ErrMalformedObject)
	}
	sections := make([]elf.Section64, hdr.Shnum)
	for i := range sections {
		b := tableWindow(m.data, hdr.Shoff+uint64(i)*shdrSize, shdrSize)
		if b == nil {
			return nil, fmt.Errorf("%w: section header out of bounds", ErrMalformedObject)
		}
		if err := binary.Read(bytes.NewReader(b), order, &sections[i]); err != nil {
			return nil, fmt.Errorf("read section header: %w", err)
		}
	}
	shstrtab := sections[hdr.Shstrndx]

	analysis := &Analysis{Symbols: make(map[string]remotememory.Address, len(r.required))}
	var (
		dynsym  *elf.Section64
		bssSeen bool
	)
	for i := range sections {
		name := cstringAt(m.data, shstrtab.Off+uint64(sections[i].Name))
		switch {
		case dynsym == nil && elf.SectionType(sections[i].Type) == elf.SHT_DYNSYM && name == ".dynsym":
			dynsym = &sections[i]
		case !bssSeen && name == ".bss":
			analysis.BSS = vmmap.Region{
				Base: region.Base + (sections[i].Addr - bias),
				Size: sections[i].Size,
			}
			bssSeen = true
		}
	}

	if dynsym != nil && dynsym.Off != 0 {
		if dynsym.Link == 0 || dynsym.Link >= uint32(hdr.Shnum) {
			return nil, fmt.Errorf("%w: dynamic symbol table has invalid string table link", ErrMalformedObject)
		}
		strtab := sections[dynsym.Link]
		table := tableWindow(m.data, dynsym.Off, dynsym.Size)
		if table == nil {
			return nil, fmt.Errorf("%w: dynamic symbol table out of bounds", ErrMalformedObject)
		}

		symSize := uint64(binary.Size(elf.Sym64{}))
		symtab := bytes.NewReader(table)
		var sym elf.Sym64
		for uint64(symtab.Len()) >= symSize {
			if err := binary.Read(symtab, order, &sym); err != nil {
				return nil, fmt.Errorf("read symbol: %w", err)
			}
			name := cstringAt(m.data, strtab.Off+uint64(sym.Name))
			if _, want := r.wantSet[name]; !want {
				continue
			}
			if _, done := analysis.Symbols[name]; done {
				continue
			}
			analysis.Symbols[name] = remotememory.Address{PID: pid, Addr: region.Base + (sym.Value - bias)}
			level.Debug(r.logger).Log("msg", "resolved symbol", "symbol", name, "addr", fmt.Sprintf("0x%x", analysis.Symbols[name].Addr))
			if len(analysis.Symbols) == len(r.required) {
				break
			}
		}
	}

	if missing := r.missing(analysis.Symbols); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, strings.Join(missing, ", "))
	}
	return analysis, nil
}

func (r *Resolver) analyze32(pid int, path string, region vmmap.Region, remote []byte, order binary.ByteOrder) (*Analysis, error) {
	var rhdr elf.Header32
	if err := binary.Read(bytes.NewReader(remote), order, &rhdr); err != nil {
		return nil, fmt.Errorf("%w: short identification header", ErrMalformedObject)
	}
	if rhdr.Shoff == 0 || rhdr.Shnum < 2 {
		return nil, fmt.Errorf("%w: no section header table", ErrMalformedObject)
	}

	shdrSize := uint64(binary.Size(elf.Section32{}))
	m, err := r.openWindow(path, uint64(rhdr.Shoff)+uint64(rhdr.Shnum)*shdrSize)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	var hdr elf.Header32
	if err := binary.Read(bytes.NewReader(m.data), order, &hdr); err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedObject)
	}

	bias := uint64(math.MaxUint64)
	phdrSize := uint64(binary.Size(elf.Prog32{}))
	for i := uint64(0); i < uint64(hdr.Phnum); i++ {
		b := tableWindow(m.data, uint64(hdr.Phoff)+i*phdrSize, phdrSize)
		if b == nil {
			return nil, fmt.Errorf("%w: program header out of bounds", ErrMalformedObject)
		}
		var phdr elf.Prog32
		if err := binary.Read(bytes.NewReader(b), order, &phdr); err != nil {
			return nil, fmt.Errorf("read program header: %w", err)
		}
		if elf.ProgType(phdr.Type) == elf.PT_LOAD {
			bias = loadBias(uint64(phdr.Vaddr), uint64(phdr.Align))
			break
		}
	}
	if bias == math.MaxUint64 {
		return nil, fmt.Errorf("%w: no loadable segment", ErrMalformedObject)
	}

	if hdr.Shstrndx >= hdr.Shnum {
		return nil, fmt.Errorf("%w: section name table index out of range", ErrMalformedObject)
	}
	sections := make([]elf.Section32, hdr.Shnum)
	for i := range sections {
		b := tableWindow(m.data, uint64(hdr.Shoff)+uint64(i)*shdrSize, shdrSize)
		if b == nil {
			return nil, fmt.Errorf("%w: section header out of bounds", ErrMalformedObject)
		}
		if err := binary.Read(bytes.NewReader(b), order, &sections[i]); err != nil {
			return nil, fmt.Errorf("read section header: %w", err)
		}
	}
	shstrtab := sections[hdr.Shstrndx]

	analysis := &Analysis{Symbols: make(map[string]remotememory.Address, len(r.required))}
	var (
		dynsym  *elf.Section32
		bssSeen bool
	)
	for i := range sections {
		name := cstringAt(m.data, uint64(shstrtab.Off)+uint64(sections[i].Name))
		switch {
		case dynsym == nil && elf.SectionType(sections[i].Type) == elf.SHT_DYNSYM && name == ".dynsym":
			dynsym = &sections[i]
		case !bssSeen && name == ".bss":
			analysis.BSS = vmmap.Region{
				Base: region.Base + (uint64(sections[i].Addr) - bias),
				Size: uint64(sections[i].Size),
			}
			bssSeen = true
		}
	}

	if dynsym != nil && dynsym.Off != 0 {
		if dynsym.Link == 0 || dynsym.Link >= uint32(hdr.Shnum) {
			return nil, fmt.Errorf("%w: dynamic symbol table has invalid string table link", ErrMalformedObject)
		}
		strtab := sections[dynsym.Link]
		table := tableWindow(m.data, uint64(dynsym.Off), uint64(dynsym.Size))
		if table == nil {
			return nil, fmt.Errorf("%w: dynamic symbol table out of bounds", ErrMalformedObject)
		}

		symSize := uint64(binary.Size(elf.Sym32{}))
		symtab := bytes.NewReader(table)
		var sym elf.Sym32
		for uint64(symtab.Len()) >= symSize {
			if err := binary.Read(symtab, order, &sym); err != nil {
				return nil, fmt.Errorf("read symbol: %w", err)
			}
			name := cstringAt(m.data, uint64(strtab.Off)+uint64(sym.Name))
			if _, want := r.wantSet[name]; !want {
				continue
			}
			if _, done := analysis.Symbols[name]; done {
				continue
			}
			analysis.Symbols[name] = remotememory.Address{PID: pid, Addr: region.Base + (uint64(sym.Value) - bias)}
			level.Debug(r.logger).Log("msg", "resolved symbol", "symbol", name, "addr", fmt.Sprintf("0x%x", analysis.Symbols[name].Addr))
			if len(analysis.Symbols) == len(r.required) {
				break
			}
		}
	}

	if missing := r.missing(analysis.Symbols); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, strings.Join(missing, ", "))
	}
	return analysis, nil
}

// openWindow maps length bytes of path read-only, refusing windows that
// extend past the end of the file.
func (r *Resolver) openWindow(path string, length uint64) (*mapping, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if length > uint64(fi.Size()) {
		return nil, fmt.Errorf("%w: section table extends past end of file", ErrMalformedObject)
	}
	return openMapping(path, length)
}

// missing lists the required symbols absent from resolved, in required
// order.
func (r *Resolver) missing(resolved map[string]remotememory.Address) []string {
	var missing []string
	for _, name := range r.required {
		if _, ok := resolved[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// loadBias rounds vaddr down to the segment's alignment.
func loadBias(vaddr, align uint64) uint64 {
	if align > 1 {
		return vaddr - vaddr%align
	}
	return vaddr
}

// tableWindow returns length bytes of data starting at off, or nil when the
// range falls outside the mapping.
func tableWindow(data []byte, off, length uint64) []byte {
	if off > uint64(len(data)) || length > uint64(len(data))-off {
		return nil
	}
	return data[off : off+length]
}

// cstringAt extracts the zero-terminated string at off. Offsets outside the
// mapping yield an empty string, which never matches a required symbol.
func cstringAt(data []byte, off uint64) string {
	if off >= uint64(len(data)) {
		return ""
	}
	end := bytes.IndexByte(data[off:], 0)
	if end < 0 {
		return string(data[off:])
	}
	return string(data[off : off+uint64(end)])
}
