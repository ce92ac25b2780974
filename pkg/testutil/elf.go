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

package testutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
)

// SymbolDef is one dynamic symbol of a synthetic object file.
type SymbolDef struct {
	Name  string
	Value uint64
}

// ObjectSpec describes a synthetic interpreter object file. Zero fields
// take the defaults noted next to them.
type ObjectSpec struct {
	Class   elf.Class // ELFCLASS64
	Type    elf.Type  // ET_EXEC
	Vaddr   uint64    // first loadable segment address, 0x400000
	Align   uint64    // segment alignment, 0x1000
	BSSAddr uint64    // Vaddr + 0x200000
	BSSSize uint64    // 0x800
	Symbols []SymbolDef
	PadTo   int // grow the file to at least this many bytes
}

// BuildObject serializes a minimal but well-formed object file: one
// loadable segment, a dynamic symbol table with a leading null entry, its
// string table, a .bss and the section name table, with the section
// headers at the end of the file.
func BuildObject(s ObjectSpec) []byte {
	if s.Class == elf.ELFCLASSNONE {
		s.Class = elf.ELFCLASS64
	}
	if s.Type == elf.ET_NONE {
		s.Type = elf.ET_EXEC
	}
	if s.Vaddr == 0 {
		s.Vaddr = 0x400000
	}
	if s.Align == 0 {
		s.Align = 0x1000
	}
	if s.BSSAddr == 0 {
		s.BSSAddr = s.Vaddr + 0x200000
	}
	if s.BSSSize == 0 {
		s.BSSSize = 0x800
	}

	var data []byte
	if s.Class == elf.ELFCLASS32 {
		data = buildObject32(s)
	} else {
		data = buildObject64(s)
	}
	if s.PadTo > len(data) {
		data = append(data, make([]byte, s.PadTo-len(data))...)
	}
	return data
}

// Section name offsets within the shstrtab laid out below.
const (
	nameDynsym   = 1
	nameDynstr   = 9
	nameBSS      = 17
	nameShstrtab = 22
)

var shstrtabContent = []byte("\x00.dynsym\x00.dynstr\x00.bss\x00.shstrtab\x00")

func buildObject64(s ObjectSpec) []byte {
	order := binary.LittleEndian

	dynstr := []byte{0}
	nameOffs := make([]uint32, len(s.Symbols))
	for i, sym := range s.Symbols {
		nameOffs[i] = uint32(len(dynstr))
		dynstr = append(dynstr, sym.Name...)
		dynstr = append(dynstr, 0)
	}

	var (
		ehdrSize = uint64(binary.Size(elf.Header64{}))
		phdrSize = uint64(binary.Size(elf.Prog64{}))
		shdrSize = uint64(binary.Size(elf.Section64{}))
		symSize  = uint64(binary.Size(elf.Sym64{}))
	)
	phoff := ehdrSize
	dynsymOff := phoff + phdrSize
	dynsymSize := uint64(len(s.Symbols)+1) * symSize
	dynstrOff := dynsymOff + dynsymSize
	shstrtabOff := dynstrOff + uint64(len(dynstr))
	shoff := shstrtabOff + uint64(len(shstrtabContent))

	buf := new(bytes.Buffer)

	var ident [16]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = 1

	mustWrite(buf, order, elf.Header64{
		Ident:     ident,
		Type:      uint16(s.Type),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Phoff:     phoff,
		Shoff:     shoff,
		Ehsize:    uint16(ehdrSize),
		Phentsize: uint16(phdrSize),
		Phnum:     1,
		Shentsize: uint16(shdrSize),
		Shnum:     5,
		Shstrndx:  4,
	})
	mustWrite(buf, order, elf.Prog64{
		Type:  uint32(elf.PT_LOAD),
		Flags: uint32(elf.PF_R | elf.PF_X),
		Vaddr: s.Vaddr,
		Align: s.Align,
	})
	mustWrite(buf, order, elf.Sym64{}) // index zero is always the null symbol
	for i, sym := range s.Symbols {
		mustWrite(buf, order, elf.Sym64{
			Name:  nameOffs[i],
			Info:  byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_OBJECT),
			Value: sym.Value,
		})
	}
	buf.Write(dynstr)
	buf.Write(shstrtabContent)

	mustWrite(buf, order, elf.Section64{})
	mustWrite(buf, order, elf.Section64{Name: nameDynsym, Type: uint32(elf.SHT_DYNSYM), Off: dynsymOff, Size: dynsymSize, Link: 2, Entsize: symSize})
	mustWrite(buf, order, elf.Section64{Name: nameDynstr, Type: uint32(elf.SHT_STRTAB), Off: dynstrOff, Size: uint64(len(dynstr))})
	mustWrite(buf, order, elf.Section64{Name: nameBSS, Type: uint32(elf.SHT_NOBITS), Addr: s.BSSAddr, Size: s.BSSSize})
	mustWrite(buf, order, elf.Section64{Name: nameShstrtab, Type: uint32(elf.SHT_STRTAB), Off: shstrtabOff, Size: uint64(len(shstrtabContent))})

	return buf.Bytes()
}

func buildObject32(s ObjectSpec) []byte {
	order := binary.LittleEndian

	dynstr := []byte{0}
	nameOffs := make([]uint32, len(s.Symbols))
	for i, sym := range s.Symbols {
		nameOffs[i] = uint32(len(dynstr))
		dynstr = append(dynstr, sym.Name...)
		dynstr = append(dynstr, 0)
	}

	var (
		ehdrSize = uint32(binary.Size(elf.Header32{}))
		phdrSize = uint32(binary.Size(elf.Prog32{}))
		shdrSize = uint32(binary.Size(elf.Section32{}))
		symSize  = uint32(binary.Size(elf.Sym32{}))
	)
	phoff := ehdrSize
	dynsymOff := phoff + phdrSize
	dynsymSize := uint32(len(s.Symbols)+1) * symSize
	dynstrOff := dynsymOff + dynsymSize
	shstrtabOff := dynstrOff + uint32(len(dynstr))
	shoff := shstrtabOff + uint32(len(shstrtabContent))

	buf := new(bytes.Buffer)

	var ident [16]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = 1

	mustWrite(buf, order, elf.Header32{
		Ident:     ident,
		Type:      uint16(s.Type),
		Machine:   uint16(elf.EM_386),
		Version:   1,
		Phoff:     phoff,
		Shoff:     shoff,
		Ehsize:    uint16(ehdrSize),
		Phentsize: uint16(phdrSize),
		Phnum:     1,
		Shentsize: uint16(shdrSize),
		Shnum:     5,
		Shstrndx:  4,
	})
	mustWrite(buf, order, elf.Prog32{
		Type:  uint32(elf.PT_LOAD),
		Vaddr: uint32(s.Vaddr),
		Flags: uint32(elf.PF_R | elf.PF_X),
		Align: uint32(s.Align),
	})
	mustWrite(buf, order, elf.Sym32{})
	for i, sym := range s.Symbols {
		mustWrite(buf, order, elf.Sym32{
			Name:  nameOffs[i],
			Value: uint32(sym.Value),
			Info:  byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_OBJECT),
		})
	}
	buf.Write(dynstr)
	buf.Write(shstrtabContent)

	mustWrite(buf, order, elf.Section32{})
	mustWrite(buf, order, elf.Section32{Name: nameDynsym, Type: uint32(elf.SHT_DYNSYM), Off: dynsymOff, Size: dynsymSize, Link: 2, Entsize: symSize})
	mustWrite(buf, order, elf.Section32{Name: nameDynstr, Type: uint32(elf.SHT_STRTAB), Off: dynstrOff, Size: uint32(len(dynstr))})
	mustWrite(buf, order, elf.Section32{Name: nameBSS, Type: uint32(elf.SHT_NOBITS), Addr: uint32(s.BSSAddr), Size: uint32(s.BSSSize)})
	mustWrite(buf, order, elf.Section32{Name: nameShstrtab, Type: uint32(elf.SHT_STRTAB), Off: shstrtabOff, Size: uint32(len(shstrtabContent))})

	return buf.Bytes()
}

func mustWrite(w io.Writer, order binary.ByteOrder, v any) {
	if err := binary.Write(w, order, v); err != nil {
		panic(err)
	}
}
