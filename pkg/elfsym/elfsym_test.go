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

package elfsym

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/pyprobe-dev/pyprobe/pkg/remotememory"
	"github.com/pyprobe-dev/pyprobe/pkg/testutil"
	"github.com/pyprobe-dev/pyprobe/pkg/vmmap"
)

const (
	testPID    = 42
	regionBase = 0x7f0000000000
	loadVaddr  = 0x400000
	loadAlign  = 0x1000
	bssVaddr   = 0x600000
	bssLen     = 0x800
)

var (
	testRegion      = vmmap.Region{Base: regionBase, Size: 0x52000}
	requiredSymbols = []string{"_PyThreadState_Current", "_PyRuntime"}
)

func buildObject(class elf.Class, symbols ...testutil.SymbolDef) []byte {
	return testutil.BuildObject(testutil.ObjectSpec{
		Class:   class,
		Vaddr:   loadVaddr,
		Align:   loadAlign,
		BSSAddr: bssVaddr,
		BSSSize: bssLen,
		Symbols: symbols,
	})
}

// testResolver writes the object to disk and pairs it with a fake remote
// reader that serves the object's header at the mapped region base.
func testResolver(t *testing.T, data []byte, required []string) (*Resolver, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "libpython3.11.so.1.0")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	rd := &testutil.MemoryReader{PID: testPID, Base: regionBase, Data: data[:headerWindow]}
	return NewResolver(log.NewNopLogger(), rd, required), path
}

func TestAnalyzeResolvesSymbols(t *testing.T) {
	data := buildObject(elf.ELFCLASS64,
		testutil.SymbolDef{Name: "_PyRuntime", Value: 0x401020},
		testutil.SymbolDef{Name: "_PyThreadState_Current", Value: 0x401040},
	)
	r, path := testResolver(t, data, requiredSymbols)

	a, err := r.Analyze(testPID, path, testRegion)
	require.NoError(t, err)

	require.Equal(t, map[string]remotememory.Address{
		"_PyRuntime":             {PID: testPID, Addr: 0x7f0000001020},
		"_PyThreadState_Current": {PID: testPID, Addr: 0x7f0000001040},
	}, a.Symbols)
	require.Equal(t, vmmap.Region{Base: regionBase + (bssVaddr - loadVaddr), Size: bssLen}, a.BSS)
}

func TestAnalyzeResolvesSymbols32(t *testing.T) {
	data := buildObject(elf.ELFCLASS32,
		testutil.SymbolDef{Name: "_PyRuntime", Value: 0x401020},
		testutil.SymbolDef{Name: "_PyThreadState_Current", Value: 0x401040},
	)
	r, path := testResolver(t, data, requiredSymbols)

	a, err := r.Analyze(testPID, path, testRegion)
	require.NoError(t, err)

	require.Equal(t, remotememory.Address{PID: testPID, Addr: 0x7f0000001020}, a.Symbols["_PyRuntime"])
	require.Equal(t, remotememory.Address{PID: testPID, Addr: 0x7f0000001040}, a.Symbols["_PyThreadState_Current"])
	require.Equal(t, vmmap.Region{Base: regionBase + (bssVaddr - loadVaddr), Size: bssLen}, a.BSS)
}

func TestAnalyzeFirstMatchWins(t *testing.T) {
	data := buildObject(elf.ELFCLASS64,
		testutil.SymbolDef{Name: "_PyRuntime", Value: 0x401020},
		testutil.SymbolDef{Name: "unrelated_symbol", Value: 0x500000},
		testutil.SymbolDef{Name: "_PyRuntime", Value: 0x402000},
		testutil.SymbolDef{Name: "_PyThreadState_Current", Value: 0x401040},
		testutil.SymbolDef{Name: "_PyRuntime", Value: 0x403000},
	)
	r, path := testResolver(t, data, requiredSymbols)

	a, err := r.Analyze(testPID, path, testRegion)
	require.NoError(t, err)
	require.Equal(t, remotememory.Address{PID: testPID, Addr: 0x7f0000001020}, a.Symbols["_PyRuntime"])
}

func TestAnalyzeBiasRounding(t *testing.T) {
	data := buildObject(elf.ELFCLASS64,
		testutil.SymbolDef{Name: "_PyRuntime", Value: 0x401020},
		testutil.SymbolDef{Name: "_PyThreadState_Current", Value: 0x401040},
	)
	// Misalign the segment start. The bias must still round down to the
	// alignment boundary, leaving the resolved addresses unchanged.
	binary.LittleEndian.PutUint64(data[80:88], loadVaddr+0x123)
	r, path := testResolver(t, data, requiredSymbols)

	a, err := r.Analyze(testPID, path, testRegion)
	require.NoError(t, err)
	require.Equal(t, remotememory.Address{PID: testPID, Addr: 0x7f0000001020}, a.Symbols["_PyRuntime"])
}

func TestAnalyzeMissingSymbol(t *testing.T) {
	data := buildObject(elf.ELFCLASS64,
		testutil.SymbolDef{Name: "_PyRuntime", Value: 0x401020},
	)
	r, path := testResolver(t, data, requiredSymbols)

	_, err := r.Analyze(testPID, path, testRegion)
	require.ErrorIs(t, err, ErrSymbolNotFound)
	require.ErrorContains(t, err, "_PyThreadState_Current")
}

func TestAnalyzeDynsymOffsetZero(t *testing.T) {
	data := buildObject(elf.ELFCLASS64,
		testutil.SymbolDef{Name: "_PyRuntime", Value: 0x401020},
		testutil.SymbolDef{Name: "_PyThreadState_Current", Value: 0x401040},
	)
	// Zero the dynamic symbol table's file offset. The walk must be
	// skipped, leaving every symbol unresolved.
	shoff := binary.LittleEndian.Uint64(data[40:48])
	dynsymShdr := shoff + 64
	binary.LittleEndian.PutUint64(data[dynsymShdr+24:dynsymShdr+32], 0)
	r, path := testResolver(t, data, requiredSymbols)

	_, err := r.Analyze(testPID, path, testRegion)
	require.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestAnalyzeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(data []byte)
	}{
		{
			name:    "bad_magic",
			corrupt: func(data []byte) { data[0] = 0x7e },
		},
		{
			name:    "unknown_class",
			corrupt: func(data []byte) { data[elf.EI_CLASS] = byte(elf.ELFCLASSNONE) },
		},
		{
			name:    "unknown_encoding",
			corrupt: func(data []byte) { data[elf.EI_DATA] = byte(elf.ELFDATANONE) },
		},
		{
			name:    "no_section_table",
			corrupt: func(data []byte) { binary.LittleEndian.PutUint64(data[40:48], 0) },
		},
		{
			name:    "single_section",
			corrupt: func(data []byte) { binary.LittleEndian.PutUint16(data[60:62], 1) },
		},
		{
			name:    "no_loadable_segment",
			corrupt: func(data []byte) { binary.LittleEndian.PutUint32(data[64:68], uint32(elf.PT_NULL)) },
		},
		{
			name: "section_table_past_eof",
			corrupt: func(data []byte) {
				binary.LittleEndian.PutUint64(data[40:48], uint64(len(data)))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := buildObject(elf.ELFCLASS64,
				testutil.SymbolDef{Name: "_PyRuntime", Value: 0x401020},
				testutil.SymbolDef{Name: "_PyThreadState_Current", Value: 0x401040},
			)
			tt.corrupt(data)
			r, path := testResolver(t, data, requiredSymbols)

			_, err := r.Analyze(testPID, path, testRegion)
			require.ErrorIs(t, err, ErrMalformedObject)
		})
	}
}

func TestAnalyzeReaderErrors(t *testing.T) {
	data := buildObject(elf.ELFCLASS64,
		testutil.SymbolDef{Name: "_PyRuntime", Value: 0x401020},
		testutil.SymbolDef{Name: "_PyThreadState_Current", Value: 0x401040},
	)
	path := filepath.Join(t.TempDir(), "libpython3.11.so.1.0")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	t.Run("forced", func(t *testing.T) {
		boom := errors.New("read scrambled")
		rd := &testutil.MemoryReader{PID: testPID, Base: regionBase, Data: data[:headerWindow], Err: boom}
		r := NewResolver(log.NewNopLogger(), rd, requiredSymbols)
		_, err := r.Analyze(testPID, path, testRegion)
		require.ErrorIs(t, err, boom)
	})

	t.Run("process_gone", func(t *testing.T) {
		rd := &testutil.MemoryReader{PID: testPID + 1, Base: regionBase, Data: data[:headerWindow]}
		r := NewResolver(log.NewNopLogger(), rd, requiredSymbols)
		_, err := r.Analyze(testPID, path, testRegion)
		require.ErrorIs(t, err, remotememory.ErrNoSuchProcess)
	})
}
