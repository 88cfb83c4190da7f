// Copyright 2022-2024 The Parca Authors
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

// Package symbol turns captured program counters into function names for
// the reporting side. Capturing never depends on it.
package symbol

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ianlancetaylor/demangle"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/stack-sampler/pkg/cache"
	"github.com/parca-dev/stack-sampler/pkg/process"
)

var ErrSymbolNotFound = errors.New("symbol not found")

// AddrInfo describes what an address resolved to.
type AddrInfo struct {
	Addr uint64
	// Object is the path of the file mapped at Addr, if any.
	Object string
	// Symbol is the raw, possibly mangled, name of the enclosing symbol.
	Symbol string
	// SymbolAddr is the start address of the symbol in the process.
	SymbolAddr uint64
}

// Name returns the demangled symbol name of info, or false when the
// address did not resolve to a symbol.
func Name(info AddrInfo) (string, bool) {
	if info.Symbol == "" {
		return "", false
	}
	return demangle.Filter(info.Symbol), true
}

// Resolver looks up the symbols of addresses in running processes. Go
// functions of the current process resolve through the runtime; everything
// else through the ELF symbol tables of the mapped objects.
type Resolver struct {
	logger log.Logger
	maps   *process.MapManager
	self   int

	tables *cache.LoadingOnceCache[string, *table]
}

func NewResolver(logger log.Logger, reg prometheus.Registerer, maps *process.MapManager, size int) *Resolver {
	r := &Resolver{
		logger: logger,
		maps:   maps,
		self:   os.Getpid(),
	}
	r.tables = cache.NewLoadingOnceCache[string, *table](
		cache.NewLRUCache[string, *table](
			prometheus.WrapRegistererWith(prometheus.Labels{"cache": "symbol_tables"}, reg),
			size,
		),
		r.loadTable,
	)
	return r
}

// Resolve returns the symbol containing addr in process pid.
func (r *Resolver) Resolve(pid int, addr uint64) (AddrInfo, error) {
	if pid == r.self {
		if fn := runtime.FuncForPC(uintptr(addr)); fn != nil {
			file, _ := os.Executable()
			return AddrInfo{Addr: addr, Object: file, Symbol: fn.Name(), SymbolAddr: uint64(fn.Entry())}, nil
		}
	}
	return r.resolveELF(pid, addr)
}

func (r *Resolver) resolveELF(pid int, addr uint64) (AddrInfo, error) {
	info := AddrInfo{Addr: addr}

	m, err := r.maps.MappingForAddr(pid, addr)
	if err != nil {
		return info, err
	}
	info.Object = m.Pathname
	if m.Pathname == "" || strings.HasPrefix(m.Pathname, "[") {
		return info, fmt.Errorf("%w: anonymous mapping %q", ErrSymbolNotFound, m.Pathname)
	}

	t, err := r.tables.Load(filepath.Join("/proc", strconv.Itoa(pid), "root", m.Pathname))
	if err != nil {
		return info, err
	}

	fileOffset := addr - uint64(m.StartAddr) + uint64(m.Offset)
	vaddr, ok := t.vaddr(fileOffset)
	if !ok {
		return info, fmt.Errorf("%w: offset 0x%x not in a loadable segment of %s", ErrSymbolNotFound, fileOffset, m.Pathname)
	}
	sym, ok := t.lookup(vaddr)
	if !ok {
		return info, fmt.Errorf("%w: 0x%x in %s", ErrSymbolNotFound, vaddr, m.Pathname)
	}
	info.Symbol = sym.Name
	info.SymbolAddr = addr - (vaddr - sym.Value)
	return info, nil
}

func (r *Resolver) loadTable(path string) (*table, error) {
	t, err := readTable(path)
	if err != nil {
		return nil, err
	}
	level.Debug(r.logger).Log("msg", "loaded symbol table", "path", path, "symbols", len(t.syms))
	return t, nil
}

func (r *Resolver) Close() error {
	return r.tables.Close()
}

// table is the function symbols of an ELF object, sorted by address.
type table struct {
	syms  []elf.Symbol
	progs []elf.ProgHeader
}

func readTable(path string) (*table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open elf: %w", err)
	}
	defer f.Close()

	t := &table{}
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			t.progs = append(t.progs, p.ProgHeader)
		}
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("failed to read symbols: %w", err)
	}
	dyn, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("failed to read dynamic symbols: %w", err)
	}
	for _, s := range append(syms, dyn...) {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 {
			continue
		}
		t.syms = append(t.syms, s)
	}
	sort.Slice(t.syms, func(i, j int) bool {
		return t.syms[i].Value < t.syms[j].Value
	})
	return t, nil
}

// vaddr translates a file offset into the object's virtual address space.
func (t *table) vaddr(off uint64) (uint64, bool) {
	for _, p := range t.progs {
		if off >= p.Off && off < p.Off+p.Filesz {
			return off - p.Off + p.Vaddr, true
		}
	}
	return 0, false
}

// lookup returns the function symbol containing addr. Symbols without a
// size extend to the next symbol.
func (t *table) lookup(addr uint64) (elf.Symbol, bool) {
	i := sort.Search(len(t.syms), func(i int) bool {
		return t.syms[i].Value > addr
	})
	if i == 0 {
		return elf.Symbol{}, false
	}
	s := t.syms[i-1]
	if s.Size != 0 && addr >= s.Value+s.Size {
		return elf.Symbol{}, false
	}
	return s, true
}
