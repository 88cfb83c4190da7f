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

package process

import (
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/procfs"
)

var (
	ErrProcNotFound    = errors.New("process not found")
	ErrMappingNotFound = errors.New("mapping not found")
)

// Mappings are the memory mappings of a process, sorted by start address.
type Mappings []*procfs.ProcMap

// Find returns the mapping containing addr.
func (ms Mappings) Find(addr uint64) (*procfs.ProcMap, bool) {
	i := sort.Search(len(ms), func(i int) bool {
		return uint64(ms[i].EndAddr) > addr
	})
	if i < len(ms) && uint64(ms[i].StartAddr) <= addr {
		return ms[i], true
	}
	return nil, false
}

// Executable returns the mappings that can hold code.
func (ms Mappings) Executable() Mappings {
	res := make(Mappings, 0, len(ms))
	for _, m := range ms {
		if m.Perms != nil && m.Perms.Execute {
			res = append(res, m)
		}
	}
	return res
}

// MapManager reads process mappings from procfs.
type MapManager struct {
	procfs.FS
}

func NewMapManager(fs procfs.FS) *MapManager {
	return &MapManager{FS: fs}
}

// MappingsForPID returns all the mappings for the given PID.
func (mm *MapManager) MappingsForPID(pid int) (Mappings, error) {
	proc, err := mm.Proc(pid)
	if err != nil {
		return nil, errors.Join(ErrProcNotFound, fmt.Errorf("failed to open proc %d: %w", pid, err))
	}

	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, errors.Join(ErrProcNotFound, fmt.Errorf("failed to read proc maps for proc %d: %w", pid, err))
	}

	res := Mappings(maps)
	sort.Slice(res, func(i, j int) bool {
		return res[i].StartAddr < res[j].StartAddr
	})
	return res, nil
}

// MappingForAddr returns the mapping of pid that contains addr.
func (mm *MapManager) MappingForAddr(pid int, addr uint64) (*procfs.ProcMap, error) {
	maps, err := mm.MappingsForPID(pid)
	if err != nil {
		return nil, err
	}
	m, ok := maps.Find(addr)
	if !ok {
		return nil, fmt.Errorf("%w: pid %d addr 0x%x", ErrMappingNotFound, pid, addr)
	}
	return m, nil
}

// MappingRange returns the bounds of the mapping of pid containing addr.
func (mm *MapManager) MappingRange(pid int, addr uint64) (uint64, uint64, error) {
	m, err := mm.MappingForAddr(pid, addr)
	if err != nil {
		return 0, 0, err
	}
	return uint64(m.StartAddr), uint64(m.EndAddr), nil
}

// Threads returns the thread ids of pid.
func (mm *MapManager) Threads(pid int) ([]int, error) {
	threads, err := mm.AllThreads(pid)
	if err != nil {
		return nil, errors.Join(ErrProcNotFound, fmt.Errorf("failed to list threads of proc %d: %w", pid, err))
	}
	tids := make([]int, 0, len(threads))
	for _, t := range threads {
		tids = append(tids, t.PID)
	}
	sort.Ints(tids)
	return tids, nil
}

// ThreadExists reports whether tid is a live thread of pid.
func (mm *MapManager) ThreadExists(pid, tid int) (bool, error) {
	tids, err := mm.Threads(pid)
	if err != nil {
		return false, err
	}
	i := sort.SearchInts(tids, tid)
	return i < len(tids) && tids[i] == tid, nil
}
