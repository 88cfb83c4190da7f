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

// Package pprof exports raw captured stacks as address-only pprof profiles.
package pprof

import (
	"encoding/binary"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	pprofprofile "github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/stack-sampler/pkg/hash"
	"github.com/parca-dev/stack-sampler/pkg/process"
	"github.com/parca-dev/stack-sampler/pkg/sampler"
	"github.com/parca-dev/stack-sampler/pkg/symbol"
)

const (
	threadIDLabel = "thread_id"
	stackIDLabel  = "stack_id"
)

// Symbolizer resolves addresses to symbols. It is optional; without it the
// profile carries addresses only and is symbolized offline.
type Symbolizer interface {
	Resolve(pid int, addr uint64) (symbol.AddrInfo, error)
}

// Converter builds pprof profiles of a process from captured samples. It
// remembers the object IDs of mapped files across conversions.
type Converter struct {
	logger     log.Logger
	metrics    *converterMetrics
	symbolizer Symbolizer

	objectIDs map[string]string
}

func NewConverter(logger log.Logger, reg prometheus.Registerer, symbolizer Symbolizer) *Converter {
	return &Converter{
		logger:     logger,
		metrics:    newConverterMetrics(reg),
		symbolizer: symbolizer,
		objectIDs:  map[string]string{},
	}
}

// conversion holds the indexes of a single Convert call.
type conversion struct {
	c   *Converter
	pid int

	mappings          process.Mappings
	functionIndex     map[string]*pprofprofile.Function
	addrLocationIndex map[uint64]*pprofprofile.Location
	sampleIndex       map[uint64]*pprofprofile.Sample

	result *pprofprofile.Profile
}

// Convert turns the samples of process pid into a profile. Identical stacks
// of the same thread are merged into one sample. Frames outside of any
// mapping are dropped.
func (c *Converter) Convert(pid int, mappings process.Mappings, samples []sampler.Stack, start time.Time, period time.Duration) *pprofprofile.Profile {
	exec := mappings.Executable()
	conv := &conversion{
		c:                 c,
		pid:               pid,
		mappings:          exec,
		functionIndex:     map[string]*pprofprofile.Function{},
		addrLocationIndex: map[uint64]*pprofprofile.Location{},
		sampleIndex:       map[uint64]*pprofprofile.Sample{},
		result: &pprofprofile.Profile{
			TimeNanos:     start.UnixNano(),
			DurationNanos: int64(time.Since(start)),
			Period:        period.Nanoseconds(),
			SampleType: []*pprofprofile.ValueType{{
				Type: "samples",
				Unit: "count",
			}},
			PeriodType: &pprofprofile.ValueType{
				Type: "cpu",
				Unit: "nanoseconds",
			},
			Mapping: c.convertMappings(pid, exec),
		},
	}

	for _, s := range samples {
		conv.addSample(s)
	}

	sort.SliceStable(conv.result.Sample, func(i, j int) bool {
		return conv.result.Sample[i].Value[0] > conv.result.Sample[j].Value[0]
	})
	return conv.result
}

func (c *Converter) convertMappings(pid int, mappings process.Mappings) []*pprofprofile.Mapping {
	res := make([]*pprofprofile.Mapping, 0, len(mappings))
	for i, m := range mappings {
		pm := &pprofprofile.Mapping{
			// pprof IDs start at 1 so that 0 means unset.
			ID:     uint64(i) + 1,
			Start:  uint64(m.StartAddr),
			Limit:  uint64(m.EndAddr),
			Offset: uint64(m.Offset),
			File:   m.Pathname,
		}
		if m.Pathname != "" && m.Pathname[0] != '[' {
			pm.BuildID = c.objectID(pid, m.Pathname)
			pm.HasFunctions = c.symbolizer != nil
		}
		res = append(res, pm)
	}
	return res
}

func (c *Converter) objectID(pid int, path string) string {
	if id, ok := c.objectIDs[path]; ok {
		return id
	}
	id, err := hash.ObjectID(filepath.Join("/proc", strconv.Itoa(pid), "root", path))
	if err != nil {
		level.Debug(c.logger).Log("msg", "failed to hash mapped object", "path", path, "err", err)
		return ""
	}
	c.objectIDs[path] = id
	return id
}

func (conv *conversion) addSample(s sampler.Stack) {
	key := stackKey(s)
	if ps, ok := conv.sampleIndex[key]; ok {
		ps.Value[0]++
		return
	}

	ps := &pprofprofile.Sample{
		Value:    []int64{1},
		Location: make([]*pprofprofile.Location, 0, len(s.PCs)),
		Label: map[string][]string{
			threadIDLabel: {strconv.Itoa(s.Thread.TID)},
			stackIDLabel:  {strconv.FormatUint(stackKey(sampler.Stack{PCs: s.PCs}), 16)},
		},
	}
	for _, pc := range s.PCs {
		i := mappingForAddr(conv.result.Mapping, pc)
		if i == -1 {
			conv.c.metrics.frameDrop.WithLabelValues(labelFrameDropReasonMappingNil).Inc()
			continue
		}
		ps.Location = append(ps.Location, conv.addAddrLocation(conv.result.Mapping[i], pc))
	}
	if len(ps.Location) == 0 {
		conv.c.metrics.stackDrop.WithLabelValues(labelStackDropReasonEmpty).Inc()
		return
	}

	conv.sampleIndex[key] = ps
	conv.result.Sample = append(conv.result.Sample, ps)
}

// stackKey hashes the thread and the program counters of a sample.
func stackKey(s sampler.Stack) uint64 {
	h := xxhash.New()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(s.Thread.TID))
	_, _ = h.Write(b[:])
	for _, pc := range s.PCs {
		binary.LittleEndian.PutUint64(b[:], pc)
		_, _ = h.Write(b[:])
	}
	return h.Sum64()
}

func mappingForAddr(mappings []*pprofprofile.Mapping, addr uint64) int {
	i := sort.Search(len(mappings), func(i int) bool {
		return mappings[i].Limit > addr
	})
	if i < len(mappings) && mappings[i].Start <= addr {
		return i
	}
	return -1
}

func (conv *conversion) addAddrLocation(m *pprofprofile.Mapping, addr uint64) *pprofprofile.Location {
	if l, ok := conv.addrLocationIndex[addr]; ok {
		return l
	}

	l := &pprofprofile.Location{
		ID:      uint64(len(conv.result.Location)) + 1,
		Mapping: m,
		Address: addr,
	}
	if conv.c.symbolizer != nil {
		info, err := conv.c.symbolizer.Resolve(conv.pid, addr)
		if name, ok := symbol.Name(info); err == nil && ok {
			l.Line = []pprofprofile.Line{{Function: conv.addFunction(name)}}
		} else {
			conv.c.metrics.symbolizationFailed.Inc()
		}
	}

	conv.addrLocationIndex[addr] = l
	conv.result.Location = append(conv.result.Location, l)
	return l
}

func (conv *conversion) addFunction(name string) *pprofprofile.Function {
	if f, ok := conv.functionIndex[name]; ok {
		return f
	}
	f := &pprofprofile.Function{
		ID:         uint64(len(conv.result.Function)) + 1,
		Name:       name,
		SystemName: name,
	}
	conv.functionIndex[name] = f
	conv.result.Function = append(conv.result.Function, f)
	return f
}
