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

package unwind

import (
	"encoding/binary"

	"github.com/parca-dev/stack-sampler/pkg/byteorder"
)

// StackCopy is a snapshot of the stack memory [Base, Base+len(Data)) taken
// while the thread was interrupted. Reads outside the copy fail.
type StackCopy struct {
	Base uint64
	Data []byte

	order binary.ByteOrder
}

// NewStackCopy returns a StackCopy backed by a buffer of the given capacity
// in bytes.
func NewStackCopy(capacity int) *StackCopy {
	return &StackCopy{
		Data:  make([]byte, 0, capacity),
		order: byteorder.GetHostByteOrder(),
	}
}

// Reset points the copy at base with n valid bytes of the backing buffer.
func (s *StackCopy) Reset(base uint64, n int) {
	s.Base = base
	s.Data = s.Data[:n]
}

// Buffer returns the full backing buffer to be filled by a reader.
func (s *StackCopy) Buffer() []byte {
	return s.Data[:cap(s.Data)]
}

func (s *StackCopy) ReadWord(addr uint64, size int) (uint64, bool) {
	if addr < s.Base {
		return 0, false
	}
	off := addr - s.Base
	if off >= uint64(len(s.Data)) || uint64(len(s.Data))-off < uint64(size) {
		return 0, false
	}

	b := s.Data[off : off+uint64(size)]
	order := s.order
	if order == nil {
		order = byteorder.GetHostByteOrder()
	}
	switch size {
	case 8:
		return order.Uint64(b), true
	case 4:
		return uint64(order.Uint32(b)), true
	default:
		return 0, false
	}
}
