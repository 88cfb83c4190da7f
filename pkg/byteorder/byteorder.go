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

package byteorder

import (
	"encoding/binary"
	"unsafe"
)

var hostByteOrder = determineHostByteOrder()

// GetHostByteOrder returns the byte order of the running machine.
func GetHostByteOrder() binary.ByteOrder {
	return hostByteOrder
}

// PutWord writes the low size bytes of v into b in host byte order.
func PutWord(b []byte, v uint64, size int) {
	switch size {
	case 8:
		hostByteOrder.PutUint64(b, v)
	case 4:
		hostByteOrder.PutUint32(b, uint32(v))
	}
}

func determineHostByteOrder() binary.ByteOrder {
	var i int32 = 0x01020304
	b := *(*byte)(unsafe.Pointer(&i))
	if b == 0x04 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
