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

// Package hash identifies mapped objects by their content.
package hash

import (
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/minio/highwayhash"
)

// key is fixed so that identifiers are stable across runs and hosts.
var key = []byte("stack-sampler/mapped-object/v1..")

func New() (hash.Hash64, error) {
	return highwayhash.New64(key)
}

// Reader returns the hash of everything read from r.
func Reader(r io.Reader) (uint64, error) {
	h, err := New()
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// ObjectID returns the content hash of the file at path as a hex string,
// suitable as a build ID for objects that carry none.
func ObjectID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum, err := Reader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", sum), nil
}
