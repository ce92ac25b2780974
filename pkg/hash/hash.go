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

// Package hash fingerprints interpreter object files so a re-attach can
// tell whether the binary on disk is still the one that was analyzed.
package hash

import (
	"encoding/hex"
	"hash"
	"io"
	"io/fs"

	"github.com/minio/highwayhash"
)

var key = mustDecode("33eb7fa9041276d3e60a8e3a01b0b2d761a4fca284fa2a986df9afcb2b2dcc7d")

func mustDecode(key string) []byte {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		panic("Cannot decode hex key: " + err.Error())
	}
	return keyBytes
}

func New() (hash.Hash64, error) {
	hash, err := highwayhash.New64(key)
	if err != nil {
		return nil, err
	}

	return hash, nil
}

func File(fs fs.FS, file string) (uint64, error) {
	f, err := fs.Open(file)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return Reader(f)
}

func Reader(r io.Reader) (uint64, error) {
	h, err := New()
	if err != nil {
		return 0, err
	}

	_, err = io.Copy(h, r)
	return h.Sum64(), err
}

func Bytes(b []byte) (uint64, error) {
	h, err := New()
	if err != nil {
		return 0, err
	}

	if _, err := h.Write(b); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
