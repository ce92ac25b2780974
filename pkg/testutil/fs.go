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
	"io"
	"io/fs"
)

type fakeFile struct {
	content io.Reader
}

func (f *fakeFile) Stat() (fs.FileInfo, error) { return nil, nil }
func (f *fakeFile) Read(b []byte) (int, error) { return f.content.Read(b) }
func (f *fakeFile) Close() error               { return nil }

// fakeFS serves file contents from a map. Names are matched verbatim, so
// absolute paths work, unlike fstest.MapFS.
type fakeFS struct {
	files map[string][]byte
}

func (f *fakeFS) Open(name string) (fs.File, error) {
	content, ok := f.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &fakeFile{content: bytes.NewReader(content)}, nil
}

// NewFakeFS returns an fs.FS backed by the given name to content map.
func NewFakeFS(files map[string][]byte) fs.FS {
	return &fakeFS{files: files}
}

type errorFS struct {
	err error
}

func (f *errorFS) Open(string) (fs.File, error) {
	return nil, f.err
}

// NewErrorFS returns an fs.FS whose Open always fails with err.
func NewErrorFS(err error) fs.FS {
	return &errorFS{err: err}
}
