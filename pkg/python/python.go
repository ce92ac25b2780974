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

// Package python describes what the prober knows about CPython: the
// interpreter globals to resolve, how versions are derived from image
// paths, and which versions are supported.
package python

import (
	"debug/elf"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/common/model"
	"github.com/xyproto/ainur"
)

const (
	runtimeSymbol     = "_PyRuntime"
	threadStateSymbol = "_PyThreadState_Current"
)

// RequiredSymbols returns the interpreter globals every attach must
// resolve, in the order unresolved ones are reported.
func RequiredSymbols() []string {
	return []string{threadStateSymbol, runtimeSymbol}
}

var (
	libRegex     = regexp.MustCompile(`libpython\d\.\d\d?(m|d|u)?\.so`)
	versionRegex = regexp.MustCompile(`python(2|3)\.(\d+)`)
)

// IsLibrary reports whether pathname looks like a CPython shared library,
// so libboost_python and friends do not qualify.
func IsLibrary(pathname string) bool {
	return libRegex.MatchString(pathname)
}

// IsBinary reports whether pathname looks like a CPython executable.
func IsBinary(pathname string) bool {
	return strings.Contains(path.Base(pathname), "python")
}

// VersionFromPath derives the interpreter version from a binary or library
// file name, e.g. python3.11 or libpython3.9m.so. Only major and minor are
// recoverable from a name; patch is reported as zero.
func VersionFromPath(pathname string) (*semver.Version, error) {
	match := versionRegex.FindStringSubmatch(path.Base(pathname))
	if match == nil {
		return nil, fmt.Errorf("no interpreter version in %q", pathname)
	}

	major, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse major version: %w", err)
	}
	minor, err := strconv.ParseUint(match[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse minor version: %w", err)
	}

	return semver.New(major, minor, 0, "", ""), nil
}

// Oldest interpreter whose runtime layout the prober understands.
var minimumSupported = semver.MustParse("2.3.0")

// Supported reports whether the prober can attach to an interpreter of the
// given version.
func Supported(v *semver.Version) bool {
	return v != nil && !v.LessThan(minimumSupported)
}

// BinaryMetadata inspects the interpreter's object file and labels how it
// was built.
func BinaryMetadata(pathname string) (model.LabelSet, error) {
	ef, err := elf.Open(pathname)
	if err != nil {
		return nil, fmt.Errorf("open object file: %w", err)
	}
	defer ef.Close()

	return model.LabelSet{
		"compiler": model.LabelValue(ainur.Compiler(ef)),
		"stripped": model.LabelValue(strconv.FormatBool(ainur.Stripped(ef))),
		"static":   model.LabelValue(strconv.FormatBool(ainur.Static(ef))),
	}, nil
}
