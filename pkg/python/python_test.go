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

package python

import (
	"os"
	"runtime"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/common/model"
)

func Test_IsLibrary(t *testing.T) {
	tests := []struct {
		pathname string
		expected bool
	}{
		{"/tmp/_MEIOqzg01/libpython2.7.so.1.0", true},
		{"./libpython2.7.so", true},
		{"/usr/lib/libpython3.4d.so", true},
		{"/usr/local/lib/libpython3.8m.so", true},
		{"/usr/lib/libpython2.7u.so", true},
		{"/usr/lib/libboost_python.so", false},
		{"/usr/lib/x86_64-linux-gnu/libboost_python-py27.so.1.58.0", false},
		{"/usr/lib/libboost_python-py35.so", false},
	}

	for _, test := range tests {
		result := IsLibrary(test.pathname)
		if result != test.expected {
			t.Errorf("Expected IsLibrary(%s) to be %v, but got %v", test.pathname, test.expected, result)
		}
	}
}

func Test_IsBinary(t *testing.T) {
	tests := []struct {
		pathname string
		expected bool
	}{
		{"/usr/bin/python3.11", true},
		{"/usr/local/bin/python", true},
		{"/opt/venv/bin/python3", true},
		{"/usr/bin/bash", false},
		{"/usr/python/bin/gunicorn", false},
	}

	for _, test := range tests {
		result := IsBinary(test.pathname)
		if result != test.expected {
			t.Errorf("Expected IsBinary(%s) to be %v, but got %v", test.pathname, test.expected, result)
		}
	}
}

func Test_VersionFromPath(t *testing.T) {
	tests := []struct {
		pathname  string
		expected  string
		expectErr bool
	}{
		{pathname: "/usr/bin/python3.11", expected: "3.11.0"},
		{pathname: "/usr/local/bin/python2.7", expected: "2.7.0"},
		{pathname: "/usr/lib/libpython3.9m.so", expected: "3.9.0"},
		{pathname: "/opt/py/libpython3.12.so.1.0", expected: "3.12.0"},
		{pathname: "/usr/bin/python", expectErr: true},
		{pathname: "/usr/bin/bash", expectErr: true},
	}

	for _, test := range tests {
		v, err := VersionFromPath(test.pathname)

		if test.expectErr && err == nil {
			t.Errorf("Expected error for pathname '%s'", test.pathname)
		}
		if !test.expectErr && err != nil {
			t.Errorf("Unexpected error for pathname '%s': %s", test.pathname, err.Error())
		}
		if !test.expectErr && v.String() != test.expected {
			t.Errorf("Mismatched result for pathname '%s': expected %v, got %v", test.pathname, test.expected, v)
		}
	}
}

func Test_Supported(t *testing.T) {
	tests := []struct {
		version  string
		expected bool
	}{
		{version: "2.1.0", expected: false},
		{version: "2.2.3", expected: false},
		{version: "2.3.0", expected: true},
		{version: "2.7.18", expected: true},
		{version: "3.8.0", expected: true},
		{version: "3.12.1", expected: true},
	}

	for _, test := range tests {
		result := Supported(semver.MustParse(test.version))
		if result != test.expected {
			t.Errorf("Expected Supported(%s) to be %v, but got %v", test.version, test.expected, result)
		}
	}

	if Supported(nil) {
		t.Error("Expected Supported(nil) to be false")
	}
}

func Test_RequiredSymbols(t *testing.T) {
	symbols := RequiredSymbols()
	if len(symbols) != 2 {
		t.Fatalf("Expected 2 required symbols, got %d", len(symbols))
	}
	if symbols[0] != "_PyThreadState_Current" || symbols[1] != "_PyRuntime" {
		t.Errorf("Unexpected required symbols: %v", symbols)
	}
}

func Test_BinaryMetadata(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("test binary is only an ELF object on linux")
	}

	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	labels, err := BinaryMetadata(exe)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for _, name := range []string{"compiler", "stripped", "static"} {
		if _, ok := labels[model.LabelName(name)]; !ok {
			t.Errorf("Expected label %q to be present, got %v", name, labels)
		}
	}
}
