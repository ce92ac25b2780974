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

package logger

import (
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	// LogFormatLogfmt is the logfmt log format.
	LogFormatLogfmt = "logfmt"
	// LogFormatJSON is the JSON log format.
	LogFormatJSON = "json"
)

// This timestamp format differs from RFC3339Nano by using .000 instead
// of .999999999 which changes the timestamp from 9 variable to 3 fixed
// decimals (.130 instead of .130987456).
var timestampFormat = log.TimestampFormat(
	func() time.Time { return time.Now().UTC() },
	"2006-01-02T15:04:05.000Z07:00",
)

// NewLogger returns a log.Logger that prints in the provided format at the
// provided level with a UTC timestamp and the caller of the log entry.
func NewLogger(lvl, format, debugName string) log.Logger {
	var (
		logger    log.Logger
		lvlOption level.Option
	)

	switch lvl {
	case "error":
		lvlOption = level.AllowError()
	case "warn":
		lvlOption = level.AllowWarn()
	case "info":
		lvlOption = level.AllowInfo()
	case "debug":
		lvlOption = level.AllowDebug()
	default:
		// The level is already validated by the flag parser, so this should
		// never happen.
		panic("unexpected log level")
	}

	if format == LogFormatJSON {
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}

	logger = level.NewFilter(logger, lvlOption)

	if debugName != "" {
		logger = log.With(logger, "name", debugName)
	}

	return log.With(logger, "ts", timestampFormat, "caller", log.DefaultCaller)
}
