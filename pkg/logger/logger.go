// Copyright 2024 The Traceprof Authors
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

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	LogFormatLogfmt = "logfmt"
	LogFormatJSON   = "json"
)

// NewLogger returns a leveled, timestamped logger writing to stderr.
// In debug mode the logger is annotated with the given name so output
// from multiple components stays attributable.
func NewLogger(logLevel, logFormat, debugName string) log.Logger {
	var l log.Logger

	if logFormat == LogFormatJSON {
		l = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	} else {
		l = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}

	var lvl level.Option
	switch logLevel {
	case "error":
		lvl = level.AllowError()
	case "warn":
		lvl = level.AllowWarn()
	case "debug":
		lvl = level.AllowDebug()
	default:
		lvl = level.AllowInfo()
	}

	l = level.NewFilter(l, lvl)

	if logLevel == "debug" && debugName != "" {
		l = log.With(l, "name", debugName)
	}

	return log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
