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

package cpu

import "encoding/json"

// StackFrame is one resolved frame. It serializes as the 4-element
// [file, function, line, column] array the exporter consumes.
type StackFrame struct {
	File     string
	Function string
	Line     int64
	Column   int64
}

func (f StackFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{f.File, f.Function, f.Line, f.Column})
}

// StackTrace is one kept sample. Timestamp is wall-clock nanoseconds as
// a decimal string: the value does not fit the host layer's numeric
// type without truncation. TraceID (16 bytes) and SpanID (8 bytes) are
// set only when an activation matched.
type StackTrace struct {
	Timestamp  string       `json:"timestamp"`
	Stacktrace []StackFrame `json:"stacktrace"`
	SpanID     []byte       `json:"spanId,omitempty"`
	TraceID    []byte       `json:"traceId,omitempty"`
}

// DebugActivation is emitted only when the profiler was created with
// RecordDebugInfo, one per activation the cycle indexed.
type DebugActivation struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	TraceID string `json:"traceId"`
	SpanID  string `json:"spanId"`
	Depth   int32  `json:"depth"`
	Hit     bool   `json:"hit"`
}

// CollectResult is the output of one collect or stop cycle. Durations
// are nanoseconds spent in the rotate/stop/process stages of collect.
type CollectResult struct {
	StartTimeNanos                 string            `json:"startTimeNanos"`
	Stacktraces                    []StackTrace      `json:"stacktraces"`
	ProfilerStartDuration          int64             `json:"profilerStartDuration"`
	ProfilerStopDuration           int64             `json:"profilerStopDuration"`
	ProfilerProcessingStepDuration int64             `json:"profilerProcessingStepDuration"`
	Activations                    []DebugActivation `json:"activations,omitempty"`
}
