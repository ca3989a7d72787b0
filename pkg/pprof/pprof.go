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

// Package pprof converts CPU collect results into the pprof wire
// format, for exporters that speak pprof instead of the raw stacktrace
// schema.
package pprof

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	pprofprofile "github.com/google/pprof/profile"
	"github.com/klauspost/compress/gzip"

	"github.com/traceprof-dev/traceprof-agent/pkg/profiler/cpu"
)

const (
	labelTraceID   = "trace_id"
	labelSpanID    = "span_id"
	labelEventTime = "source.event.time"
)

// FromCollectResult builds a pprof profile from one collect cycle.
// Every kept sample counts 1 sample and one sampling interval of CPU
// time and its wall-clock time as a millisecond label; matched samples
// also carry trace_id/span_id string labels.
func FromCollectResult(res *cpu.CollectResult, samplingInterval time.Duration) (*pprofprofile.Profile, error) {
	startNanos, err := strconv.ParseInt(res.StartTimeNanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse start time: %w", err)
	}

	p := &pprofprofile.Profile{
		SampleType: []*pprofprofile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "cpu", Unit: "nanoseconds"},
		},
		DefaultSampleType: "samples",
		PeriodType:        &pprofprofile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:            samplingInterval.Nanoseconds(),
		TimeNanos:         startNanos,
	}

	functions := map[string]*pprofprofile.Function{}
	locations := map[string]*pprofprofile.Location{}

	functionFor := func(frame cpu.StackFrame) *pprofprofile.Function {
		key := frame.File + "\x00" + frame.Function
		if fn, ok := functions[key]; ok {
			return fn
		}
		fn := &pprofprofile.Function{
			ID:       uint64(len(p.Function) + 1),
			Name:     frame.Function,
			Filename: frame.File,
		}
		p.Function = append(p.Function, fn)
		functions[key] = fn
		return fn
	}

	locationFor := func(frame cpu.StackFrame) *pprofprofile.Location {
		fn := functionFor(frame)
		key := fmt.Sprintf("%d:%d:%d", fn.ID, frame.Line, frame.Column)
		if loc, ok := locations[key]; ok {
			return loc
		}
		loc := &pprofprofile.Location{
			ID: uint64(len(p.Location) + 1),
			Line: []pprofprofile.Line{{
				Function: fn,
				Line:     frame.Line,
				Column:   frame.Column,
			}},
		}
		p.Location = append(p.Location, loc)
		locations[key] = loc
		return loc
	}

	for _, st := range res.Stacktraces {
		locs := make([]*pprofprofile.Location, 0, len(st.Stacktrace))
		for _, frame := range st.Stacktrace {
			locs = append(locs, locationFor(frame))
		}

		sample := &pprofprofile.Sample{
			Location: locs,
			Value:    []int64{1, samplingInterval.Nanoseconds()},
		}

		if ts, err := strconv.ParseInt(st.Timestamp, 10, 64); err == nil {
			sample.NumLabel = map[string][]int64{labelEventTime: {ts / 1e6}}
			sample.NumUnit = map[string][]string{labelEventTime: {"milliseconds"}}
		}

		if len(st.TraceID) > 0 && len(st.SpanID) > 0 {
			sample.Label = map[string][]string{
				labelTraceID: {hex.EncodeToString(st.TraceID)},
				labelSpanID:  {hex.EncodeToString(st.SpanID)},
			}
		}

		p.Sample = append(p.Sample, sample)
	}

	return p, nil
}

// Marshal serializes a profile gzip-compressed, the encoding pprof
// consumers expect on the wire.
func Marshal(p *pprofprofile.Profile) ([]byte, error) {
	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	if err := p.WriteUncompressed(zw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
