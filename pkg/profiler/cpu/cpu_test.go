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

import (
	"bytes"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/traceprof-dev/traceprof-agent/pkg/vm/vmsim"
)

const (
	testTraceID = "0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a"
	testSpanID  = "0b0b0b0b0b0b0b0b"

	wallBase = int64(1_700_000_000_000_000_000)
)

func newTestRegistry(t *testing.T) (*Registry, *vmsim.Engine, *vmsim.Clock) {
	t.Helper()
	clock := vmsim.NewClock(wallBase)
	engine := vmsim.NewEngine(clock)
	reg := NewRegistry(log.NewNopLogger(), prometheus.NewRegistry(), engine, clock)
	return reg, engine, clock
}

func mainFrames() []vmsim.Frame {
	return []vmsim.Frame{
		{Function: "handleRequest", Script: "server.js", Line: 42, Column: 3},
		{Function: "main", Script: "index.js", Line: 1, Column: 1},
	}
}

func TestCreateValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, err := reg.CreateCPUProfiler(Options{SamplingIntervalMicros: 1000})
	require.ErrorIs(t, err, ErrNameRequired)

	_, err = reg.CreateCPUProfiler(Options{Name: strings.Repeat("x", 65), SamplingIntervalMicros: 1000})
	require.ErrorIs(t, err, ErrNameTooLong)

	_, err = reg.CreateCPUProfiler(Options{Name: "p"})
	require.ErrorIs(t, err, ErrBadInterval)

	_, err = reg.CreateCPUProfiler(Options{Name: "p", SamplingIntervalMicros: -5})
	require.ErrorIs(t, err, ErrBadInterval)

	h, err := reg.CreateCPUProfiler(Options{Name: "p", SamplingIntervalMicros: 1000})
	require.NoError(t, err)

	_, err = reg.CreateCPUProfiler(Options{Name: "p", SamplingIntervalMicros: 1000})
	require.ErrorIs(t, err, ErrNameTaken)

	// The profiler from the successful create is registered and starts.
	require.True(t, reg.StartCPUProfiler(h))
}

func TestStartIsNotReentrant(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	h, err := reg.CreateCPUProfiler(Options{Name: "p", SamplingIntervalMicros: 1000})
	require.NoError(t, err)

	require.True(t, reg.StartCPUProfiler(h))
	require.False(t, reg.StartCPUProfiler(h))
	require.False(t, reg.StartCPUProfiler(12345))
}

func TestUnknownHandleIsSilent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	require.Nil(t, reg.Collect(9))
	require.Nil(t, reg.Stop(9))
	reg.AddTraceIDFilter(9, testTraceID)
	reg.RemoveTraceIDFilter(9, testTraceID)
}

func TestSingleActivationSingleSample(t *testing.T) {
	reg, engine, clock := newTestRegistry(t)

	h, err := reg.Start(Options{Name: "test", SamplingIntervalMicros: 10_000})
	require.NoError(t, err)

	reg.EnterContext(1, testTraceID, testSpanID)
	clock.Advance(40 * time.Millisecond)
	engine.EmitSample(mainFrames()...)
	clock.Advance(10 * time.Millisecond)
	reg.ExitContext(1)
	clock.Advance(10 * time.Millisecond)

	res := reg.Collect(h)
	require.NotNil(t, res)
	require.Equal(t, strconv.FormatInt(wallBase, 10), res.StartTimeNanos)
	require.Len(t, res.Stacktraces, 1)

	st := res.Stacktraces[0]
	require.Equal(t, bytes.Repeat([]byte{0x0a}, 16), st.TraceID)
	require.Equal(t, bytes.Repeat([]byte{0x0b}, 8), st.SpanID)
	require.Equal(t, strconv.FormatInt(wallBase+int64(40*time.Millisecond), 10), st.Timestamp)

	require.Len(t, st.Stacktrace, 2)
	require.Equal(t, "server.js", st.Stacktrace[0].File)
	require.Equal(t, "handleRequest", st.Stacktrace[0].Function)
	require.Equal(t, "index.js", st.Stacktrace[1].File)
}

func TestNestedActivations(t *testing.T) {
	reg, engine, clock := newTestRegistry(t)

	h, err := reg.Start(Options{Name: "test", SamplingIntervalMicros: 10_000})
	require.NoError(t, err)

	s2 := "0c0c0c0c0c0c0c0c"

	reg.EnterContext(1, testTraceID, testSpanID) // S1 at t=0
	engine.EmitSampleAt(int64(5*time.Millisecond), mainFrames()...)
	clock.Advance(10 * time.Millisecond)
	reg.EnterContext(1, testTraceID, s2) // S2 at t=10ms
	engine.EmitSampleAt(int64(15*time.Millisecond), mainFrames()...)
	clock.Advance(10 * time.Millisecond)
	reg.ExitContext(1) // S2 ends at t=20ms
	clock.Advance(10 * time.Millisecond)
	reg.ExitContext(1) // S1 ends at t=30ms

	res := reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 2)

	require.Equal(t, bytes.Repeat([]byte{0x0b}, 8), res.Stacktraces[0].SpanID)
	require.Equal(t, bytes.Repeat([]byte{0x0c}, 8), res.Stacktraces[1].SpanID)
}

func TestSampleWithoutActivationHasNoIds(t *testing.T) {
	reg, engine, _ := newTestRegistry(t)

	h, err := reg.Start(Options{Name: "test", SamplingIntervalMicros: 10_000})
	require.NoError(t, err)

	engine.EmitSampleAt(int64(5*time.Millisecond), mainFrames()...)

	res := reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 1)
	require.Nil(t, res.Stacktraces[0].TraceID)
	require.Nil(t, res.Stacktraces[0].SpanID)
}

func TestAnonymousAndUnknownFrames(t *testing.T) {
	reg, engine, _ := newTestRegistry(t)

	h, err := reg.Start(Options{Name: "test", SamplingIntervalMicros: 10_000})
	require.NoError(t, err)

	engine.EmitSampleAt(int64(5*time.Millisecond), vmsim.Frame{Line: 7, Column: 9})

	res := reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 1)
	frame := res.Stacktraces[0].Stacktrace[0]
	require.Equal(t, "anonymous", frame.Function)
	require.Equal(t, "unknown", frame.File)
	require.Equal(t, int64(7), frame.Line)
	require.Equal(t, int64(9), frame.Column)
}

func TestSampleDecimation(t *testing.T) {
	reg, engine, _ := newTestRegistry(t)

	h, err := reg.Start(Options{Name: "test", SamplingIntervalMicros: 10_000})
	require.NoError(t, err)

	for _, ms := range []int64{0, 3, 7, 11, 13, 22} {
		engine.EmitSampleAt(ms*int64(time.Millisecond), mainFrames()...)
	}

	res := reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 3)

	var kept []string
	for _, st := range res.Stacktraces {
		kept = append(kept, st.Timestamp)
	}
	require.Equal(t, []string{
		strconv.FormatInt(wallBase, 10),
		strconv.FormatInt(wallBase+11*int64(time.Millisecond), 10),
		strconv.FormatInt(wallBase+22*int64(time.Millisecond), 10),
	}, kept)
}

func TestSampleCutoff(t *testing.T) {
	reg, engine, clock := newTestRegistry(t)

	// Starting the VM session costs 10ms, so the cutoff point lands at
	// t=10ms while the session itself starts at t=0.
	engine.SetStartLatency(10 * time.Millisecond)

	h, err := reg.Start(Options{Name: "test", SamplingIntervalMicros: 10_000})
	require.NoError(t, err)
	require.Equal(t, int64(10*time.Millisecond), clock.HrTime())

	engine.EmitSampleAt(int64(5*time.Millisecond), mainFrames()...)
	engine.EmitSampleAt(int64(15*time.Millisecond), mainFrames()...)
	// Past the 500ms grace window samples are always kept.
	engine.EmitSampleAt(int64(600*time.Millisecond), mainFrames()...)

	res := reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 2)
	require.Equal(t, strconv.FormatInt(wallBase+15*int64(time.Millisecond), 10), res.Stacktraces[0].Timestamp)
	require.Equal(t, strconv.FormatInt(wallBase+600*int64(time.Millisecond), 10), res.Stacktraces[1].Timestamp)
}

func TestCutoffGraceOverride(t *testing.T) {
	reg, engine, _ := newTestRegistry(t)
	engine.SetStartLatency(10 * time.Millisecond)

	h, err := reg.Start(Options{
		Name:                       "test",
		SamplingIntervalMicros:     10_000,
		MaxSampleCutoffDelayMicros: 1_000, // 1ms grace
	})
	require.NoError(t, err)

	// Before the cutoff point but past the tiny grace window.
	engine.EmitSampleAt(int64(5*time.Millisecond), mainFrames()...)

	res := reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 1)
}

func TestInvalidIdsDropped(t *testing.T) {
	reg, engine, clock := newTestRegistry(t)

	h, err := reg.Start(Options{Name: "test", SamplingIntervalMicros: 10_000})
	require.NoError(t, err)

	reg.EnterContext(1, "00000000000000000000000000000000", testSpanID) // all-zero trace id
	reg.EnterContext(1, testTraceID, "0000000000000000")                // all-zero span id
	reg.EnterContext(1, "abc", testSpanID)                              // short
	reg.EnterContext(1, strings.ToUpper(testTraceID), testSpanID)       // uppercase
	reg.EnterContext(1, testTraceID, testSpanID+"00")                   // long span id

	engine.EmitSampleAt(int64(5*time.Millisecond), mainFrames()...)
	clock.Advance(20 * time.Millisecond)
	reg.ExitContext(1)

	res := reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 1)
	require.Nil(t, res.Stacktraces[0].TraceID)
}

func TestUnbalancedExitIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Start(Options{Name: "test", SamplingIntervalMicros: 10_000})
	require.NoError(t, err)

	reg.ExitContext(99)
	reg.EnterContext(1, testTraceID, testSpanID)
	reg.ExitContext(1)
	reg.ExitContext(1)
}

func TestOnlyFilteredStacktraces(t *testing.T) {
	reg, engine, clock := newTestRegistry(t)

	h, err := reg.Start(Options{
		Name:                    "filtered",
		SamplingIntervalMicros:  10_000,
		OnlyFilteredStacktraces: true,
	})
	require.NoError(t, err)
	reg.AddTraceIDFilter(h, testTraceID)

	other := "0d0d0d0d0d0d0d0d0d0d0d0d0d0d0d0d"

	// Unfiltered trace id: its activation is never recorded.
	reg.EnterContext(2, other, testSpanID)
	engine.EmitSampleAt(int64(5*time.Millisecond), mainFrames()...)
	clock.Advance(10 * time.Millisecond)
	reg.ExitContext(2)

	reg.EnterContext(1, testTraceID, testSpanID)
	engine.EmitSampleAt(int64(15*time.Millisecond), mainFrames()...)
	clock.Advance(10 * time.Millisecond)
	reg.ExitContext(1)

	// No matching activation at 30ms either: dropped.
	engine.EmitSampleAt(int64(30*time.Millisecond), mainFrames()...)

	res := reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 1)
	require.Equal(t, bytes.Repeat([]byte{0x0a}, 16), res.Stacktraces[0].TraceID)
}

func TestRemoveTraceIDFilter(t *testing.T) {
	reg, engine, clock := newTestRegistry(t)

	h, err := reg.Start(Options{
		Name:                    "filtered",
		SamplingIntervalMicros:  10_000,
		OnlyFilteredStacktraces: true,
	})
	require.NoError(t, err)

	reg.AddTraceIDFilter(h, testTraceID)
	reg.RemoveTraceIDFilter(h, testTraceID)

	reg.EnterContext(1, testTraceID, testSpanID)
	engine.EmitSampleAt(int64(5*time.Millisecond), mainFrames()...)
	clock.Advance(10 * time.Millisecond)
	reg.ExitContext(1)

	res := reg.Collect(h)
	require.NotNil(t, res)
	require.Empty(t, res.Stacktraces)
}

func TestMultiProfilerIndependentFiltering(t *testing.T) {
	reg, engine, clock := newTestRegistry(t)

	hAll, err := reg.Start(Options{Name: "all", SamplingIntervalMicros: 10_000})
	require.NoError(t, err)
	hFiltered, err := reg.Start(Options{
		Name:                    "filtered",
		SamplingIntervalMicros:  10_000,
		OnlyFilteredStacktraces: true,
	})
	require.NoError(t, err)
	reg.AddTraceIDFilter(hFiltered, testTraceID)

	other := "0d0d0d0d0d0d0d0d0d0d0d0d0d0d0d0d"

	reg.EnterContext(1, other, testSpanID)
	engine.EmitSampleAt(int64(5*time.Millisecond), mainFrames()...)
	clock.Advance(10 * time.Millisecond)
	reg.ExitContext(1)

	resAll := reg.Collect(hAll)
	require.NotNil(t, resAll)
	require.Len(t, resAll.Stacktraces, 1)
	require.Equal(t, bytes.Repeat([]byte{0x0d}, 16), resAll.Stacktraces[0].TraceID)

	resFiltered := reg.Collect(hFiltered)
	require.NotNil(t, resFiltered)
	require.Empty(t, resFiltered.Stacktraces)
}

func TestCollectRotatesWithoutGaps(t *testing.T) {
	reg, engine, clock := newTestRegistry(t)

	h, err := reg.Start(Options{Name: "test", SamplingIntervalMicros: 10_000})
	require.NoError(t, err)

	engine.EmitSampleAt(int64(5*time.Millisecond), mainFrames()...)
	clock.Advance(20 * time.Millisecond)

	res := reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 1)

	// The rotated session picks up samples emitted after collect.
	cycleStart := clock.HrTime()
	reg.EnterContext(1, testTraceID, testSpanID)
	engine.EmitSampleAt(cycleStart+int64(5*time.Millisecond), mainFrames()...)
	clock.Advance(10 * time.Millisecond)
	reg.ExitContext(1)

	res = reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 1)
	require.Equal(t, bytes.Repeat([]byte{0x0a}, 16), res.Stacktraces[0].TraceID)

	// Activations closed in a previous cycle do not leak into the next.
	engine.EmitSampleAt(clock.HrTime()+int64(1*time.Millisecond), mainFrames()...)
	clock.Advance(5 * time.Millisecond)
	res = reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 1)
	require.Nil(t, res.Stacktraces[0].TraceID)
}

func TestStopEmitsFinalResultAndIsTerminal(t *testing.T) {
	reg, engine, clock := newTestRegistry(t)

	h, err := reg.Start(Options{Name: "test", SamplingIntervalMicros: 10_000})
	require.NoError(t, err)

	reg.EnterContext(1, testTraceID, testSpanID)
	engine.EmitSampleAt(int64(5*time.Millisecond), mainFrames()...)
	clock.Advance(10 * time.Millisecond)
	reg.ExitContext(1)

	res := reg.Stop(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 1)

	require.Nil(t, reg.Stop(h))
	require.Nil(t, reg.Collect(h))

	// Context events after stop are ignored.
	reg.EnterContext(1, testTraceID, testSpanID)
	reg.ExitContext(1)
}

func TestActivationStraddlingCollectReportedOnce(t *testing.T) {
	reg, engine, clock := newTestRegistry(t)

	h, err := reg.Start(Options{Name: "test", SamplingIntervalMicros: 10_000})
	require.NoError(t, err)

	reg.EnterContext(1, testTraceID, testSpanID)
	engine.EmitSampleAt(int64(5*time.Millisecond), mainFrames()...)
	clock.Advance(10 * time.Millisecond)

	// Still open at collect: the first cycle sees no span ids.
	res := reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 1)
	require.Nil(t, res.Stacktraces[0].TraceID)

	// Closed in the second cycle: attributed there.
	cycleStart := clock.HrTime()
	engine.EmitSampleAt(cycleStart+int64(5*time.Millisecond), mainFrames()...)
	clock.Advance(10 * time.Millisecond)
	reg.ExitContext(1)

	res = reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Stacktraces, 1)
	require.Equal(t, bytes.Repeat([]byte{0x0a}, 16), res.Stacktraces[0].TraceID)
}

func TestRecordDebugInfo(t *testing.T) {
	reg, engine, clock := newTestRegistry(t)

	h, err := reg.Start(Options{
		Name:                   "test",
		SamplingIntervalMicros: 10_000,
		RecordDebugInfo:        true,
	})
	require.NoError(t, err)

	reg.EnterContext(1, testTraceID, testSpanID)
	engine.EmitSampleAt(int64(5*time.Millisecond), mainFrames()...)
	clock.Advance(10 * time.Millisecond)
	reg.ExitContext(1)

	res := reg.Collect(h)
	require.NotNil(t, res)
	require.Len(t, res.Activations, 1)
	require.Equal(t, testTraceID, res.Activations[0].TraceID)
	require.Equal(t, testSpanID, res.Activations[0].SpanID)
	require.True(t, res.Activations[0].Hit)
}
