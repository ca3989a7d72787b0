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

package vmsim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionsAreIndependent(t *testing.T) {
	clock := NewClock(0)
	engine := NewEngine(clock)
	profiler := engine.NewCPUProfiler()

	profiler.StartProfiling("p-0")
	engine.EmitSample(Frame{Function: "a", Script: "a.js"})

	clock.Advance(time.Millisecond)
	profiler.StartProfiling("p-1")
	engine.EmitSample(Frame{Function: "b", Script: "b.js"})

	first := profiler.StopProfiling("p-0")
	require.NotNil(t, first)
	require.Len(t, first.Samples, 2)
	require.Equal(t, int64(0), first.StartTimeMicros)

	second := profiler.StopProfiling("p-1")
	require.NotNil(t, second)
	require.Len(t, second.Samples, 1)
	require.Equal(t, int64(1000), second.StartTimeMicros)

	require.Nil(t, profiler.StopProfiling("p-0"))
}

func TestEmitBuildsParentChain(t *testing.T) {
	clock := NewClock(0)
	engine := NewEngine(clock)
	profiler := engine.NewCPUProfiler()
	profiler.StartProfiling("p-0")

	engine.EmitSampleAt(int64(5*time.Millisecond),
		Frame{Function: "leaf", Script: "leaf.js"},
		Frame{Function: "mid", Script: "mid.js"},
		Frame{Function: "main", Script: "main.js"},
	)

	p := profiler.StopProfiling("p-0")
	require.NotNil(t, p)
	require.Len(t, p.Samples, 1)

	sample := p.Samples[0]
	require.Equal(t, int64(5000), sample.TimestampMicros)
	require.Equal(t, "leaf", sample.Node.FunctionName)
	require.Equal(t, "mid", sample.Node.Parent.FunctionName)
	require.Equal(t, "main", sample.Node.Parent.Parent.FunctionName)

	root := sample.Node.Parent.Parent.Parent
	require.NotNil(t, root)
	require.Nil(t, root.Parent)
}

func TestManualClock(t *testing.T) {
	clock := NewClock(100)
	require.Equal(t, int64(0), clock.HrTime())
	require.Equal(t, int64(100), clock.WallTimeNanos())

	clock.Advance(5 * time.Millisecond)
	require.Equal(t, int64(5*time.Millisecond), clock.HrTime())
	require.Equal(t, int64(100+5*int64(time.Millisecond)), clock.WallTimeNanos())

	clock.AdvanceTo(42)
	require.Equal(t, int64(42), clock.HrTime())
}
