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

// Package vmsim is a simulated host VM. Tests script it with a manual
// clock and explicit samples; the soak binary drives it with the system
// clock and a canned workload. It implements the contracts in pkg/vm.
package vmsim

import (
	"time"

	"github.com/traceprof-dev/traceprof-agent/pkg/vm"
)

// Clock is a manually advanced clock. The zero origin keeps test
// timestamps readable: a sample at 40ms is HrTime 40e6.
type Clock struct {
	now      int64
	wallBase int64
}

// NewClock returns a clock at monotonic zero whose wall time starts at
// wallBase nanoseconds since the epoch.
func NewClock(wallBase int64) *Clock {
	return &Clock{wallBase: wallBase}
}

func (c *Clock) Advance(d time.Duration) { c.now += int64(d) }

// AdvanceTo moves the clock to an absolute monotonic reading.
func (c *Clock) AdvanceTo(ns int64) { c.now = ns }

func (c *Clock) HrTime() int64 { return c.now }

func (c *Clock) WallTimeNanos() int64 { return c.wallBase + c.now }

// Frame is one stack frame of an emitted sample, leaf first.
type Frame struct {
	Function string
	Script   string
	Line     int64
	Column   int64
}

type session struct {
	startMicros int64
	samples     []vm.CPUSample
}

// Engine simulates the VM-side profiling surface.
type Engine struct {
	clock        vm.Clock
	profilers    []*CPUProfiler
	heap         *HeapProfiler
	nextNodeID   uint32
	startLatency time.Duration
}

// SetStartLatency makes every StartProfiling call advance a manual
// clock by d, simulating a slow VM session start. No effect with a
// non-manual clock.
func (e *Engine) SetStartLatency(d time.Duration) { e.startLatency = d }

func NewEngine(clock vm.Clock) *Engine {
	return &Engine{
		clock:      clock,
		heap:       &HeapProfiler{},
		nextNodeID: 1,
	}
}

func (e *Engine) NewCPUProfiler() vm.CPUProfiler {
	p := &CPUProfiler{engine: e}
	e.profilers = append(e.profilers, p)
	return p
}

func (e *Engine) HeapProfiler() vm.HeapProfiler { return e.heap }

// EmitSample records a stack sample, leaf first, at the current clock
// reading in every running session of every profiler.
func (e *Engine) EmitSample(frames ...Frame) {
	e.EmitSampleAt(e.clock.HrTime(), frames...)
}

// EmitSampleAt records a stack sample with an explicit monotonic
// timestamp in nanoseconds. The timestamp is truncated to microseconds,
// which is the VM profiler's native resolution.
func (e *Engine) EmitSampleAt(ns int64, frames ...Frame) {
	leaf := e.buildChain(frames)
	sample := vm.CPUSample{Node: leaf, TimestampMicros: ns / 1000}
	for _, p := range e.profilers {
		for _, s := range p.running {
			s.samples = append(s.samples, sample)
		}
	}
}

// buildChain turns leaf-first frames into a node chain terminated by a
// synthetic root, the shape the VM profiler hands out.
func (e *Engine) buildChain(frames []Frame) *vm.CPUNode {
	root := &vm.CPUNode{FunctionName: "(root)"}
	root.NodeID = e.nextNodeID
	e.nextNodeID++

	parent := root
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		node := &vm.CPUNode{
			FunctionName:       f.Function,
			ScriptResourceName: f.Script,
			LineNumber:         f.Line,
			ColumnNumber:       f.Column,
			NodeID:             e.nextNodeID,
			Parent:             parent,
		}
		e.nextNodeID++
		parent = node
	}
	return parent
}

// CPUProfiler simulates one v8-style CpuProfiler: concurrent sessions
// keyed by title, so a new title can start before the old one stops.
type CPUProfiler struct {
	engine   *Engine
	interval int32
	running  map[string]*session
}

func (p *CPUProfiler) SetSamplingInterval(micros int32) { p.interval = micros }

func (p *CPUProfiler) SamplingInterval() int32 { return p.interval }

func (p *CPUProfiler) StartProfiling(title string) {
	if p.running == nil {
		p.running = make(map[string]*session)
	}
	p.running[title] = &session{
		startMicros: p.engine.clock.HrTime() / 1000,
	}
	if p.engine.startLatency > 0 {
		if mc, ok := p.engine.clock.(*Clock); ok {
			mc.Advance(p.engine.startLatency)
		}
	}
}

func (p *CPUProfiler) StopProfiling(title string) *vm.CPUProfile {
	s, ok := p.running[title]
	if !ok {
		return nil
	}
	delete(p.running, title)
	return &vm.CPUProfile{
		StartTimeMicros: s.startMicros,
		Samples:         s.samples,
	}
}

// HeapProfiler simulates the sampling heap profiler; tests install the
// snapshot Collect should observe.
type HeapProfiler struct {
	running       bool
	intervalBytes int64
	maxStackDepth int32
	profile       *vm.AllocationProfile
	failNextStart bool
	stopCalls     int
}

func (h *HeapProfiler) StartSampling(sampleIntervalBytes int64, maxStackDepth int32) bool {
	if h.failNextStart {
		h.failNextStart = false
		return false
	}
	h.running = true
	h.intervalBytes = sampleIntervalBytes
	h.maxStackDepth = maxStackDepth
	return true
}

func (h *HeapProfiler) StopSampling() {
	h.running = false
	h.stopCalls++
}

func (h *HeapProfiler) GetAllocationProfile() *vm.AllocationProfile {
	return h.profile
}

// SetAllocationProfile installs the snapshot returned by the next
// GetAllocationProfile calls.
func (h *HeapProfiler) SetAllocationProfile(p *vm.AllocationProfile) { h.profile = p }

// FailNextStart makes the next StartSampling report failure.
func (h *HeapProfiler) FailNextStart() { h.failNextStart = true }

func (h *HeapProfiler) Running() bool { return h.running }

func (h *HeapProfiler) SampleIntervalBytes() int64 { return h.intervalBytes }

func (h *HeapProfiler) MaxStackDepth() int32 { return h.maxStackDepth }

func (h *HeapProfiler) StopCalls() int { return h.stopCalls }
