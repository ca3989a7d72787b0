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

// Package vm declares the narrow contracts the profiling core consumes
// from the host virtual machine: its sampling CPU profiler, its
// sampling heap profiler and its clocks. The host embedding implements
// them; tests and the soak binary use the simulated engine in vmsim.
package vm

// Engine is the VM-side surface of a host embedding.
type Engine interface {
	// NewCPUProfiler creates an independent sampling CPU profiler
	// session owner. Each profiling instance owns exactly one.
	NewCPUProfiler() CPUProfiler

	// HeapProfiler returns the VM's sampling heap profiler. There is
	// one per VM.
	HeapProfiler() HeapProfiler
}

// CPUProfiler drives the VM's sampling CPU profiler. Profiles are
// addressed by session title: starting a new title while another is
// running keeps sampling uninterrupted, which is how collect rotates
// sessions.
type CPUProfiler interface {
	SetSamplingInterval(micros int32)
	StartProfiling(title string)
	// StopProfiling ends the named session and returns its profile, or
	// nil when no session with that title is running.
	StopProfiling(title string) *CPUProfile
}

// CPUProfile is a finished sampling session.
type CPUProfile struct {
	// StartTimeMicros is the profile start on the VM's monotonic clock.
	StartTimeMicros int64
	Samples         []CPUSample
}

// CPUSample pairs a leaf node with the monotonic time it was taken.
type CPUSample struct {
	Node            *CPUNode
	TimestampMicros int64
}

// CPUNode is one frame in the profile's call tree. The parent chain
// leads to a synthetic root whose Parent is nil.
type CPUNode struct {
	FunctionName       string
	ScriptResourceName string
	LineNumber         int64
	ColumnNumber       int64
	NodeID             uint32
	Parent             *CPUNode
}

// HeapProfiler drives the VM's sampling heap profiler.
type HeapProfiler interface {
	// StartSampling reports whether sampling actually started.
	StartSampling(sampleIntervalBytes int64, maxStackDepth int32) bool
	StopSampling()
	// GetAllocationProfile snapshots live sampled allocations, or nil
	// when the profiler is unavailable.
	GetAllocationProfile() *AllocationProfile
}

// AllocationProfile is a snapshot of the sampling heap profiler.
type AllocationProfile struct {
	Root    *AllocationNode
	Samples []AllocationSample
}

// AllocationNode is one node of the allocation call tree.
type AllocationNode struct {
	Name       string
	ScriptName string
	LineNumber int64
	NodeID     uint32
	Children   []*AllocationNode
}

// AllocationSample is one live sampled allocation. SampleID is stable
// for as long as the VM retains the sample.
type AllocationSample struct {
	SampleID uint64
	NodeID   uint32
	Size     uint64
	Count    uint64
}
