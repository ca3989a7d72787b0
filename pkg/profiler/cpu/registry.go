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
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/traceprof-dev/traceprof-agent/pkg/arena"
	"github.com/traceprof-dev/traceprof-agent/pkg/profiler/activation"
	"github.com/traceprof-dev/traceprof-agent/pkg/vm"
)

var (
	ErrNameRequired = errors.New("cpu profiler: name required")
	ErrNameTooLong  = fmt.Errorf("cpu profiler: name does not fit %d bytes", MaxNameLength)
	ErrNameTaken    = errors.New("cpu profiler: profiler already exists")
	ErrBadInterval  = errors.New("cpu profiler: sampling interval must be a positive number of microseconds")
	ErrOutOfMemory  = errors.New("cpu profiler: unable to allocate profiler")
)

// Registry owns every profiler instance of a VM. Context enter/exit
// broadcast to all of them with one shared timestamp, so concurrent
// cycles agree on activation boundaries. There is one registry per VM;
// like everything in this package it must only be used from the VM
// thread.
type Registry struct {
	logger  log.Logger
	metrics *metrics
	engine  vm.Engine
	clock   vm.Clock

	profilers  []*Profiling
	nextHandle int32
}

func NewRegistry(logger log.Logger, reg prometheus.Registerer, engine vm.Engine, clock vm.Clock) *Registry {
	return &Registry{
		logger:  logger,
		metrics: newMetrics(reg),
		engine:  engine,
		clock:   clock,
	}
}

func (r *Registry) byHandle(handle int32) *Profiling {
	for _, p := range r.profilers {
		if p.handle == handle {
			return p
		}
	}
	return nil
}

func (r *Registry) byName(name string) *Profiling {
	for _, p := range r.profilers {
		if p.name == name {
			return p
		}
	}
	return nil
}

// CreateCPUProfiler validates options and registers a new stopped
// profiler, returning its handle.
func (r *Registry) CreateCPUProfiler(o Options) (int32, error) {
	if o.Name == "" {
		return 0, ErrNameRequired
	}
	if len(o.Name) > MaxNameLength {
		return 0, ErrNameTooLong
	}
	if r.byName(o.Name) != nil {
		return 0, ErrNameTaken
	}
	if o.SamplingIntervalMicros <= 0 {
		return 0, ErrBadInterval
	}

	maxCutoffDelay := DefaultMaxSampleCutoffDelayNanos
	if o.MaxSampleCutoffDelayMicros != 0 {
		maxCutoffDelay = o.MaxSampleCutoffDelayMicros * 1000
	}

	a := arena.NewArena(arenaPageSize)
	index := activation.NewIndex(a, 0)
	if index == nil {
		return 0, ErrOutOfMemory
	}

	profiler := r.engine.NewCPUProfiler()
	profiler.SetSamplingInterval(o.SamplingIntervalMicros)

	p := &Profiling{
		metrics:  r.metrics,
		clock:    r.clock,
		profiler: profiler,
		arena:    a,
		index:    index,
		stacks:   activation.NewTable(a),

		traceIDFilter: make(map[uint64]struct{}),

		name:   o.Name,
		handle: r.nextHandle,

		recordDebugInfo:         o.RecordDebugInfo,
		onlyFilteredStacktraces: o.OnlyFilteredStacktraces,

		samplingIntervalNanos:     int64(o.SamplingIntervalMicros) * 1000,
		maxSampleCutoffDelayNanos: maxCutoffDelay,
	}
	r.nextHandle++
	r.profilers = append(r.profilers, p)

	level.Debug(r.logger).Log(
		"msg", "created cpu profiler",
		"name", p.name,
		"handle", p.handle,
		"interval_us", o.SamplingIntervalMicros,
	)

	return p.handle, nil
}

// StartCPUProfiler begins a sampling session. False means the handle is
// unknown or the profiler already runs.
func (r *Registry) StartCPUProfiler(handle int32) bool {
	p := r.byHandle(handle)
	if p == nil || p.running {
		return false
	}
	p.start()
	return true
}

// Start is the create-and-start convenience used by hosts that never
// pre-create profilers.
func (r *Registry) Start(o Options) (int32, error) {
	handle, err := r.CreateCPUProfiler(o)
	if err != nil {
		return 0, err
	}
	r.byHandle(handle).start()
	return handle, nil
}

// AddTraceIDFilter marks a trace id as interesting for a profiler with
// OnlyFilteredStacktraces. Unknown handles are ignored.
func (r *Registry) AddTraceIDFilter(handle int32, traceID string) {
	if p := r.byHandle(handle); p != nil {
		p.addTraceIDFilter(traceID)
	}
}

// RemoveTraceIDFilter drops a trace id from a profiler's filter set.
func (r *Registry) RemoveTraceIDFilter(handle int32, traceID string) {
	if p := r.byHandle(handle); p != nil {
		p.removeTraceIDFilter(traceID)
	}
}

// Collect rotates the profiler's VM session and emits the finished
// session's result. Returns nil when the profiler is unknown, not
// running, or the VM produced no profile.
func (r *Registry) Collect(handle int32) *CollectResult {
	p := r.byHandle(handle)
	if p == nil || !p.running {
		return nil
	}

	prevTitle := p.title()
	p.seq = (p.seq + 1) % 2
	nextTitle := p.title()

	newStartTime := r.clock.HrTime()
	newWallStart := r.clock.WallTimeNanos()

	p.profiler.StartProfiling(nextTitle)
	stopBegin := r.clock.HrTime()
	startDuration := stopBegin - newStartTime

	profile := p.profiler.StopProfiling(prevTitle)
	stopEnd := r.clock.HrTime()
	stopDuration := stopEnd - stopBegin

	if profile == nil {
		// The session may already have been ended by an earlier stop
		// call; a zero-sample cycle still advances the clocks.
		p.startTime = newStartTime
		p.wallStartTime = newWallStart
		p.index.SetStart(newStartTime)
		return nil
	}

	res := p.buildStacktraces(profile)
	processingDuration := r.clock.HrTime() - stopEnd

	res.ProfilerStartDuration = startDuration
	res.ProfilerStopDuration = stopDuration
	res.ProfilerProcessingStepDuration = processingDuration

	r.metrics.stageDuration.WithLabelValues(labelStageStart).Observe(float64(startDuration) / 1e9)
	r.metrics.stageDuration.WithLabelValues(labelStageStop).Observe(float64(stopDuration) / 1e9)
	r.metrics.stageDuration.WithLabelValues(labelStageProcess).Observe(float64(processingDuration) / 1e9)
	r.metrics.arenaUsedBytes.WithLabelValues(p.name).Set(float64(p.arena.Used()))

	p.reset(newStartTime, true)

	p.startTime = newStartTime
	p.wallStartTime = newWallStart
	p.sampleCutoffPoint = r.clock.HrTime()

	return res
}

// Stop ends the profiler's session and emits its final result. Returns
// nil when the profiler is unknown, stopped, or the VM produced no
// profile.
func (r *Registry) Stop(handle int32) *CollectResult {
	p := r.byHandle(handle)
	if p == nil || !p.running {
		return nil
	}

	p.running = false

	profile := p.profiler.StopProfiling(p.title())
	if profile == nil {
		p.reset(p.startTime, false)
		return nil
	}

	res := p.buildStacktraces(profile)
	p.reset(p.startTime, false)

	level.Debug(r.logger).Log("msg", "stopped cpu profiler", "name", p.name, "handle", p.handle)

	return res
}

// EnterContext records that a span became current on the context. Both
// ids must be valid lowercase hex (32 and 16 chars, not all zero);
// malformed ids drop the call. One timestamp is captured for all
// profilers.
func (r *Registry) EnterContext(key uint32, traceID, spanID string) {
	if len(r.profilers) == 0 {
		return
	}

	if _, err := trace.TraceIDFromHex(traceID); err != nil {
		r.metrics.invalidIDs.Inc()
		return
	}
	if _, err := trace.SpanIDFromHex(spanID); err != nil {
		r.metrics.invalidIDs.Inc()
		return
	}

	ts := r.clock.HrTime()
	for _, p := range r.profilers {
		p.enterContext(key, ts, traceID, spanID)
	}
}

// ExitContext records that the context's innermost span ended.
func (r *Registry) ExitContext(key uint32) {
	if len(r.profilers) == 0 {
		return
	}

	ts := r.clock.HrTime()
	for _, p := range r.profilers {
		p.exitContext(key, ts)
	}
}
