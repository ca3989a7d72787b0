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

// Package cpu attributes the VM's CPU stack samples to the distributed
// tracing span that was active when each sample was taken. It drives
// the VM's sampling profiler through start/rotate/stop, de-biases and
// decimates the resulting samples and joins them against the span
// activations recorded during the session.
//
// Everything here runs on the VM thread; no operation suspends and no
// state is shared across threads.
package cpu

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/traceprof-dev/traceprof-agent/pkg/arena"
	"github.com/traceprof-dev/traceprof-agent/pkg/profiler/activation"
	"github.com/traceprof-dev/traceprof-agent/pkg/vm"
)

const (
	// MaxNameLength bounds a profiler name in bytes.
	MaxNameLength = 64

	// DefaultMaxSampleCutoffDelayNanos is the grace window after start
	// within which samples older than the cutoff point are suppressed.
	DefaultMaxSampleCutoffDelayNanos = int64(500) * 1000 * 1000

	arenaPageSize = 8 << 20
)

// Options configures one profiler instance.
type Options struct {
	// Name must be non-empty, at most MaxNameLength bytes and unique
	// among live profilers. It prefixes VM session titles.
	Name string

	// SamplingIntervalMicros is the requested sampling interval. It is
	// forwarded to the VM and enforced on its output by decimation.
	SamplingIntervalMicros int32

	// RecordDebugInfo adds the indexed activations to every result.
	RecordDebugInfo bool

	// OnlyFilteredStacktraces drops samples that match no activation,
	// and records activations only for trace ids added to the filter.
	OnlyFilteredStacktraces bool

	// MaxSampleCutoffDelayMicros overrides the cutoff grace window.
	// Zero means the 500ms default.
	MaxSampleCutoffDelayMicros int64
}

// Profiling is one named profiler instance owned by a Registry.
type Profiling struct {
	metrics *metrics
	clock   vm.Clock

	profiler vm.CPUProfiler
	arena    *arena.Arena
	index    *activation.Index
	stacks   *activation.Table

	traceIDFilter map[uint64]struct{}

	name   string
	handle int32
	seq    int32

	running                 bool
	recordDebugInfo         bool
	onlyFilteredStacktraces bool

	samplingIntervalNanos     int64
	maxSampleCutoffDelayNanos int64

	startTime     int64
	wallStartTime int64
	// Samples taken before this point were taken inside profiler
	// control code and carry its bias; suppressed within the grace
	// window.
	sampleCutoffPoint int64

	activationDepth int32
}

// Name returns the profiler's configured name.
func (p *Profiling) Name() string { return p.name }

// Handle returns the registry handle addressing this profiler.
func (p *Profiling) Handle() int32 { return p.handle }

// Running reports whether a sampling session is active.
func (p *Profiling) Running() bool { return p.running }

// ArenaUsed returns the bytes of per-cycle state currently held.
func (p *Profiling) ArenaUsed() int { return p.arena.Used() }

func (p *Profiling) title() string {
	return p.name + "-" + strconv.FormatInt(int64(p.seq), 10)
}

func (p *Profiling) start() {
	title := p.title()

	p.activationDepth = 0
	p.startTime = p.clock.HrTime()
	p.wallStartTime = p.clock.WallTimeNanos()
	p.index.SetStart(p.startTime)
	p.profiler.StartProfiling(title)
	// Captured after the VM call returns so the cutoff covers the full
	// cost of starting the session.
	p.sampleCutoffPoint = p.clock.HrTime()
	p.running = true
}

// shouldIncludeSample suppresses samples that would land inside the
// profiler toggle itself: before the cutoff point and still within the
// grace window after start.
func (p *Profiling) shouldIncludeSample(ts int64) bool {
	if ts >= p.startTime+p.maxSampleCutoffDelayNanos {
		return true
	}
	return ts >= p.sampleCutoffPoint
}

func (p *Profiling) addTraceIDFilter(traceID string) {
	p.traceIDFilter[xxhash.Sum64String(traceID)] = struct{}{}
}

func (p *Profiling) removeTraceIDFilter(traceID string) {
	delete(p.traceIDFilter, xxhash.Sum64String(traceID))
}

// enterContext opens an activation for the context key. The timestamp
// is captured once by the registry so every profiler sees identical
// boundaries.
func (p *Profiling) enterContext(key uint32, ts int64, traceID, spanID string) {
	if !p.running {
		return
	}

	if p.onlyFilteredStacktraces {
		if _, ok := p.traceIDFilter[xxhash.Sum64String(traceID)]; !ok {
			p.metrics.activationDrop.WithLabelValues(p.name, labelActivationDropReasonFiltered).Inc()
			return
		}
	}

	act := p.stacks.Push(key)
	if act == nil {
		p.metrics.activationDrop.WithLabelValues(p.name, labelActivationDropReasonOOM).Inc()
		return
	}

	copy(act.TraceID[:], traceID)
	copy(act.SpanID[:], spanID)
	act.StartTime = ts
	act.Depth = p.activationDepth

	p.activationDepth++
}

// exitContext closes the context's innermost activation and files it
// into the index.
func (p *Profiling) exitContext(key uint32, ts int64) {
	if !p.running {
		return
	}

	act := p.stacks.Pop(key)
	if act == nil {
		return
	}

	act.EndTime = ts
	p.index.Insert(act)

	p.activationDepth--
}

// reset erases all per-cycle state and rebases the index onto a new
// cycle start. Every pointer into the arena is invalid afterwards.
// With carry set, in-progress activations survive the reset so that an
// activation straddling a collect is still filed by its eventual exit,
// in the cycle that closes it.
func (p *Profiling) reset(start int64, carry bool) {
	var snap map[uint32][]activation.SpanActivation
	if carry {
		snap = p.stacks.Snapshot()
	}

	p.stacks.Clear()
	p.arena.Reset()
	p.index = activation.NewIndex(p.arena, start)

	p.activationDepth = 0
	for key, acts := range snap {
		for i := range acts {
			slot := p.stacks.Push(key)
			if slot == nil {
				p.metrics.activationDrop.WithLabelValues(p.name, labelActivationDropReasonOOM).Inc()
				break
			}
			*slot = acts[i]
			p.activationDepth++
		}
	}
}

func makeFrame(node *vm.CPUNode) StackFrame {
	function := node.FunctionName
	if function == "" {
		function = "anonymous"
	}
	file := node.ScriptResourceName
	if file == "" {
		file = "unknown"
	}
	return StackFrame{
		File:     file,
		Function: function,
		Line:     node.LineNumber,
		Column:   node.ColumnNumber,
	}
}

// buildFrames walks the sample's parent chain leaf first, omitting the
// profile's synthetic root.
func buildFrames(leaf *vm.CPUNode) []StackFrame {
	frames := make([]StackFrame, 0, 16)
	frames = append(frames, makeFrame(leaf))

	parent := leaf.Parent
	for parent != nil {
		next := parent.Parent
		if next != nil {
			frames = append(frames, makeFrame(parent))
		}
		parent = next
	}
	return frames
}

// buildStacktraces joins the finished session's samples against the
// activations captured during it.
func (p *Profiling) buildStacktraces(profile *vm.CPUProfile) *CollectResult {
	res := &CollectResult{
		StartTimeNanos: strconv.FormatInt(p.wallStartTime, 10),
		Stacktraces:    make([]StackTrace, 0, len(profile.Samples)),
	}

	nextSampleTs := profile.StartTimeMicros * 1000

	for i := range profile.Samples {
		sample := &profile.Samples[i]
		ts := sample.TimestampMicros * 1000

		if !p.shouldIncludeSample(ts) {
			p.metrics.sampleDrop.WithLabelValues(p.name, labelSampleDropReasonCutoff).Inc()
			continue
		}
		if ts < nextSampleTs {
			p.metrics.sampleDrop.WithLabelValues(p.name, labelSampleDropReasonDecimated).Inc()
			continue
		}

		match := p.index.Find(ts)

		if p.onlyFilteredStacktraces && match == nil {
			p.metrics.sampleDrop.WithLabelValues(p.name, labelSampleDropReasonUnmatched).Inc()
			continue
		}

		nextSampleTs += p.samplingIntervalNanos

		st := StackTrace{
			Timestamp:  strconv.FormatInt(p.wallStartTime+(ts-p.startTime), 10),
			Stacktrace: buildFrames(sample.Node),
		}

		if match != nil {
			// Ids were validated at ingest; decoding cannot fail here.
			if traceID, err := trace.TraceIDFromHex(string(match.TraceID[:])); err == nil {
				st.TraceID = traceID[:]
			}
			if spanID, err := trace.SpanIDFromHex(string(match.SpanID[:])); err == nil {
				st.SpanID = spanID[:]
			}
			match.Hit = true
		}

		res.Stacktraces = append(res.Stacktraces, st)
		p.metrics.samplesKept.WithLabelValues(p.name).Inc()
	}

	if p.recordDebugInfo {
		res.Activations = p.debugActivations()
	}

	return res
}

func (p *Profiling) debugActivations() []DebugActivation {
	var out []DebugActivation
	p.index.Walk(func(act *activation.SpanActivation) {
		out = append(out, DebugActivation{
			Start:   strconv.FormatInt(act.StartTime, 10),
			End:     strconv.FormatInt(act.EndTime, 10),
			TraceID: string(act.TraceID[:]),
			SpanID:  string(act.SpanID[:]),
			Depth:   act.Depth,
			Hit:     act.Hit,
		})
	})
	return out
}
