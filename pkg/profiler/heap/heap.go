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

// Package heap turns the VM's sampling allocation profile into a delta
// stream: each collect reports only samples not seen by an earlier
// collect, plus a flattened walk of the allocation node tree. Sample
// ids the VM has forgotten are evicted by generation stamping.
package heap

import (
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/traceprof-dev/traceprof-agent/pkg/vm"
)

const (
	// DefaultSampleIntervalBytes is the VM's sampling interval when the
	// host configures nothing.
	DefaultSampleIntervalBytes = int64(128) * 1024

	// DefaultMaxStackDepth bounds the allocation stacks the VM records.
	DefaultMaxStackDepth = int32(256)
)

var ErrNoHeapProfiler = errors.New("heap profiler: unavailable")

// Options configures the VM's sampling heap profiler. Zero values mean
// defaults.
type Options struct {
	SampleIntervalBytes int64
	MaxStackDepth       int32
}

// Node is one flattened allocation-tree node, keyed by the VM node id
// in Result.TreeMap. ParentID refers to another key of the same map, or
// to the unlisted root.
type Node struct {
	Name       string `json:"name"`
	ScriptName string `json:"scriptName"`
	LineNumber int64  `json:"lineNumber"`
	ParentID   uint32 `json:"parentId"`
}

// Sample is one newly observed allocation sample; Size is the sampled
// byte size multiplied by the sample count.
type Sample struct {
	NodeID uint32 `json:"nodeId"`
	Size   uint64 `json:"size"`
}

// Result is the output of one heap collect cycle. Timestamp is wall
// milliseconds; durations are nanoseconds.
type Result struct {
	TreeMap                        map[uint32]Node `json:"treeMap"`
	Samples                        []Sample        `json:"samples"`
	Timestamp                      int64           `json:"timestamp"`
	ProfilerCollectDuration        int64           `json:"profilerCollectDuration"`
	ProfilerProcessingStepDuration int64           `json:"profilerProcessingStepDuration"`
}

type bfsNode struct {
	node     *vm.AllocationNode
	parentID uint32
}

// Collector drives the VM's sampling heap profiler. One per VM, used
// only from the VM thread.
type Collector struct {
	logger  log.Logger
	metrics *metrics
	clock   vm.Clock

	profiler vm.HeapProfiler

	running    bool
	generation uint64
	// Sample id -> generation it was last reported in by the VM.
	tracking map[uint64]uint64
	// Reusable tree-walk stack.
	stack []bfsNode
}

func NewCollector(logger log.Logger, reg prometheus.Registerer, profiler vm.HeapProfiler, clock vm.Clock) *Collector {
	return &Collector{
		logger:  logger,
		metrics: newMetrics(reg),
		clock:   clock,

		profiler: profiler,

		stack: make([]bfsNode, 0, 128),
	}
}

// Running reports whether the VM is currently sampling allocations.
func (c *Collector) Running() bool { return c.running }

// Start begins allocation sampling. A no-op while already running.
func (c *Collector) Start(o Options) error {
	if c.running {
		return nil
	}
	if c.profiler == nil {
		return ErrNoHeapProfiler
	}

	interval := o.SampleIntervalBytes
	if interval == 0 {
		interval = DefaultSampleIntervalBytes
	}
	depth := o.MaxStackDepth
	if depth == 0 {
		depth = DefaultMaxStackDepth
	}

	if c.tracking == nil {
		c.tracking = make(map[uint64]uint64)
	}

	c.running = c.profiler.StartSampling(interval, depth)

	level.Debug(c.logger).Log(
		"msg", "started heap profiler",
		"running", c.running,
		"sample_interval_bytes", interval,
		"max_stack_depth", depth,
	)

	return nil
}

// Collect snapshots the allocation profile and emits the delta since
// the previous collect. Returns nil when not running or the VM yields
// no profile.
func (c *Collector) Collect() *Result {
	if !c.running || c.profiler == nil {
		return nil
	}

	collectBegin := c.clock.HrTime()
	profile := c.profiler.GetAllocationProfile()
	if profile == nil {
		return nil
	}
	processingBegin := c.clock.HrTime()

	c.generation++
	generation := c.generation

	samples := make([]Sample, 0, len(profile.Samples))
	for _, sample := range profile.Samples {
		if _, seen := c.tracking[sample.SampleID]; !seen {
			samples = append(samples, Sample{
				NodeID: sample.NodeID,
				Size:   sample.Size * sample.Count,
			})
		}
		c.tracking[sample.SampleID] = generation
	}
	c.metrics.newSamples.Add(float64(len(samples)))

	// The VM dropped any sample it did not report this cycle.
	evicted := 0
	for id, gen := range c.tracking {
		if gen != generation {
			delete(c.tracking, id)
			evicted++
		}
	}
	c.metrics.evictedSamples.Add(float64(evicted))

	treeMap := make(map[uint32]Node)

	stack := c.stack[:0]
	if profile.Root != nil {
		// The root itself carries no information; start from its
		// children.
		for _, child := range profile.Root.Children {
			stack = append(stack, bfsNode{node: child, parentID: profile.Root.NodeID})
		}
	}

	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node := item.node
		treeMap[node.NodeID] = Node{
			Name:       node.Name,
			ScriptName: node.ScriptName,
			LineNumber: node.LineNumber,
			ParentID:   item.parentID,
		}

		for _, child := range node.Children {
			stack = append(stack, bfsNode{node: child, parentID: node.NodeID})
		}
	}
	c.stack = stack[:0]

	processingEnd := c.clock.HrTime()

	c.metrics.collectDuration.Observe(float64(processingEnd-collectBegin) / 1e9)

	return &Result{
		TreeMap:                        treeMap,
		Samples:                        samples,
		Timestamp:                      c.clock.WallTimeNanos() / 1e6,
		ProfilerCollectDuration:        processingBegin - collectBegin,
		ProfilerProcessingStepDuration: processingEnd - processingBegin,
	}
}

// Stop ends allocation sampling and drops all delta tracking state; a
// later Start begins from a clean slate.
func (c *Collector) Stop() {
	if c.running && c.profiler != nil {
		c.profiler.StopSampling()
	}
	c.running = false
	c.tracking = nil
	c.generation = 0
}
