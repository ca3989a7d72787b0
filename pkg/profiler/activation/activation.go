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

// Package activation tracks span activations: which span was current on
// which context over which time range. Finished activations land in a
// time-bucketed index answering "which activation encloses timestamp t"
// without interval trees; everything is arena-backed and thrown away
// wholesale at the end of a collect cycle.
package activation

import (
	"github.com/traceprof-dev/traceprof-agent/pkg/arena"
)

const (
	// BinWidthNanos is the time window one bin covers. Wide enough that
	// most activations touch one or two bins, narrow enough that a
	// per-bin linear scan stays cheap.
	BinWidthNanos = int64(100) * 1000 * 1000

	activationsPerBin = 64
	binsPerSlice      = 384

	stackInlineCap = 2
)

// SpanActivation is the interval during which a span was current on a
// context. Ids are kept as the lowercase hex they arrived as and only
// decoded to raw bytes at egress.
type SpanActivation struct {
	TraceID   [32]byte
	SpanID    [16]byte
	StartTime int64
	EndTime   int64

	// Debug-export bookkeeping, populated only when the owning profiler
	// records debug info.
	Depth int32
	Hit   bool
}

// bin holds activations overlapping one BinWidthNanos window, chained
// on overflow. Within a chain, activations are arrival-ordered.
type bin struct {
	activations [activationsPerBin]SpanActivation
	count       int32
	index       int32
	slice       *timeSlice
	next        *bin
}

// timeSlice is a fixed run of consecutive bins; slices chain to cover
// arbitrarily long cycles.
type timeSlice struct {
	bins [binsPerSlice]bin
	next *timeSlice
}

func newTimeSlice(a *arena.Arena) *timeSlice {
	s := arena.New[timeSlice](a)
	if s == nil {
		return nil
	}
	for i := range s.bins {
		s.bins[i].index = int32(i)
		s.bins[i].slice = s
	}
	return s
}

// Index stores finished activations keyed by the bins their time range
// overlaps. Pointers returned by Find are valid until the owning arena
// resets.
type Index struct {
	arena *arena.Arena
	head  *timeSlice
	start int64
}

// NewIndex returns an index for a cycle starting at the given monotonic
// time, or nil when the arena cannot hold the head slice.
func NewIndex(a *arena.Arena, start int64) *Index {
	head := newTimeSlice(a)
	if head == nil {
		return nil
	}
	return &Index{arena: a, head: head, start: start}
}

func (ix *Index) binIndex(ts int64) int64 {
	d := ts - ix.start
	if d < 0 {
		return 0
	}
	return d / BinWidthNanos
}

// bin walks to the bin covering binIndex, creating missing slices
// lazily. Returns nil when the arena is exhausted.
func (ix *Index) bin(binIndex int64) *bin {
	sliceIndex := binIndex / binsPerSlice

	s := ix.head
	for i := int64(0); i < sliceIndex; i++ {
		if s.next == nil {
			next := newTimeSlice(ix.arena)
			if next == nil {
				return nil
			}
			s.next = next
		}
		s = s.next
	}

	return &s.bins[binIndex-sliceIndex*binsPerSlice]
}

func (ix *Index) appendToBin(b *bin, act *SpanActivation) {
	for b.next != nil {
		b = b.next
	}

	if b.count == activationsPerBin {
		overflow := arena.New[bin](ix.arena)
		if overflow == nil {
			return
		}
		overflow.index = b.index
		overflow.slice = b.slice
		b.next = overflow
		b = overflow
	}

	b.activations[b.count] = *act
	b.count++
}

// Insert copies a finished activation into every bin its [start, end]
// range overlaps, so a lookup needs to inspect a single bin chain. An
// exhausted arena drops the activation silently.
func (ix *Index) Insert(act *SpanActivation) {
	startBin := ix.binIndex(act.StartTime)
	endBin := ix.binIndex(act.EndTime)

	for i := startBin; i <= endBin; i++ {
		b := ix.bin(i)
		if b == nil {
			return
		}
		ix.appendToBin(b, act)
	}
}

// SetStart rebases the bin windows onto a new cycle start. Entries
// inserted before the rebase keep their absolute times but may no
// longer be reachable through their original bins; callers reset the
// index alongside except on zero-sample cycles.
func (ix *Index) SetStart(start int64) { ix.start = start }

// Walk visits every indexed activation in bin order. Activations
// spanning multiple bins are visited once per bin.
func (ix *Index) Walk(fn func(*SpanActivation)) {
	for s := ix.head; s != nil; s = s.next {
		for i := range s.bins {
			for b := &s.bins[i]; b != nil; b = b.next {
				for j := int32(0); j < b.count; j++ {
					fn(&b.activations[j])
				}
			}
		}
	}
}

// Find returns the activation enclosing ts with the greatest start time
// (the innermost active span), or nil.
func (ix *Index) Find(ts int64) *SpanActivation {
	b := ix.bin(ix.binIndex(ts))

	var match *SpanActivation
	for ; b != nil; b = b.next {
		for i := int32(0); i < b.count; i++ {
			act := &b.activations[i]
			if act.StartTime <= ts && ts <= act.EndTime {
				if match == nil || act.StartTime > match.StartTime {
					match = act
				}
			}
		}
	}
	return match
}
