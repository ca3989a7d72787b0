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

package activation

import "github.com/traceprof-dev/traceprof-agent/pkg/arena"

// Stack is the LIFO of in-progress activations for one context. Depth
// one is the overwhelmingly common case, so a small inline buffer
// avoids arena traffic; re-entrant contexts spill to an arena slice
// growing by 1.5x.
type Stack struct {
	count    int32
	capacity int32
	inline   [stackInlineCap]SpanActivation
	extra    []SpanActivation
}

// Push reserves the next slot and returns it for the caller to fill,
// or nil when the arena cannot grow the stack.
func (s *Stack) Push(a *arena.Arena) *SpanActivation {
	if s.extra == nil {
		if s.count < stackInlineCap {
			act := &s.inline[s.count]
			s.count++
			return act
		}

		newCap := int32(stackInlineCap * 4)
		extra := arena.MakeSlice[SpanActivation](a, int(newCap))
		if extra == nil {
			return nil
		}
		copy(extra, s.inline[:s.count])
		s.extra = extra
		s.capacity = newCap
	}

	if s.count == s.capacity {
		newCap := s.capacity + s.capacity/2
		extra := arena.MakeSlice[SpanActivation](a, int(newCap))
		if extra == nil {
			return nil
		}
		copy(extra, s.extra[:s.count])
		s.extra = extra
		s.capacity = newCap
	}

	act := &s.extra[s.count]
	s.count++
	return act
}

// Pop removes and returns the top activation, or nil when empty. The
// returned record stays valid until the arena resets.
func (s *Stack) Pop() *SpanActivation {
	if s.count == 0 {
		return nil
	}
	s.count--
	if s.extra == nil {
		return &s.inline[s.count]
	}
	return &s.extra[s.count]
}

func (s *Stack) Len() int { return int(s.count) }

// Items returns a copy of the stack's activations, bottom to top. The
// copy lives on the Go heap and survives an arena reset.
func (s *Stack) Items() []SpanActivation {
	items := make([]SpanActivation, s.count)
	if s.extra == nil {
		copy(items, s.inline[:s.count])
	} else {
		copy(items, s.extra[:s.count])
	}
	return items
}

// Table maps context identity to its stack of in-progress activations.
// Stacks are arena-backed; Clear drops the mapping, the arena reset
// frees the storage.
type Table struct {
	arena  *arena.Arena
	stacks map[uint32]*Stack
}

func NewTable(a *arena.Arena) *Table {
	return &Table{
		arena:  a,
		stacks: make(map[uint32]*Stack),
	}
}

// Push locates or creates the context's stack and reserves a slot on
// it. Returns nil when the arena is exhausted.
func (t *Table) Push(key uint32) *SpanActivation {
	s, ok := t.stacks[key]
	if !ok {
		s = arena.New[Stack](t.arena)
		if s == nil {
			return nil
		}
		s.capacity = stackInlineCap
		t.stacks[key] = s
	}
	return s.Push(t.arena)
}

// Pop removes the context's innermost activation; the table entry goes
// away with the last one. Unknown contexts are a no-op.
func (t *Table) Pop(key uint32) *SpanActivation {
	s, ok := t.stacks[key]
	if !ok {
		return nil
	}

	act := s.Pop()
	if act == nil {
		return nil
	}

	if s.Len() == 0 {
		delete(t.stacks, key)
	}
	return act
}

// Len returns the number of contexts with in-progress activations.
func (t *Table) Len() int { return len(t.stacks) }

// Snapshot copies every in-progress activation out of arena storage,
// bottom to top per context. Activations that straddle a collect are
// re-seeded from this snapshot so their eventual exit still files them.
func (t *Table) Snapshot() map[uint32][]SpanActivation {
	if len(t.stacks) == 0 {
		return nil
	}
	snap := make(map[uint32][]SpanActivation, len(t.stacks))
	for key, s := range t.stacks {
		snap[key] = s.Items()
	}
	return snap
}

// Clear forgets all contexts. Called right before the owning arena
// resets.
func (t *Table) Clear() {
	clear(t.stacks)
}
