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

// Package arena implements a paged bump allocator with coarse reset.
// All per-cycle bookkeeping of the profiler (activation records, stack
// overflow buffers, bin overflow chains, time slices) lives here so a
// collect cycle frees everything in O(pages).
//
// Records allocated from an arena may hold pointers to other records of
// the same arena only. The page list keeps every page reachable, so the
// garbage collector never reclaims memory such pointers refer to, even
// though pages are plain byte slices it does not scan.
package arena

import "unsafe"

// alignment of every returned allocation, 2x pointer size.
const alignment = 2 * unsafe.Sizeof(uintptr(0))

type page struct {
	buf    []byte
	offset int
	next   *page
}

func (p *page) alloc(size int) []byte {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(p.buf)))
	cursor := base + uintptr(p.offset)
	if m := cursor & (alignment - 1); m != 0 {
		cursor += alignment - m
	}
	offset := int(cursor - base)
	if offset+size > len(p.buf) {
		return nil
	}
	p.offset = offset + size
	b := p.buf[offset:p.offset:p.offset]
	// Pages are recycled across resets, so stale bytes must be cleared
	// here rather than at reset time.
	clear(b)
	return b
}

// Arena is a growable set of fixed-size pages with bump allocation.
// Not safe for concurrent use; the profiler core is single-threaded.
type Arena struct {
	pages    *page // head is the currently bumped page
	free     *page
	pageSize int
}

// NewArena returns an arena with a single empty page of pageSize bytes.
func NewArena(pageSize int) *Arena {
	return &Arena{
		pages:    &page{buf: make([]byte, pageSize)},
		pageSize: pageSize,
	}
}

// Alloc returns size zeroed bytes aligned to twice the pointer size, or
// nil when size can never fit a page. Allocations larger than the page
// size are not supported.
func (a *Arena) Alloc(size int) []byte {
	if size <= 0 || size+int(alignment) > a.pageSize {
		return nil
	}

	if b := a.pages.alloc(size); b != nil {
		return b
	}

	p := a.free
	if p != nil {
		a.free = p.next
	} else {
		p = &page{buf: make([]byte, a.pageSize)}
	}

	p.next = a.pages
	a.pages = p

	return p.alloc(size)
}

// Reset invalidates every outstanding allocation: all but the head page
// move to the free list and the head page rewinds to offset zero.
func (a *Arena) Reset() {
	for p := a.pages; p != nil; p = p.next {
		p.offset = 0
	}

	if moved := a.pages.next; moved != nil {
		tail := moved
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = a.free
		a.free = moved
	}
	a.pages.next = nil
}

// Used returns the sum of used bytes across live pages.
func (a *Arena) Used() int {
	used := 0
	for p := a.pages; p != nil; p = p.next {
		used += p.offset
	}
	return used
}

// New allocates a zeroed T from the arena. Returns nil on overflow.
func New[T any](a *Arena) *T {
	var zero T
	b := a.Alloc(int(unsafe.Sizeof(zero)))
	if b == nil {
		return nil
	}
	return (*T)(unsafe.Pointer(unsafe.SliceData(b)))
}

// MakeSlice allocates a zeroed []T of length n from the arena. Returns
// nil on overflow.
func MakeSlice[T any](a *Arena, n int) []T {
	var zero T
	size := int(unsafe.Sizeof(zero)) * n
	b := a.Alloc(size)
	if b == nil {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n)
}
