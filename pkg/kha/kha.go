// Copyright 2024 The rsm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kha implements the kernel-heap allocator: a top-level policy
// over fixed-size-class slab heaps (small, high-churn allocations) and
// bitmap-indexed chunk sub-heaps (everything else), drawing multi-page
// runs from a backing pmm.Manager to hold both.
package kha

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/iamleson98/rsm/pkg/layout"
	"github.com/iamleson98/rsm/pkg/pmm"
)

// ErrOutOfMemory is returned (wrapped) by New when the backing pmm.Manager
// cannot supply the initial run. Alloc and AllocAligned report exhaustion
// by returning the null region and false instead.
var ErrOutOfMemory = errors.New("kha: out of memory")

// ErrInvalidArgument is returned by New for a nil pmm.Manager, and wrapped
// into the panic message AllocAligned raises for a bad alignment.
var ErrInvalidArgument = errors.New("kha: invalid argument")

// minSubheapPages is the smallest run the heap will accept from its
// backing pmm.Manager: one slab block's worth of pages, so that every
// subheap can host at least one block once newSubheap has aligned its
// chunk base up to layout.SlabBlockSize.
const minSubheapPages = layout.SlabBlockSize / layout.PageSize

// growPages is the default run size requested when the heap expands on
// exhaustion, when the failing request itself doesn't demand more.
const growPages = 4 * minSubheapPages

// Region is an allocation handed out by a Heap: the host address of its
// first byte and the number of bytes actually reserved (the requested size
// rounded up to the owning slab class or to whole chunks). The zero Region
// is the null region.
type Region struct {
	Ptr  uintptr
	Size uint64
}

// IsNull reports whether r is the null region.
func (r Region) IsNull() bool { return r.Ptr == 0 }

type run struct {
	addr   uintptr
	npages uint64
}

// Heap is the top-level allocator: it tries the slab heaps first, falls
// back to the sub-heaps, and on exhaustion grows a fresh sub-heap from its
// backing pmm.Manager before giving up.
type Heap struct {
	mu sync.Mutex

	mm       *pmm.Manager
	runs     []run
	subheaps []*subheap
	slabs    [layout.SlabCount]*slabHeap

	// slabOwner and blockOwner map a slab block's base address (the ptr
	// value rounded down to layout.SlabBlockSize) to the slabHeap and
	// slabBlock that own it, so Free can route a pointer without the
	// caller naming which class it came from.
	slabOwner  map[uintptr]*slabHeap
	blockOwner map[uintptr]*slabBlock
}

// New creates a heap over mm, immediately requesting an initial sub-heap
// run of minInitBytes rounded up to a power-of-two page count (at minimum
// one slab block). If mm has no free run that large, a smaller run, down to
// one slab block, is accepted.
func New(mm *pmm.Manager, minInitBytes uint64) (*Heap, error) {
	if mm == nil {
		return nil, ErrInvalidArgument
	}
	h := &Heap{
		mm:         mm,
		slabOwner:  make(map[uintptr]*slabHeap),
		blockOwner: make(map[uintptr]*slabBlock),
	}
	for i := range h.slabs {
		h.slabs[i] = newSlabHeap(uint64(layout.SlabMinSize) << i)
	}
	reqPages := layout.CeilPow2(layout.AlignUp(minInitBytes, layout.PageSize) / layout.PageSize)
	if !h.grow(reqPages) {
		return nil, errors.Wrapf(ErrOutOfMemory, "creating heap over %d-page pmm", mm.Cap())
	}
	return h, nil
}

// Close returns every run this heap drew from its backing pmm.Manager.
// All regions handed out by the heap are invalidated wholesale.
func (h *Heap) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.runs {
		h.mm.FreePages(r.addr)
	}
	h.runs = nil
	h.subheaps = nil
	h.slabOwner = nil
	h.blockOwner = nil
}

// grow asks the backing pmm.Manager for a run of up to reqPages pages
// (downgrading as far as one slab block) and wraps it as an additional
// subheap. Called with h.mu held, or from New before the heap escapes.
func (h *Heap) grow(reqPages uint64) bool {
	if reqPages < minSubheapPages {
		reqPages = minSubheapPages
	}
	addr, npages, ok := h.mm.AllocPagesMin(reqPages, minSubheapPages)
	if !ok {
		return false
	}
	h.runs = append(h.runs, run{addr: addr, npages: npages})
	h.subheaps = append(h.subheaps, newSubheap(h.mm.Bytes(addr, int(npages*layout.PageSize))))
	return true
}

// AllocSize returns the size Alloc will actually carve out for a request
// of size bytes: the smallest slab class that fits it, or size rounded up
// to layout.ChunkSize if it's too large for any slab class. AllocAligned
// can reserve more when alignment exceeds that slab class.
func (h *Heap) AllocSize(size uint64) uint64 {
	for _, sh := range h.slabs {
		if size <= sh.size {
			return sh.size
		}
	}
	return layout.AlignUp(size, layout.ChunkSize)
}

// Alloc allocates size bytes with no particular alignment requirement
// beyond what AllocSize's chosen size class already guarantees. It returns
// the null region on exhaustion.
func (h *Heap) Alloc(size uint64) (Region, bool) {
	return h.AllocAligned(size, 1)
}

// AllocAligned allocates size bytes aligned to alignment, which must be a
// power of two no larger than layout.PageSize (a violation is a
// programming error and panics). It first tries a slab class whose chunk
// size is both large enough and naturally aligned to the request (every
// chunk in a slab block sits at a multiple of the class size, and every
// block is itself layout.SlabBlockSize-aligned, so alignment <= class size
// is always satisfied); otherwise it falls back to the sub-heaps, growing
// a fresh one from the backing pmm.Manager on exhaustion.
func (h *Heap) AllocAligned(size, alignment uint64) (Region, bool) {
	if size == 0 {
		return Region{}, false
	}
	if !layout.IsPow2(alignment) || alignment > layout.PageSize {
		panic(errors.Wrapf(ErrInvalidArgument, "AllocAligned: alignment %d", alignment).Error())
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sh := range h.slabs {
		if size <= sh.size && alignment <= sh.size {
			ptr, ok := h.allocFromSlab(sh)
			if !ok {
				return Region{}, false
			}
			return Region{Ptr: ptr, Size: sh.size}, true
		}
	}

	nchunks := uint32(layout.AlignUp(size, layout.ChunkSize) / layout.ChunkSize)
	alignChunks := uint32(1)
	if alignment > layout.ChunkSize {
		alignChunks = uint32(alignment / layout.ChunkSize)
	}
	for attempt := 0; attempt < 2; attempt++ {
		for _, sh := range h.subheaps {
			if ptr, ok := sh.alloc(nchunks, alignChunks); ok {
				return Region{Ptr: ptr, Size: uint64(nchunks) * layout.ChunkSize}, true
			}
		}
		want := layout.CeilPow2(layout.AlignUp(uint64(nchunks)*layout.ChunkSize, layout.PageSize) / layout.PageSize)
		if want < growPages {
			want = growPages
		}
		if !h.grow(want) {
			break
		}
	}
	return Region{}, false
}

func (h *Heap) allocFromSlab(sh *slabHeap) (uintptr, bool) {
	if sh.usable == nil {
		base, ok := h.growSlab()
		if !ok {
			return 0, false
		}
		blk := sh.addBlock(base)
		h.slabOwner[base] = sh
		h.blockOwner[base] = blk
	}
	return sh.allocFromUsable(), true
}

// growSlab carves a block-aligned, block-sized region for a new slab block
// out of the sub-heaps, expanding from the backing pmm.Manager if none has
// room.
func (h *Heap) growSlab() (uintptr, bool) {
	nchunks := uint32(layout.SlabBlockSize / layout.ChunkSize)
	for attempt := 0; attempt < 2; attempt++ {
		for _, sh := range h.subheaps {
			if ptr, ok := sh.alloc(nchunks, nchunks); ok {
				return ptr, true
			}
		}
		if !h.grow(growPages) {
			break
		}
	}
	return 0, false
}

// Free releases a region previously returned by Alloc or AllocAligned.
// The caller must pass back the exact Region it was handed: neither slab
// blocks nor sub-heap chunk runs carry a recoverable size header, so (as
// in sized-free allocator APIs generally) the region itself is the
// bookkeeping.
func (h *Heap) Free(r Region) {
	if r.IsNull() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	blockBase := uintptr(uint64(r.Ptr) & layout.SlabBlockMask)
	if sh, ok := h.slabOwner[blockBase]; ok {
		sh.free(h.blockOwner[blockBase], r.Ptr)
		return
	}

	nchunks := uint32(layout.AlignUp(r.Size, layout.ChunkSize) / layout.ChunkSize)
	for _, sh := range h.subheaps {
		if sh.contains(r.Ptr) {
			sh.free(r.Ptr, nchunks)
			return
		}
	}
	panic("kha: Free called with a region this heap did not allocate")
}

// Cap returns the heap's total raw capacity across all subheaps, in
// bytes. Slab blocks are themselves carved from a subheap, so they are
// already reflected here rather than counted twice.
func (h *Heap) Cap() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total uint64
	for _, sh := range h.subheaps {
		total += sh.cap()
	}
	return total
}

// Avail returns the heap's free raw capacity across all subheaps, in
// bytes. Spare chunks within a partially-used slab block are not counted
// here; see Stats for slab-level introspection.
func (h *Heap) Avail() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total uint64
	for _, sh := range h.subheaps {
		total += sh.avail()
	}
	return total
}

// SlabStats summarizes one slab size class's block usage.
type SlabStats struct {
	Size         uint64
	Blocks       int
	UsableBlocks int
	FullBlocks   int
}

// Stats returns per-size-class slab statistics, in ascending size order.
func (h *Heap) Stats() []SlabStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SlabStats, 0, len(h.slabs))
	for _, sh := range h.slabs {
		usable := countBlocks(sh.usable)
		full := countBlocks(sh.full)
		out = append(out, SlabStats{
			Size:         sh.size,
			Blocks:       usable + full,
			UsableBlocks: usable,
			FullBlocks:   full,
		})
	}
	return out
}

func countBlocks(head *slabBlock) int {
	n := 0
	for b := head; b != nil; b = b.next {
		n++
	}
	return n
}

// Bytes returns a safe []byte view of n bytes starting at host address
// ptr, for tests and callers that need to read or write through a pointer
// this heap returned.
func (h *Heap) Bytes(ptr uintptr, n int) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	// A slab-allocated pointer is itself carved out of some subheap's
	// region, so it is always found here too; no separate lookup through
	// slabOwner/blockOwner is needed.
	for _, sh := range h.subheaps {
		if sh.contains(ptr) {
			return sh.bytes(ptr, n)
		}
	}
	panic("kha: Bytes called with a pointer this heap did not allocate")
}

// ScrubCheck reports whether all n bytes at ptr still carry the free-scrub
// fill pattern, as a use-after-free probe over a region that has been
// released back to the heap.
func (h *Heap) ScrubCheck(ptr uintptr, n int) bool {
	for _, b := range h.Bytes(ptr, n) {
		if b != layout.FreeScrubByte {
			return false
		}
	}
	return true
}
