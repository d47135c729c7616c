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

package kha

import "github.com/iamleson98/rsm/pkg/layout"

// slabBlock is one layout.SlabBlockSize region carved up into fixed-size
// chunks for a single slabHeap size class. A chunk is taken from recycle,
// a LIFO stack of freed chunk indices, when it is non-empty, and otherwise
// by bumping len into the never-used tail. Freed chunks cannot
// safely carry intrusive next-pointers under the Go GC, so the free list
// lives beside the block rather than inside it.
type slabBlock struct {
	base uintptr
	cap  uint32
	len  uint32

	recycle []uint32

	prev, next *slabBlock
}

func (b *slabBlock) isFull() bool {
	return b.len == b.cap && len(b.recycle) == 0
}

// slabHeap is one fixed-size-class allocator: a list of blocks with spare
// capacity (usable) and a list of blocks with none (full). Splitting the
// two lists keeps allocation O(1) (always take from usable's head) without
// scanning full blocks.
//
// A block moves from usable to full the moment its last chunk is taken,
// and from full back to usable the moment any chunk in it is freed. The
// lists are doubly linked so the move works from any position, not just
// the list head (see unlink below).
type slabHeap struct {
	size uint64

	usable *slabBlock
	full   *slabBlock
}

func newSlabHeap(size uint64) *slabHeap {
	return &slabHeap{size: size}
}

func (sh *slabHeap) pushUsable(blk *slabBlock) {
	blk.prev, blk.next = nil, sh.usable
	if sh.usable != nil {
		sh.usable.prev = blk
	}
	sh.usable = blk
}

func (sh *slabHeap) pushFull(blk *slabBlock) {
	blk.prev, blk.next = nil, sh.full
	if sh.full != nil {
		sh.full.prev = blk
	}
	sh.full = blk
}

// unlink removes blk from whichever list (usable or full) currently holds
// it, from any position in that list.
func (sh *slabHeap) unlink(blk *slabBlock) {
	switch {
	case blk.prev != nil:
		blk.prev.next = blk.next
	case sh.usable == blk:
		sh.usable = blk.next
	case sh.full == blk:
		sh.full = blk.next
	}
	if blk.next != nil {
		blk.next.prev = blk.prev
	}
	blk.prev, blk.next = nil, nil
}

// addBlock registers a freshly grown block, backed by base (a
// layout.SlabBlockSize-sized, block-aligned region already obtained from a
// subheap), as usable.
func (sh *slabHeap) addBlock(base uintptr) *slabBlock {
	blk := &slabBlock{base: base, cap: uint32(layout.SlabBlockSize / sh.size)}
	sh.pushUsable(blk)
	return blk
}

// allocFromUsable allocates one chunk from the head of the usable list,
// which must be non-empty.
func (sh *slabHeap) allocFromUsable() uintptr {
	blk := sh.usable
	var idx uint32
	if n := len(blk.recycle); n > 0 {
		idx = blk.recycle[n-1]
		blk.recycle = blk.recycle[:n-1]
	} else {
		idx = blk.len
		blk.len++
	}
	if blk.isFull() {
		sh.unlink(blk)
		sh.pushFull(blk)
	}
	return blk.base + uintptr(idx)*uintptr(sh.size)
}

// free returns the chunk at ptr within blk to blk's recycle list, moving
// blk back onto the usable list if it had been full.
func (sh *slabHeap) free(blk *slabBlock, ptr uintptr) {
	idx := uint32((ptr - blk.base) / uintptr(sh.size))
	wasFull := blk.isFull()
	blk.recycle = append(blk.recycle, idx)
	if wasFull {
		sh.unlink(blk)
		sh.pushUsable(blk)
	}
}
