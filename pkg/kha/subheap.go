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

import (
	"unsafe"

	"github.com/iamleson98/rsm/pkg/layout"
)

// subheap manages a single contiguous byte region as a bitmap-indexed set
// of fixed-size chunks. It is the KHA's coarsest allocation granularity:
// both direct caller requests above the slab classes and slab block growth
// are carved out of a subheap.
type subheap struct {
	region   []byte
	base     uintptr // host address of the first chunk (may be > &region[0])
	chunkCap uint32
	use      chunkBitmap
}

// newSubheap wraps region as a subheap, aligning the chunk area up to
// layout.SlabBlockSize: region's own backing array is an ordinary Go
// allocation with no alignment guarantee beyond the runtime's default, so
// the chunk area may start some bytes into region. Aligning all the way up
// to SlabBlockSize (rather than just ChunkSize) keeps every slab block this
// subheap ever hands out at a SlabBlockSize-aligned absolute address, which
// Heap.Free's masking trick depends on to recover a block's base from any
// pointer into it.
func newSubheap(region []byte) *subheap {
	regionBase := uintptr(unsafe.Pointer(&region[0]))
	base := uintptr(layout.AlignUp(uint64(regionBase), layout.SlabBlockSize))
	off := uint64(base - regionBase)
	var usable uint64
	if off < uint64(len(region)) {
		usable = uint64(len(region)) - off
	}
	chunkCap := uint32(usable / layout.ChunkSize)
	return &subheap{
		region:   region,
		base:     base,
		chunkCap: chunkCap,
		use:      newChunkBitmap(chunkCap),
	}
}

func (sh *subheap) cap() uint64 { return uint64(sh.chunkCap) * layout.ChunkSize }

func (sh *subheap) avail() uint64 {
	return uint64(sh.chunkCap-sh.use.GetNumOnes()) * layout.ChunkSize
}

func (sh *subheap) contains(ptr uintptr) bool {
	return ptr >= sh.base && ptr < sh.base+uintptr(sh.chunkCap)*layout.ChunkSize
}

// alloc reserves nchunks contiguous chunks whose start is a multiple of
// alignChunks chunks, using first-fit below layout.BestFitThreshold chunks
// and best-fit at or above it, per the sub-heap's size-dependent search
// policy.
func (sh *subheap) alloc(nchunks, alignChunks uint32) (uintptr, bool) {
	if nchunks == 0 || nchunks > sh.chunkCap-sh.use.GetNumOnes() {
		return 0, false
	}
	var start uint32
	var ok bool
	if nchunks < layout.BestFitThreshold {
		start, ok = sh.use.FindFirstFit(nchunks, alignChunks)
	} else {
		start, ok = sh.use.FindBestFit(nchunks, alignChunks)
	}
	if !ok {
		return 0, false
	}
	sh.use.SetRange(start, start+nchunks)
	ptr := sh.base + uintptr(start)*layout.ChunkSize
	scrub(sh.bytes(ptr, int(uint64(nchunks)*layout.ChunkSize)), layout.AllocScrubByte)
	return ptr, true
}

func (sh *subheap) free(ptr uintptr, nchunks uint32) {
	idx := uint32((ptr - sh.base) / layout.ChunkSize)
	scrub(sh.bytes(ptr, int(uint64(nchunks)*layout.ChunkSize)), layout.FreeScrubByte)
	sh.use.ClearRange(idx, idx+nchunks)
}

func (sh *subheap) bytes(ptr uintptr, n int) []byte {
	regionBase := uintptr(unsafe.Pointer(&sh.region[0]))
	off := ptr - regionBase
	return sh.region[off : off+uintptr(n)]
}

func scrub(b []byte, fill byte) {
	for i := range b {
		b[i] = fill
	}
}
