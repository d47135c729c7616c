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
	"math"
	"math/bits"
)

// chunkBitmap tracks, one bit per chunk, which chunks of a sub-heap are in
// use. It is the KHA analogue of a free-page bitset: unlike the PMM's
// per-order bitsets (pkg/pmm), a sub-heap has only one granularity, so a
// single flat bitmap suffices.
//
// The word-level scan machinery (FirstZero/FirstOne) keeps the search
// O(words); FindFirstFit, FindBestFit and SetRange implement the
// sub-heap's run-search allocation policy on top of it.
type chunkBitmap struct {
	nbits   uint32
	numOnes uint32
	words   []uint64
}

func newChunkBitmap(nbits uint32) chunkBitmap {
	return chunkBitmap{nbits: nbits, words: make([]uint64, (nbits+63)/64)}
}

// Size returns the number of tracked bits. The backing words may hold up to
// 63 further bits of slack past this; those are never part of any free run.
func (b *chunkBitmap) Size() int { return int(b.nbits) }

func (b *chunkBitmap) GetNumOnes() uint32 { return b.numOnes }

// FirstZero returns the index of the first unset bit at or after start.
func (b *chunkBitmap) FirstZero(start uint32) (uint32, bool) {
	i, nbit := int(start/64), start%64
	n := len(b.words)
	if i >= n {
		return 0, false
	}
	w := b.words[i] | ((uint64(1) << nbit) - 1)
	for {
		if w != ^uint64(0) {
			return uint32(bits.TrailingZeros64(^w) + i*64), true
		}
		i++
		if i == n {
			return 0, false
		}
		w = b.words[i]
	}
}

// FirstOne returns the index of the first set bit at or after start.
func (b *chunkBitmap) FirstOne(start uint32) (uint32, bool) {
	i, nbit := int(start/64), start%64
	n := len(b.words)
	if i >= n {
		return 0, false
	}
	w := b.words[i] & (math.MaxUint64 << nbit)
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w) + i*64), true
		}
		i++
		if i == n {
			return 0, false
		}
		w = b.words[i]
	}
}

func (b *chunkBitmap) Add(i uint32) {
	word, mask := i/64, uint64(1)<<(i%64)
	if old := b.words[word]; old&mask == 0 {
		b.words[word] = old | mask
		b.numOnes++
	}
}

func (b *chunkBitmap) Remove(i uint32) {
	word, mask := i/64, uint64(1)<<(i%64)
	if old := b.words[word]; old&mask != 0 {
		b.words[word] = old &^ mask
		b.numOnes--
	}
}

// SetRange marks [begin, end) as in use.
func (b *chunkBitmap) SetRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Add(i)
	}
}

// ClearRange marks [begin, end) as free.
func (b *chunkBitmap) ClearRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Remove(i)
	}
}

// forEachFreeRun invokes f with the start and length of every maximal run
// of unset bits at least min bits long, in ascending order of start, until
// f returns false.
func (b *chunkBitmap) forEachFreeRun(min uint32, f func(start, length uint32) bool) {
	size := uint32(b.Size())
	pos := uint32(0)
	for pos < size {
		start, ok := b.FirstZero(pos)
		if !ok || start >= size {
			return
		}
		end, ok := b.FirstOne(start)
		if !ok {
			end = size
		}
		if end-start >= min {
			if !f(start, end-start) {
				return
			}
		}
		pos = end
	}
}

// FindFirstFit returns the start of the lowest free run of at least n bits
// whose start is a multiple of align, used for sub-heap allocations below
// the best-fit threshold.
func (b *chunkBitmap) FindFirstFit(n, align uint32) (uint32, bool) {
	var result uint32
	found := false
	b.forEachFreeRun(1, func(start, length uint32) bool {
		alignedStart := alignUp32(start, align)
		if alignedStart+n <= start+length {
			result, found = alignedStart, true
			return false
		}
		return true
	})
	return result, found
}

// FindBestFit returns the start of the smallest free run that still fits n
// aligned bits, breaking ties toward the lowest start. Used for sub-heap
// allocations at or above the best-fit threshold, to reduce fragmentation
// of large requests.
func (b *chunkBitmap) FindBestFit(n, align uint32) (uint32, bool) {
	var result uint32
	bestUsable := uint32(math.MaxUint32)
	found := false
	b.forEachFreeRun(1, func(start, length uint32) bool {
		alignedStart := alignUp32(start, align)
		if alignedStart+n > start+length {
			return true
		}
		usable := start + length - alignedStart
		if usable < bestUsable {
			bestUsable, result, found = usable, alignedStart, true
		}
		return true
	})
	return result, found
}

func alignUp32(x, align uint32) uint32 {
	if align <= 1 {
		return x
	}
	return (x + align - 1) &^ (align - 1)
}
