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

package vmm

import "github.com/iamleson98/rsm/pkg/layout"

// opDirection distinguishes a load from a store in an encoded access op.
type opDirection uint32

const (
	opLoad opDirection = iota
	opStore
)

// makeOp packs an access direction and size (in bytes) into a single word,
// so handleMiss can recover both from one tag.
func makeOp(dir opDirection, size uint32) uint32 {
	return uint32(dir) | (size << 1)
}

func opType(op uint32) opDirection { return opDirection(op & 1) }
func opAlignment(op uint32) uint32 { return op >> 1 }

// cacheEntry is one slot of the direct-mapped translation cache: the guest
// page address it was installed for (tag) and the constant offset from
// guest to host address for that page (haddrDiff). Both fields are filled
// with all-one bytes to mean "never valid" so that a freshly invalidated
// entry can never compare equal to a real tag.
type cacheEntry struct {
	tag       uint64
	haddrDiff uint64
}

var invalidEntry = cacheEntry{tag: ^uint64(0), haddrDiff: ^uint64(0)}

// Cache is a direct-mapped, single-entry-per-slot translation cache keyed by
// VFN mod VMCacheLen. It trades perfect accuracy (it can only remember one
// page per slot) for an O(1), branch-light lookup on the hot load/store
// path; a miss falls back to the full page directory walk in pagedir.go.
type Cache struct {
	entries [layout.VMCacheLen]cacheEntry
}

// NewCache returns a freshly invalidated translation cache.
func NewCache() *Cache {
	c := &Cache{}
	c.Invalidate()
	return c
}

// Invalidate clears every entry in the cache.
func (c *Cache) Invalidate() {
	for i := range c.entries {
		c.entries[i] = invalidEntry
	}
}

// InvalidateOne clears the slot vaddr's page maps to. Safe to call even
// if that slot currently holds an unrelated page; it is cleared
// regardless.
func (c *Cache) InvalidateOne(vaddr uint64) {
	c.entries[index(vaddr)] = invalidEntry
}

// lookup returns the host address for vaddr if the cache currently holds
// a valid entry covering it at the requested alignment. The expected tag
// folds the low alignment bits of vaddr into the comparison, so an
// address misaligned for its access width can never hit; it falls through
// to handleMiss, which checks alignment and faults.
func (c *Cache) lookup(vaddr, alignment uint64) (hostAddr uint64, ok bool) {
	e := c.entries[index(vaddr)]
	expectedTag := vaddr & (layout.VMAddrPageMask ^ (alignment - 1))
	ok = e.tag == expectedTag
	return e.haddrDiff + vaddr, ok
}

// add installs a cache entry mapping vpaddr (a page-aligned guest address)
// to hostPageAddr (the corresponding page-aligned host address), and
// returns the host/guest offset now recorded for that page.
func (c *Cache) add(vpaddr uint64, hostPageAddr uint64) uint64 {
	if !layout.IsAligned(vpaddr, layout.PageSize) {
		panic("vmm: cache.add requires a page-aligned guest address")
	}
	if !layout.IsAligned(hostPageAddr, layout.PageSize) {
		panic("vmm: cache.add requires a page-aligned host address")
	}
	diff := hostPageAddr - vpaddr
	c.entries[index(vpaddr)] = cacheEntry{tag: vpaddr, haddrDiff: diff}
	return diff
}

func index(vaddr uint64) uint64 {
	return VFN(vaddr) & layout.VMCacheIndexMask
}

// handleMiss validates vaddr against op, walks pd to resolve its backing
// host page, installs the result in c, and returns the guest/host offset
// for that page. It panics on an out-of-range or misaligned address: per
// this module's design notes, a future version should route these to a
// recoverable guest fault rather than aborting the process.
func (c *Cache) handleMiss(pd *PageDirectory, vaddr uint64, op uint32) uint64 {
	if vaddr < layout.VMAddrMin || vaddr > layout.VMAddrMax {
		faultf("vmm: virtual address %#x out of range [%#x, %#x]", vaddr, uint64(layout.VMAddrMin), layout.VMAddrMax)
	}
	alignment := uint64(opAlignment(op))
	if !layout.IsAligned(vaddr, alignment) {
		verb := "load"
		if opType(op) == opStore {
			verb = "store"
		}
		faultf("vmm: misaligned %d-byte %s at %#x", alignment, verb, vaddr)
	}

	hostAddr := pd.Translate(vaddr)
	vpaddr := vaddr & layout.VMAddrPageMask
	hostPageAddr := uint64(hostAddr) &^ (layout.PageSize - 1)
	return c.add(vpaddr, hostPageAddr)
}
