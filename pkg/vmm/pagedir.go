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

// Package vmm implements guest-virtual-to-host address translation: a
// multi-level page directory with lazy demand allocation, backed by a
// pmm.Manager, plus a direct-mapped translation cache for the hot
// load/store path (see cache.go and access.go).
package vmm

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/iamleson98/rsm/pkg/layout"
	"github.com/iamleson98/rsm/pkg/pmm"
)

// VFN returns the virtual frame number of vaddr: vaddr shifted right by
// PageSizeBits. Because VMAddrMin is itself exactly PageSize, VFN(VMAddrMin)
// is 1; PageDirectory biases this down to 0 internally so that the lowest
// legal address consumes index 0 at every page directory level.
func VFN(vaddr uint64) uint64 {
	return vaddr >> layout.PageSizeBits
}

// PageDirectory is a rooted tree of exactly layout.VMPtabLevels levels,
// mapping guest virtual frame numbers to host page frames. All mutating and
// walking operations are serialized by a single mutex.
type PageDirectory struct {
	mu   sync.Mutex
	pmm  *pmm.Manager
	root uintptr

	// nodes and pages record every interior page-table node and guest
	// backing page this directory has installed (excluding the root, which
	// is tracked separately), so that Close can release all of them rather
	// than only the root.
	nodes map[uintptr]struct{}
	pages map[uintptr]struct{}
}

// New creates a page directory over mm, allocating its root node.
func New(mm *pmm.Manager) (*PageDirectory, error) {
	root, ok := mm.AllocPages(1)
	if !ok {
		return nil, pmm.ErrOutOfMemory
	}
	zeroNode(mm.Bytes(root, layout.PageSize))
	return &PageDirectory{
		pmm:   mm,
		root:  root,
		nodes: make(map[uintptr]struct{}),
		pages: make(map[uintptr]struct{}),
	}, nil
}

// Close releases every page-table node and backing page this directory
// installed (as recorded in nodes and pages), then its root.
func (pd *PageDirectory) Close() {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	for addr := range pd.pages {
		pd.pmm.FreePages(addr)
	}
	for addr := range pd.nodes {
		pd.pmm.FreePages(addr)
	}
	pd.pmm.FreePages(pd.root)
	pd.pages = nil
	pd.nodes = nil
}

// Translate returns the host address corresponding to vaddr, walking the
// page directory and allocating any page-table node or backing page needed
// along the way (lazy demand allocation, "first touch").
func (pd *PageDirectory) Translate(vaddr uint64) uintptr {
	pte := pd.lookupPTE(VFN(vaddr))
	hostPageAddr := addrFromHPFN(pte)
	return hostPageAddr + uintptr(vaddr&^layout.VMAddrPageMask)
}

// lookupPTE walks the page directory for vfn, installing a page-table node
// or backing page on first touch, and returns the resulting leaf PTE value
// (a host page frame number, or 0 only if something has gone very wrong).
//
// Exhausting the backing pmm.Manager during this walk is fatal in this
// version (see the module's design notes on the VMM's first-touch path):
// a future version is expected to route this to a page-reclaim policy or a
// trappable guest fault instead of aborting the process.
func (pd *PageDirectory) lookupPTE(vfn uint64) uint64 {
	if vfn == 0 {
		panic("vmm: invalid VFN 0 (virtual address below VMAddrMin)")
	}
	vfn--

	pd.mu.Lock()
	defer pd.mu.Unlock()

	var bitsConsumed uint32
	maskedVFN := vfn
	ptabAddr := pd.root
	var pte uint64

	for level := 1; ; level++ {
		index := layout.GetBits(maskedVFN, layout.VFNBits-(1+bitsConsumed), layout.VMPtabBits)
		ptab := pd.node(ptabAddr)
		pte = ptab[index]

		if level == layout.VMPtabLevels {
			if pte == 0 {
				backing, ok := pd.pmm.AllocPages(1)
				if !ok {
					panic("vmm: out of memory allocating backing page (first touch)")
				}
				pte = hpfnOf(backing)
				ptab[index] = pte
				pd.pages[backing] = struct{}{}
			}
			return pte
		}

		bitsConsumed += layout.VMPtabBits
		maskedVFN = layout.GetBits(maskedVFN, layout.VFNBits-(1+bitsConsumed), layout.VFNBits-bitsConsumed)

		if pte != 0 {
			ptabAddr = addrFromHPFN(pte)
			continue
		}

		newTab, ok := pd.pmm.AllocPages(1)
		if !ok {
			panic("vmm: out of memory allocating page-table node")
		}
		zeroNode(pd.pmm.Bytes(newTab, layout.PageSize))
		ptab[index] = hpfnOf(newTab)
		pd.nodes[newTab] = struct{}{}
		ptabAddr = newTab
	}
}

// node returns the VMPtabLen-entry PTE array stored at host address addr.
func (pd *PageDirectory) node(addr uintptr) []uint64 {
	b := pd.pmm.Bytes(addr, layout.PageSize)
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), layout.VMPtabLen)
}

func zeroNode(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// hpfnOf converts a host address to a host page frame number.
func hpfnOf(addr uintptr) uint64 {
	return uint64(addr) >> layout.PageSizeBits
}

// addrFromHPFN converts a host page frame number back to a host address.
func addrFromHPFN(hpfn uint64) uintptr {
	return uintptr(hpfn << layout.PageSizeBits)
}

// faultf panics with a formatted message, used for the VMM's fatal
// out-of-range and misalignment faults (see cache.go's handleMiss).
func faultf(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
