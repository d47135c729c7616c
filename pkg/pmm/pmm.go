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

// Package pmm implements a binary buddy allocator over a single
// host-contiguous memory region, handing out page-aligned runs of host
// memory in power-of-two page counts.
package pmm

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/iamleson98/rsm/pkg/layout"
)

// ErrOutOfMemory is returned by allocation calls that cannot satisfy a
// request, and by New and NewFromOS when the supplied region is too
// small to hold a single usable page.
var ErrOutOfMemory = errors.New("pmm: out of memory")

// ErrInvalidArgument marks a programming error: a non-power-of-two page
// count passed to AllocPages, or an address passed to FreePages that is
// not allocated at any order. Both panic. A request for more pages than
// MaxOrder allows is not an argument error; it fails like exhaustion.
var ErrInvalidArgument = errors.New("pmm: invalid argument")

// Manager partitions a contiguous host memory region into power-of-two page
// runs. All mutating operations are serialized by a single mutex, per the
// coarse-locking discipline of the memory subsystem (see the module's
// concurrency model): a PMM never blocks except on contention for this lock.
type Manager struct {
	mu sync.Mutex

	region   []byte // the entire host-backed buffer, as supplied/mapped
	base     uintptr
	startOff uintptr // offset into region of the first usable, page-aligned byte
	npages   uint64  // total number of order-0 pages under management
	freeSize uint64  // bytes currently free

	maxOrder int
	bitsets  [][]byte          // bitsets[k]: bit set iff block of order k at that index is allocated
	free     []map[uint64]bool // free[k]: set of free block addresses (offsets from startOff) at order k

	mmapped bool // true if region was obtained via unix.Mmap and must be released on Close
}

// Option configures a Manager at creation time.
type Option func(*config)

type config struct {
	maxOrder int
}

// WithMaxOrder overrides the largest buddy order the manager will track.
// The default is layout.DefaultMaxOrder.
func WithMaxOrder(order int) Option {
	return func(c *config) { c.maxOrder = order }
}

// New creates a Manager over a caller-supplied host memory region. The
// caller retains ownership of region and must keep it alive for the
// Manager's lifetime; Close does not release it.
func New(region []byte, opts ...Option) (*Manager, error) {
	cfg := config{maxOrder: layout.DefaultMaxOrder}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newManager(region, false, cfg)
}

// NewFromOS creates a Manager backed by a fresh anonymous mapping obtained
// from the host operating system via mmap, sized to size bytes (rounded up
// to a page). Close unmaps the region.
func NewFromOS(size int, opts ...Option) (*Manager, error) {
	size = int(layout.AlignUp(uint64(size), layout.PageSize))
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "pmm: mmap")
	}
	cfg := config{maxOrder: layout.DefaultMaxOrder}
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := newManager(region, true, cfg)
	if err != nil {
		_ = unix.Munmap(region)
		return nil, err
	}
	return m, nil
}

func newManager(region []byte, mmapped bool, cfg config) (*Manager, error) {
	if len(region) == 0 {
		return nil, ErrOutOfMemory
	}
	if cfg.maxOrder <= 0 {
		cfg.maxOrder = layout.DefaultMaxOrder
	}

	base := uintptr(unsafe.Pointer(&region[0]))
	start := layout.AlignUp(uint64(base), layout.PageSize)
	startOff := uintptr(start - uint64(base))
	end := uint64(base) + uint64(len(region))
	usable := layout.AlignDown(end-start, layout.PageSize)
	if usable < layout.PageSize {
		return nil, ErrOutOfMemory
	}

	npages := usable / layout.PageSize
	m := &Manager{
		region:   region,
		base:     base,
		startOff: startOff,
		npages:   npages,
		maxOrder: cfg.maxOrder,
		mmapped:  mmapped,
	}

	// Per-order use bitsets are sized from the order-0 block count, halved
	// per order plus two trailing sentinel bytes. They live in ordinary Go
	// slices rather than being carved out of the managed region itself:
	// the runtime already owns a place for this bookkeeping, so there is
	// no need to steal bytes from the buffer handed out to callers.
	bsetBytes := npages/8 + 2
	m.bitsets = make([][]byte, cfg.maxOrder+1)
	m.free = make([]map[uint64]bool, cfg.maxOrder+1)
	for order := 0; order <= cfg.maxOrder; order++ {
		size := bsetBytes>>uint(order) + 2
		m.bitsets[order] = make([]byte, size)
		m.free[order] = make(map[uint64]bool)
	}

	m.seed(npages)
	return m, nil
}

// seed populates the free lists with the initial set of blocks covering the
// entire usable span: repeatedly take the largest power-of-two page count
// that fits in what remains (capped at 2^maxOrder), until the whole span is
// represented.
func (m *Manager) seed(totalPages uint64) {
	maxOrderNPages := uint64(1) << uint(m.maxOrder)
	var addr uint64
	remaining := totalPages
	for remaining > 0 {
		npages := layout.FloorPow2(remaining)
		if npages > maxOrderNPages {
			npages = maxOrderNPages
		}
		order := layout.Log2Floor(npages)
		blockSize := layout.PageSize << uint(order)

		m.free[order][addr] = true
		bit := addr / uint64(blockSize)
		bitClear(m.bitsets[order], bit)
		// Mark the bit of the (possibly imaginary) buddy just past this
		// block as allocated, so that a later free() of a real neighbouring
		// block never attempts to merge across the edge of the managed
		// region.
		bitSet(m.bitsets[order], bit+1)

		addr += uint64(blockSize)
		remaining -= npages
	}
	m.freeSize = totalPages * layout.PageSize
}

// Close releases resources held by the Manager. If the region was obtained
// via NewFromOS, it is unmapped; a caller-supplied region (New) is left
// untouched.
func (m *Manager) Close() error {
	if m.mmapped {
		return unix.Munmap(m.region)
	}
	return nil
}

// Cap returns the total number of order-0 pages under management.
func (m *Manager) Cap() uint64 {
	return m.npages
}

// AvailTotal returns the number of currently free order-0 pages, summed
// across all orders.
func (m *Manager) AvailTotal() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeSize / layout.PageSize
}

// AvailMaxRegion returns the page count of the largest single free block
// currently available: 2^k pages for the highest order k with a nonempty
// free list.
func (m *Manager) AvailMaxRegion() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for order := m.maxOrder; order >= 0; order-- {
		if len(m.free[order]) > 0 {
			return uint64(1) << uint(order)
		}
	}
	return 0
}

// AllocPages allocates npages contiguous pages, aligned to npages*PageSize
// relative to the managed region's page-aligned start (the backing host
// region itself guarantees no more than page alignment). npages must be a
// positive power of two. Returns the host address of the first page, or
// (0, false) on exhaustion.
//
// The caller must release the returned allocation with FreePages, passing
// the same host address; the PMM does not itself remember the size of each
// live allocation (the request becomes a contract for the free path).
func (m *Manager) AllocPages(npages uint64) (uintptr, bool) {
	if npages == 0 {
		return 0, false
	}
	if !layout.IsPow2(npages) {
		panic(errors.Wrapf(ErrInvalidArgument, "AllocPages: npages %d is not a power of two", npages).Error())
	}
	order := layout.Log2Floor(npages)

	m.mu.Lock()
	defer m.mu.Unlock()
	addr, ok := m.allocOrder(order)
	if !ok {
		return 0, false
	}
	m.freeSize -= npages * layout.PageSize
	return m.base + m.startOff + uintptr(addr), true
}

// allocOrder implements the recursive split-on-demand descent: pop a free
// block of the requested order if one exists, otherwise recursively obtain
// one order up and split it in half.
func (m *Manager) allocOrder(order int) (uint64, bool) {
	if order > m.maxOrder {
		return 0, false
	}

	var addr uint64
	if len(m.free[order]) > 0 {
		addr = popAny(m.free[order])
	} else {
		parent, ok := m.allocOrder(order + 1)
		if !ok {
			return 0, false
		}
		size := uint64(layout.PageSize) << uint(order)
		addr = parent
		buddy := addr + size
		m.free[order][buddy] = true
	}

	size := uint64(layout.PageSize) << uint(order)
	bit := addr / size
	bitSet(m.bitsets[order], bit)
	return addr, true
}

// AllocPagesMin rounds req up to a power of two and attempts to allocate
// that many pages, halving on failure down to min. It returns the host
// address and the actual page count allocated, or (0, 0, false) if even
// min pages could not be satisfied.
func (m *Manager) AllocPagesMin(req, min uint64) (uintptr, uint64, bool) {
	npages := layout.CeilPow2(req)
	if min == 0 {
		min = 1
	}
	for {
		if addr, ok := m.AllocPages(npages); ok {
			return addr, npages, true
		}
		if npages == min {
			return 0, 0, false
		}
		npages >>= 1
	}
}

// FreePages releases the allocation beginning at host address ptr. The
// caller must supply an address previously returned by AllocPages or
// AllocPagesMin; the order (and hence size) of the allocation is deduced by
// probing the use bitsets upward from order 0. The lowest order with a set
// bit for ptr is the allocation's own order: no block below that order
// starts at ptr while it is allocated, and the set bits at higher orders
// belong to the larger blocks that were split to produce it. An address
// with no set bit at any order panics with ErrInvalidArgument.
func (m *Manager) FreePages(ptr uintptr) {
	if ptr == 0 {
		return
	}
	addr := uint64(ptr - m.base - m.startOff)

	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.freeOrder(addr, 0)
	if !ok {
		panic(errors.Wrapf(ErrInvalidArgument, "FreePages: %#x is not an allocated block", ptr).Error())
	}
	m.freeSize += uint64(layout.PageSize) << uint(order)
}

func (m *Manager) freeOrder(addr uint64, order int) (int, bool) {
	if order > m.maxOrder {
		return 0, false
	}
	size := uint64(layout.PageSize) << uint(order)
	bit := addr / size
	if !bitGet(m.bitsets[order], bit) {
		// Not allocated at this order; the allocation must be at a higher
		// order (no lower-order block starts at addr while it is allocated).
		return m.freeOrder(addr, order+1)
	}

	buddy := addr ^ size
	buddyBit := buddy / size
	bitClear(m.bitsets[order], bit)

	if order < m.maxOrder && !bitGet(m.bitsets[order], buddyBit) {
		// Buddy is free: merge. Remove it from this order's free set and
		// recurse one order up with the lower of the two addresses. The
		// order reported back is still that of the block freed here.
		delete(m.free[order], buddy)
		lower := addr
		if buddy < addr {
			lower = buddy
		}
		m.freeOrder(lower, order+1)
		return order, true
	}

	m.free[order][addr] = true
	return order, true
}

// Bytes returns a safe []byte view of n bytes starting at host address ptr,
// for callers (principally the VMM) that need to read or write through a
// host address obtained from AllocPages.
func (m *Manager) Bytes(ptr uintptr, n int) []byte {
	off := ptr - m.base
	return m.region[off : off+uintptr(n)]
}

// popAny removes and returns an arbitrary element from a free-address set.
// Order doesn't matter for buddy-allocator correctness: any free block of a
// given order is interchangeable with any other.
func popAny(s map[uint64]bool) uint64 {
	for addr := range s {
		delete(s, addr)
		return addr
	}
	panic("pmm: popAny called on empty set")
}

func bitGet(bitset []byte, bit uint64) bool {
	i := bit / 8
	if int(i) >= len(bitset) {
		return false
	}
	return bitset[i]&(1<<(bit%8)) != 0
}

func bitSet(bitset []byte, bit uint64) {
	i := bit / 8
	if int(i) >= len(bitset) {
		return
	}
	bitset[i] |= 1 << (bit % 8)
}

func bitClear(bitset []byte, bit uint64) {
	i := bit / 8
	if int(i) >= len(bitset) {
		return
	}
	bitset[i] &^= 1 << (bit % 8)
}
