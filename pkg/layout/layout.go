// Package layout holds the address-space and allocator constants shared by
// pkg/pmm, pkg/vmm and pkg/kha, plus the small bit-twiddling helpers the
// three subsystems all need (power-of-two rounding, alignment).
package layout

import "math/bits"

const (
	// PageSize is the size in bytes of a single host page. It must be a
	// power of two.
	PageSize = 4096

	// PageSizeBits is log2(PageSize).
	PageSizeBits = 12

	// VMAddrBits is the width, in bits, of a guest virtual address.
	VMAddrBits = 48

	// VMAddrMin is the lowest legal guest virtual address. It is deliberately
	// PageSize itself so that the zero address remains usable as a null
	// sentinel.
	VMAddrMin = PageSize

	// VMAddrMax is the highest legal guest virtual address (inclusive).
	VMAddrMax = (uint64(1) << VMAddrBits) - 1

	// VMAddrPageMask masks a virtual address down to its containing page.
	VMAddrPageMask = ^uint64(PageSize - 1)

	// VMPtabLevels is the number of levels in the page directory tree.
	VMPtabLevels = 4

	// VMPtabBits is the number of VFN bits consumed per page directory
	// level.
	VMPtabBits = (VMAddrBits - PageSizeBits) / VMPtabLevels

	// VMPtabLen is the number of PTE slots in a single page directory node.
	VMPtabLen = 1 << VMPtabBits

	// VFNBits is the number of bits in a virtual frame number.
	VFNBits = VMAddrBits - PageSizeBits

	// VMCacheLen is the number of entries in the direct-mapped translation
	// cache. Must be a power of two.
	VMCacheLen = 1024

	// VMCacheIndexMask selects the low bits of a VFN used to index the
	// translation cache.
	VMCacheIndexMask = VMCacheLen - 1

	// DefaultMaxOrder is the largest buddy order (page count = 2^order) the
	// PMM will track by default. 20 orders covers up to 4 GiB of pages at
	// PageSize=4096.
	DefaultMaxOrder = 20

	// ChunkSize is the sub-heap's allocation granule, in bytes. Must be a
	// power of two. 64 on 64-bit hosts.
	ChunkSize = 64

	// BestFitThreshold: allocation requests for at least this many chunks
	// use a best-fit bitset scan; smaller requests use first-fit.
	BestFitThreshold = 128

	// SlabMinSize is the smallest slab heap's chunk size, in bytes. Must be
	// a power of two; sized to the host pointer width.
	SlabMinSize = 8

	// SlabCount is the number of slab size classes:
	// SlabMinSize * 2^i for i in [0, SlabCount).
	SlabCount = 4

	// SlabBlockSize is the size, in bytes, of a single slab block. Must be
	// a multiple of PageSize and naturally aligned.
	SlabBlockSize = PageSize * 16

	// SlabBlockMask recovers a slab block's base address from any pointer
	// into it.
	SlabBlockMask = ^uint64(SlabBlockSize - 1)

	// AllocScrubByte fills KHA sub-heap chunks as they are allocated, to
	// make use of uninitialized memory easier to spot. Individual slab
	// chunks are not scrubbed.
	AllocScrubByte = 0xbb

	// FreeScrubByte fills KHA sub-heap chunks as they are freed, to make
	// use-after-free easier to spot. Individual slab chunks are not
	// scrubbed.
	FreeScrubByte = 0xaa
)

// IsPow2 reports whether x is a power of two. Zero is not a power of two.
func IsPow2(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}

// Log2Floor returns floor(log2(x)). The result is undefined for x == 0.
func Log2Floor(x uint64) int {
	return bits.Len64(x) - 1
}

// CeilPow2 rounds x up to the nearest power of two. CeilPow2(0) == 1.
func CeilPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	return uint64(1) << bits.Len64(x-1)
}

// FloorPow2 rounds x down to the nearest power of two. FloorPow2(0) == 1.
func FloorPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	return uint64(1) << (bits.Len64(x) - 1)
}

// AlignUp rounds x up to the nearest multiple of align, which must be a
// power of two.
func AlignUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// AlignDown rounds x down to the nearest multiple of align, which must be a
// power of two.
func AlignDown(x, align uint64) uint64 {
	return x &^ (align - 1)
}

// IsAligned reports whether x is a multiple of align, which must be a power
// of two.
func IsAligned(x, align uint64) bool {
	return x&(align-1) == 0
}

// GetBits returns the n-bit field of x beginning (MSB-first, zero-indexed)
// at bit position p, right-adjusted. Used to slice a VFN into per-level
// page directory indices.
func GetBits(x uint64, p, n uint32) uint64 {
	return (x >> (p + 1 - n)) & ^(^uint64(0) << n)
}
