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

import "unsafe"

// Scalar constrains the widths Load and Store can move between guest and
// host memory.
type Scalar interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Load reads a T-sized scalar from guest address vaddr through cache,
// consulting pd's page directory on a cache miss. vaddr must be aligned to
// sizeof(T); a violation is a fatal fault (see Cache.handleMiss).
func Load[T Scalar](c *Cache, pd *PageDirectory, vaddr uint64) T {
	var zero T
	size := uint64(unsafe.Sizeof(zero))
	hostAddr, ok := c.lookup(vaddr, size)
	if !ok {
		hostAddr = vaddr + c.handleMiss(pd, vaddr, makeOp(opLoad, uint32(size)))
	}
	b := pd.pmm.Bytes(uintptr(hostAddr), int(size))
	return *(*T)(unsafe.Pointer(&b[0]))
}

// Store writes val as a T-sized scalar to guest address vaddr through
// cache, consulting pd's page directory on a cache miss. vaddr must be
// aligned to sizeof(T); a violation is a fatal fault (see
// Cache.handleMiss).
func Store[T Scalar](c *Cache, pd *PageDirectory, vaddr uint64, val T) {
	size := uint64(unsafe.Sizeof(val))
	hostAddr, ok := c.lookup(vaddr, size)
	if !ok {
		hostAddr = vaddr + c.handleMiss(pd, vaddr, makeOp(opStore, uint32(size)))
	}
	b := pd.pmm.Bytes(uintptr(hostAddr), int(size))
	*(*T)(unsafe.Pointer(&b[0])) = val
}

// LoadU8, LoadU16, LoadU32 and LoadU64 are fixed-width conveniences over
// Load, for call sites that don't want to spell out a type parameter.
func LoadU8(c *Cache, pd *PageDirectory, vaddr uint64) uint8   { return Load[uint8](c, pd, vaddr) }
func LoadU16(c *Cache, pd *PageDirectory, vaddr uint64) uint16 { return Load[uint16](c, pd, vaddr) }
func LoadU32(c *Cache, pd *PageDirectory, vaddr uint64) uint32 { return Load[uint32](c, pd, vaddr) }
func LoadU64(c *Cache, pd *PageDirectory, vaddr uint64) uint64 { return Load[uint64](c, pd, vaddr) }

// StoreU8, StoreU16, StoreU32 and StoreU64 are fixed-width conveniences
// over Store.
func StoreU8(c *Cache, pd *PageDirectory, vaddr uint64, v uint8) { Store(c, pd, vaddr, v) }
func StoreU16(c *Cache, pd *PageDirectory, vaddr uint64, v uint16) { Store(c, pd, vaddr, v) }
func StoreU32(c *Cache, pd *PageDirectory, vaddr uint64, v uint32) { Store(c, pd, vaddr, v) }
func StoreU64(c *Cache, pd *PageDirectory, vaddr uint64, v uint64) { Store(c, pd, vaddr, v) }
