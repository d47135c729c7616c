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

import (
	"testing"

	"github.com/iamleson98/rsm/pkg/layout"
	"github.com/iamleson98/rsm/pkg/pmm"
)

func newTestDirectory(t *testing.T) (*pmm.Manager, *PageDirectory) {
	t.Helper()
	mm, err := pmm.New(make([]byte, 16*1024*1024))
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	pd, err := New(mm)
	if err != nil {
		t.Fatalf("vmm.New: %v", err)
	}
	return mm, pd
}

func TestStoreLoadRoundTrip(t *testing.T) {
	_, pd := newTestDirectory(t)
	c := NewCache()

	const vaddr = 0xdeadbee4
	Store(c, pd, vaddr, uint32(0x12345678))
	if got := Load[uint32](c, pd, vaddr); got != 0x12345678 {
		t.Fatalf("Load after Store = %#x, want %#x", got, 0x12345678)
	}
}

func TestStoreLoadAcrossMissAndHit(t *testing.T) {
	_, pd := newTestDirectory(t)
	c := NewCache()

	const vaddr = 0xdeadbee4
	// First access misses (cold cache) and installs the entry; second
	// access must hit the same entry and agree.
	Store(c, pd, vaddr, uint32(42))
	first := Load[uint32](c, pd, vaddr)
	second := Load[uint32](c, pd, vaddr)
	if first != second || first != 42 {
		t.Fatalf("inconsistent reads: first=%d second=%d", first, second)
	}
}

func TestCacheAddLookupInvalidateOne(t *testing.T) {
	c := NewCache()
	const vpaddr = 0xdeadb000
	const hpaddr = 0x1044f000
	c.add(vpaddr, hpaddr)

	host, ok := c.lookup(0xdeadbeef, 1)
	if !ok {
		t.Fatal("lookup should hit after add")
	}
	if host != 0x1044feef {
		t.Fatalf("lookup = %#x, want %#x", host, 0x1044feef)
	}

	c.InvalidateOne(0xdeadbeef)
	if _, ok := c.lookup(0xdeadbeef, 1); ok {
		t.Fatal("lookup should miss after InvalidateOne")
	}
}

func TestCacheInvalidateClearsAllSlots(t *testing.T) {
	c := NewCache()
	c.add(0xdeadb000, 0x1044f000)
	c.Invalidate()
	if _, ok := c.lookup(0xdeadbeef, 1); ok {
		t.Fatal("lookup should miss after Invalidate")
	}
}

func TestAlignmentFoldedCacheTag(t *testing.T) {
	// Folding the requested alignment into the tag forces any lookup whose
	// address is misaligned for its access width back to the miss handler
	// (which re-checks alignment and faults), even when the page itself is
	// cached. A properly aligned lookup of the same cached page still hits.
	c := NewCache()
	c.add(0xdeadb000, 0x1044f000)

	if _, ok := c.lookup(0xdeadb001, 4); ok {
		t.Fatal("a misaligned address must miss despite its page being cached")
	}
	host, ok := c.lookup(0xdeadb001, 1)
	if !ok || host != 0x1044f001 {
		t.Fatalf("byte-wide lookup = (%#x,%v), want (0x1044f001,true)", host, ok)
	}
	host, ok = c.lookup(0xdeadb004, 4)
	if !ok || host != 0x1044f004 {
		t.Fatalf("aligned 4-byte lookup = (%#x,%v), want (0x1044f004,true)", host, ok)
	}
}

func TestLoadOutOfRangePanics(t *testing.T) {
	_, pd := newTestDirectory(t)
	c := NewCache()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range address")
		}
	}()
	Load[uint32](c, pd, layout.VMAddrMax+1)
}

func TestLoadMisalignedPanics(t *testing.T) {
	_, pd := newTestDirectory(t)
	c := NewCache()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for misaligned access")
		}
	}()
	Load[uint32](c, pd, uint64(layout.VMAddrMin+1))
}

func TestTranslateIsStableAcrossCalls(t *testing.T) {
	_, pd := newTestDirectory(t)
	const vaddr = 0xdeadbee4
	a := pd.Translate(vaddr)
	b := pd.Translate(vaddr)
	if a != b {
		t.Fatalf("Translate not stable: %#x != %#x", a, b)
	}
}

func TestCloseReleasesAllBackingPages(t *testing.T) {
	mm, pd := newTestDirectory(t)
	before := mm.AvailTotal()

	// Touch several widely spread addresses so the walk installs multiple
	// interior nodes and leaf pages.
	for _, v := range []uint64{
		layout.VMAddrMin,
		0x1_0000_0000,
		0x8000_0000_0000 - layout.PageSize,
		0xdeadbee4,
	} {
		pd.Translate(v)
	}
	if after := mm.AvailTotal(); after == before {
		t.Fatal("expected AvailTotal to drop after touching pages")
	}

	pd.Close()
	if got := mm.AvailTotal(); got != mm.Cap() {
		t.Fatalf("AvailTotal after Close = %d, want %d (all pages, root included, released)", got, mm.Cap())
	}
}
