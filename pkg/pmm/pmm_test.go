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

package pmm

import (
	"testing"

	"github.com/iamleson98/rsm/pkg/layout"
)

func newTestManager(t *testing.T, size int) *Manager {
	t.Helper()
	m, err := New(make([]byte, size))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestBuddyReuse(t *testing.T) {
	m := newTestManager(t, 10*1024*1024)
	initial := m.AvailTotal()

	p1, ok := m.AllocPages(4)
	if !ok {
		t.Fatal("AllocPages(4) failed")
	}
	m.FreePages(p1)

	p2, ok := m.AllocPages(4)
	if !ok {
		t.Fatal("AllocPages(4) failed")
	}
	if p1 != p2 {
		t.Fatalf("expected buddy reuse: p1=%#x p2=%#x", p1, p2)
	}
	m.FreePages(p2)

	if got := m.AvailTotal(); got != initial {
		t.Fatalf("AvailTotal after round-trip = %d, want %d", got, initial)
	}
}

func TestTipTapFree(t *testing.T) {
	m := newTestManager(t, 10*1024*1024)
	initial := m.AvailTotal()

	var ptrs [16]uintptr
	for i := range ptrs {
		p, ok := m.AllocPages(4)
		if !ok {
			t.Fatalf("AllocPages(4) #%d failed", i)
		}
		ptrs[i] = p
	}
	// One extra page so the final free below doesn't race the last merge.
	extra, ok := m.AllocPages(1)
	if !ok {
		t.Fatal("AllocPages(1) failed")
	}

	// free in tip-tap order: 0, 15, 2, 13, 4, 11, 6, 9, 8, 7, 10, 5, 12, 3, 14, 1
	for i := range ptrs {
		if i%2 == 1 {
			m.FreePages(ptrs[len(ptrs)-i])
		} else {
			m.FreePages(ptrs[i])
		}
	}
	m.FreePages(extra)

	if got := m.AvailTotal(); got != initial {
		t.Fatalf("AvailTotal after tip-tap free = %d, want %d", got, initial)
	}
}

func TestAllocPagesAlignment(t *testing.T) {
	m := newTestManager(t, 10*1024*1024)
	for _, n := range []uint64{1, 2, 4, 8, 16} {
		p, ok := m.AllocPages(n)
		if !ok {
			t.Fatalf("AllocPages(%d) failed", n)
		}
		// Block alignment is relative to the managed region's page-aligned
		// start; the host region itself carries no stronger guarantee.
		rel := uint64(p - m.base - m.startOff)
		want := n * layout.PageSize
		if rel%want != 0 {
			t.Errorf("AllocPages(%d) at region offset %#x, not %d-byte aligned", n, rel, want)
		}
		if uint64(p)%layout.PageSize != 0 {
			t.Errorf("AllocPages(%d) = %#x, not page aligned", n, p)
		}
		m.FreePages(p)
	}
}

func TestAllocPagesRequiresPow2(t *testing.T) {
	m := newTestManager(t, 1024*1024)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-power-of-two npages")
		}
	}()
	m.AllocPages(3)
}

func TestAllocPagesExhaustion(t *testing.T) {
	m := newTestManager(t, 64*1024)
	cap := m.AvailMaxRegion()
	if _, ok := m.AllocPages(cap * 2); ok {
		t.Fatal("expected exhaustion to fail")
	}
}

func TestAllocPagesMinDowngrades(t *testing.T) {
	m := newTestManager(t, 64*1024)
	maxp := m.AvailMaxRegion()
	req := maxp * 4
	ptr, got, ok := m.AllocPagesMin(req, 1)
	if !ok {
		t.Fatal("AllocPagesMin failed entirely")
	}
	if got > maxp {
		t.Fatalf("AllocPagesMin returned %d pages, larger than max region %d", got, maxp)
	}
	if ptr == 0 {
		t.Fatal("AllocPagesMin returned nil pointer")
	}
}

func TestBuddyAddressLaw(t *testing.T) {
	m := newTestManager(t, 1024*1024)
	p, ok := m.AllocPages(2)
	if !ok {
		t.Fatal("AllocPages(2) failed")
	}
	size := uint64(2 * layout.PageSize)
	addr := uint64(p) - uint64(m.base) - uint64(m.startOff)
	buddy := addr ^ size
	order := 1
	bit := addr / size
	if !bitGet(m.bitsets[order], bit) {
		t.Fatal("allocated block's bit should be set at its own order")
	}
	buddyBit := buddy / size
	if bitGet(m.bitsets[order], buddyBit) {
		t.Fatal("free buddy's bit should be clear")
	}
	m.FreePages(p)
}

func TestCapReflectsRegion(t *testing.T) {
	m := newTestManager(t, 10*1024*1024)
	if m.Cap() == 0 {
		t.Fatal("Cap() should be nonzero")
	}
	if m.AvailTotal() != m.Cap() {
		t.Fatalf("fresh manager AvailTotal=%d should equal Cap=%d", m.AvailTotal(), m.Cap())
	}
}
