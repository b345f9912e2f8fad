package mem

import (
	"testing"

	"github.com/khannotations/pios/internal/defs"
)

func TestAllocFreeRoundtrip(t *testing.T) {
	p := NewPhysmem(4)
	if p.Free() != 4 {
		t.Fatalf("expected 4 free frames, got %d", p.Free())
	}
	a, ok := p.Alloc()
	if !ok {
		t.Fatalf("alloc failed with free frames available")
	}
	if p.Free() != 3 {
		t.Fatalf("expected 3 free frames after alloc, got %d", p.Free())
	}
	p.Refup(a)
	if p.Refcnt(a) != 2 {
		t.Fatalf("expected refcnt 2, got %d", p.Refcnt(a))
	}
	if p.Refdown(a) {
		t.Fatalf("refdown should not free frame still at refcnt 1")
	}
	if !p.Refdown(a) {
		t.Fatalf("refdown should free frame at refcnt 0")
	}
	if p.Free() != 4 {
		t.Fatalf("expected frame to return to free list, got %d free", p.Free())
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := NewPhysmem(1)
	if _, ok := p.Alloc(); !ok {
		t.Fatalf("first alloc should succeed")
	}
	if _, ok := p.Alloc(); ok {
		t.Fatalf("second alloc should fail: arena exhausted")
	}
}

func TestShareMask(t *testing.T) {
	p := NewPhysmem(1)
	a, _ := p.Alloc()
	p.ShareWith(a, defs.NodeID(2))
	if !p.SharedWith(a, 2) {
		t.Fatalf("expected node 2 to be recorded as sharing frame")
	}
	if p.SharedWith(a, 3) {
		t.Fatalf("node 3 should not be recorded as sharing")
	}
}
