package vm

import (
	"testing"

	"github.com/khannotations/pios/internal/defs"
	"github.com/khannotations/pios/internal/mem"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return New(mem.NewPhysmem(64))
}

// writeAt writes b at va, first establishing a fresh writable mapping for
// the containing page if nothing is mapped there yet (standing in for the
// initial Insert an exec or fork would have already performed).
func writeAt(t *testing.T, m *Manager, d *PageDir, va uint64, b byte) {
	t.Helper()
	pageva := va - va%defs.PAGESIZE
	if _, ok := m.Lookup(d, pageva); !ok {
		frame, ok := m.Mem.Alloc()
		if !ok {
			t.Fatalf("out of frames")
		}
		if err := m.Insert(d, frame, pageva, true, true); err != 0 {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := m.WriteBytes(d, va, []byte{b}); err != 0 {
		t.Fatalf("WriteBytes: %v", err)
	}
}

func readAt(t *testing.T, m *Manager, d *PageDir, va uint64) byte {
	t.Helper()
	buf := make([]byte, 1)
	if err := m.ReadBytes(d, va, buf); err != 0 {
		t.Fatalf("ReadBytes: %v", err)
	}
	return buf[0]
}

// Property 2: COW correctness.
func TestCOWCorrectness(t *testing.T) {
	m := newManager(t)
	parent := NewDir()
	child := NewDir()

	writeAt(t, m, parent, 0, 0xAA)

	if err := m.Copy(parent, 0, child, 0, 4<<20); err != 0 {
		t.Fatalf("Copy: %v", err)
	}

	if got := readAt(t, m, child, 0); got != 0xAA {
		t.Fatalf("child should read parent's pre-copy byte, got %x", got)
	}

	writeAt(t, m, parent, 0, 0xBB)
	if got := readAt(t, m, child, 0); got != 0xAA {
		t.Fatalf("writing through parent must not affect child; got %x", got)
	}
	if got := readAt(t, m, parent, 0); got != 0xBB {
		t.Fatalf("parent should read its own write, got %x", got)
	}
}

// Property 3: merge commutativity on appends (S2-style scenario at the page
// level: both sides append disjoint, non-conflicting bytes).
func TestMergeAppendNoConflict(t *testing.T) {
	m := newManager(t)
	base := NewDir()
	writeAt(t, m, base, 0, 'A')

	snap := NewDir()
	if err := m.Copy(base, 0, snap, 0, 4<<20); err != 0 {
		t.Fatalf("snapshot copy: %v", err)
	}

	parent := NewDir()
	child := NewDir()
	if err := m.Copy(base, 0, parent, 0, 4<<20); err != 0 {
		t.Fatalf("parent copy: %v", err)
	}
	if err := m.Copy(base, 0, child, 0, 4<<20); err != 0 {
		t.Fatalf("child copy: %v", err)
	}

	if err := m.WriteBytes(parent, 1, []byte{'P'}); err != 0 {
		t.Fatalf("parent write: %v", err)
	}
	if err := m.WriteBytes(child, 2, []byte{'C'}); err != 0 {
		t.Fatalf("child write: %v", err)
	}

	dst := NewDir()
	if err := m.Copy(parent, 0, dst, 0, 4<<20); err != 0 {
		t.Fatalf("dst seed: %v", err)
	}
	if err := m.Merge(snap, child, 0, dst, 0, 4<<20); err != 0 {
		t.Fatalf("merge: %v", err)
	}

	want := []byte{'A', 'P', 'C', 0}
	for i, w := range want {
		got := readAt(t, m, dst, uint64(i))
		if got != w {
			t.Fatalf("byte %d: got %q want %q", i, got, w)
		}
	}
}

// Property 4: merge conflict detection.
func TestMergeConflict(t *testing.T) {
	m := newManager(t)
	base := NewDir()
	writeAt(t, m, base, 0, 'A')

	snap := NewDir()
	if err := m.Copy(base, 0, snap, 0, 4<<20); err != 0 {
		t.Fatalf("snapshot copy: %v", err)
	}
	parent := NewDir()
	child := NewDir()
	m.Copy(base, 0, parent, 0, 4<<20)
	m.Copy(base, 0, child, 0, 4<<20)

	m.WriteBytes(parent, 0, []byte{'P'})
	m.WriteBytes(child, 0, []byte{'C'})

	dst := NewDir()
	m.Copy(parent, 0, dst, 0, 4<<20)
	err := m.Merge(snap, child, 0, dst, 0, 4<<20)
	if err == 0 {
		t.Fatalf("expected merge conflict error, got none")
	}

	e, ok := m.Lookup(dst, 0)
	if ok && e.Kind != Absent {
		t.Fatalf("conflicted destination page should be cleared, got kind %v", e.Kind)
	}
}

func TestSetPermZeroPage(t *testing.T) {
	m := newManager(t)
	d := NewDir()
	if err := m.SetPerm(d, 0, uint64(defs.PAGESIZE), true, false); err != 0 {
		t.Fatalf("SetPerm: %v", err)
	}
	if got := readAt(t, m, d, 0); got != 0 {
		t.Fatalf("zero page should read as zero, got %x", got)
	}
}
