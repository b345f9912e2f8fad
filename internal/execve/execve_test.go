package execve

import (
	"encoding/binary"
	"testing"

	"github.com/khannotations/pios/internal/defs"
	"github.com/khannotations/pios/internal/fs"
	"github.com/khannotations/pios/internal/mem"
	"github.com/khannotations/pios/internal/proc"
	"github.com/khannotations/pios/internal/vm"
)

func TestExecLoadsSegmentAndBuildsStack(t *testing.T) {
	m := vm.New(mem.NewPhysmem(4096))
	tab := proc.NewTable()
	self := tab.Root
	self.Dir = vm.NewDir()
	selfFS := fs.NewTable()

	text := make([]byte, 16)
	copy(text, []byte("CODE"))
	img := Image{
		Entry: 0,
		Segments: []Segment{
			{VAddr: 0, Data: text, Writable: false},
		},
	}

	if err := Exec(self, tab, m, selfFS, img, []string{"prog", "arg1"}); err != 0 {
		t.Fatalf("Exec: %v", err)
	}

	if self.Regs.IP != 0 {
		t.Fatalf("expected entry IP 0, got %#x", self.Regs.IP)
	}

	buf := make([]byte, len(text))
	if err := m.ReadBytes(self.Dir, 0, buf); err != 0 {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(buf[:4]) != "CODE" {
		t.Fatalf("expected loaded segment bytes, got %q", buf)
	}

	sp := self.Regs.GP[0]
	argcBuf := make([]byte, 8)
	if err := m.ReadBytes(self.Dir, sp, argcBuf); err != 0 {
		t.Fatalf("ReadBytes argc: %v", err)
	}
	if got := binary.LittleEndian.Uint64(argcBuf); got != 2 {
		t.Fatalf("expected argc 2, got %d", got)
	}

	ptrBuf := make([]byte, 8)
	if err := m.ReadBytes(self.Dir, sp+8, ptrBuf); err != 0 {
		t.Fatalf("ReadBytes argv[0] ptr: %v", err)
	}
	argv0Ptr := binary.LittleEndian.Uint64(ptrBuf)

	nameBuf := make([]byte, 4)
	if err := m.ReadBytes(self.Dir, argv0Ptr, nameBuf); err != 0 {
		t.Fatalf("ReadBytes argv[0] string: %v", err)
	}
	if string(nameBuf) != "prog" {
		t.Fatalf("expected argv[0]=%q, got %q", "prog", nameBuf)
	}
}

func TestExecRejectsSegmentOverflowingScratch(t *testing.T) {
	m := vm.New(mem.NewPhysmem(8))
	tab := proc.NewTable()
	self := tab.Root
	self.Dir = vm.NewDir()
	selfFS := fs.NewTable()

	huge := make([]byte, 0)
	segs := []Segment{}
	scratchSpan := uint64(defs.SCRATCHHI - defs.SCRATCHLO)
	for off := uint64(0); off < scratchSpan+defs.PTSIZE; off += defs.PTSIZE {
		segs = append(segs, Segment{VAddr: off, Data: huge})
	}
	img := Image{Entry: 0, Segments: segs}

	if err := Exec(self, tab, m, selfFS, img, nil); err == 0 {
		t.Fatalf("expected ENOMEM from exceeding scratch space")
	}
}
