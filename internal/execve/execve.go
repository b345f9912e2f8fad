// Package execve implements everything downstream of a parsed executable
// image: staging its segments, building the initial stack, and replacing
// the caller's address space with the freshly built one. ELF parsing
// itself sits outside this module's boundary (an external loader hands
// in an already-parsed Image); this package starts at "zero child slot
// 0's user window" and runs through "jump to the entry point", grounded
// on the host kernel's exec_copyargs/exec staging sequence.
package execve

import (
	"encoding/binary"

	"github.com/khannotations/pios/internal/defs"
	"github.com/khannotations/pios/internal/fs"
	"github.com/khannotations/pios/internal/proc"
	"github.com/khannotations/pios/internal/vm"
)

// Segment is one loadable piece of a parsed executable image.
type Segment struct {
	VAddr    uint64
	Data     []byte
	Writable bool
}

// Image is everything a loader outside this module produces: an entry
// point and the segments to map there.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// roundUpPTSIZE rounds n up to the next multiple of PTSIZE, the
// granularity every bulk COPY into child slot 0 operates at.
func roundUpPTSIZE(n uint64) uint64 {
	if n%defs.PTSIZE == 0 {
		return n
	}
	return (n/defs.PTSIZE + 1) * defs.PTSIZE
}

// Exec builds a fresh address space for self from img and argv, staging
// each segment through the always-reserved child slot 0, then promotes
// that staged directory to be self's own. self's process table entry and
// file-state table carry over; only its address space and saved
// registers change.
//
// Unlike a real kernel, scratch pages here are written at their final
// destination directly rather than relocated afterward, since Insert and
// WriteBytes already address the destination directory — there is no
// separate "staging address" to fix up pointers against.
func Exec(self *proc.Proc, tab *proc.Table, m *vm.Manager, selfFS *fs.Table, img Image, argv []string) defs.Err_t {
	child0, _, err := tab.AllocChild(self, 0)
	if err != 0 {
		return err
	}

	// Zero child 0's user window: start from a directory with nothing
	// mapped, rather than iterating a grant of the zero page across the
	// entire 1 GB window up front (faults lazily resolve unmapped reads
	// to zero the same as an explicit grant would).
	child0.Dir = vm.NewDir()

	scratch := uint64(defs.SCRATCHLO)
	for _, seg := range img.Segments {
		size := roundUpPTSIZE(uint64(len(seg.Data)))
		if size == 0 {
			size = defs.PTSIZE
		}
		if scratch+size > defs.SCRATCHHI {
			return defs.ENOMEM
		}

		if e := stageSegment(m, self.Dir, scratch, seg.Data); e != 0 {
			return e
		}
		if e := m.Copy(self.Dir, scratch, child0.Dir, seg.VAddr, size); e != 0 {
			return e
		}
		if !seg.Writable {
			if e := m.SetPerm(child0.Dir, seg.VAddr, size, true, false); e != 0 {
				return e
			}
		}
		scratch += size
	}

	sp, e := buildStack(m, child0.Dir, argv)
	if e != 0 {
		return e
	}

	self.Dir = child0.Dir
	self.Regs = proc.Regs{IP: img.Entry}
	self.Regs.GP[0] = sp

	// File state carries over unchanged: exec does not close file
	// descriptors. The "COPY the file-state region into child 0" step is
	// a no-op in this representation, since selfFS already is self's
	// authoritative file-state table rather than a VA-addressed region
	// staged separately.
	_ = selfFS

	child0.Dir = vm.NewDir() // clear the staging slot for the next exec
	return 0
}

// stageSegment maps fresh writable pages at [va, va+len(data)) in dir and
// copies data into them, one page at a time.
func stageSegment(m *vm.Manager, dir *vm.PageDir, va uint64, data []byte) defs.Err_t {
	for off := 0; off < len(data); off += defs.PAGESIZE {
		frame, ok := m.Mem.Alloc()
		if !ok {
			return defs.ENOMEM
		}
		pageva := va + uint64(off)
		if e := m.Insert(dir, frame, pageva, true, true); e != 0 {
			return e
		}
		end := off + defs.PAGESIZE
		if end > len(data) {
			end = len(data)
		}
		if e := m.WriteBytes(dir, pageva, data[off:end]); e != 0 {
			return e
		}
	}
	return 0
}

// buildStack writes argc, an argument-pointer vector, and the argument
// bytes themselves at the top of the user window, strings packed
// downward from STACKHI, and returns the resulting stack pointer.
func buildStack(m *vm.Manager, dir *vm.PageDir, argv []string) (uint64, defs.Err_t) {
	if len(argv) == 0 {
		argv = []string{""}
	}

	var strBlob []byte
	strOff := make([]int, len(argv))
	for i, s := range argv {
		strOff[i] = len(strBlob)
		strBlob = append(strBlob, []byte(s)...)
		strBlob = append(strBlob, 0)
	}

	ptrVecSize := 8 * (len(argv) + 1) // argv pointers plus a NULL terminator
	argcSize := 8
	total := argcSize + ptrVecSize + len(strBlob)
	if total > defs.PAGESIZE {
		return 0, defs.ENOMEM
	}

	stackPage := uint64(defs.STACKHI) - defs.PAGESIZE
	strBase := stackPage + defs.PAGESIZE - uint64(len(strBlob))

	buf := make([]byte, defs.PAGESIZE)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(argv)))
	for i, off := range strOff {
		ptr := strBase + uint64(off)
		binary.LittleEndian.PutUint64(buf[argcSize+8*i:argcSize+8*i+8], ptr)
	}
	// the NULL terminator slot at buf[argcSize+8*len(argv):] is already zero
	copy(buf[defs.PAGESIZE-len(strBlob):], strBlob)

	frame, ok := m.Mem.Alloc()
	if !ok {
		return 0, defs.ENOMEM
	}
	if e := m.Insert(dir, frame, stackPage, true, true); e != 0 {
		return 0, e
	}
	if e := m.WriteBytes(dir, stackPage, buf); e != 0 {
		return 0, e
	}

	return stackPage, 0
}
