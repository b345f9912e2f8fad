// Package vm implements the page-table manager: two-level page tables over
// the frame arena in internal/mem, copy-on-write semantics, a byte-level
// three-way merge, and the nominal permission overlay. It is the direct
// descendant of a teaching kernel's pmap.c, adapted from literal x86 page
// directories/tables (packed 32-bit cells walked by real hardware) to a
// tagged-union PTE walked by this package's own code, since driving an MMU
// is explicitly out of scope here.
package vm

import (
	"sync/atomic"

	"github.com/khannotations/pios/internal/defs"
	"github.com/khannotations/pios/internal/mem"
)

// PteKind distinguishes what a page-table entry currently denotes. This is
// the tagged-enum view over the stored cell that the design notes call for,
// in place of sprinkling bit tests through the walk/merge code.
type PteKind uint8

const (
	Absent PteKind = iota
	Zero           // maps the shared read-only zero page
	Local          // maps a local frame
	Remote         // REMOTE bit set: payload is (node, addr) on another node
)

// PTE is one leaf page-table entry. HWWritable is the hardware-observed
// writable bit; SysRead/SysWrite are the nominal permission bits, which are
// intentionally distinct (COW clears HWWritable while leaving SysWrite set,
// so the fault handler knows a write is nominally allowed and should COW).
type PTE struct {
	Kind       PteKind
	HWWritable bool
	SysRead    bool
	SysWrite   bool
	Global     bool // kernel-mapping marker; zeroed when sent over the wire
	Frame      mem.Pa_t
	RNode      defs.NodeID
	RAddr      uint32
}

// entriesPerTable is the number of 4 KB pages covered by one page table
// (one directory slot): PTSIZE / PAGESIZE.
const entriesPerTable = defs.PTSIZE / defs.PAGESIZE

// numSlots bounds the directory to cover the user window plus the
// file-state, scratch, and per-inode regions above it.
const numSlots = 1024

// PageTable is a leaf table: entriesPerTable PTEs, refcounted so a single
// table can be shared (COW) by more than one directory slot.
type PageTable struct {
	entries [entriesPerTable]PTE
	refcnt  int32
}

func newTable() *PageTable {
	return &PageTable{refcnt: 1}
}

// cloneTable duplicates a shared table's entries into a fresh, privately
// owned table. Because the two table objects now independently reference
// the same underlying frames, each referenced frame's refcount must be
// bumped so that each table's eventual teardown decrements it exactly once.
func (m *Manager) cloneTable(t *PageTable) *PageTable {
	nt := &PageTable{refcnt: 1}
	nt.entries = t.entries
	for i := range nt.entries {
		if nt.entries[i].Kind == Local {
			m.Mem.Refup(nt.entries[i].Frame)
		}
	}
	return nt
}

// PageDir is a page directory: numSlots pointers to page tables, one per
// 4 MB region of the address space.
type PageDir struct {
	slots [numSlots]*PageTable
}

// NewDir returns an empty page directory.
func NewDir() *PageDir {
	return &PageDir{}
}

// Manager owns the frame arena and the one shared zero frame every unmapped
// but SYS_READ-granted page maps to.
type Manager struct {
	Mem  *mem.Physmem_t
	zero mem.Pa_t
}

// New constructs a page-table manager over the given frame arena.
func New(m *mem.Physmem_t) *Manager {
	z, ok := m.Alloc()
	if !ok {
		panic("vm: could not reserve the zero frame")
	}
	return &Manager{Mem: m, zero: z}
}

func slotOff(va uint64) (int, int) {
	slot := int(va / defs.PTSIZE)
	off := int((va % defs.PTSIZE) / defs.PAGESIZE)
	return slot, off
}

// walk returns the page table covering va, allocating one if absent and
// writing is true. If the table is currently shared (refcount > 1) and
// writing is true, a private copy is installed first; otherwise a shared
// table's entries are left read-only (demoted in place) so concurrent
// readers through the other directory cannot observe a write.
func (m *Manager) walk(d *PageDir, va uint64, writing bool) (*PageTable, int, defs.Err_t) {
	slot, off := slotOff(va)
	if slot < 0 || slot >= numSlots {
		return nil, 0, defs.EFAULT
	}
	t := d.slots[slot]
	if t == nil {
		if !writing {
			return nil, off, 0
		}
		t = newTable()
		d.slots[slot] = t
		return t, off, 0
	}
	if atomic.LoadInt32(&t.refcnt) > 1 {
		if writing {
			nt := m.cloneTable(t)
			m.dropTable(t)
			d.slots[slot] = nt
			return nt, off, 0
		}
		demoteReadOnly(t)
	}
	return t, off, 0
}

func demoteReadOnly(t *PageTable) {
	for i := range t.entries {
		if t.entries[i].Kind == Local {
			t.entries[i].HWWritable = false
		}
	}
}

func (m *Manager) dropTable(t *PageTable) {
	if atomic.AddInt32(&t.refcnt, -1) == 0 {
		for i := range t.entries {
			m.evict(&t.entries[i])
		}
	}
}

func (m *Manager) evict(e *PTE) {
	if e.Kind == Local {
		m.Mem.Refdown(e.Frame)
	}
	*e = PTE{}
}

// Insert maps frame at va with the given nominal permissions, evicting any
// prior mapping and taking a reference on frame.
func (m *Manager) Insert(d *PageDir, frame mem.Pa_t, va uint64, sysRead, sysWrite bool) defs.Err_t {
	if va%defs.PAGESIZE != 0 {
		return defs.EFAULT
	}
	t, off, err := m.walk(d, va, true)
	if err != 0 {
		return err
	}
	m.evict(&t.entries[off])
	m.Mem.Refup(frame)
	t.entries[off] = PTE{
		Kind:       Local,
		HWWritable: sysWrite,
		SysRead:    sysRead,
		SysWrite:   sysWrite,
		Frame:      frame,
	}
	return 0
}

// Remove unmaps the 4 KB-aligned range [va, va+size), dropping refcounts and
// freeing whole page tables exactly covered by the removed range.
func (m *Manager) Remove(d *PageDir, va, size uint64) defs.Err_t {
	if va%defs.PAGESIZE != 0 || size%defs.PAGESIZE != 0 {
		return defs.EFAULT
	}
	for off := uint64(0); off < size; off += defs.PAGESIZE {
		cur := va + off
		slot, idx := slotOff(cur)
		if slot < 0 || slot >= numSlots {
			return defs.EFAULT
		}
		t := d.slots[slot]
		if t == nil {
			continue
		}
		if refcnt(t) > 1 {
			// shared (COW) with another directory: privatize before unmapping
			nt := m.cloneTable(t)
			m.dropTable(t)
			d.slots[slot] = nt
			t = nt
		}
		m.evict(&t.entries[idx])
		if idx == entriesPerTable-1 || cur+defs.PAGESIZE >= va+size {
			if tableEmpty(t) {
				m.dropTable(t)
				d.slots[slot] = nil
			}
		}
	}
	return 0
}

func tableEmpty(t *PageTable) bool {
	for i := range t.entries {
		if t.entries[i].Kind != Absent {
			return false
		}
	}
	return true
}

// Copy implements the 4 MB-aligned bulk COW copy: spdir/dpdir must agree on
// sva, dva, and size being PTSIZE-aligned. Each source page table is shared
// (refcounted) into the destination directory and hardware-writable is
// cleared on both sides so subsequent writes fault into PageFault.
func (m *Manager) Copy(spdir *PageDir, sva uint64, dpdir *PageDir, dva, size uint64) defs.Err_t {
	if sva%defs.PTSIZE != 0 || dva%defs.PTSIZE != 0 || size%defs.PTSIZE != 0 {
		return defs.EFAULT
	}
	nslots := int(size / defs.PTSIZE)
	sslot0, _ := slotOff(sva)
	dslot0, _ := slotOff(dva)
	if sslot0+nslots > numSlots || dslot0+nslots > numSlots {
		return defs.EFAULT
	}
	for i := 0; i < nslots; i++ {
		st := spdir.slots[sslot0+i]
		if st == nil {
			if old := dpdir.slots[dslot0+i]; old != nil {
				m.dropTable(old)
				dpdir.slots[dslot0+i] = nil
			}
			continue
		}
		clearHWWritable(st)
		atomic.AddInt32(&st.refcnt, 1)
		if old := dpdir.slots[dslot0+i]; old != nil {
			m.dropTable(old)
		}
		dpdir.slots[dslot0+i] = st
	}
	return 0
}

func clearHWWritable(t *PageTable) {
	for i := range t.entries {
		if t.entries[i].Kind == Local {
			t.entries[i].HWWritable = false
		}
	}
}

// SetPerm sets nominal permissions on every 4 KB page in [va, va+size).
// Granting SysRead where nothing is mapped installs a read-only mapping to
// the shared zero page; granting SysWrite on an absent or zero page defers
// the real allocation to PageFault.
func (m *Manager) SetPerm(d *PageDir, va, size uint64, sysRead, sysWrite bool) defs.Err_t {
	if va%defs.PAGESIZE != 0 || size%defs.PAGESIZE != 0 {
		return defs.EFAULT
	}
	for off := uint64(0); off < size; off += defs.PAGESIZE {
		t, idx, err := m.walk(d, va+off, true)
		if err != 0 {
			return err
		}
		e := &t.entries[idx]
		switch e.Kind {
		case Absent:
			if sysRead {
				*e = PTE{Kind: Zero, SysRead: true, SysWrite: sysWrite}
			}
		case Zero, Local, Remote:
			e.SysRead = sysRead
			e.SysWrite = sysWrite
			if e.Kind == Local && !sysWrite {
				e.HWWritable = false
			}
		}
	}
	return 0
}

// Lookup returns a copy of the PTE mapping va, and whether anything is
// mapped there at all.
func (m *Manager) Lookup(d *PageDir, va uint64) (PTE, bool) {
	slot, off := slotOff(va)
	if slot < 0 || slot >= numSlots {
		return PTE{}, false
	}
	t := d.slots[slot]
	if t == nil {
		return PTE{}, false
	}
	e := t.entries[off]
	return e, e.Kind != Absent
}

// ReadBytes copies len(buf) bytes starting at va into buf, treating Zero
// and Absent mappings as zero-filled and Remote mappings as a fault (the
// page has not been pulled yet).
func (m *Manager) ReadBytes(d *PageDir, va uint64, buf []byte) defs.Err_t {
	n := 0
	for n < len(buf) {
		page := va + uint64(n)
		pageoff := page % defs.PAGESIZE
		chunk := defs.PAGESIZE - int(pageoff)
		if chunk > len(buf)-n {
			chunk = len(buf) - n
		}
		e, ok := m.Lookup(d, page-pageoff)
		switch {
		case !ok || e.Kind == Absent || e.Kind == Zero:
			for i := 0; i < chunk; i++ {
				buf[n+i] = 0
			}
		case e.Kind == Local:
			src := m.Mem.Page(e.Frame)
			copy(buf[n:n+chunk], src[pageoff:int(pageoff)+chunk])
		default:
			return defs.EFAULT
		}
		n += chunk
	}
	return 0
}

// WriteBytes writes len(buf) bytes starting at va, routing each touched
// page through PageFault first if it is not yet hardware-writable.
func (m *Manager) WriteBytes(d *PageDir, va uint64, buf []byte) defs.Err_t {
	n := 0
	for n < len(buf) {
		page := va + uint64(n)
		pageoff := page % defs.PAGESIZE
		chunk := defs.PAGESIZE - int(pageoff)
		if chunk > len(buf)-n {
			chunk = len(buf) - n
		}
		base := page - pageoff
		e, ok := m.Lookup(d, base)
		if !ok || e.Kind != Local || !e.HWWritable {
			if err := m.PageFault(d, base); err != 0 {
				return err
			}
		}
		e, _ = m.Lookup(d, base)
		dst := m.Mem.Page(e.Frame)
		copy(dst[pageoff:int(pageoff)+chunk], buf[n:n+chunk])
		n += chunk
	}
	return 0
}

// Snapshot returns a fresh directory COW-sharing the whole of d, used to
// implement the SNAP flag's "copy child's pdir wholesale into child's
// rpdir" step.
func (m *Manager) Snapshot(d *PageDir) *PageDir {
	nd := NewDir()
	whole := uint64(numSlots) * defs.PTSIZE
	if err := m.Copy(d, 0, nd, 0, whole); err != 0 {
		panic("vm: snapshot copy of the whole address space failed")
	}
	return nd
}

// ZeroRange maps every 4 KB page in [va, va+size) to a fresh, zeroed,
// private frame (used by the ZERO memory operation).
func (m *Manager) ZeroRange(d *PageDir, va, size uint64) defs.Err_t {
	if va%defs.PAGESIZE != 0 || size%defs.PAGESIZE != 0 {
		return defs.EFAULT
	}
	for off := uint64(0); off < size; off += defs.PAGESIZE {
		t, idx, err := m.walk(d, va+off, true)
		if err != 0 {
			return err
		}
		m.evict(&t.entries[idx])
		frame, ok := m.Mem.Alloc()
		if !ok {
			return defs.ENOMEM
		}
		t.entries[idx] = PTE{Kind: Local, HWWritable: true, SysRead: true, SysWrite: true, Frame: frame}
	}
	return 0
}
