package vm

import (
	"sync/atomic"

	"github.com/khannotations/pios/internal/defs"
)

// Merge performs the three-way merge of [sva,sva+size) in spdir and
// [dva,dva+size) in dpdir into dpdir, using rpdir as the common ancestor
// snapshot. size must be a multiple of PTSIZE. At each 4 MB slot: if the
// source table is identical (by identity) to the snapshot's table, the
// source is unchanged and nothing happens; if the destination table is
// identical to the snapshot's, the destination is unchanged and the slot is
// COW-copied from source; otherwise every leaf in the slot is merged with
// mergepage.
func (m *Manager) Merge(rpdir, spdir *PageDir, sva uint64, dpdir *PageDir, dva, size uint64) defs.Err_t {
	if sva%defs.PTSIZE != 0 || dva%defs.PTSIZE != 0 || size%defs.PTSIZE != 0 {
		return defs.EFAULT
	}
	nslots := int(size / defs.PTSIZE)
	rslot0, _ := slotOff(sva) // rpdir is indexed the same as spdir (both are the child's directories)
	sslot0, _ := slotOff(sva)
	dslot0, _ := slotOff(dva)

	for i := 0; i < nslots; i++ {
		rt := rpdir.slots[rslot0+i]
		st := spdir.slots[sslot0+i]
		dt := dpdir.slots[dslot0+i]

		if st == rt {
			continue // source unchanged since snapshot
		}
		if dt == rt {
			// destination unchanged: COW-copy source's table into dest.
			if st == nil {
				if dt != nil {
					m.dropTable(dt)
					dpdir.slots[dslot0+i] = nil
				}
				continue
			}
			clearHWWritable(st)
			incref(st)
			if dt != nil {
				m.dropTable(dt)
			}
			dpdir.slots[dslot0+i] = st
			continue
		}
		// Both sides diverged from the snapshot: merge leaf by leaf.
		if dt == nil {
			dt = newTable()
			dpdir.slots[dslot0+i] = dt
		} else if refcnt(dt) > 1 {
			cloned := m.cloneTable(dt)
			m.dropTable(dt)
			dt = cloned
			dpdir.slots[dslot0+i] = dt
		}
		for j := 0; j < entriesPerTable; j++ {
			var rpte *PTE
			if rt != nil {
				rpte = &rt.entries[j]
			} else {
				rpte = &PTE{}
			}
			var spte *PTE
			if st != nil {
				spte = &st.entries[j]
			} else {
				spte = &PTE{}
			}
			if err := m.mergepage(rpte, spte, &dt.entries[j]); err != 0 {
				return err
			}
		}
	}
	return 0
}

func incref(t *PageTable)       { atomic.AddInt32(&t.refcnt, 1) }
func refcnt(t *PageTable) int32 { return atomic.LoadInt32(&t.refcnt) }

// mergepage performs the byte-wise three-way merge of one leaf entry. If
// the destination page is read-shared or maps the zero page, it is cloned
// first (merges must not mutate a page another directory still observes).
// For each byte: if source matches the snapshot, the source side made no
// change and the destination byte wins; if destination matches the
// snapshot, the source byte wins; if neither matches the snapshot and they
// differ, that is a merge conflict — the destination mapping is cleared
// (mapped to zero) and the conflict is reported; no more bytes in that page
// are merged.
func (m *Manager) mergepage(rpte, spte, dpte *PTE) defs.Err_t {
	if pteSameContent(rpte, spte) {
		return 0 // source unchanged since snapshot, destination's byte stands
	}

	rbuf := m.readLeaf(rpte)
	sbuf := m.readLeaf(spte)

	if dpte.Kind == Absent {
		frame, ok := m.Mem.Alloc()
		if !ok {
			return defs.ENOMEM
		}
		*dpte = PTE{Kind: Local, HWWritable: true, SysRead: true, SysWrite: true, Frame: frame}
	} else if dpte.Kind == Zero || (dpte.Kind == Local && m.Mem.Refcnt(dpte.Frame) > 1) {
		frame, ok := m.Mem.Alloc()
		if !ok {
			return defs.ENOMEM
		}
		old := *dpte
		*dpte = PTE{Kind: Local, HWWritable: true, SysRead: old.SysRead, SysWrite: old.SysWrite, Frame: frame}
		if old.Kind == Local {
			src := m.Mem.Page(old.Frame)
			dst := m.Mem.Page(frame)
			*dst = *src
			m.Mem.Refdown(old.Frame)
		}
	}

	dst := m.Mem.Page(dpte.Frame)
	conflict := false
	for i := 0; i < defs.PAGESIZE; i++ {
		r, s, d := rbuf[i], sbuf[i], dst[i]
		switch {
		case s == r:
			// source unchanged; destination's byte stands.
		case d == r:
			dst[i] = s
		default:
			if s != d {
				conflict = true
			}
		}
		if conflict {
			break
		}
	}
	if conflict {
		*dpte = PTE{}
		return defs.EINVAL
	}
	return 0
}

func pteSameContent(a, b *PTE) bool {
	ak, bk := Absent, Absent
	if a != nil {
		ak = a.Kind
	}
	if b != nil {
		bk = b.Kind
	}
	if ak == Absent || ak == Zero {
		return ak == bk
	}
	if ak != bk {
		return false
	}
	return a.Frame == b.Frame
}

var zeroLeaf [defs.PAGESIZE]byte

func (m *Manager) readLeaf(p *PTE) []byte {
	if p == nil || p.Kind == Absent || p.Kind == Zero {
		return zeroLeaf[:]
	}
	if p.Kind == Local {
		return m.Mem.Page(p.Frame)[:]
	}
	return zeroLeaf[:]
}
