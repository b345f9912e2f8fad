package vm

import "github.com/khannotations/pios/internal/defs"

// InsertRemote maps va in d as a REMOTE reference to (node, addr), the
// counterpart to Insert for pages that live on another node. A later
// access faults through PageFault, which a caller above this package (see
// internal/node) resolves by pulling the page and re-installing it with
// Insert.
func (m *Manager) InsertRemote(d *PageDir, va uint64, node defs.NodeID, addr uint32, sysRead, sysWrite bool) defs.Err_t {
	if va%defs.PAGESIZE != 0 {
		return defs.EFAULT
	}
	t, off, err := m.walk(d, va, true)
	if err != 0 {
		return err
	}
	m.evict(&t.entries[off])
	t.entries[off] = PTE{
		Kind:     Remote,
		SysRead:  sysRead,
		SysWrite: sysWrite,
		RNode:    node,
		RAddr:    addr,
	}
	return 0
}

// LocalPage describes one page of a directory's user window that is
// currently backed by a local frame, returned by ExportLocalPages.
type LocalPage struct {
	VA       uint64
	Frame    uint32
	SysRead  bool
	SysWrite bool
}

// ExportLocalPages walks d's user window and returns a descriptor for
// every page currently mapped to a local frame. It is used when migrating
// a process out: the destination installs a REMOTE mapping back to this
// node for each page, so they can be pulled individually as the arrived
// process touches them.
// Zero-page mappings are not exported: an absent or zero-mapped page
// faults to the zero page identically on either node, so there is nothing
// to fetch.
func (m *Manager) ExportLocalPages(d *PageDir) []LocalPage {
	var out []LocalPage
	for slot, t := range d.slots {
		if t == nil {
			continue
		}
		for off := range t.entries {
			e := &t.entries[off]
			if e.Kind != Local {
				continue
			}
			va := uint64(slot)*defs.PTSIZE + uint64(off)*defs.PAGESIZE
			out = append(out, LocalPage{VA: va, Frame: uint32(e.Frame), SysRead: e.SysRead, SysWrite: e.SysWrite})
		}
	}
	return out
}
