package vm

import "github.com/khannotations/pios/internal/defs"

// PageFault handles a write to a page that is not currently
// hardware-writable. If the page's nominal SysWrite bit is set and either
// the backing frame is shared (refcount > 1) or the mapping is the zero
// page, a fresh frame is allocated, the old contents copied in, the old
// reference dropped, and the new frame installed hardware-writable.
// Otherwise the fault is not ours to resolve — reflect it to the caller.
func (m *Manager) PageFault(d *PageDir, va uint64) defs.Err_t {
	t, off, err := m.walk(d, va, true)
	if err != 0 {
		return err
	}
	e := &t.entries[off]

	switch e.Kind {
	case Absent:
		return defs.EFAULT
	case Zero:
		if !e.SysWrite {
			return defs.EFAULT
		}
		frame, ok := m.Mem.Alloc()
		if !ok {
			return defs.ENOMEM
		}
		*e = PTE{Kind: Local, HWWritable: true, SysRead: e.SysRead, SysWrite: true, Frame: frame}
		return 0
	case Local:
		if !e.SysWrite {
			return defs.EFAULT
		}
		if m.Mem.Refcnt(e.Frame) == 1 {
			e.HWWritable = true
			return 0
		}
		frame, ok := m.Mem.Alloc()
		if !ok {
			return defs.ENOMEM
		}
		src := m.Mem.Page(e.Frame)
		dst := m.Mem.Page(frame)
		*dst = *src
		m.Mem.Refdown(e.Frame)
		*e = PTE{Kind: Local, HWWritable: true, SysRead: e.SysRead, SysWrite: true, Frame: frame}
		return 0
	case Remote:
		return defs.EFAULT
	}
	return defs.EFAULT
}
