// Package rendez implements the three rendezvous syscalls PUT, GET, and RET,
// plus the console-write syscall CPUTS. These are the only cross-process
// data path: a parent composes a single command word selecting a type, a
// memory operation, and a set of flags, and the kernel executes the whole
// request atomically against one child slot. Grounded on a teaching
// kernel's syscall dispatch, generalized from its trap-frame argument
// registers to a plain Go struct of arguments.
package rendez

import (
	"io"

	"github.com/khannotations/pios/internal/defs"
	"github.com/khannotations/pios/internal/proc"
	"github.com/khannotations/pios/internal/vm"
)

// Cmd bundles a rendezvous request. Word selects type/memop/flags; the rest
// stand in for the argument registers a real trap frame would carry.
type Cmd struct {
	Word       defs.CmdWord
	Slot       int
	Regs       proc.Regs
	SrcVA      uint64
	DstVA      uint64
	Size       uint64
	SysRead    bool
	SysWrite   bool
}

// Result carries everything a rendezvous call may hand back to the caller.
type Result struct {
	Regs proc.Regs
}

// Put executes the PUT syscall against self's child occupying cmd.Slot, per
// the ordered steps: locate-or-allocate, wait for STOP, validate addresses,
// optional REGS copy, run the memory op (parent is source, child is dest),
// optional PERM overlay on the child's mapping, optional SNAP of the
// child's directory, optional START.
func Put(self *proc.Proc, tab *proc.Table, m *vm.Manager, cmd Cmd) (Result, defs.Err_t) {
	if cmd.Word.Type() != defs.TypePUT {
		return Result{}, defs.EINVAL
	}
	child, _, err := tab.AllocChild(self, cmd.Slot)
	if err != 0 {
		return Result{}, err
	}

	child.WaitUntil(proc.Available)

	if err := validate(cmd); err != 0 {
		return Result{}, err
	}

	if cmd.Word.Has(defs.FlagREGS) {
		child.Regs = cmd.Regs
	}

	if err := runMemop(m, cmd.Word.Memop(), self.Dir, cmd.SrcVA, child.Dir, cmd.DstVA, cmd.Size, child.RDir); err != 0 {
		return Result{}, err
	}

	if cmd.Word.Has(defs.FlagPERM) {
		if err := m.SetPerm(child.Dir, cmd.DstVA, cmd.Size, cmd.SysRead, cmd.SysWrite); err != 0 {
			return Result{}, err
		}
	}

	if cmd.Word.Has(defs.FlagSNAP) {
		child.RDir = m.Snapshot(child.Dir)
	}

	if cmd.Word.Has(defs.FlagSTART) {
		if err := tab.Start(child); err != 0 {
			return Result{}, err
		}
	}

	return Result{Regs: child.Regs}, 0
}

// Get executes the GET syscall: the dual of PUT, reading the child's state
// back into the parent. MERGE is only valid here, and uses the child's
// RDir as the common-ancestor snapshot; SNAP is rejected.
func Get(self *proc.Proc, tab *proc.Table, m *vm.Manager, cmd Cmd) (Result, defs.Err_t) {
	if cmd.Word.Type() != defs.TypeGET {
		return Result{}, defs.EINVAL
	}
	if cmd.Word.Has(defs.FlagSNAP) {
		return Result{}, defs.EINVAL
	}
	child, _, err := tab.AllocChild(self, cmd.Slot)
	if err != 0 {
		return Result{}, err
	}

	child.WaitUntil(proc.Available)

	if err := validate(cmd); err != 0 {
		return Result{}, err
	}

	memop := cmd.Word.Memop()
	if memop == defs.MemMerge {
		if err := m.Merge(child.RDir, child.Dir, cmd.SrcVA, self.Dir, cmd.DstVA, cmd.Size); err != 0 {
			return Result{}, err
		}
	} else if err := runMemop(m, memop, child.Dir, cmd.SrcVA, self.Dir, cmd.DstVA, cmd.Size, nil); err != 0 {
		return Result{}, err
	}

	if cmd.Word.Has(defs.FlagPERM) {
		if err := m.SetPerm(self.Dir, cmd.DstVA, cmd.Size, cmd.SysRead, cmd.SysWrite); err != 0 {
			return Result{}, err
		}
	}

	var regs proc.Regs
	if cmd.Word.Has(defs.FlagREGS) {
		regs = child.Regs
	}

	if cmd.Word.Has(defs.FlagSTART) {
		if err := tab.Start(child); err != 0 {
			return Result{}, err
		}
	}

	return Result{Regs: regs}, 0
}

// Ret is RET: the caller suspends itself in STOP (or exits), waking a
// parent blocked on it. It never fails validation, so it returns no error.
func Ret(p *proc.Proc, status int, exited bool) {
	proc.Ret(p, status, exited)
}

// validate rejects misaligned or unknown requests before anything is
// mutated, per the no-partial-effects guarantee: a rejected PUT/GET must
// not have touched the target.
func validate(cmd Cmd) defs.Err_t {
	switch cmd.Word.Memop() {
	case defs.MemNone, defs.MemCopy, defs.MemZero, defs.MemMerge:
	default:
		return defs.EINVAL
	}
	if cmd.Word.Memop() == defs.MemNone {
		return 0
	}
	if cmd.Size == 0 {
		return 0
	}
	align := uint64(defs.PAGESIZE)
	if cmd.Word.Memop() == defs.MemCopy || cmd.Word.Memop() == defs.MemMerge {
		align = defs.PTSIZE // COPY/MERGE operate at 4 MB directory-slot granularity
	}
	if cmd.SrcVA%align != 0 || cmd.DstVA%align != 0 || cmd.Size%align != 0 {
		return defs.EFAULT
	}
	if cmd.SrcVA+cmd.Size > defs.USERHI || cmd.DstVA+cmd.Size > defs.USERHI {
		return defs.EFAULT
	}
	return 0
}

// runMemop executes COPY or ZERO between two directories; rsnap is unused
// outside of Get's MERGE path, which is handled by its caller directly.
func runMemop(m *vm.Manager, memop defs.CmdWord, sdir *vm.PageDir, sva uint64, ddir *vm.PageDir, dva, size uint64, rsnap *vm.PageDir) defs.Err_t {
	switch memop {
	case defs.MemNone:
		return 0
	case defs.MemCopy:
		return m.Copy(sdir, sva, ddir, dva, size)
	case defs.MemZero:
		return m.ZeroRange(ddir, dva, size)
	default:
		return defs.EINVAL
	}
}

// Cputs writes buf to w, the console-write syscall CPUTS. Real hardware
// drives a UART; here any io.Writer stands in, supplied by the caller.
func Cputs(w io.Writer, buf []byte) defs.Err_t {
	if _, err := w.Write(buf); err != nil {
		return defs.EINVAL
	}
	return 0
}
