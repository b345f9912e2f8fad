// Package forkwait implements fork and wait entirely in terms of the three
// rendezvous primitives in internal/rendez, exactly as the host library's
// lib/fork.c builds Unix-compatible fork/wait in user space over
// sys_put/sys_get/sys_ret. Nothing here runs privileged: Fork and Wait are
// ordinary Go functions a node's own code calls on a process's behalf, the
// same way lib/fork.c is linked into every user program rather than living
// in the kernel.
package forkwait

import (
	"github.com/khannotations/pios/internal/defs"
	"github.com/khannotations/pios/internal/fs"
	"github.com/khannotations/pios/internal/proc"
	"github.com/khannotations/pios/internal/rendez"
	"github.com/khannotations/pios/internal/vm"
)

// Env bundles the node-level context fork/wait need beyond the calling
// process itself: the process table and page manager rendez.Put/Get run
// against, and an accessor for a process's file-state table. A node's
// existing FSFor is exactly this accessor; Fork and Wait stay agnostic to
// how file-state tables are stored so they can't develop a second opinion
// about it.
type Env struct {
	Tab *proc.Table
	VM  *vm.Manager
	FS  func(*proc.Proc) *fs.Table
}

const allsize = defs.USERHI - defs.USERLO

// Fork allocates a free child slot of self, COW-copies self's entire user
// window into it along with self's saved registers, snapshots the child's
// directory as its merge baseline, and starts it running childEntry. It
// returns the child slot number (fork's "pid" in this process-local
// sense), or EAGAIN if self has no free slot.
//
// Real fork() returns twice, into the same call stack, distinguished only
// by its return value — the child resumes executing the very instructions
// the parent was running, just past the capture point. A goroutine-per-
// process model has no such shared continuation: a process's behavior is
// whatever Go closure is registered as its Entry, run from the top on a
// fresh goroutine when started. So unlike the host library's fork(),
// which takes no arguments and relies on the "isparent" branch after the
// fact, Fork here takes the child's entry closure directly and installs
// it before starting the child.
//
// The child's file-state table is forked at this exact instant via
// env.FS, which must construct it from the parent's present state (fs's
// own ForkChild does this): waiting for the child to touch its file table
// lazily later would let any writes self makes between now and then leak
// into what should have been the child's pre-fork baseline.
func Fork(self *proc.Proc, env Env, childEntry func(*proc.Proc)) (child int, err defs.Err_t) {
	slot, err := env.Tab.FreeSlot(self)
	if err != 0 {
		return 0, err
	}

	c, _, err := env.Tab.AllocChild(self, slot)
	if err != 0 {
		return 0, err
	}
	if c.Dir == nil {
		c.Dir = vm.NewDir()
	}
	c.SetEntry(childEntry)

	put := rendez.Cmd{
		Word:  defs.TypePUT | defs.MemCopy | defs.FlagREGS | defs.FlagSNAP | defs.FlagSTART,
		Slot:  slot,
		Regs:  self.Regs,
		SrcVA: defs.USERLO,
		DstVA: defs.USERLO,
		Size:  allsize,
	}
	if _, err := rendez.Put(self, env.Tab, env.VM, put); err != 0 {
		return 0, err
	}

	// Fix the child's file-state fork point now, not on first access.
	env.FS(c)

	return slot, 0
}

// Wait drives the child occupying self's slot `child` through repeated
// GET/reconcile/PUT rounds until it exits, per the host library's
// waitpid: each round fetches the child's register state (GET blocks until
// the child is STOP, standing in for the original's trap-return wakeup)
// and reconciles file state; if the child has exited, its status is
// returned, otherwise the newly-merged file state is reconciled once more
// and pushed back into the child before it is restarted.
//
// The original inserts an explicit sys_ret() between an idle GET and the
// next round so its own parent can reschedule it while it waits for more
// input; that bookkeeping has no analog here. rendez.Get already blocks
// the calling goroutine on the child's condition variable until the child
// is next STOP, so there is no idle round to yield out of, and restarting
// the child unconditionally rather than only when reconciliation moved
// data keeps the loop from spinning on a child that settled in STOP
// without producing anything new.
func Wait(self *proc.Proc, env Env, child int) (status int, err defs.Err_t) {
	c := env.Tab.ChildAt(self, child)
	if c == nil {
		return 0, defs.ECHILD
	}

	selfFS := env.FS(self)

	for {
		get := rendez.Cmd{Word: defs.TypeGET | defs.MemNone | defs.FlagREGS, Slot: child}
		if _, err := rendez.Get(self, env.Tab, env.VM, get); err != 0 {
			return 0, err
		}

		if sig, trapno := c.TakeSignal(); sig {
			if err := zeroAndFree(env, child, c); err != 0 {
				return 0, err
			}
			return defs.WSIGNALED | (trapno & 0xff), 0
		}

		childFS := env.FS(c)
		if _, _, rerr := fs.Reconcile(selfFS, childFS); rerr != nil {
			return 0, defs.EIO
		}

		if c.Exited {
			status := defs.WEXITED | (c.ExitStatus & 0xff)
			if err := zeroAndFree(env, child, c); err != 0 {
				return 0, err
			}
			return status, 0
		}

		if _, _, rerr := fs.Reconcile(selfFS, childFS); rerr != nil {
			return 0, defs.EIO
		}

		restart := rendez.Cmd{Word: defs.TypePUT | defs.MemNone | defs.FlagSTART, Slot: child}
		if _, err := rendez.Put(self, env.Tab, env.VM, restart); err != 0 {
			return 0, err
		}
	}
}

// zeroAndFree clears the reaped child's address space and releases its
// slot back to the process table, the cleanup step both of wait's exit
// paths share ("done:" in the host library). This goes straight through
// vm.Manager.Remove rather than a PUT(ZERO) rendezvous: ZERO's job is to
// give a destination range fresh, zeroed, privately-owned frames (what a
// live process's exec or fresh mapping wants), not to tear one down: a
// dying slot's whole 1 GB window should just drop its page-table
// references, not eagerly allocate a real frame behind every page in it.
func zeroAndFree(env Env, slot int, c *proc.Proc) defs.Err_t {
	if c.Dir != nil {
		if err := env.VM.Remove(c.Dir, defs.USERLO, allsize); err != 0 {
			return err
		}
	}
	env.Tab.Free(c)
	return 0
}
