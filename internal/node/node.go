package node

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/khannotations/pios/internal/defs"
	"github.com/khannotations/pios/internal/execve"
	"github.com/khannotations/pios/internal/forkwait"
	"github.com/khannotations/pios/internal/fs"
	"github.com/khannotations/pios/internal/mem"
	"github.com/khannotations/pios/internal/migrate"
	"github.com/khannotations/pios/internal/proc"
	"github.com/khannotations/pios/internal/rendez"
	"github.com/khannotations/pios/internal/vm"
)

// Node is one running instance: a process table, a frame arena and page
// manager, a file-state table per process (keyed by process id), and a
// migrator driving this node's side of the MIGRQ/PULLRQ protocol.
type Node struct {
	ID  defs.NodeID
	Log *logrus.Logger

	Mem   *mem.Physmem_t
	VM    *vm.Manager
	Procs *proc.Table
	Mig   *migrate.Migrator

	fsMu sync.Mutex
	fsTables map[int]*fs.Table
}

// New constructs a Node from cfg, binding its UDP endpoint and wiring the
// frame arena, page manager, process table, and migrator together. It does
// not start the migrator's receive loop; call Run for that.
func New(cfg ClusterConfig, log *logrus.Logger) (*Node, error) {
	conn, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("node: listen %s: %w", cfg.Listen, err)
	}
	physmem := mem.NewPhysmem(cfg.Frames)
	vmgr := vm.New(physmem)
	procs := proc.NewTable()
	mig := migrate.New(cfg.Self, conn, cfg.Peers, procs, vmgr, log)

	n := &Node{
		ID:       cfg.Self,
		Log:      log,
		Mem:      physmem,
		VM:       vmgr,
		Procs:    procs,
		Mig:      mig,
		fsTables: map[int]*fs.Table{0: fs.NewTable()},
	}
	procs.Root.Dir = vm.NewDir()
	return n, nil
}

// Run starts the node's network receive loop; it blocks until Close.
func (n *Node) Run() {
	n.Log.WithField("node", n.ID).Info("node: starting")
	n.Mig.Run()
}

// Close shuts down the node's network endpoint.
func (n *Node) Close() {
	n.Mig.Close()
}

// FSFor returns the file-state table belonging to process p, creating one
// (via fs.ForkChild from the parent's, or a fresh table for the root) the
// first time it's asked for.
func (n *Node) FSFor(p *proc.Proc) *fs.Table {
	n.fsMu.Lock()
	defer n.fsMu.Unlock()
	if t, ok := n.fsTables[p.ID]; ok {
		return t
	}
	var t *fs.Table
	if p.Parent != nil {
		if parentFS, ok := n.fsTables[p.Parent.ID]; ok {
			t = fs.ForkChild(parentFS)
		}
	}
	if t == nil {
		t = fs.NewTable()
	}
	n.fsTables[p.ID] = t
	return t
}

// Put runs the PUT rendezvous syscall on behalf of self against cmd.Slot.
func (n *Node) Put(self *proc.Proc, cmd rendez.Cmd) (rendez.Result, defs.Err_t) {
	return rendez.Put(self, n.Procs, n.VM, cmd)
}

// Get runs the GET rendezvous syscall.
func (n *Node) Get(self *proc.Proc, cmd rendez.Cmd) (rendez.Result, defs.Err_t) {
	return rendez.Get(self, n.Procs, n.VM, cmd)
}

// Exec replaces self's address space per img and argv.
func (n *Node) Exec(self *proc.Proc, img execve.Image, argv []string) defs.Err_t {
	return execve.Exec(self, n.Procs, n.VM, n.FSFor(self), img, argv)
}

// forkwaitEnv bundles this node's process table, page manager, and
// file-state accessor into the context forkwait.Fork/Wait run against.
func (n *Node) forkwaitEnv() forkwait.Env {
	return forkwait.Env{Tab: n.Procs, VM: n.VM, FS: n.FSFor}
}

// Fork starts childEntry as a freshly forked child of self and returns its
// child slot number.
func (n *Node) Fork(self *proc.Proc, childEntry func(*proc.Proc)) (child int, err defs.Err_t) {
	return forkwait.Fork(self, n.forkwaitEnv(), childEntry)
}

// Wait drives self's child occupying slot `child` to completion, per
// forkwait.Wait's GET/reconcile/PUT loop, and returns its wait status.
func (n *Node) Wait(self *proc.Proc, child int) (status int, err defs.Err_t) {
	return forkwait.Wait(self, n.forkwaitEnv(), child)
}

// Fault resolves a fault at va in d: an ordinary COW fault is
// handled locally by the page manager; a fault on a REMOTE mapping is
// resolved by pulling the page from its owning node first. This is the
// glue Migrator.PullPage's doc comment calls for, kept out of internal/vm
// itself to avoid a vm -> migrate import cycle.
func (n *Node) Fault(d *vm.PageDir, va uint64) defs.Err_t {
	err := n.VM.PageFault(d, va)
	if err == 0 {
		return 0
	}
	if err != defs.EFAULT {
		return err
	}
	pte, ok := n.VM.Lookup(d, va)
	if !ok || pte.Kind != vm.Remote {
		return defs.EFAULT
	}
	rr := defs.RR{Node: pte.RNode, Addr: pte.RAddr, Read: pte.SysRead, Write: pte.SysWrite}
	pageVA := va - va%defs.PAGESIZE
	if err := n.Mig.PullPage(rr, d, pageVA); err != 0 {
		return err
	}
	return n.VM.PageFault(d, va)
}
