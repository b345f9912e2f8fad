// Package proc implements the process table and cooperative scheduler: one
// process per checkpointed address space, a single FIFO ready queue, and
// the state machine FREE/RESERVED/STOP/READY/RUN/WAIT/MIGR/AWAY/PULL. It is
// grounded on a teaching kernel's proc.c state machine, adapted from real
// ring3 execution and trapframe save/restore (out of scope here — no real
// MMU or CPU trap layer) to a goroutine-per-process model: "running" a
// process means invoking its registered Entry closure on its own goroutine;
// a "trap" is a typed value returned from a rendezvous call instead of a
// hardware exception.
package proc

import (
	"sync"

	"github.com/khannotations/pios/internal/defs"
	"github.com/khannotations/pios/internal/vm"
)

// State is one of the nine lifecycle states a process slot passes through.
type State int

const (
	Free State = iota
	Reserved
	Stop
	Ready
	Run
	Wait
	Migr
	Away
	Pull
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Reserved:
		return "RESERVED"
	case Stop:
		return "STOP"
	case Ready:
		return "READY"
	case Run:
		return "RUN"
	case Wait:
		return "WAIT"
	case Migr:
		return "MIGR"
	case Away:
		return "AWAY"
	case Pull:
		return "PULL"
	default:
		return "?"
	}
}

// NumChildSlots bounds how many children a single process may have live at
// once; slots are small integers named directly in PUT/GET calls.
const NumChildSlots = 16

// Regs is the saved register file PUT/GET's REGS operation copies in and
// out. GP stands in for whatever general-purpose state a real fork/exec
// would capture; IP is a diagnostic marker, not a real instruction pointer.
type Regs struct {
	IP uint64
	GP [8]uint64
}

// PullState tracks an in-flight page pull (see internal/migrate).
type PullState struct {
	RR      defs.RR
	Level   defs.PullLevel
	Arrived uint8
}

// Proc is one process slot.
type Proc struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ID    int
	state State

	Dir  *vm.PageDir // current page directory
	RDir *vm.PageDir // reference snapshot, taken at last SYS_SNAP

	Regs Regs

	Parent     *Proc
	ParentSlot int // this proc's index in Parent.Children
	Children   [NumChildSlots]*Proc

	Exited     bool
	ExitStatus int
	Signaled   bool
	Trapno     int // set alongside Signaled: which non-syscall trap fired

	Home    defs.RR // originating node+slot, stable across migration
	MigrTo  defs.NodeID
	Pull    *PullState

	Entry func(*Proc) // the body run when this process is started
}

// SetEntry installs the closure run when this process is next started.
func (p *Proc) SetEntry(fn func(*Proc)) {
	p.mu.Lock()
	p.Entry = fn
	p.mu.Unlock()
}

// NewArrival constructs a process slot for a migration arrival: one not
// reached through AllocChild, with no parent, starting in AWAY state. Its
// id is assigned when it is later passed to Table.Insert.
func NewArrival() *Proc {
	p := &Proc{state: Away}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func newProc(id int) *Proc {
	p := &Proc{ID: id, state: Reserved}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// State returns the process's current state.
func (p *Proc) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proc) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.cond.Broadcast()
	p.mu.Unlock()
}

// WaitForState blocks until the process reaches exactly s.
func (p *Proc) WaitForState(s State) {
	p.WaitUntil(func(cur State) bool { return cur == s })
}

// WaitUntil blocks until pred holds for the process's current state.
func (p *Proc) WaitUntil(pred func(State) bool) {
	p.mu.Lock()
	for !pred(p.state) {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// Available reports whether a child slot is free to be targeted by a fresh
// PUT: freshly allocated (RESERVED), settled from a prior rendezvous
// (STOP), or reaped (FREE).
func Available(s State) bool { return s == Reserved || s == Stop || s == Free }

// TakeSignal reports whether p took a non-syscall trap since its last RET
// and, if so, which one, clearing both fields. A forked child that faults
// instead of returning through the ordinary rendezvous path sets these so
// its parent's wait loop can report a signal-kind status instead of
// reconciling invalid state.
func (p *Proc) TakeSignal() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sig, trapno := p.Signaled, p.Trapno
	p.Signaled = false
	p.Trapno = 0
	return sig, trapno
}

// Fault records that p took trap trapno instead of returning through the
// ordinary rendezvous path, for a parent's wait loop to pick up on its
// next GET.
func (p *Proc) Fault(trapno int) {
	p.mu.Lock()
	p.Signaled = true
	p.Trapno = trapno
	p.state = Stop
	p.cond.Broadcast()
	p.mu.Unlock()
	if p.Parent != nil {
		p.Parent.cond.Broadcast()
	}
}

// Table is the process table and ready-queue scheduler, one per node.
type Table struct {
	mu     sync.Mutex
	notE   *sync.Cond
	ready  []*Proc
	byID   map[int]*Proc
	nextID int
	Root   *Proc
}

// NewTable constructs an empty process table with a root process occupying
// slot 0 in its own right (the root has no parent; it is the node's init).
func NewTable() *Table {
	t := &Table{byID: map[int]*Proc{}}
	t.notE = sync.NewCond(&t.mu)
	t.Root = newProc(0)
	t.Root.state = Stop
	t.byID[0] = t.Root
	t.nextID = 1
	return t
}

// AllocChild locates or allocates the child occupying slot in parent's
// child-slot array (PUT/GET step 1: "locate or allocate the target child
// slot"), returning the process and whether it was freshly allocated.
func (t *Table) AllocChild(parent *Proc, slot int) (*Proc, bool, defs.Err_t) {
	if slot < 0 || slot >= NumChildSlots {
		return nil, false, defs.EINVAL
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if c := parent.Children[slot]; c != nil {
		return c, false, 0
	}
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.mu.Unlock()
	c := newProc(id)
	c.Parent = parent
	c.ParentSlot = slot
	c.Home = defs.RR{Node: 0, Addr: uint32(id)}
	parent.Children[slot] = c
	t.mu.Lock()
	t.byID[id] = c
	t.mu.Unlock()
	return c, true, 0
}

// FreeSlot finds a child slot of parent ready to be targeted by a fresh
// fork: one never allocated, or settled back to RESERVED/STOP/FREE from a
// prior rendezvous. Returns EAGAIN if every slot is occupied by a process
// still busy, mirroring fork's "no free process slot" failure.
func (t *Table) FreeSlot(parent *Proc) (int, defs.Err_t) {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	for slot, c := range parent.Children {
		if c == nil {
			return slot, 0
		}
		c.mu.Lock()
		avail := Available(c.state)
		c.mu.Unlock()
		if avail {
			return slot, 0
		}
	}
	return 0, defs.EAGAIN
}

// ChildAt safely returns parent's child occupying slot, or nil if none.
func (t *Table) ChildAt(parent *Proc, slot int) *Proc {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if slot < 0 || slot >= NumChildSlots {
		return nil
	}
	return parent.Children[slot]
}

func (t *Table) enqueue(p *Proc) {
	t.mu.Lock()
	t.ready = append(t.ready, p)
	t.notE.Broadcast()
	t.mu.Unlock()
}

// Ready moves p from RESERVED or STOP to READY and appends it to the FIFO
// ready queue.
func (t *Table) Ready(p *Proc) defs.Err_t {
	p.mu.Lock()
	if p.state != Reserved && p.state != Stop {
		p.mu.Unlock()
		return defs.EINVAL
	}
	p.state = Ready
	p.cond.Broadcast()
	p.mu.Unlock()
	t.enqueue(p)
	return 0
}

// Sched blocks until the ready queue is non-empty, pops the head, marks it
// RUN, and returns it — the single FIFO ready queue described in the
// process model, protected by the table's own lock (the "one spinlock").
func (t *Table) Sched() *Proc {
	t.mu.Lock()
	for len(t.ready) == 0 {
		t.notE.Wait()
	}
	p := t.ready[0]
	t.ready = t.ready[1:]
	t.mu.Unlock()
	p.setState(Run)
	return p
}

// Start runs p's entry closure on a fresh goroutine once it is READY,
// standing in for handing the CPU to the next ready process: real context
// switch and trap return are replaced by a Go function call, since there is
// no hardware ring transition to simulate.
func (t *Table) Start(p *Proc) defs.Err_t {
	if err := t.Ready(p); err != 0 {
		return err
	}
	go func() {
		// dequeue p itself (not whichever process is at the head) and mark
		// it RUN before running it
		t.mu.Lock()
		for i, q := range t.ready {
			if q == p {
				t.ready = append(t.ready[:i], t.ready[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
		p.setState(Run)
		if p.Entry != nil {
			p.Entry(p)
		}
		p.mu.Lock()
		alreadyStopped := p.state == Stop || p.state == Free
		p.mu.Unlock()
		if !alreadyStopped {
			Ret(p, 0, false)
		}
	}()
	return 0
}

// Ret suspends p in STOP (recording its exit status if exited is set) and
// wakes its parent if the parent is waiting on it. The slot itself is
// released later by Table.Free.
func Ret(p *Proc, status int, exited bool) {
	p.mu.Lock()
	p.state = Stop
	if exited {
		p.Exited = true
		p.ExitStatus = status
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	if p.Parent != nil {
		p.Parent.cond.Broadcast() // wakes a parent blocked in WaitForState(Stop) on this child
	}
}

// ForceState drives p directly to s. It exists for the migration and
// page-pull layers, whose MIGR/AWAY/PULL transitions happen outside the
// PUT/GET/RET rendezvous protocol and so aren't reachable through Ready,
// Start, or Ret.
func (p *Proc) ForceState(s State) {
	p.setState(s)
}

// Free clears a child slot back to FREE once its parent has fully reaped it.
func (t *Table) Free(p *Proc) {
	p.mu.Lock()
	p.state = Free
	p.mu.Unlock()
	if p.Parent != nil {
		p.Parent.mu.Lock()
		p.Parent.Children[p.ParentSlot] = nil
		p.Parent.mu.Unlock()
	}
	t.mu.Lock()
	delete(t.byID, p.ID)
	t.mu.Unlock()
}

// Lookup finds a process by id, used by the migration layer to resolve a
// home-RR to a local process.
func (t *Table) Lookup(id int) (*Proc, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	return p, ok
}

// Insert registers an already-constructed process (used when a migration
// arrival creates a fresh AWAY-state process not reached through
// AllocChild).
func (t *Table) Insert(p *Proc) {
	t.mu.Lock()
	if p.ID == 0 {
		p.ID = t.nextID
		t.nextID++
	}
	t.byID[p.ID] = p
	t.mu.Unlock()
}

// LookupByHome finds a process by its stable home-RR, used by the
// migration layer to resolve a MIGRP acknowledgement or a repeated MIGRQ
// back to the process already tracking that home.
func (t *Table) LookupByHome(home defs.RR) (*Proc, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.byID {
		if p.Home == home {
			return p, true
		}
	}
	return nil, false
}
