package forkwait

import (
	"sync"
	"testing"

	"github.com/khannotations/pios/internal/defs"
	"github.com/khannotations/pios/internal/fs"
	"github.com/khannotations/pios/internal/mem"
	"github.com/khannotations/pios/internal/proc"
	"github.com/khannotations/pios/internal/vm"
)

// fsRegistry stands in for a node's FSFor: a file-state table per process
// id, forked off the parent's the first time a not-yet-seen process is
// asked for.
type fsRegistry struct {
	mu     sync.Mutex
	tables map[int]*fs.Table
}

func newFSRegistry() *fsRegistry { return &fsRegistry{tables: map[int]*fs.Table{}} }

func (r *fsRegistry) For(p *proc.Proc) *fs.Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[p.ID]; ok {
		return t
	}
	var t *fs.Table
	if p.Parent != nil {
		if pt, ok := r.tables[p.Parent.ID]; ok {
			t = fs.ForkChild(pt)
		}
	}
	if t == nil {
		t = fs.NewTable()
	}
	r.tables[p.ID] = t
	return t
}

func newFixture(t *testing.T) (*vm.Manager, *proc.Table, Env) {
	t.Helper()
	m := vm.New(mem.NewPhysmem(1024))
	tab := proc.NewTable()
	tab.Root.Dir = vm.NewDir()
	reg := newFSRegistry()
	return m, tab, Env{Tab: tab, VM: m, FS: reg.For}
}

// S1: parent sets a known byte pattern, forks, the child writes a distinct
// pattern in its own address space and exits(42); the parent waits and
// must see WEXITED|42 with its own memory unchanged.
func TestForkWaitExit(t *testing.T) {
	m, tab, env := newFixture(t)
	root := tab.Root

	frame, ok := m.Mem.Alloc()
	if !ok {
		t.Fatalf("out of frames")
	}
	if err := m.Insert(root.Dir, frame, 0, true, true); err != 0 {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.WriteBytes(root.Dir, 0, []byte("PARENT")); err != 0 {
		t.Fatalf("WriteBytes: %v", err)
	}

	child, err := Fork(root, env, func(p *proc.Proc) {
		if werr := m.WriteBytes(p.Dir, 0, []byte("CHILD!")); werr != 0 {
			proc.Ret(p, 1, true)
			return
		}
		proc.Ret(p, 42, true)
	})
	if err != 0 {
		t.Fatalf("Fork: %v", err)
	}

	status, werr := Wait(root, env, child)
	if werr != 0 {
		t.Fatalf("Wait: %v", werr)
	}
	if status != defs.WEXITED|42 {
		t.Fatalf("expected WEXITED|42, got %#x", status)
	}

	buf := make([]byte, 6)
	if err := m.ReadBytes(root.Dir, 0, buf); err != 0 {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(buf) != "PARENT" {
		t.Fatalf("expected parent memory unchanged, got %q", buf)
	}
}

// S3: both sides overwrite the same byte range of a shared file and bump
// its version before the child exits; wait must surface a conflict on
// both inodes and leave the parent's file data untouched.
func TestForkWaitConflictUnderWait(t *testing.T) {
	_, tab, env := newFixture(t)
	root := tab.Root
	root.Dir = vm.NewDir()

	selfFS := env.FS(root)
	fi, err := selfFS.Create(defs.InoRootDir, "shared")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := selfFS.Write(fi, 0, []byte("AAAA")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	child, ferr := Fork(root, env, func(p *proc.Proc) {
		childFS := env.FS(p)
		if werr := childFS.Write(fi, 0, []byte("CCCC")); werr != nil {
			proc.Ret(p, 1, true)
			return
		}
		proc.Ret(p, 0, true)
	})
	if ferr != 0 {
		t.Fatalf("Fork: %v", ferr)
	}

	if err := selfFS.Write(fi, 0, []byte("PPPP")); err != nil {
		t.Fatalf("parent overwrite: %v", err)
	}

	status, werr := Wait(root, env, child)
	if werr != 0 {
		t.Fatalf("Wait: %v", werr)
	}
	if status != defs.WEXITED {
		t.Fatalf("expected WEXITED|0, got %#x", status)
	}

	if selfFS.Inodes[fi].Mode&defs.ModeConflict == 0 {
		t.Fatalf("expected parent inode to carry the conflict bit")
	}
	if string(selfFS.Data[fi]) != "PPPP" {
		t.Fatalf("conflicting reconciliation must not mutate parent data, got %q", selfFS.Data[fi])
	}
}
