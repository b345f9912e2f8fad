// Package fs implements the user-level file layer: a fixed-size array of
// versioned inodes reconciled between parent and child at every
// rendezvous. It is grounded on the fork/wait file-state region described
// for this system, generalized from a fixed virtual-memory layout (the
// "file-state region" page plus one data region per inode, both copied by
// PUT/GET) to a plain in-memory table a node wires onto that layout.
package fs

import (
	"fmt"

	"github.com/khannotations/pios/internal/defs"
)

// MaxFileSize bounds a single inode's data, matching the 4 MB slot a data
// region occupies in the address-space layout (defs.FileData).
const MaxFileSize = defs.PTSIZE

// Inode is one entry in the file-state region's inode array. Index 0 is
// reserved (InoNone); indices below defs.NumReserved are predetermined and
// identical in every process that maps them.
type Inode struct {
	Name   string
	Parent int // directory inode index this entry's name lives in, or -1 for none
	Mode   defs.Mode
	Ver    uint64
	Size   uint64

	// Reference state, captured at the last successful sync with this
	// inode's counterpart on the other side of a fork.
	Rver uint64
	Rlen uint64
	Rino int // matching inode index on the other side, or 0 if none yet
}

func (ino *Inode) inUse() bool { return ino.Name != "" }

// Table is the file-state region: the inode array and each inode's data,
// plus the process-local bookkeeping (current directory, exit status) that
// lives in the same fixed page.
type Table struct {
	Inodes [defs.NumInodes]Inode
	Data   [defs.NumInodes][]byte

	Cwd      int
	Exited   bool
	Status   int
}

// NewTable builds a file-state region with the predetermined entries
// (console-in, console-out, root directory) already populated identically
// to every other process's table.
func NewTable() *Table {
	t := &Table{Cwd: defs.InoRootDir}
	t.Inodes[defs.InoConsoleIn] = Inode{Name: "console-in", Parent: defs.InoRootDir, Mode: defs.ModeReg, Ver: 1}
	t.Inodes[defs.InoConsoleOut] = Inode{Name: "console-out", Parent: defs.InoRootDir, Mode: defs.ModeReg, Ver: 1}
	t.Inodes[defs.InoRootDir] = Inode{Name: "/", Parent: defs.InoRootDir, Mode: defs.ModeDir, Ver: 1}
	return t
}

func (t *Table) allocSlot() (int, error) {
	for i := defs.NumReserved; i < defs.NumInodes; i++ {
		if !t.Inodes[i].inUse() {
			return i, nil
		}
	}
	return 0, fmt.Errorf("fs: inode table full")
}

// Mkdir creates a new directory inode named name under parent, always
// bumping the new inode's version so conflict detection has a stable
// starting point to compare against (left optional in the tooling this is
// grounded on; made unconditional here, per design decision).
func (t *Table) Mkdir(parent int, name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("fs: empty name")
	}
	if parent < 0 || parent >= defs.NumInodes || !t.Inodes[parent].inUse() {
		return 0, fmt.Errorf("fs: invalid parent inode %d", parent)
	}
	if t.Inodes[parent].Mode&defs.ModeDir == 0 {
		return 0, fmt.Errorf("fs: parent %d is not a directory", parent)
	}
	i, err := t.allocSlot()
	if err != nil {
		return 0, err
	}
	t.Inodes[i] = Inode{Name: name, Parent: parent, Mode: defs.ModeDir, Ver: 1}
	return i, nil
}

// Create makes a new regular-file inode, mirroring Mkdir for non-directory
// content; like Mkdir it always bumps the fresh inode's version.
func (t *Table) Create(parent int, name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("fs: empty name")
	}
	if parent < 0 || parent >= defs.NumInodes || !t.Inodes[parent].inUse() {
		return 0, fmt.Errorf("fs: invalid parent inode %d", parent)
	}
	i, err := t.allocSlot()
	if err != nil {
		return 0, err
	}
	t.Inodes[i] = Inode{Name: name, Parent: parent, Mode: defs.ModeReg, Ver: 1}
	return i, nil
}

// Write appends or overwrites data at offset off in inode i, bumping Ver
// whenever the write is not a pure append (matching the "bump ver on any
// non-append modification" rule relied on by reconciliation).
func (t *Table) Write(i int, off int, data []byte) error {
	if i <= 0 || i >= defs.NumInodes || !t.Inodes[i].inUse() {
		return fmt.Errorf("fs: invalid inode %d", i)
	}
	ino := &t.Inodes[i]
	cur := t.Data[i]
	end := off + len(data)
	if end > MaxFileSize {
		return fmt.Errorf("fs: write exceeds max file size")
	}
	if off != len(cur) {
		ino.Ver++ // overwrite or hole: not a pure append
	}
	if end > len(cur) {
		grown := make([]byte, end)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[off:end], data)
	t.Data[i] = cur
	ino.Size = uint64(len(cur))
	return nil
}

// ForkChild produces the child's half of a fork: a full copy of the parent
// table (mirroring the COW copy of the user window the caller performs
// alongside this), with every in-use inode's reference state reset to its
// current state — rino=i, rver=ver, rlen=size — per the fork-time
// initialization rule.
func ForkChild(parent *Table) *Table {
	child := &Table{Cwd: parent.Cwd}
	for i := range parent.Inodes {
		if !parent.Inodes[i].inUse() {
			continue
		}
		ino := parent.Inodes[i]
		ino.Rino = i
		ino.Rver = ino.Ver
		ino.Rlen = ino.Size
		child.Inodes[i] = ino
		if len(parent.Data[i]) > 0 {
			child.Data[i] = append([]byte(nil), parent.Data[i]...)
		}
	}
	return child
}
