package fs

import (
	"fmt"

	"github.com/khannotations/pios/internal/defs"
)

// Conflict describes one inode pair reconciliation found unresolvable:
// both sides changed since the last sync and cannot be merged.
type Conflict struct {
	ParentIno int
	ChildIno  int
}

func (c Conflict) Error() string {
	return fmt.Sprintf("fs: conflicting change on parent inode %d / child inode %d", c.ParentIno, c.ChildIno)
}

// Reconcile merges child's file-state table into parent's, and vice versa,
// per the four-step reconciliation pass: build inode maps, adopt new child
// inodes into the parent, reconcile every pair, and in-file-merge appends.
// It returns didio, true if any data actually moved, and a best-effort list
// of conflicts encountered (reconciliation continues past a conflict,
// marking both inodes rather than aborting the whole pass).
func Reconcile(parent, child *Table) (didio bool, conflicts []Conflict, err error) {
	p2c := map[int]int{}
	c2p := map[int]int{}
	// Predefine the identity mapping for console-in, console-out, and root.
	for _, i := range []int{defs.InoConsoleIn, defs.InoConsoleOut, defs.InoRootDir} {
		p2c[i] = i
		c2p[i] = i
	}

	// Child-side pass: adopt any child inode the parent has never seen.
	for i := defs.NumReserved; i < defs.NumInodes; i++ {
		cino := &child.Inodes[i]
		if !cino.inUse() || cino.Mode&(defs.ModeSymlink) != 0 {
			continue
		}
		if cino.Rino == 0 {
			pdir := cino.Parent
			if pdir < 0 || pdir >= defs.NumInodes || !parent.Inodes[pdir].inUse() {
				continue // child corrupted its own state; skip rather than propagate
			}
			var pino int
			var e error
			if cino.Mode&defs.ModeDir != 0 {
				pino, e = parent.Mkdir(pdir, cino.Name)
			} else {
				pino, e = parent.Create(pdir, cino.Name)
			}
			if e != nil {
				continue
			}
			cino.Rino = pino
			parent.Inodes[pino].Rino = i
			// The freshly created parent inode starts as the common
			// baseline: it did not independently "change", it was just
			// adopted, so record its starting version/size as the
			// reference point for the pair reconciliation below.
			cino.Rver = parent.Inodes[pino].Ver
			cino.Rlen = parent.Inodes[pino].Size
			p2c[pino] = i
			c2p[i] = pino
			continue
		}
		pino := cino.Rino
		if pino <= 0 || pino >= defs.NumInodes || !parent.Inodes[pino].inUse() {
			continue // dangling reference; skip
		}
		pfi := &parent.Inodes[pino]
		if pfi.Mode&defs.ModeDir != cino.Mode&defs.ModeDir {
			continue // directory-ness mismatch: corrupted state, skip
		}
		if pfi.Name != cino.Name {
			continue // name mismatch: corrupted state, skip
		}
		if cino.Rver > cino.Ver || cino.Rver > pfi.Ver {
			continue // reference version ahead of either current version: corrupted, skip
		}
		p2c[pino] = i
		c2p[i] = pino
	}

	for cidx, pidx := range c2p {
		moved, conflict, e := reconcilePair(parent, pidx, child, cidx)
		if e != nil {
			err = e
			continue
		}
		if conflict {
			conflicts = append(conflicts, Conflict{ParentIno: pidx, ChildIno: cidx})
			continue
		}
		if moved {
			didio = true
		}
	}
	return didio, conflicts, err
}

// reconcilePair reconciles one (parent, child) inode pair per the
// per-pair algorithm: append-append merges, differing-version changes
// conflict, and a one-sided change propagates wholesale with rino fixed up
// on both ends.
func reconcilePair(parent *Table, pidx int, child *Table, cidx int) (moved bool, conflict bool, err error) {
	pfi := &parent.Inodes[pidx]
	cfi := &child.Inodes[cidx]

	rver := cfi.Rver
	rlen := cfi.Rlen

	if cfi.Ver < rver || pfi.Ver < rver {
		return false, false, fmt.Errorf("fs: inode %d/%d reference version ahead of current", pidx, cidx)
	}

	childChanged := cfi.Ver != rver || cfi.Size != rlen
	parentChanged := pfi.Ver != rver || pfi.Size != rlen

	switch {
	case !childChanged && !parentChanged:
		return false, false, nil

	case childChanged && parentChanged && cfi.Ver == pfi.Ver &&
		cfi.Mode&defs.ModeReg != 0 && pfi.Mode&defs.ModeReg != 0 &&
		cfi.Size > rlen && pfi.Size > rlen:
		// Both sides are the same version and both grew past the last
		// sync point: append-append, merge deterministically.
		if err := mergeAppend(parent, pidx, child, cidx, rlen); err != nil {
			return false, false, err
		}
		newLen := pfi.Size
		cfi.Rver, cfi.Rlen, cfi.Rino = pfi.Ver, newLen, pidx
		pfi.Rino = cidx
		return true, false, nil

	case childChanged && parentChanged:
		pfi.Mode |= defs.ModeConflict
		cfi.Mode |= defs.ModeConflict
		return false, true, nil

	case childChanged:
		pfi.Mode = cfi.Mode
		pfi.Ver = cfi.Ver
		pfi.Size = cfi.Size
		parent.Data[pidx] = append([]byte(nil), child.Data[cidx]...)
		cfi.Rver, cfi.Rlen = cfi.Ver, cfi.Size
		cfi.Rino, pfi.Rino = pidx, cidx
		return true, false, nil

	default: // parentChanged only
		cfi.Mode = pfi.Mode
		cfi.Ver = pfi.Ver
		cfi.Size = pfi.Size
		child.Data[cidx] = append([]byte(nil), parent.Data[pidx]...)
		cfi.Rver, cfi.Rlen = pfi.Ver, pfi.Size
		cfi.Rino, pfi.Rino = pidx, cidx
		return true, false, nil
	}
}

// mergeAppend performs the in-file merge of two append-only tails that
// diverged from a common rlen-byte prefix: bytes [0, rlen) are shared,
// followed by the child's appended tail, followed by the parent's
// appended tail. Both sides are overwritten with this one canonical
// buffer so they converge on byte-identical final content, not merely
// matching length.
func mergeAppend(parent *Table, pidx int, child *Table, cidx int, rlen uint64) error {
	pfi := &parent.Inodes[pidx]
	cfi := &child.Inodes[cidx]

	pdata := parent.Data[pidx]
	cdata := child.Data[cidx]

	cdif := cfi.Size - rlen
	pdif := pfi.Size - rlen
	if rlen+cdif+pdif > MaxFileSize {
		return fmt.Errorf("fs: merged file would exceed max size")
	}

	ctail := cdata[rlen : rlen+cdif]
	ptail := pdata[rlen : rlen+pdif]

	merged := make([]byte, 0, rlen+cdif+pdif)
	merged = append(merged, pdata[:rlen]...) // shared prefix
	merged = append(merged, ctail...)        // child's appended tail first
	merged = append(merged, ptail...)        // then the parent's appended tail

	parent.Data[pidx] = merged
	child.Data[cidx] = append([]byte(nil), merged...)

	newLen := uint64(len(merged))
	pfi.Size = newLen
	cfi.Size = newLen
	return nil
}
