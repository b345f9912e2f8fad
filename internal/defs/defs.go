// Package defs holds the constants and small value types shared across every
// package in this module: the rendezvous command word, address-space layout,
// inode numbering, and wire packet types. Grouping these into one package
// mirrors how the host kernel's own defs package collects syscall numbers,
// trap numbers, and flag bits in one place rather than scattering them.
package defs

// PTSIZE is the granularity of a COW bulk copy/merge: two-level page tables
// cover 4 MB per directory slot.
const PTSIZE = 4 << 20

// PAGESIZE is the hardware page size used for insert/remove/fault-handling.
const PAGESIZE = 4 << 10

// Address-space layout. All values are page-table-manager virtual addresses
// inside a simulated user window; they are array offsets into the
// per-process byte arena, not real pointers.
const (
	USERLO   = 0x00000000
	USERHI   = 0x40000000 // 1 GB user window
	FILESVA  = USERHI      // file-state region immediately above the user window
	// per-inode data starts at the next 4 MB slot, so each data region and the
	// scratch region after them stay PTSIZE-aligned for bulk COPY
	FILEDATABASE = FILESVA + PTSIZE
	SCRATCHLO = FILEDATABASE + NumInodes*PTSIZE
	SCRATCHHI = SCRATCHLO + 16*PTSIZE
	STACKHI   = USERHI // stack grows down from the top of the user window
)

// FileData returns the fixed virtual offset of inode i's data region.
func FileData(i int) uint64 {
	return FILEDATABASE + uint64(i)*PTSIZE
}

// Inode numbering. Indices below NumReserved are predetermined and identical
// in every process that maps them.
const (
	InoNone      = 0
	InoConsoleIn = 1
	InoConsoleOut = 2
	InoRootDir   = 3
	NumReserved  = 4
	NumInodes    = 64
)

// Rendezvous command word. Low bits select the syscall type, the next field
// selects the memory operation, and the remaining bits are independent
// flags. SYS_READ/SYS_WRITE double as both nominal page permissions and
// command-word RW flags, so they can be masked directly out of a command
// word passed to setperm.
type CmdWord uint32

const (
	typeShift = 0
	typeMask  = 0x3

	TypeCPUTS CmdWord = 0 << typeShift
	TypePUT   CmdWord = 1 << typeShift
	TypeGET   CmdWord = 2 << typeShift
	TypeRET   CmdWord = 3 << typeShift

	memopShift = 2
	memopMask  = 0x3 << memopShift

	MemNone  CmdWord = 0 << memopShift
	MemCopy  CmdWord = 1 << memopShift
	MemZero  CmdWord = 2 << memopShift
	MemMerge CmdWord = 3 << memopShift

	FlagREGS  CmdWord = 1 << 4
	FlagPERM  CmdWord = 1 << 5
	FlagSNAP  CmdWord = 1 << 6
	FlagSTART CmdWord = 1 << 7

	SysRead  CmdWord = 1 << 8
	SysWrite CmdWord = 1 << 9
)

// Type extracts the syscall type from a command word.
func (c CmdWord) Type() CmdWord { return c & typeMask }

// Memop extracts the memory operation from a command word.
func (c CmdWord) Memop() CmdWord { return c & memopMask }

// Has reports whether every bit in mask is set in c.
func (c CmdWord) Has(mask CmdWord) bool { return c&mask == mask }

// NodeID identifies one running instance of this system, 1..MaxNodes.
type NodeID uint8

const MaxNodes = 8

// RR is a remote reference: a capability naming a physical page on a
// specific node, plus the permission bits it carries across the wire.
type RR struct {
	Node  NodeID
	Addr  uint32
	Read  bool
	Write bool
}

// Zero reports whether this RR denotes the shared zero page rather than a
// real frame.
func (r RR) Zero() bool { return r.Node == 0 && r.Addr == 0 }

var RRZero = RR{}

// PacketType is the one-byte wire discriminator for the migration/pull
// protocol, carried as the first byte of the packet header, ahead of the
// source and destination node ids.
type PacketType uint8

const (
	PktMIGRQ PacketType = 1
	PktMIGRP PacketType = 2
	PktPULLRQ PacketType = 3
	PktPULLRP PacketType = 4
)

// PullLevel distinguishes which kind of frame a pull is fetching.
type PullLevel uint8

const (
	PullPage PullLevel = 0
	PullTable PullLevel = 1
	PullDir   PullLevel = 2
)

// PartSize* are the three fixed-size fragments a PAGESIZE page is split into
// for PULLRP fragmentation, shared by both sides of the wire.
const (
	PartSize0 = PAGESIZE / 3
	PartSize1 = PAGESIZE / 3
	PartSize2 = PAGESIZE - PartSize0 - PartSize1
)

// NumParts is the number of fragments a page is split into for a pull.
const NumParts = 3

// ArrivedAll is the fully-set bitmap for a completed pull (3 parts).
const ArrivedAll = 1<<NumParts - 1

// Wait status flags: the low byte of a wait status carries the exit code
// or trap number; WEXITED/WSIGNALED distinguish which one it is, mirroring
// the host library's "WEXITED | (status & 0xff)" convention.
const (
	WEXITED   = 1 << 8
	WSIGNALED = 1 << 9
)

// inode modes.
type Mode uint32

const (
	ModeReg Mode = 1 << iota
	ModeDir
	ModeSymlink
	ModeConflict // S_IFCONF
	ModePartial
)
