// Package mem implements the physical page-frame allocator: a fixed arena of
// fixed-size frames, each with an atomic refcount, a home-node tag, and a
// share-mask recording which remote nodes hold a copy. Real physical memory
// discovery and direct-mapping are out of scope (boot/MMU enablement); the
// arena here is a plain Go byte slab addressed by frame number, grounded on
// the refcounted-freelist allocator a teaching kernel builds over real
// physical memory.
package mem

import (
	"sync"
	"sync/atomic"

	"github.com/khannotations/pios/internal/defs"
)

const (
	PGSHIFT = 12
	PGSIZE  = 1 << PGSHIFT
)

// Pa_t is a frame number: an index into the arena, not a raw address.
type Pa_t uint32

// Pg_t is the backing storage for one frame.
type Pg_t [PGSIZE]byte

// Physpg_t is the per-frame bookkeeping record: refcount, home-node tag
// (zero means locally owned), and a share-mask of remote nodes known to
// hold a copy, plus the free-list's next-index link.
type Physpg_t struct {
	Refcnt  int32
	Home    defs.NodeID
	HomeVA  uint32
	Shared  uint8 // bitmask, bit i => node i+1 may hold a copy
	nexti   uint32
}

// Physmem_t is the node-local frame arena.
type Physmem_t struct {
	mu     sync.Mutex
	pgs    []Physpg_t
	bytes  [][]byte
	freei  uint32
	freelen int
}

const noFree = ^uint32(0)

// NewPhysmem allocates an arena of n frames, all initially free.
func NewPhysmem(n int) *Physmem_t {
	p := &Physmem_t{
		pgs:   make([]Physpg_t, n),
		bytes: make([][]byte, n),
	}
	for i := range p.pgs {
		p.bytes[i] = make([]byte, PGSIZE)
		if i == n-1 {
			p.pgs[i].nexti = noFree
		} else {
			p.pgs[i].nexti = uint32(i + 1)
		}
	}
	p.freei = 0
	p.freelen = n
	return p
}

// Page returns the backing byte slice for frame pa. Analogous to the host
// kernel's direct-mapping Dmap: a frame number resolves directly to storage,
// no page-table walk required.
func (p *Physmem_t) Page(pa Pa_t) *Pg_t {
	return (*Pg_t)(p.bytes[pa])
}

// Refcnt returns the current reference count of frame pa.
func (p *Physmem_t) Refcnt(pa Pa_t) int {
	return int(atomic.LoadInt32(&p.pgs[pa].Refcnt))
}

// Refup increments the reference count of frame pa.
func (p *Physmem_t) Refup(pa Pa_t) {
	c := atomic.AddInt32(&p.pgs[pa].Refcnt, 1)
	if c <= 0 {
		panic("mem: refup on dead frame")
	}
}

// Refdown decrements the reference count of frame pa, freeing it when it
// reaches zero. Returns true iff the frame was freed.
func (p *Physmem_t) Refdown(pa Pa_t) bool {
	c := atomic.AddInt32(&p.pgs[pa].Refcnt, -1)
	if c < 0 {
		panic("mem: negative refcount")
	}
	if c != 0 {
		return false
	}
	p.mu.Lock()
	p.pgs[pa].nexti = p.freei
	p.pgs[pa].Home = 0
	p.pgs[pa].Shared = 0
	p.freei = uint32(pa)
	p.freelen++
	p.mu.Unlock()
	return true
}

// Alloc returns a fresh, zeroed frame with refcount 1, or ok=false if the
// arena is exhausted (callers report defs.ENOMEM).
func (p *Physmem_t) Alloc() (Pa_t, bool) {
	p.mu.Lock()
	if p.freei == noFree {
		p.mu.Unlock()
		return 0, false
	}
	idx := p.freei
	p.freei = p.pgs[idx].nexti
	p.freelen--
	p.pgs[idx].Refcnt = 1
	p.mu.Unlock()
	for i := range p.bytes[idx] {
		p.bytes[idx][i] = 0
	}
	return Pa_t(idx), true
}

// Free reports the number of frames currently on the free list.
func (p *Physmem_t) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freelen
}

// ShareWith records that node n may hold a copy of frame pa (OR-only, never
// reclaimed once shared across nodes — see the resource model's accepted
// leak for cross-node sharing).
func (p *Physmem_t) ShareWith(pa Pa_t, n defs.NodeID) {
	if n == 0 || n > defs.MaxNodes {
		panic("mem: bad node id")
	}
	p.mu.Lock()
	p.pgs[pa].Shared |= 1 << (n - 1)
	p.mu.Unlock()
}

// SharedWith reports whether node n may hold a copy of frame pa.
func (p *Physmem_t) SharedWith(pa Pa_t, n defs.NodeID) bool {
	if n == 0 || n > defs.MaxNodes {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pgs[pa].Shared&(1<<(n-1)) != 0
}

// SetHome records that frame pa was pulled in from node/va, for replying to
// a later PULLRQ with the correct remote reference instead of this node's
// own identity.
func (p *Physmem_t) SetHome(pa Pa_t, node defs.NodeID, va uint32) {
	p.mu.Lock()
	p.pgs[pa].Home = node
	p.pgs[pa].HomeVA = va
	p.mu.Unlock()
}

// Home returns the recorded origin of frame pa; node 0 means locally owned.
func (p *Physmem_t) Home(pa Pa_t) (defs.NodeID, uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pgs[pa].Home, p.pgs[pa].HomeVA
}
