// Package hashtable is a lock-striped concurrent map from home-RR string
// keys to the *proc.Proc tracking that home, used by the migration layer
// to index in-flight AWAY-state arrivals so a duplicate MIGRQ resolves to
// the process already tracking that home instead of allocating a second
// one. Adapted from a teaching kernel's benchmark hashtable: per-bucket
// locking plus atomic pointer chains so a concurrent Get never blocks
// behind a Put/Del landing in a different bucket.
package hashtable

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/khannotations/pios/internal/proc"
)

type elem struct {
	key     string
	value   *proc.Proc
	keyHash uint32
	next    atomic.Pointer[elem]
}

type bucket struct {
	sync.Mutex
	first atomic.Pointer[elem]
}

// Table is the home-RR -> *proc.Proc registry itself.
type Table struct {
	buckets []*bucket
}

// New constructs a Table with size buckets.
func New(size int) *Table {
	t := &Table{buckets: make([]*bucket, size)}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

func (t *Table) String() string {
	s := ""
	for i, b := range t.buckets {
		if b.first.Load() == nil {
			continue
		}
		s += fmt.Sprintf("b %d:\n", i)
		for e := b.first.Load(); e != nil; e = e.next.Load() {
			s += fmt.Sprintf("(%v, %v), ", e.keyHash, e.key)
		}
		s += "\n"
	}
	return s
}

func (t *Table) bucketFor(kh uint32) *bucket {
	return t.buckets[int(kh%uint32(len(t.buckets)))]
}

// Get returns the process tracking home-RR key, if any.
func (t *Table) Get(key string) (*proc.Proc, bool) {
	kh := khash(key)
	b := t.bucketFor(kh)
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

// Put records value as the process tracking home-RR key, overwriting any
// existing entry for key. Chain entries stay sorted by keyHash so Get's
// scan and Del's removal agree on where a key would live.
func (t *Table) Put(key string, value *proc.Proc) {
	kh := khash(key)
	b := t.bucketFor(kh)
	b.Lock()
	defer b.Unlock()

	add := func(last *elem) {
		n := &elem{key: key, value: value, keyHash: kh}
		if last == nil {
			n.next.Store(b.first.Load())
			b.first.Store(n)
			return
		}
		n.next.Store(last.next.Load())
		last.next.Store(n)
	}

	var last *elem
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.keyHash == kh && e.key == key {
			e.value = value
			return
		}
		if kh < e.keyHash {
			add(last)
			return
		}
		last = e
	}
	add(last)
}

// Del removes the entry tracking home-RR key. It panics if key is not
// present: a caller only ever deletes a home-RR it already confirmed via
// Get, so an unknown key here means a bookkeeping bug upstream, not a
// recoverable condition.
func (t *Table) Del(key string) {
	kh := khash(key)
	b := t.bucketFor(kh)
	b.Lock()
	defer b.Unlock()

	var last *elem
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.keyHash == kh && e.key == key {
			if last == nil {
				b.first.Store(e.next.Load())
			} else {
				last.next.Store(e.next.Load())
			}
			return
		}
		if kh < e.keyHash {
			panic("del of non-existing key")
		}
		last = e
	}
	panic("del of non-existing key")
}

func khash(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return uint32(2654435761) * h.Sum32()
}
