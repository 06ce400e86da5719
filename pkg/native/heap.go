package native

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Heap hands out native objects and tracks which are still live. Freeing
// an object twice, or touching it after Free, panics: both are ownership
// bugs at the boundary, not runtime conditions.
type Heap struct {
	mu    sync.Mutex
	next  uint64
	live  map[uint64]string
	total atomic.Uint64
}

// NewHeap returns an empty heap.
func NewHeap() *Heap {
	return &Heap{live: make(map[uint64]string)}
}

type block struct {
	heap  *Heap
	id    uint64
	freed bool
}

func (h *Heap) alloc(kind string) block {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.live[h.next] = kind
	h.total.Add(1)
	return block{heap: h, id: h.next}
}

func (b *block) release(kind string) {
	if b.heap == nil {
		panic(fmt.Sprintf("native: free of %s not allocated on a heap", kind))
	}
	h := b.heap
	h.mu.Lock()
	defer h.mu.Unlock()
	if b.freed {
		panic(fmt.Sprintf("native: double free of %s #%d", kind, b.id))
	}
	if _, ok := h.live[b.id]; !ok {
		panic(fmt.Sprintf("native: free of unknown %s #%d", kind, b.id))
	}
	delete(h.live, b.id)
	b.freed = true
}

func (b *block) check(kind string) {
	if b.freed {
		panic(fmt.Sprintf("native: use of freed %s #%d", kind, b.id))
	}
}

// Live returns the number of objects allocated and not yet freed.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Allocated returns the number of objects ever allocated.
func (h *Heap) Allocated() uint64 { return h.total.Load() }

// LiveKinds lists the kind of every live object, for leak reports.
func (h *Heap) LiveKinds() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int)
	for _, kind := range h.live {
		out[kind]++
	}
	return out
}

// Ref is a native reference object: a type tag, a name, and either an oid
// or a symbolic target.
type Ref struct {
	block
	typ    RefType
	name   CStr
	oid    Oid
	target CStr
}

// NewDirectRef allocates a direct reference.
func (h *Heap) NewDirectRef(name string, oid Oid) *Ref {
	return &Ref{block: h.alloc("ref"), typ: RefDirect, name: CString(name), oid: oid}
}

// NewSymbolicRef allocates a symbolic reference.
func (h *Heap) NewSymbolicRef(name, target string) *Ref {
	return &Ref{block: h.alloc("ref"), typ: RefSymbolic, name: CString(name), target: CString(target)}
}

// FreeRef releases r. A nil r is ignored.
func (h *Heap) FreeRef(r *Ref) {
	if r == nil {
		return
	}
	r.release("ref")
}

func (r *Ref) Type() RefType {
	r.check("ref")
	return r.typ
}

func (r *Ref) Name() CStr {
	r.check("ref")
	return r.name
}

// Oid is meaningful only for RefDirect.
func (r *Ref) Oid() Oid {
	r.check("ref")
	return r.oid
}

// Target is null unless the reference is symbolic.
func (r *Ref) Target() CStr {
	r.check("ref")
	return r.target
}

// Signature is a native identity: name, email, seconds since the epoch and
// a timezone offset in minutes.
type Signature struct {
	block
	name   CStr
	email  CStr
	when   int64
	offset int32
}

// NewSignature allocates a signature.
func (h *Heap) NewSignature(name, email string, when int64, offset int32) *Signature {
	return &Signature{block: h.alloc("signature"), name: CString(name), email: CString(email), when: when, offset: offset}
}

// FreeSignature releases s. A nil s is ignored.
func (h *Heap) FreeSignature(s *Signature) {
	if s == nil {
		return
	}
	s.release("signature")
}

func (s *Signature) Name() CStr {
	s.check("signature")
	return s.name
}

func (s *Signature) Email() CStr {
	s.check("signature")
	return s.email
}

func (s *Signature) When() int64 {
	s.check("signature")
	return s.when
}

func (s *Signature) Offset() int32 {
	s.check("signature")
	return s.offset
}

// ReflogEntry is one entry of a native reflog. It lives inside its Reflog
// and has no separate allocation.
type ReflogEntry struct {
	Old     Oid
	New     Oid
	Name    CStr
	Email   CStr
	When    int64
	Offset  int32
	Message CStr
}

// Reflog is a native reflog, newest entry first.
type Reflog struct {
	block
	entries []ReflogEntry
}

// NewReflog allocates a reflog holding entries.
func (h *Heap) NewReflog(entries []ReflogEntry) *Reflog {
	return &Reflog{block: h.alloc("reflog"), entries: entries}
}

// FreeReflog releases l. A nil l is ignored.
func (h *Heap) FreeReflog(l *Reflog) {
	if l == nil {
		return
	}
	l.release("reflog")
}

func (l *Reflog) Len() int {
	l.check("reflog")
	return len(l.entries)
}

func (l *Reflog) Entry(i int) ReflogEntry {
	l.check("reflog")
	return l.entries[i]
}
