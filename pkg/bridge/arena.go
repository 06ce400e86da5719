package bridge

import (
	"fmt"
	"sync"

	"github.com/odvcencio/refdb/pkg/native"
)

// arena maps integer handles to Go values. A handle packs a slot index
// with the slot's generation, so a handle kept past remove never resolves
// to whatever reuses the slot later.
type arena[T any] struct {
	kind string

	mu    sync.RWMutex
	slots []arenaSlot[T]
	free  []uint32
	count int
}

type arenaSlot[T any] struct {
	gen  uint32
	used bool
	val  T
}

func newArena[T any](kind string) *arena[T] {
	return &arena[T]{kind: kind}
}

func (a *arena[T]) insert(v T) native.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, arenaSlot[T]{})
	}
	s := &a.slots[idx]
	s.gen++
	s.used = true
	s.val = v
	a.count++
	return native.Handle(uint64(s.gen)<<32 | uint64(idx+1))
}

// slot panics for a handle that is zero, out of range, or stale.
func (a *arena[T]) slot(h native.Handle) *arenaSlot[T] {
	low := uint32(h)
	gen := uint32(uint64(h) >> 32)
	if low == 0 || int(low) > len(a.slots) {
		panic(fmt.Sprintf("bridge: invalid %s handle %#x", a.kind, uint64(h)))
	}
	s := &a.slots[low-1]
	if !s.used || s.gen != gen {
		panic(fmt.Sprintf("bridge: stale %s handle %#x", a.kind, uint64(h)))
	}
	return s
}

func (a *arena[T]) get(h native.Handle) T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.slot(h).val
}

func (a *arena[T]) remove(h native.Handle) T {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.slot(h)
	v := s.val
	var zero T
	s.val = zero
	s.used = false
	a.free = append(a.free, uint32(h)-1)
	a.count--
	return v
}

func (a *arena[T]) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}
