// Package bridge exposes a refdb.Backend to the native side as a
// native.BackendTable.
//
// The table's slots are package-level trampolines shared by every bound
// backend. Each call carries the backend's integer handle; the trampoline
// resolves it through a process-wide arena, runs the backend method with
// panics contained, and reduces the result to a native.Code plus a
// message. Iterators and lock tokens get handles of their own from
// separate arenas.
//
// A Binding moves Unbound -> Bound -> Freed. Binding twice, reading the
// table before Bind, or calling through a handle after Free are
// programming errors and panic.
package bridge

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/odvcencio/refdb/internal/logging"
	"github.com/odvcencio/refdb/pkg/native"
	"github.com/odvcencio/refdb/pkg/refdb"
)

// State is where a Binding is in its lifecycle.
type State int32

const (
	StateUnbound State = iota
	StateBound
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateFreed:
		return "freed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	backends  = newArena[*Binding]("backend")
	iterators = newArena[*iterState]("iterator")
	locks     = newArena[*lockState]("lock")
)

// Binding pairs one backend with its native table.
type Binding struct {
	backend refdb.Backend
	heap    *native.Heap
	logger  *slog.Logger
	metrics *Metrics

	// Filled at Bind and read-only afterwards.
	caps       refdb.Capabilities
	compressor refdb.Compressor
	reflogger  refdb.Reflogger
	locker     refdb.Locker
	cas        refdb.CASWriter

	mu     sync.Mutex
	state  State
	handle native.Handle
	table  *native.BackendTable
	iters  map[native.Handle]struct{}
	tokens map[native.Handle]struct{}
}

// Option configures a Binding.
type Option func(*Binding)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Binding) { b.logger = logger }
}

// WithMetrics counts every call-in into m.
func WithMetrics(m *Metrics) Option {
	return func(b *Binding) { b.metrics = m }
}

// New returns an unbound Binding. Objects handed to the native side are
// allocated on heap.
func New(backend refdb.Backend, heap *native.Heap, opts ...Option) *Binding {
	if heap == nil {
		heap = native.NewHeap()
	}
	b := &Binding{
		backend: backend,
		heap:    heap,
		logger:  logging.Logger("bridge"),
		iters:   make(map[native.Handle]struct{}),
		tokens:  make(map[native.Handle]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind issues the backend's handle and builds its table. Optional slots
// are installed only for capabilities the backend both advertises and
// implements.
func (b *Binding) Bind() *native.BackendTable {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateUnbound {
		panic(fmt.Sprintf("bridge: Bind on %s binding", b.state))
	}

	b.negotiate()
	b.handle = backends.insert(b)
	b.table = b.buildTable()
	b.state = StateBound
	b.logger.Debug("bound backend", "handle", uint64(b.handle), "capabilities", b.caps.String())
	return b.table
}

func (b *Binding) negotiate() {
	advertised := b.backend.Capabilities()
	if advertised.Has(refdb.CapCompress) {
		if c, ok := b.backend.(refdb.Compressor); ok {
			b.compressor = c
			b.caps |= refdb.CapCompress
		} else {
			b.logger.Warn("backend advertises compress without implementing it")
		}
	}
	if advertised.Has(refdb.CapReflog) {
		if r, ok := b.backend.(refdb.Reflogger); ok {
			b.reflogger = r
			b.caps |= refdb.CapReflog
		} else {
			b.logger.Warn("backend advertises reflog without implementing it")
		}
	}
	if advertised.Has(refdb.CapLock) {
		if l, ok := b.backend.(refdb.Locker); ok {
			b.locker = l
			b.caps |= refdb.CapLock
		} else {
			b.logger.Warn("backend advertises lock without implementing it")
		}
	}
	if advertised.Has(refdb.CapCAS) {
		if c, ok := b.backend.(refdb.CASWriter); ok {
			b.cas = c
			b.caps |= refdb.CapCAS
		} else {
			b.logger.Warn("backend advertises compare-and-swap without implementing it")
		}
	}
}

func (b *Binding) buildTable() *native.BackendTable {
	t := &native.BackendTable{
		Version: native.TableVersion,
		Handle:  b.handle,
		Exists:  trampExists,
		Lookup:  trampLookup,
		Iter:    trampIter,
		Write:   trampWrite,
		Rename:  trampRename,
		Delete:  trampDelete,
		Free:    trampFree,
	}
	if b.caps.Has(refdb.CapCompress) {
		t.Compress = trampCompress
	}
	if b.caps.Has(refdb.CapReflog) {
		t.HasLog = trampHasLog
		t.EnsureLog = trampEnsureLog
		t.ReflogRead = trampReflogRead
		t.ReflogWrite = trampReflogWrite
		t.ReflogRename = trampReflogRename
		t.ReflogDelete = trampReflogDelete
	}
	if b.caps.Has(refdb.CapLock) {
		t.Lock = trampLock
		t.Unlock = trampUnlock
	}
	return t
}

// State returns the lifecycle state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Capabilities returns the negotiated set. It is empty before Bind.
func (b *Binding) Capabilities() refdb.Capabilities {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.caps
}

// Table returns the installed table. It panics unless the binding is
// bound.
func (b *Binding) Table() *native.BackendTable {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateBound {
		panic(fmt.Sprintf("bridge: Table on %s binding", b.state))
	}
	return b.table
}

// OpenIterators returns how many iterator handles are still live.
func (b *Binding) OpenIterators() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.iters)
}

// Bind binds backend and returns its table.
func Bind(backend refdb.Backend, heap *native.Heap, opts ...Option) *native.BackendTable {
	return New(backend, heap, opts...).Bind()
}

// Open binds backend and opens a native core over it.
func Open(backend refdb.Backend, heap *native.Heap, opts ...Option) (*native.Refdb, error) {
	if heap == nil {
		heap = native.NewHeap()
	}
	table := Bind(backend, heap, opts...)
	db, err := native.Open(table, heap)
	if err != nil {
		table.Free(table.Handle)
		return nil, err
	}
	return db, nil
}

func (b *Binding) trackIter(h native.Handle) {
	b.mu.Lock()
	b.iters[h] = struct{}{}
	b.mu.Unlock()
}

func (b *Binding) untrackIter(h native.Handle) {
	b.mu.Lock()
	delete(b.iters, h)
	b.mu.Unlock()
}

func (b *Binding) trackToken(h native.Handle) {
	b.mu.Lock()
	b.tokens[h] = struct{}{}
	b.mu.Unlock()
}

func (b *Binding) untrackToken(h native.Handle) {
	b.mu.Lock()
	delete(b.tokens, h)
	b.mu.Unlock()
}

// free runs once, from the Free slot, after the handle left the arena.
func (b *Binding) free() {
	b.mu.Lock()
	if b.state != StateBound {
		b.mu.Unlock()
		panic(fmt.Sprintf("bridge: Free on %s binding", b.state))
	}
	b.state = StateFreed
	iters := b.iters
	tokens := b.tokens
	b.iters = make(map[native.Handle]struct{})
	b.tokens = make(map[native.Handle]struct{})
	b.mu.Unlock()

	// Iterators never outlive their backend.
	for h := range iters {
		st := iterators.remove(h)
		b.logger.Warn("iterator still open at free", "handle", uint64(h))
		b.guardVoid("iter_free", func() { _ = st.it.Close() })
	}
	for h := range tokens {
		locks.remove(h)
		b.logger.Warn("lock still held at free", "handle", uint64(h))
	}

	b.guardVoid("free", func() {
		if err := b.backend.Free(); err != nil {
			b.logger.Error("backend free failed", "error", err)
		}
	})
	b.logger.Debug("freed backend", "handle", uint64(b.handle))
}
