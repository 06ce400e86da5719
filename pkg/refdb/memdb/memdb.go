// Package memdb is an in-memory reference backend. Entries live in a
// name-ordered tree so iteration is sorted and stable.
package memdb

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/odvcencio/refdb/internal/logging"
	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

// DefaultCapabilities is every optional operation memdb implements.
const DefaultCapabilities = refdb.CapCompress | refdb.CapReflog | refdb.CapLock | refdb.CapCAS

// Backend keeps all references in memory.
type Backend struct {
	mu      sync.RWMutex
	entries *treemap.Map // string -> refs.Record
	reflogs map[string][]refdb.ReflogEntry
	locks   map[string]struct{}
	caps    refdb.Capabilities
	logger  *slog.Logger

	compressed int
	freed      bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithCapabilities restricts the advertised optional operations.
func WithCapabilities(c refdb.Capabilities) Option {
	return func(b *Backend) { b.caps = c & DefaultCapabilities }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// New returns an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		entries: treemap.NewWithStringComparator(),
		reflogs: make(map[string][]refdb.ReflogEntry),
		locks:   make(map[string]struct{}),
		caps:    DefaultCapabilities,
		logger:  logging.Logger("refdb/memdb"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var (
	_ refdb.Backend    = (*Backend)(nil)
	_ refdb.Compressor = (*Backend)(nil)
	_ refdb.Reflogger  = (*Backend)(nil)
	_ refdb.Locker     = (*Backend)(nil)
	_ refdb.CASWriter  = (*Backend)(nil)
)

func (b *Backend) Capabilities() refdb.Capabilities { return b.caps }

// Compressed reports how many times Compress has run.
func (b *Backend) Compressed() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.compressed
}

// Len returns the number of live entries.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries.Size()
}

// Set binds name without any checks. Tests use it to seed state the way a
// storage engine populated out of band would look.
func (b *Backend) Set(name string, rec refs.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Put(name, rec)
}

func (b *Backend) get(name string) (refs.Record, bool) {
	v, ok := b.entries.Get(name)
	if !ok {
		return refs.Record{}, false
	}
	return v.(refs.Record), true
}

func (b *Backend) Exists(name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.freed {
		return false, refdb.ErrClosed
	}
	_, ok := b.get(name)
	return ok, nil
}

func (b *Backend) Lookup(name string) (refs.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.freed {
		return refs.Record{}, refdb.ErrClosed
	}
	rec, ok := b.get(name)
	if !ok {
		return refs.Record{}, refdb.NotFound(name)
	}
	return rec, nil
}

func (b *Backend) WriteDirect(name string, target object.ID, force bool) error {
	return b.write(name, refs.Direct(target), force)
}

func (b *Backend) WriteSymbolic(name, target string, force bool) error {
	return b.write(name, refs.Symbolic(target), force)
}

func (b *Backend) write(name string, rec refs.Record, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return refdb.ErrClosed
	}
	if existing, ok := b.get(name); ok && !force {
		return refdb.Conflict(name, existing.Kind())
	}
	b.entries.Put(name, rec)
	return nil
}

func (b *Backend) Rename(oldName, newName string, force bool) (refs.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return refs.Record{}, refdb.ErrClosed
	}
	rec, ok := b.get(oldName)
	if !ok {
		return refs.Record{}, refdb.NotFound(oldName)
	}
	if existing, ok := b.get(newName); ok && !force && oldName != newName {
		return refs.Record{}, refdb.Conflict(newName, existing.Kind())
	}
	b.entries.Remove(oldName)
	b.entries.Put(newName, rec)
	return rec, nil
}

func (b *Backend) Delete(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return refdb.ErrClosed
	}
	b.entries.Remove(name)
	return nil
}

func (b *Backend) Iterate(glob string) (refdb.Iterator, error) {
	g, err := refdb.CompileGlob(glob)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.freed {
		return nil, refdb.ErrClosed
	}
	var snapshot []refs.Reference
	it := b.entries.Iterator()
	for it.Next() {
		name := it.Key().(string)
		if !g.Match(name) {
			continue
		}
		snapshot = append(snapshot, refs.Reference{Name: name, Record: it.Value().(refs.Record)})
	}
	return refdb.NewSliceIterator(snapshot), nil
}

// Compress has nothing to optimize; it only records that it ran.
func (b *Backend) Compress() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return refdb.ErrClosed
	}
	b.compressed++
	b.logger.Debug("compress", "entries", b.entries.Size())
	return nil
}

func (b *Backend) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return fmt.Errorf("memdb: %w", refdb.ErrClosed)
	}
	b.entries.Clear()
	b.reflogs = nil
	b.locks = nil
	b.freed = true
	return nil
}

func (b *Backend) HasReflog(name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.reflogs[name]
	return ok, nil
}

func (b *Backend) EnsureReflog(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return refdb.ErrClosed
	}
	if _, ok := b.reflogs[name]; !ok {
		b.reflogs[name] = nil
	}
	return nil
}

func (b *Backend) ReadReflog(name string) ([]refdb.ReflogEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	log := b.reflogs[name]
	out := make([]refdb.ReflogEntry, len(log))
	for i := range log {
		out[i] = log[len(log)-1-i]
	}
	return out, nil
}

func (b *Backend) AppendReflog(name string, entry refdb.ReflogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return refdb.ErrClosed
	}
	b.reflogs[name] = append(b.reflogs[name], entry)
	return nil
}

func (b *Backend) RenameReflog(oldName, newName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return refdb.ErrClosed
	}
	log, ok := b.reflogs[oldName]
	if !ok {
		return nil
	}
	delete(b.reflogs, oldName)
	b.reflogs[newName] = log
	return nil
}

func (b *Backend) DeleteReflog(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reflogs, name)
	return nil
}

func (b *Backend) Lock(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return refdb.ErrClosed
	}
	if _, held := b.locks[name]; held {
		return fmt.Errorf("lock %q: %w", name, refdb.ErrLocked)
	}
	b.locks[name] = struct{}{}
	return nil
}

func (b *Backend) Unlock(name string, u refdb.Unlock) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, held := b.locks[name]; !held {
		return fmt.Errorf("unlock %q: %w", name, refdb.ErrNotLocked)
	}
	delete(b.locks, name)

	old, hadOld := b.get(name)
	switch u.Action {
	case refdb.UnlockWrite:
		if hadOld && !u.Force {
			return refdb.Conflict(name, old.Kind())
		}
		b.entries.Put(name, u.Record)
		if u.UpdateReflog {
			entry := refdb.ReflogEntry{Who: u.Who, Message: u.Message}
			if id, ok := old.Target(); ok {
				entry.Old = id
			}
			if id, ok := u.Record.Target(); ok {
				entry.New = id
			}
			b.reflogs[name] = append(b.reflogs[name], entry)
		}
	case refdb.UnlockDelete:
		b.entries.Remove(name)
		delete(b.reflogs, name)
	}
	return nil
}

func (b *Backend) CompareAndWrite(ref refs.Reference, expected refs.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return refdb.ErrClosed
	}
	current, found := b.get(ref.Name)
	if err := refdb.CheckExpected(ref.Name, current, found, expected); err != nil {
		return err
	}
	b.entries.Put(ref.Name, ref.Record)
	return nil
}

func (b *Backend) CompareAndDelete(name string, expected refs.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return refdb.ErrClosed
	}
	current, found := b.get(name)
	if err := refdb.CheckExpected(name, current, found, expected); err != nil {
		return err
	}
	b.entries.Remove(name)
	return nil
}
