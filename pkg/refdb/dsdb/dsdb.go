// Package dsdb keeps references in a go-datastore. Each entry lives under
// /refdb/<name> and holds the same text a loose ref file would.
package dsdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	badger "github.com/ipfs/go-ds-badger"

	"github.com/odvcencio/refdb/internal/logging"
	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

const (
	namespace      = "/refdb"
	symbolicPrefix = "ref: "
)

// Backend stores references in a batching datastore.
type Backend struct {
	ds     datastore.Batching
	ctx    context.Context
	logger *slog.Logger

	// mu serializes mutations so an unforced write checks and puts
	// atomically. The datastore itself has no transactions.
	mu     sync.RWMutex
	closed bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithContext sets the context passed to every datastore call.
func WithContext(ctx context.Context) Option {
	return func(b *Backend) { b.ctx = ctx }
}

// New wraps an existing datastore. Free closes it.
func New(ds datastore.Batching, opts ...Option) *Backend {
	b := &Backend{
		ds:     ds,
		ctx:    context.Background(),
		logger: logging.Logger("refdb/dsdb"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewMap returns a backend over a fresh in-memory datastore.
func NewMap(opts ...Option) *Backend {
	return New(dssync.MutexWrap(datastore.NewMapDatastore()), opts...)
}

// OpenBadger returns a backend over a Badger datastore at path.
func OpenBadger(path string, opts ...Option) (*Backend, error) {
	ds, err := badger.NewDatastore(path, &badger.DefaultOptions)
	if err != nil {
		return nil, fmt.Errorf("open badger datastore: %w", err)
	}
	return New(ds, opts...), nil
}

var (
	_ refdb.Backend    = (*Backend)(nil)
	_ refdb.Compressor = (*Backend)(nil)
)

// Capabilities reports compress only. On a datastore without garbage
// collection Compress is a no-op.
func (b *Backend) Capabilities() refdb.Capabilities { return refdb.CapCompress }

func key(name string) datastore.Key {
	return datastore.NewKey(namespace + "/" + name)
}

func nameOf(k string) string {
	return strings.TrimPrefix(k, namespace+"/")
}

func encode(rec refs.Record) []byte {
	if target, ok := rec.SymbolicTarget(); ok {
		return []byte(symbolicPrefix + target)
	}
	id, _ := rec.Target()
	return []byte(id.String())
}

func decode(name string, value []byte) (refs.Record, error) {
	s := string(value)
	if target, ok := strings.CutPrefix(s, symbolicPrefix); ok {
		return refs.Symbolic(target), nil
	}
	id, err := object.ParseID(s)
	if err != nil {
		return refs.Record{}, fmt.Errorf("ref %q: %w", name, err)
	}
	return refs.Direct(id), nil
}

func (b *Backend) begin(name string) error {
	if b.closed {
		return refdb.ErrClosed
	}
	return refs.ValidateName(name)
}

func (b *Backend) get(name string) (refs.Record, bool, error) {
	value, err := b.ds.Get(b.ctx, key(name))
	if errors.Is(err, datastore.ErrNotFound) {
		return refs.Record{}, false, nil
	}
	if err != nil {
		return refs.Record{}, false, fmt.Errorf("get %q: %w", name, err)
	}
	rec, err := decode(name, value)
	if err != nil {
		return refs.Record{}, false, err
	}
	return rec, true, nil
}

func (b *Backend) Exists(name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.begin(name); err != nil {
		return false, err
	}
	ok, err := b.ds.Has(b.ctx, key(name))
	if err != nil {
		return false, fmt.Errorf("has %q: %w", name, err)
	}
	return ok, nil
}

func (b *Backend) Lookup(name string) (refs.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.begin(name); err != nil {
		return refs.Record{}, err
	}
	rec, ok, err := b.get(name)
	if err != nil {
		return refs.Record{}, err
	}
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
	if err := b.begin(name); err != nil {
		return err
	}
	if !force {
		existing, ok, err := b.get(name)
		if err != nil {
			return err
		}
		if ok {
			return refdb.Conflict(name, existing.Kind())
		}
	}
	if err := b.ds.Put(b.ctx, key(name), encode(rec)); err != nil {
		return fmt.Errorf("put %q: %w", name, err)
	}
	return nil
}

// Rename moves the entry with a single batch so the datastore never holds
// both names or neither.
func (b *Backend) Rename(oldName, newName string, force bool) (refs.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(oldName); err != nil {
		return refs.Record{}, err
	}
	rec, ok, err := b.get(oldName)
	if err != nil {
		return refs.Record{}, err
	}
	if !ok {
		return refs.Record{}, refdb.NotFound(oldName)
	}
	if err := refs.ValidateName(newName); err != nil {
		return refs.Record{}, err
	}
	if oldName == newName {
		return rec, nil
	}
	if !force {
		existing, ok, err := b.get(newName)
		if err != nil {
			return refs.Record{}, err
		}
		if ok {
			return refs.Record{}, refdb.Conflict(newName, existing.Kind())
		}
	}

	batch, err := b.ds.Batch(b.ctx)
	if err != nil {
		return refs.Record{}, fmt.Errorf("rename batch: %w", err)
	}
	if err := batch.Put(b.ctx, key(newName), encode(rec)); err != nil {
		return refs.Record{}, fmt.Errorf("rename put: %w", err)
	}
	if err := batch.Delete(b.ctx, key(oldName)); err != nil {
		return refs.Record{}, fmt.Errorf("rename delete: %w", err)
	}
	if err := batch.Commit(b.ctx); err != nil {
		return refs.Record{}, fmt.Errorf("rename commit: %w", err)
	}
	return rec, nil
}

func (b *Backend) Delete(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(name); err != nil {
		return err
	}
	if err := b.ds.Delete(b.ctx, key(name)); err != nil && !errors.Is(err, datastore.ErrNotFound) {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	return nil
}

var _ query.Filter = (*globFilter)(nil)

// globFilter keeps entries whose reference name matches the glob.
type globFilter struct {
	glob *refdb.Glob
}

func (f *globFilter) Filter(e query.Entry) bool {
	return f.glob.Match(nameOf(e.Key))
}

func (b *Backend) Iterate(glob string) (refdb.Iterator, error) {
	g, err := refdb.CompileGlob(glob)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, refdb.ErrClosed
	}

	res, err := b.ds.Query(b.ctx, query.Query{
		Prefix:  namespace,
		Filters: []query.Filter{&globFilter{glob: g}},
		Orders:  []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, fmt.Errorf("query refs: %w", err)
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, fmt.Errorf("query refs: %w", err)
	}

	snapshot := make([]refs.Reference, 0, len(entries))
	for _, e := range entries {
		name := nameOf(e.Key)
		rec, err := decode(name, e.Value)
		if err != nil {
			return nil, err
		}
		snapshot = append(snapshot, refs.Reference{Name: name, Record: rec})
	}
	return refdb.NewSliceIterator(snapshot), nil
}

// Compress runs the datastore's garbage collection when it has one.
func (b *Backend) Compress() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return refdb.ErrClosed
	}
	gc, ok := b.ds.(datastore.GCDatastore)
	if !ok {
		b.logger.Debug("compress: datastore has no garbage collection")
		return nil
	}
	if err := gc.CollectGarbage(b.ctx); err != nil {
		return fmt.Errorf("collect garbage: %w", err)
	}
	return nil
}

func (b *Backend) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("dsdb: %w", refdb.ErrClosed)
	}
	b.closed = true
	if err := b.ds.Close(); err != nil {
		return fmt.Errorf("close datastore: %w", err)
	}
	return nil
}
