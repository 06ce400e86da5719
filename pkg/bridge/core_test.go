package bridge_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/refdb/pkg/bridge"
	"github.com/odvcencio/refdb/pkg/native"
	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refdb/memdb"
	"github.com/odvcencio/refdb/pkg/refdb/refdbtest"
	"github.com/odvcencio/refdb/pkg/refs"
)

// coreBackend drives a bound backend purely through its native table, so
// the conformance suite exercises every trampoline on the way.
type coreBackend struct {
	db   *native.Refdb
	caps refdb.Capabilities

	mu     sync.Mutex
	tokens map[string]native.LockToken
}

func newCoreBackend(t *testing.T, backend refdb.Backend) *coreBackend {
	t.Helper()
	db, err := bridge.Open(backend, native.NewHeap())
	require.NoError(t, err)
	caps := db.Capabilities()
	if backend.Capabilities().Has(refdb.CapCAS) {
		caps |= refdb.CapCAS
	}
	return &coreBackend{db: db, caps: caps, tokens: make(map[string]native.LockToken)}
}

func (c *coreBackend) Capabilities() refdb.Capabilities          { return c.caps }
func (c *coreBackend) Exists(name string) (bool, error)          { return c.db.Exists(name) }
func (c *coreBackend) Lookup(name string) (refs.Record, error)   { return c.db.Lookup(name) }
func (c *coreBackend) Iterate(glob string) (refdb.Iterator, error) { return c.db.Iterate(glob) }
func (c *coreBackend) Delete(name string) error                  { return c.db.Delete(name, nil) }
func (c *coreBackend) Compress() error                           { return c.db.Compress() }

func (c *coreBackend) WriteDirect(name string, target object.ID, force bool) error {
	return c.db.Write(refs.NewDirect(name, target), native.WriteOptions{Force: force})
}

func (c *coreBackend) WriteSymbolic(name, target string, force bool) error {
	return c.db.Write(refs.NewSymbolic(name, target), native.WriteOptions{Force: force})
}

func (c *coreBackend) Rename(oldName, newName string, force bool) (refs.Record, error) {
	return c.db.Rename(oldName, newName, native.WriteOptions{Force: force})
}

func (c *coreBackend) Free() error {
	c.db.Free()
	return nil
}

func (c *coreBackend) HasReflog(name string) (bool, error) { return c.db.HasReflog(name) }
func (c *coreBackend) EnsureReflog(name string) error      { return c.db.EnsureReflog(name) }

func (c *coreBackend) ReadReflog(name string) ([]refdb.ReflogEntry, error) {
	return c.db.ReadReflog(name)
}

func (c *coreBackend) AppendReflog(name string, entry refdb.ReflogEntry) error {
	return c.db.AppendReflog(name, entry)
}

func (c *coreBackend) RenameReflog(oldName, newName string) error {
	return c.db.RenameReflog(oldName, newName)
}

func (c *coreBackend) DeleteReflog(name string) error { return c.db.DeleteReflog(name) }

func (c *coreBackend) Lock(name string) error {
	token, err := c.db.Lock(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tokens[name] = token
	c.mu.Unlock()
	return nil
}

func (c *coreBackend) Unlock(name string, u refdb.Unlock) error {
	c.mu.Lock()
	token, ok := c.tokens[name]
	delete(c.tokens, name)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unlock %q: %w", name, refdb.ErrNotLocked)
	}
	return c.db.Unlock(token, u)
}

func (c *coreBackend) CompareAndWrite(ref refs.Reference, expected refs.Record) error {
	return c.db.Write(ref, native.WriteOptions{Expected: &expected})
}

func (c *coreBackend) CompareAndDelete(name string, expected refs.Record) error {
	return c.db.Delete(name, &expected)
}

func TestConformance_ThroughTable(t *testing.T) {
	refdbtest.Run(t, func(t *testing.T) refdb.Backend {
		return newCoreBackend(t, memdb.New())
	})
}

func TestConformance_ThroughTableNoOptional(t *testing.T) {
	refdbtest.Run(t, func(t *testing.T) refdb.Backend {
		return newCoreBackend(t, memdb.New(memdb.WithCapabilities(0)))
	})
}
