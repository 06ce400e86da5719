package fsdb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

// Lock takes name's lock file without waiting and keeps it until Unlock.
func (b *Backend) Lock(name string) error {
	if err := b.check(name); err != nil {
		return err
	}
	b.heldMu.Lock()
	defer b.heldMu.Unlock()
	if _, ok := b.held[name]; ok {
		return fmt.Errorf("lock %q: %w", name, refdb.ErrLocked)
	}

	path := b.refPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ref dir: %w", err)
	}
	f, err := tryLock(path + lockSuffix)
	if err != nil {
		return fmt.Errorf("lock %q: %w", name, err)
	}
	b.held[name] = &lockFile{path: path, lockPath: path + lockSuffix, f: f}
	return nil
}

// Unlock applies u and releases the lock taken by Lock. The lock is
// released on every path, including a conflict.
func (b *Backend) Unlock(name string, u refdb.Unlock) error {
	b.heldMu.Lock()
	lk, ok := b.held[name]
	delete(b.held, name)
	b.heldMu.Unlock()
	if !ok {
		return fmt.Errorf("unlock %q: %w", name, refdb.ErrNotLocked)
	}
	defer b.pruneRef(name)
	defer lk.release()

	b.packMu.RLock()
	defer b.packMu.RUnlock()

	switch u.Action {
	case refdb.UnlockWrite:
		old, hadOld, err := b.lookup(name)
		if err != nil {
			return err
		}
		if hadOld && !u.Force {
			return refdb.Conflict(name, old.Kind())
		}
		if err := lk.commit(encodeRecord(u.Record)); err != nil {
			return fmt.Errorf("unlock %q: %w", name, err)
		}
		if u.UpdateReflog {
			entry := refdb.ReflogEntry{Who: u.Who, Message: u.Message}
			if id, ok := old.Target(); ok {
				entry.Old = id
			}
			if id, ok := u.Record.Target(); ok {
				entry.New = id
			}
			if err := b.AppendReflog(name, entry); err != nil {
				return err
			}
		}
	case refdb.UnlockDelete:
		if err := b.removeEntry(name); err != nil {
			return err
		}
		if err := b.DeleteReflog(name); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) CompareAndWrite(ref refs.Reference, expected refs.Record) error {
	if err := b.check(ref.Name); err != nil {
		return err
	}
	b.packMu.RLock()
	defer b.packMu.RUnlock()

	lk, err := b.lock(ref.Name)
	if err != nil {
		return err
	}
	defer lk.release()

	current, found, err := b.lookup(ref.Name)
	if err != nil {
		return err
	}
	if err := refdb.CheckExpected(ref.Name, current, found, expected); err != nil {
		return err
	}
	if err := lk.commit(encodeRecord(ref.Record)); err != nil {
		return fmt.Errorf("write ref %q: %w", ref.Name, err)
	}
	return nil
}

func (b *Backend) CompareAndDelete(name string, expected refs.Record) error {
	if err := b.check(name); err != nil {
		return err
	}
	b.packMu.RLock()
	defer b.packMu.RUnlock()
	defer b.pruneRef(name)

	lk, err := b.lock(name)
	if err != nil {
		return err
	}
	defer lk.release()

	current, found, err := b.lookup(name)
	if err != nil {
		return err
	}
	if err := refdb.CheckExpected(name, current, found, expected); err != nil {
		return err
	}
	return b.removeEntry(name)
}
