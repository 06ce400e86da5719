package repo

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/odvcencio/refdb/pkg/native"
	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

// References is the repository's reference manager. It turns requests
// like "create branch X at Y" into backend calls, diagnosing conflicts and
// rename failures precisely before anything is written.
type References struct {
	db     *native.Refdb
	logger *slog.Logger

	mu       sync.RWMutex
	identity *refdb.Signature
	now      func() time.Time
}

func newReferences(db *native.Refdb, logger *slog.Logger) *References {
	return &References{db: db, logger: logger, now: time.Now}
}

// SetIdentity sets who reflog entries are attributed to. Until it is
// called, writes leave no reflog entry.
func (r *References) SetIdentity(name, email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity = &refdb.Signature{Name: name, Email: email}
}

func (r *References) who() *refdb.Signature {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.identity == nil {
		return nil
	}
	sig := *r.identity
	sig.When = r.now()
	return &sig
}

// Lookup returns the record bound to name without following it.
func (r *References) Lookup(name string) (refs.Record, error) {
	rec, err := r.db.Lookup(name)
	if err != nil {
		return refs.Record{}, fmt.Errorf("lookup %q: %w", name, err)
	}
	return rec, nil
}

// Exists reports whether name is bound.
func (r *References) Exists(name string) (bool, error) {
	ok, err := r.db.Exists(name)
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", name, err)
	}
	return ok, nil
}

// Resolve follows symbolic references from name to a direct one.
func (r *References) Resolve(name string) (refs.Reference, error) {
	return r.db.Resolve(name)
}

// Head returns what HEAD is bound to.
func (r *References) Head() (refs.Record, error) {
	return r.Lookup(refs.Head)
}

// Add binds name to target. Without force, an existing entry of either
// kind fails with a *refdb.ConflictError naming that kind.
func (r *References) Add(name string, target object.ID, force bool) error {
	return r.write(refs.NewDirect(name, target), force, "")
}

// AddSymbolic binds name to another reference name, with Add's rules.
func (r *References) AddSymbolic(name, target string, force bool) error {
	if err := refs.ValidateName(target); err != nil {
		return fmt.Errorf("add %q: target: %w", name, err)
	}
	return r.write(refs.NewSymbolic(name, target), force, "")
}

func (r *References) write(ref refs.Reference, force bool, message string) error {
	if err := refs.ValidateName(ref.Name); err != nil {
		return err
	}
	current, found, err := r.current(ref.Name)
	if err != nil {
		return err
	}
	if found && !force {
		return refdb.Conflict(ref.Name, current.Kind())
	}
	if message == "" {
		message = "create"
		if found {
			message = "update"
		}
	}

	err = r.db.Write(ref, native.WriteOptions{Force: force, Who: r.who(), Message: message})
	if errors.Is(err, refdb.ErrConflict) {
		// Lost a race with another writer; report what won.
		if current, found, lerr := r.current(ref.Name); lerr == nil && found {
			return refdb.Conflict(ref.Name, current.Kind())
		}
	}
	if err != nil {
		return fmt.Errorf("write %q: %w", ref.Name, err)
	}
	return nil
}

func (r *References) current(name string) (refs.Record, bool, error) {
	rec, err := r.db.Lookup(name)
	if errors.Is(err, refdb.ErrNotFound) {
		return refs.Record{}, false, nil
	}
	if err != nil {
		return refs.Record{}, false, fmt.Errorf("lookup %q: %w", name, err)
	}
	return rec, true, nil
}

// Update points name at next. A non-nil expected makes the update
// conditional on the current entry; point it at a zero Record to require
// that name is unbound. A mismatch fails with refdb.ErrCASMismatch.
func (r *References) Update(name string, next object.ID, expected *refs.Record, message string) error {
	if err := refs.ValidateName(name); err != nil {
		return err
	}
	if message == "" {
		message = "update"
	}
	err := r.db.Write(refs.NewDirect(name, next), native.WriteOptions{
		Force:    true,
		Who:      r.who(),
		Message:  message,
		Expected: expected,
	})
	if err != nil {
		return fmt.Errorf("update %q: %w", name, err)
	}
	return nil
}

// Modify rewrites name under the backend's update lock: fn sees the
// current entry and returns the one to store. Backends without locking
// fall back to a conditional write.
func (r *References) Modify(name string, message string, fn func(current refs.Record, found bool) (refs.Record, error)) error {
	if err := refs.ValidateName(name); err != nil {
		return err
	}
	if !r.db.Capabilities().Has(refdb.CapLock) {
		current, found, err := r.current(name)
		if err != nil {
			return err
		}
		next, err := fn(current, found)
		if err != nil {
			return err
		}
		expected := current
		err = r.db.Write(refs.Reference{Name: name, Record: next}, native.WriteOptions{
			Force: true, Who: r.who(), Message: message, Expected: &expected,
		})
		if err != nil {
			return fmt.Errorf("modify %q: %w", name, err)
		}
		return nil
	}

	token, err := r.db.Lock(name)
	if err != nil {
		return fmt.Errorf("modify %q: %w", name, err)
	}
	current, found, err := r.current(name)
	if err != nil {
		_ = r.db.Unlock(token, refdb.Unlock{})
		return err
	}
	next, err := fn(current, found)
	if err != nil {
		_ = r.db.Unlock(token, refdb.Unlock{})
		return err
	}
	u := refdb.Unlock{Action: refdb.UnlockWrite, Record: next, Force: true, Message: message}
	if who := r.who(); who != nil {
		u.UpdateReflog = true
		u.Who = *who
	}
	if err := r.db.Unlock(token, u); err != nil {
		return fmt.Errorf("modify %q: %w", name, err)
	}
	return nil
}

// Remove deletes name. It fails with refdb.ErrNotFound when name is
// unbound. A non-nil expected makes the delete conditional.
func (r *References) Remove(name string, expected *refs.Record) error {
	found, err := r.Exists(name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("remove: %w", refdb.NotFound(name))
	}
	if err := r.db.Delete(name, expected); err != nil {
		return fmt.Errorf("remove %q: %w", name, err)
	}
	return nil
}

// Rename moves oldName to newName keeping its record unchanged. The source
// is checked before the target, so renaming a missing name is always a
// not-found failure. Failures come back as *refdb.RenameError.
func (r *References) Rename(oldName, newName string, force bool) (refs.Reference, error) {
	fail := func(side refdb.RenameSide, err error) (refs.Reference, error) {
		return refs.Reference{}, &refdb.RenameError{Side: side, Old: oldName, New: newName, Err: err}
	}
	if err := refs.ValidateName(newName); err != nil {
		return fail(refdb.RenameTarget, err)
	}

	_, found, err := r.current(oldName)
	if err != nil {
		return fail(refdb.RenameSource, err)
	}
	if !found {
		return fail(refdb.RenameSource, refdb.NotFound(oldName))
	}
	if !force && oldName != newName {
		existing, found, err := r.current(newName)
		if err != nil {
			return fail(refdb.RenameTarget, err)
		}
		if found {
			return fail(refdb.RenameTarget, refdb.Conflict(newName, existing.Kind()))
		}
	}

	message := fmt.Sprintf("rename: %s to %s", oldName, newName)
	rec, err := r.db.Rename(oldName, newName, native.WriteOptions{Force: force, Who: r.who(), Message: message})
	if err != nil {
		side := refdb.RenameTarget
		if errors.Is(err, refdb.ErrNotFound) {
			side = refdb.RenameSource
		}
		return fail(side, err)
	}
	return refs.Reference{Name: newName, Record: rec}, nil
}

// FromGlob returns the references whose names match glob and whose kind
// is in mask, sorted by name. The glob is applied first; the kind filter
// only narrows what the glob matched.
func (r *References) FromGlob(glob string, mask refs.Kind) ([]refs.Reference, error) {
	it, err := r.db.Iterate(glob)
	if err != nil {
		return nil, fmt.Errorf("iterate %q: %w", glob, err)
	}
	out, err := refdb.Collect(it, mask)
	if err != nil {
		return nil, fmt.Errorf("iterate %q: %w", glob, err)
	}
	return out, nil
}

// Names returns the names matching glob without decoding records.
func (r *References) Names(glob string) ([]string, error) {
	it, err := r.db.Iterate(glob)
	if err != nil {
		return nil, fmt.Errorf("iterate %q: %w", glob, err)
	}
	return refdb.CollectNames(it)
}

// Tags returns the tags that point straight at an object. Symbolic
// entries under refs/tags/ are skipped.
func (r *References) Tags() ([]refs.Reference, error) {
	return r.FromGlob(refs.TagsPrefix+"*", refs.KindDirect)
}

// Branches returns every reference under refs/heads/.
func (r *References) Branches() ([]refs.Reference, error) {
	return r.FromGlob(refs.HeadsPrefix+"*", refs.KindAll)
}

// Pack asks the backend to compact its storage.
func (r *References) Pack() error {
	if err := r.db.Compress(); err != nil {
		return fmt.Errorf("pack refs: %w", err)
	}
	return nil
}

// Reflog returns name's history, newest first.
func (r *References) Reflog(name string) ([]refdb.ReflogEntry, error) {
	entries, err := r.db.ReadReflog(name)
	if err != nil {
		return nil, fmt.Errorf("reflog %q: %w", name, err)
	}
	return entries, nil
}
