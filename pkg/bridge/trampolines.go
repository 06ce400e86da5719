package bridge

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/odvcencio/refdb/pkg/native"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

// call runs fn with panics contained and reduces its result to a code.
// Handle resolution happens before call, so a stale handle still panics
// through to the caller.
func (b *Binding) call(slot string, e *native.ErrorBuf, fn func() error) (code native.Code) {
	defer func() {
		if r := recover(); r != nil {
			code = native.CodeError
			e.Set(fmt.Sprintf("%s: backend fault: %v", slot, r))
			b.logger.Error("contained backend fault", "slot", slot, "panic", r, "stack", string(debug.Stack()))
			b.metrics.fault(slot)
		}
		b.metrics.observe(slot, code)
	}()

	err := fn()
	code = native.CodeOf(err)
	if err != nil && code != native.CodeIterOver {
		e.Set(err.Error())
	}
	return code
}

// guardVoid is call for slots with no result channel.
func (b *Binding) guardVoid(slot string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("contained backend fault", "slot", slot, "panic", r, "stack", string(debug.Stack()))
			b.metrics.fault(slot)
		}
	}()
	fn()
	b.metrics.observe(slot, native.CodeOK)
}

func boolInt(v bool) int32 {
	if v {
		return 1
	}
	return 0
}

func (b *Binding) newRef(name string, rec refs.Record) (*native.Ref, error) {
	if id, ok := rec.Target(); ok {
		return b.heap.NewDirectRef(name, native.OidOf(id)), nil
	}
	if target, ok := rec.SymbolicTarget(); ok {
		return b.heap.NewSymbolicRef(name, target), nil
	}
	return nil, fmt.Errorf("backend returned an invalid record for %q", name)
}

func recordFromRef(r *native.Ref) (refs.Record, error) {
	if r == nil {
		return refs.Record{}, errors.New("null reference")
	}
	switch r.Type() {
	case native.RefDirect:
		return refs.Direct(r.Oid().ID()), nil
	case native.RefSymbolic:
		target := r.Target()
		if target.IsNull() {
			return refs.Record{}, fmt.Errorf("symbolic reference %q has no target", r.Name().String())
		}
		return refs.Symbolic(target.String()), nil
	default:
		return refs.Record{}, fmt.Errorf("reference %q has type %d", r.Name().String(), r.Type())
	}
}

func signatureOf(s *native.Signature) refdb.Signature {
	return refdb.Signature{
		Name:  s.Name().String(),
		Email: s.Email().String(),
		When:  time.Unix(s.When(), 0).In(time.FixedZone("", int(s.Offset())*60)),
	}
}

// expectedOf decodes Write/Delete preconditions. An all-zero old means
// "must be absent".
func expectedOf(old *native.Oid, oldTarget native.CStr) (refs.Record, bool) {
	switch {
	case !oldTarget.IsNull():
		return refs.Symbolic(oldTarget.String()), true
	case old == nil:
		return refs.Record{}, false
	case *old == (native.Oid{}):
		return refs.Record{}, true
	default:
		return refs.Direct(old.ID()), true
	}
}

// Exists: name is borrowed.
func trampExists(exists *int32, h native.Handle, name native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("exists", e, func() error {
		ok, err := b.backend.Exists(name.String())
		if err != nil {
			return err
		}
		*exists = boolInt(ok)
		return nil
	})
}

// Lookup: name is borrowed; *out is a new Ref owned by the caller.
func trampLookup(out **native.Ref, h native.Handle, name native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("lookup", e, func() error {
		n := name.String()
		rec, err := b.backend.Lookup(n)
		if err != nil {
			return err
		}
		r, err := b.newRef(n, rec)
		if err != nil {
			return err
		}
		*out = r
		return nil
	})
}

// Write: ref, who and the preconditions are borrowed. A successful write
// with a signature appends to the reflog when the backend keeps one.
func trampWrite(h native.Handle, ref *native.Ref, force int32, who *native.Signature, message native.CStr, old *native.Oid, oldTarget native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("write", e, func() error {
		return b.write(ref, force != 0, who, message, old, oldTarget)
	})
}

func (b *Binding) write(ref *native.Ref, force bool, who *native.Signature, message native.CStr, old *native.Oid, oldTarget native.CStr) error {
	rec, err := recordFromRef(ref)
	if err != nil {
		return err
	}
	name := ref.Name().String()
	if err := refs.ValidateName(name); err != nil {
		return err
	}

	logging := who != nil && b.reflogger != nil
	var prior refs.Record
	if logging {
		prior, err = b.backend.Lookup(name)
		if err != nil && !errors.Is(err, refdb.ErrNotFound) {
			return err
		}
	}

	if expected, conditional := expectedOf(old, oldTarget); conditional {
		if b.cas == nil {
			return fmt.Errorf("write %q with preconditions: %w", name, refdb.ErrUnsupported)
		}
		err = b.cas.CompareAndWrite(refs.Reference{Name: name, Record: rec}, expected)
	} else if id, ok := rec.Target(); ok {
		err = b.backend.WriteDirect(name, id, force)
	} else {
		target, _ := rec.SymbolicTarget()
		err = b.backend.WriteSymbolic(name, target, force)
	}
	if err != nil {
		return err
	}

	if logging {
		b.appendReflog(name, prior, rec, signatureOf(who), message.String())
	}
	return nil
}

// appendReflog records a completed change. The reference is already in
// place, so a reflog failure is logged rather than returned.
func (b *Binding) appendReflog(name string, prior, next refs.Record, who refdb.Signature, message string) {
	entry := refdb.ReflogEntry{Who: who, Message: message}
	if id, ok := prior.Target(); ok {
		entry.Old = id
	}
	if id, ok := next.Target(); ok {
		entry.New = id
	}
	if err := b.reflogger.AppendReflog(name, entry); err != nil {
		b.logger.Warn("reflog append failed", "ref", name, "error", err)
	}
}

// Rename: names, who and message are borrowed; *out is a new Ref owned
// by the caller. The log moves with the reference.
func trampRename(out **native.Ref, h native.Handle, oldName, newName native.CStr, force int32, who *native.Signature, message native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("rename", e, func() error {
		from, to := oldName.String(), newName.String()
		if err := refs.ValidateName(to); err != nil {
			if ok, xerr := b.backend.Exists(from); xerr == nil && !ok {
				return refdb.NotFound(from)
			}
			return err
		}
		rec, err := b.backend.Rename(from, to, force != 0)
		if err != nil {
			return err
		}
		if b.reflogger != nil && from != to {
			if err := b.reflogger.RenameReflog(from, to); err != nil {
				b.logger.Warn("reflog rename failed", "from", from, "to", to, "error", err)
			}
			if who != nil {
				b.appendReflog(to, rec, rec, signatureOf(who), message.String())
			}
		}
		r, err := b.newRef(to, rec)
		if err != nil {
			return err
		}
		*out = r
		return nil
	})
}

// Delete: name and preconditions are borrowed. The reflog goes with the
// reference.
func trampDelete(h native.Handle, name native.CStr, old *native.Oid, oldTarget native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("delete", e, func() error {
		n := name.String()
		var err error
		if expected, conditional := expectedOf(old, oldTarget); conditional {
			if b.cas == nil {
				return fmt.Errorf("delete %q with preconditions: %w", n, refdb.ErrUnsupported)
			}
			err = b.cas.CompareAndDelete(n, expected)
		} else {
			err = b.backend.Delete(n)
		}
		if err != nil {
			return err
		}
		if b.reflogger != nil {
			if err := b.reflogger.DeleteReflog(n); err != nil {
				b.logger.Warn("reflog delete failed", "ref", n, "error", err)
			}
		}
		return nil
	})
}

// Iter: glob is borrowed; out receives a new iterator handle the caller
// must release through its table's Free.
func trampIter(out *native.Iterator, h native.Handle, glob native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("iter", e, func() error {
		it, err := b.backend.Iterate(glob.String())
		if err != nil {
			return err
		}
		ih := iterators.insert(&iterState{binding: b, it: it})
		b.trackIter(ih)
		out.Table = &iteratorTable
		out.Handle = ih
		return nil
	})
}

func trampCompress(h native.Handle, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("compress", e, func() error {
		if b.compressor == nil {
			return fmt.Errorf("compress: %w", refdb.ErrUnsupported)
		}
		return b.compressor.Compress()
	})
}

// Free invalidates h, closes anything still open on it and frees the
// backend.
func trampFree(h native.Handle) {
	b := backends.remove(h)
	b.free()
}

func (b *Binding) requireReflog() error {
	if b.reflogger == nil {
		return fmt.Errorf("reflog: %w", refdb.ErrUnsupported)
	}
	return nil
}

func trampHasLog(has *int32, h native.Handle, name native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("has_log", e, func() error {
		if err := b.requireReflog(); err != nil {
			return err
		}
		ok, err := b.reflogger.HasReflog(name.String())
		if err != nil {
			return err
		}
		*has = boolInt(ok)
		return nil
	})
}

func trampEnsureLog(h native.Handle, name native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("ensure_log", e, func() error {
		if err := b.requireReflog(); err != nil {
			return err
		}
		return b.reflogger.EnsureReflog(name.String())
	})
}

// ReflogRead: *out is a new Reflog owned by the caller.
func trampReflogRead(out **native.Reflog, h native.Handle, name native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("reflog_read", e, func() error {
		if err := b.requireReflog(); err != nil {
			return err
		}
		entries, err := b.reflogger.ReadReflog(name.String())
		if err != nil {
			return err
		}
		nentries := make([]native.ReflogEntry, 0, len(entries))
		for _, entry := range entries {
			_, offset := entry.Who.When.Zone()
			nentries = append(nentries, native.ReflogEntry{
				Old:     native.OidOf(entry.Old),
				New:     native.OidOf(entry.New),
				Name:    native.CString(entry.Who.Name),
				Email:   native.CString(entry.Who.Email),
				When:    entry.Who.When.Unix(),
				Offset:  int32(offset / 60),
				Message: native.CString(entry.Message),
			})
		}
		*out = b.heap.NewReflog(nentries)
		return nil
	})
}

// ReflogWrite appends one entry. All arguments are borrowed.
func trampReflogWrite(h native.Handle, name native.CStr, oldID, newID *native.Oid, who *native.Signature, message native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("reflog_write", e, func() error {
		if err := b.requireReflog(); err != nil {
			return err
		}
		entry := refdb.ReflogEntry{Message: message.String()}
		if oldID != nil {
			entry.Old = oldID.ID()
		}
		if newID != nil {
			entry.New = newID.ID()
		}
		if who != nil {
			entry.Who = signatureOf(who)
		}
		return b.reflogger.AppendReflog(name.String(), entry)
	})
}

func trampReflogRename(h native.Handle, oldName, newName native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("reflog_rename", e, func() error {
		if err := b.requireReflog(); err != nil {
			return err
		}
		return b.reflogger.RenameReflog(oldName.String(), newName.String())
	})
}

func trampReflogDelete(h native.Handle, name native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("reflog_delete", e, func() error {
		if err := b.requireReflog(); err != nil {
			return err
		}
		return b.reflogger.DeleteReflog(name.String())
	})
}

type lockState struct {
	binding *Binding
	name    string
}

// Lock: name is copied into the token, which the caller spends with
// Unlock.
func trampLock(token *native.Handle, h native.Handle, name native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	return b.call("lock", e, func() error {
		if b.locker == nil {
			return fmt.Errorf("lock: %w", refdb.ErrUnsupported)
		}
		n := name.String()
		if err := refs.ValidateName(n); err != nil {
			return err
		}
		if err := b.locker.Lock(n); err != nil {
			return err
		}
		th := locks.insert(&lockState{binding: b, name: n})
		b.trackToken(th)
		*token = th
		return nil
	})
}

// Unlock spends token on every path. ref, who and message are borrowed.
func trampUnlock(h native.Handle, token native.Handle, action, force, updateReflog int32, ref *native.Ref, who *native.Signature, message native.CStr, e *native.ErrorBuf) native.Code {
	b := backends.get(h)
	if st := locks.get(token); st.binding != b {
		panic(fmt.Sprintf("bridge: lock token %#x used with another backend", uint64(token)))
	}
	st := locks.remove(token)
	b.untrackToken(token)

	return b.call("unlock", e, func() error {
		if b.locker == nil {
			return fmt.Errorf("unlock: %w", refdb.ErrUnsupported)
		}
		u := refdb.Unlock{
			Force:        force != 0,
			UpdateReflog: updateReflog != 0,
			Message:      message.String(),
		}
		if who != nil {
			u.Who = signatureOf(who)
		}
		var recErr error
		switch action {
		case native.UnlockWrite:
			u.Action = refdb.UnlockWrite
			u.Record, recErr = recordFromRef(ref)
			if recErr != nil {
				u = refdb.Unlock{Action: refdb.UnlockDiscard}
			}
		case native.UnlockDelete:
			u.Action = refdb.UnlockDelete
		default:
			u.Action = refdb.UnlockDiscard
		}
		if err := b.locker.Unlock(st.name, u); err != nil {
			return err
		}
		return recErr
	})
}

type iterState struct {
	binding *Binding
	it      refdb.Iterator
	// name backs the CStr handed out by NextName until the next call.
	name native.CStr
}

var iteratorTable = native.IteratorTable{
	Next:     trampIterNext,
	NextName: trampIterNextName,
	Free:     trampIterFree,
}

// Next: *out is a new Ref owned by the caller.
func trampIterNext(out **native.Ref, it native.Handle, e *native.ErrorBuf) native.Code {
	st := iterators.get(it)
	b := st.binding
	return b.call("iter_next", e, func() error {
		ref, err := st.it.Next()
		if err != nil {
			return err
		}
		r, err := b.newRef(ref.Name, ref.Record)
		if err != nil {
			return err
		}
		*out = r
		return nil
	})
}

func trampIterNextName(out *native.CStr, it native.Handle, e *native.ErrorBuf) native.Code {
	st := iterators.get(it)
	return st.binding.call("iter_next_name", e, func() error {
		name, err := st.it.NextName()
		if err != nil {
			return err
		}
		st.name = native.CString(name)
		*out = st.name
		return nil
	})
}

func trampIterFree(it native.Handle) {
	st := iterators.remove(it)
	st.binding.untrackIter(it)
	st.binding.guardVoid("iter_free", func() {
		if err := st.it.Close(); err != nil {
			st.binding.logger.Warn("iterator close failed", "error", err)
		}
	})
}
