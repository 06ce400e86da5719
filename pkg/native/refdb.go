package native

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

// MaxSymbolicDepth is how many symbolic hops Resolve follows.
const MaxSymbolicDepth = 5

// ErrSymbolicDepth is returned by Resolve for chains longer than
// MaxSymbolicDepth, cycles included.
var ErrSymbolicDepth = errors.New("native: symbolic reference nesting too deep")

// Refdb is the native core's view of one backend: it owns the heap
// objects it passes in, consumes the ones handed back, and reduces every
// non-OK code to an *Error.
type Refdb struct {
	table *BackendTable
	heap  *Heap
	freed atomic.Bool
}

// Open validates table and returns a core driving it.
func Open(table *BackendTable, heap *Heap) (*Refdb, error) {
	if table == nil {
		return nil, errors.New("native: nil backend table")
	}
	if table.Version == 0 || table.Version > TableVersion {
		return nil, fmt.Errorf("native: backend table version %d not supported (want 1..%d)", table.Version, TableVersion)
	}
	if table.Handle == 0 {
		return nil, errors.New("native: backend table has no handle")
	}
	required := []struct {
		name string
		set  bool
	}{
		{"exists", table.Exists != nil},
		{"lookup", table.Lookup != nil},
		{"iter", table.Iter != nil},
		{"write", table.Write != nil},
		{"rename", table.Rename != nil},
		{"delete", table.Delete != nil},
		{"free", table.Free != nil},
	}
	for _, slot := range required {
		if !slot.set {
			return nil, fmt.Errorf("native: backend table missing required slot %q", slot.name)
		}
	}
	if heap == nil {
		heap = NewHeap()
	}
	return &Refdb{table: table, heap: heap}, nil
}

// Heap returns the heap the core allocates from.
func (db *Refdb) Heap() *Heap { return db.heap }

// Capabilities is derived from which optional slots the table carries.
// Compare-and-swap has no slot of its own and is not reported.
func (db *Refdb) Capabilities() refdb.Capabilities {
	t := db.table
	var caps refdb.Capabilities
	if t.Compress != nil {
		caps |= refdb.CapCompress
	}
	if t.HasLog != nil && t.EnsureLog != nil && t.ReflogRead != nil && t.ReflogWrite != nil &&
		t.ReflogRename != nil && t.ReflogDelete != nil {
		caps |= refdb.CapReflog
	}
	if t.Lock != nil && t.Unlock != nil {
		caps |= refdb.CapLock
	}
	return caps
}

func (db *Refdb) live() {
	if db.freed.Load() {
		panic("native: refdb used after free")
	}
}

func recordOf(r *Ref) (refs.Record, error) {
	switch r.Type() {
	case RefDirect:
		return refs.Direct(r.Oid().ID()), nil
	case RefSymbolic:
		return refs.Symbolic(r.Target().String()), nil
	default:
		return refs.Record{}, fmt.Errorf("native: reference %q has type %d", r.Name().String(), r.Type())
	}
}

func (db *Refdb) newRef(ref refs.Reference) (*Ref, error) {
	if id, ok := ref.Record.Target(); ok {
		return db.heap.NewDirectRef(ref.Name, OidOf(id)), nil
	}
	if target, ok := ref.Record.SymbolicTarget(); ok {
		return db.heap.NewSymbolicRef(ref.Name, target), nil
	}
	return nil, fmt.Errorf("native: write %q: invalid record", ref.Name)
}

func (db *Refdb) newSignature(who *refdb.Signature) *Signature {
	if who == nil {
		return nil
	}
	_, offset := who.When.Zone()
	return db.heap.NewSignature(who.Name, who.Email, who.When.Unix(), int32(offset/60))
}

func optionalCStr(s string) CStr {
	if s == "" {
		return nil
	}
	return CString(s)
}

// preconditions encodes an expected record for the Write and Delete
// slots. nil means unconditional; an invalid record means "must be
// absent", sent as an all-zero oid.
func preconditions(expected *refs.Record) (*Oid, CStr) {
	if expected == nil {
		return nil, nil
	}
	if id, ok := expected.Target(); ok {
		oid := OidOf(id)
		return &oid, nil
	}
	if target, ok := expected.SymbolicTarget(); ok {
		return nil, CString(target)
	}
	return &Oid{}, nil
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func (db *Refdb) Exists(name string) (bool, error) {
	db.live()
	var e ErrorBuf
	var exists int32
	if code := db.table.Exists(&exists, db.table.Handle, CString(name), &e); code != CodeOK {
		return false, callError("exists", code, &e)
	}
	return exists != 0, nil
}

func (db *Refdb) Lookup(name string) (refs.Record, error) {
	db.live()
	var e ErrorBuf
	var out *Ref
	if code := db.table.Lookup(&out, db.table.Handle, CString(name), &e); code != CodeOK {
		return refs.Record{}, callError("lookup", code, &e)
	}
	if out == nil {
		return refs.Record{}, fmt.Errorf("native: lookup %q returned no reference", name)
	}
	defer db.heap.FreeRef(out)
	return recordOf(out)
}

// Resolve follows symbolic entries from name to a direct one.
func (db *Refdb) Resolve(name string) (refs.Reference, error) {
	cur := name
	for hops := 0; ; hops++ {
		rec, err := db.Lookup(cur)
		if err != nil {
			return refs.Reference{}, fmt.Errorf("resolve %q: %w", name, err)
		}
		target, ok := rec.SymbolicTarget()
		if !ok {
			return refs.Reference{Name: cur, Record: rec}, nil
		}
		if hops == MaxSymbolicDepth {
			return refs.Reference{}, fmt.Errorf("resolve %q: %w (limit %d)", name, ErrSymbolicDepth, MaxSymbolicDepth)
		}
		cur = target
	}
}

// WriteOptions carries the optional parts of a write or rename.
type WriteOptions struct {
	Force bool

	// Who and Message are recorded in the reflog when the backend keeps
	// one. A nil Who writes no entry.
	Who     *refdb.Signature
	Message string

	// Expected makes the write conditional on the current entry. Point it
	// at a zero Record to require that the name is unbound.
	Expected *refs.Record
}

func (db *Refdb) Write(ref refs.Reference, opts WriteOptions) error {
	db.live()
	r, err := db.newRef(ref)
	if err != nil {
		return err
	}
	defer db.heap.FreeRef(r)
	who := db.newSignature(opts.Who)
	defer db.heap.FreeSignature(who)
	old, oldTarget := preconditions(opts.Expected)

	var e ErrorBuf
	code := db.table.Write(db.table.Handle, r, boolInt(opts.Force), who, optionalCStr(opts.Message), old, oldTarget, &e)
	if code != CodeOK {
		return callError("write", code, &e)
	}
	return nil
}

// Rename moves oldName to newName and returns the moved record. Expected
// is ignored.
func (db *Refdb) Rename(oldName, newName string, opts WriteOptions) (refs.Record, error) {
	db.live()
	who := db.newSignature(opts.Who)
	defer db.heap.FreeSignature(who)

	var e ErrorBuf
	var out *Ref
	code := db.table.Rename(&out, db.table.Handle, CString(oldName), CString(newName), boolInt(opts.Force), who, optionalCStr(opts.Message), &e)
	if code != CodeOK {
		return refs.Record{}, callError("rename", code, &e)
	}
	if out == nil {
		return refs.Record{}, fmt.Errorf("native: rename %q returned no reference", oldName)
	}
	defer db.heap.FreeRef(out)
	return recordOf(out)
}

// Delete removes name. A non-nil expected makes it conditional.
func (db *Refdb) Delete(name string, expected *refs.Record) error {
	db.live()
	old, oldTarget := preconditions(expected)
	var e ErrorBuf
	if code := db.table.Delete(db.table.Handle, CString(name), old, oldTarget, &e); code != CodeOK {
		return callError("delete", code, &e)
	}
	return nil
}

func (db *Refdb) Compress() error {
	db.live()
	if db.table.Compress == nil {
		return fmt.Errorf("compress: %w", refdb.ErrUnsupported)
	}
	var e ErrorBuf
	if code := db.table.Compress(db.table.Handle, &e); code != CodeOK {
		return callError("compress", code, &e)
	}
	return nil
}

// Iterate returns a cursor over entries matching glob. The caller must
// Close it before freeing the Refdb.
func (db *Refdb) Iterate(glob string) (refdb.Iterator, error) {
	db.live()
	var e ErrorBuf
	var it Iterator
	if code := db.table.Iter(&it, db.table.Handle, CString(glob), &e); code != CodeOK {
		return nil, callError("iter", code, &e)
	}
	if it.Table == nil || it.Handle == 0 {
		return nil, errors.New("native: iter returned no iterator")
	}
	return &refIterator{db: db, it: it}, nil
}

type refIterator struct {
	db     *Refdb
	it     Iterator
	mu     sync.Mutex
	closed bool
}

func (r *refIterator) Next() (refs.Reference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return refs.Reference{}, refdb.ErrIterOver
	}
	var e ErrorBuf
	var out *Ref
	code := r.it.Table.Next(&out, r.it.Handle, &e)
	if code == CodeIterOver {
		return refs.Reference{}, refdb.ErrIterOver
	}
	if code != CodeOK {
		return refs.Reference{}, callError("iter next", code, &e)
	}
	defer r.db.heap.FreeRef(out)
	rec, err := recordOf(out)
	if err != nil {
		return refs.Reference{}, err
	}
	return refs.Reference{Name: out.Name().String(), Record: rec}, nil
}

func (r *refIterator) NextName() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", refdb.ErrIterOver
	}
	var e ErrorBuf
	var out CStr
	code := r.it.Table.NextName(&out, r.it.Handle, &e)
	if code == CodeIterOver {
		return "", refdb.ErrIterOver
	}
	if code != CodeOK {
		return "", callError("iter next name", code, &e)
	}
	// out is borrowed from the iterator; String copies it.
	return out.String(), nil
}

func (r *refIterator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.it.Table.Free(r.it.Handle)
	return nil
}

func (db *Refdb) HasReflog(name string) (bool, error) {
	db.live()
	if db.table.HasLog == nil {
		return false, fmt.Errorf("has reflog: %w", refdb.ErrUnsupported)
	}
	var e ErrorBuf
	var has int32
	if code := db.table.HasLog(&has, db.table.Handle, CString(name), &e); code != CodeOK {
		return false, callError("has reflog", code, &e)
	}
	return has != 0, nil
}

func (db *Refdb) EnsureReflog(name string) error {
	db.live()
	if db.table.EnsureLog == nil {
		return fmt.Errorf("ensure reflog: %w", refdb.ErrUnsupported)
	}
	var e ErrorBuf
	if code := db.table.EnsureLog(db.table.Handle, CString(name), &e); code != CodeOK {
		return callError("ensure reflog", code, &e)
	}
	return nil
}

// ReadReflog returns name's log, newest first.
func (db *Refdb) ReadReflog(name string) ([]refdb.ReflogEntry, error) {
	db.live()
	if db.table.ReflogRead == nil {
		return nil, fmt.Errorf("read reflog: %w", refdb.ErrUnsupported)
	}
	var e ErrorBuf
	var out *Reflog
	if code := db.table.ReflogRead(&out, db.table.Handle, CString(name), &e); code != CodeOK {
		return nil, callError("read reflog", code, &e)
	}
	if out == nil {
		return nil, nil
	}
	defer db.heap.FreeReflog(out)

	entries := make([]refdb.ReflogEntry, 0, out.Len())
	for i := 0; i < out.Len(); i++ {
		ne := out.Entry(i)
		entries = append(entries, refdb.ReflogEntry{
			Old: ne.Old.ID(),
			New: ne.New.ID(),
			Who: refdb.Signature{
				Name:  ne.Name.String(),
				Email: ne.Email.String(),
				When:  time.Unix(ne.When, 0).In(time.FixedZone("", int(ne.Offset)*60)),
			},
			Message: ne.Message.String(),
		})
	}
	return entries, nil
}

func (db *Refdb) AppendReflog(name string, entry refdb.ReflogEntry) error {
	db.live()
	if db.table.ReflogWrite == nil {
		return fmt.Errorf("append reflog: %w", refdb.ErrUnsupported)
	}
	who := db.newSignature(&entry.Who)
	defer db.heap.FreeSignature(who)
	oldID, newID := OidOf(entry.Old), OidOf(entry.New)

	var e ErrorBuf
	code := db.table.ReflogWrite(db.table.Handle, CString(name), &oldID, &newID, who, optionalCStr(entry.Message), &e)
	if code != CodeOK {
		return callError("append reflog", code, &e)
	}
	return nil
}

func (db *Refdb) RenameReflog(oldName, newName string) error {
	db.live()
	if db.table.ReflogRename == nil {
		return fmt.Errorf("rename reflog: %w", refdb.ErrUnsupported)
	}
	var e ErrorBuf
	if code := db.table.ReflogRename(db.table.Handle, CString(oldName), CString(newName), &e); code != CodeOK {
		return callError("rename reflog", code, &e)
	}
	return nil
}

func (db *Refdb) DeleteReflog(name string) error {
	db.live()
	if db.table.ReflogDelete == nil {
		return fmt.Errorf("delete reflog: %w", refdb.ErrUnsupported)
	}
	var e ErrorBuf
	if code := db.table.ReflogDelete(db.table.Handle, CString(name), &e); code != CodeOK {
		return callError("delete reflog", code, &e)
	}
	return nil
}

// LockToken is a held lock on one name.
type LockToken struct {
	Name   string
	handle Handle
}

func (db *Refdb) Lock(name string) (LockToken, error) {
	db.live()
	if db.table.Lock == nil || db.table.Unlock == nil {
		return LockToken{}, fmt.Errorf("lock: %w", refdb.ErrUnsupported)
	}
	var e ErrorBuf
	var token Handle
	if code := db.table.Lock(&token, db.table.Handle, CString(name), &e); code != CodeOK {
		return LockToken{}, callError("lock", code, &e)
	}
	return LockToken{Name: name, handle: token}, nil
}

// Unlock releases token, first applying u. The token is spent on every
// path.
func (db *Refdb) Unlock(token LockToken, u refdb.Unlock) error {
	db.live()
	if db.table.Unlock == nil {
		return fmt.Errorf("unlock: %w", refdb.ErrUnsupported)
	}
	var ref *Ref
	if u.Action == refdb.UnlockWrite {
		r, err := db.newRef(refs.Reference{Name: token.Name, Record: u.Record})
		if err != nil {
			// Still hand the token back so the lock does not leak.
			u.Action = refdb.UnlockDiscard
			_ = db.unlock(token, u, nil)
			return err
		}
		ref = r
		defer db.heap.FreeRef(ref)
	}
	return db.unlock(token, u, ref)
}

func (db *Refdb) unlock(token LockToken, u refdb.Unlock, ref *Ref) error {
	var action int32
	switch u.Action {
	case refdb.UnlockWrite:
		action = UnlockWrite
	case refdb.UnlockDelete:
		action = UnlockDelete
	default:
		action = UnlockDiscard
	}
	var who *Signature
	if u.UpdateReflog {
		w := u.Who
		who = db.newSignature(&w)
		defer db.heap.FreeSignature(who)
	}
	var e ErrorBuf
	code := db.table.Unlock(db.table.Handle, token.handle, action, boolInt(u.Force), boolInt(u.UpdateReflog), ref, who, optionalCStr(u.Message), &e)
	if code != CodeOK {
		return callError("unlock", code, &e)
	}
	return nil
}

// Free releases the backend. A second Free panics.
func (db *Refdb) Free() {
	if db.freed.Swap(true) {
		panic("native: double free of refdb")
	}
	db.table.Free(db.table.Handle)
}
