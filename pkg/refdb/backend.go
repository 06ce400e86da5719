package refdb

import (
	"strings"
	"time"

	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refs"
)

// Capabilities is the static set of optional operations a backend
// implements. It is read once when the backend is bound.
type Capabilities uint32

const (
	CapCompress Capabilities = 1 << iota
	CapReflog
	CapLock
	CapCAS
)

// Has reports whether every flag in f is set.
func (c Capabilities) Has(f Capabilities) bool {
	return c&f == f
}

func (c Capabilities) String() string {
	var parts []string
	for _, f := range []struct {
		flag Capabilities
		name string
	}{
		{CapCompress, "compress"},
		{CapReflog, "reflog"},
		{CapLock, "lock"},
		{CapCAS, "cas"},
	} {
		if c.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Backend owns the full name -> record mapping of one repository.
//
// Implementations must be safe for concurrent use: the native core may call
// any method from any goroutine. Free is called exactly once; no method is
// called after it.
type Backend interface {
	// Capabilities declares the optional interfaces the backend implements.
	Capabilities() Capabilities

	Exists(name string) (bool, error)

	// Lookup returns ErrNotFound when name is unbound.
	Lookup(name string) (refs.Record, error)

	// WriteDirect binds name to target. Without force an existing entry of
	// either kind makes the call fail with ErrConflict and stay untouched.
	WriteDirect(name string, target object.ID, force bool) error

	// WriteSymbolic binds name to another name, with the same force rules
	// as WriteDirect.
	WriteSymbolic(name, target string, force bool) error

	// Rename moves the record at oldName to newName and returns it. It fails
	// with ErrNotFound when oldName is unbound and with ErrConflict when
	// newName is bound and force is false.
	Rename(oldName, newName string, force bool) (refs.Record, error)

	// Delete removes name. Deleting an unbound name is not an error.
	Delete(name string) error

	// Iterate returns a cursor over a point-in-time view of the entries
	// whose full name matches glob. An empty glob matches everything.
	Iterate(glob string) (Iterator, error)

	// Free releases every resource held by the backend.
	Free() error
}

// Compressor is implemented by backends advertising CapCompress.
type Compressor interface {
	Compress() error
}

// Signature identifies who made a change recorded in a reflog.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// ReflogEntry is one line of a reference's update history.
type ReflogEntry struct {
	Old     object.ID
	New     object.ID
	Who     Signature
	Message string
}

// Reflogger is implemented by backends advertising CapReflog.
type Reflogger interface {
	HasReflog(name string) (bool, error)
	EnsureReflog(name string) error
	// ReadReflog returns entries newest first; a missing log is empty.
	ReadReflog(name string) ([]ReflogEntry, error)
	AppendReflog(name string, entry ReflogEntry) error
	RenameReflog(oldName, newName string) error
	DeleteReflog(name string) error
}

// UnlockAction says what Unlock does with a locked name.
type UnlockAction int

const (
	UnlockDiscard UnlockAction = iota
	UnlockWrite
	UnlockDelete
)

// Unlock describes how a lock taken with Lock is released.
type Unlock struct {
	Action UnlockAction
	// Record is written when Action is UnlockWrite.
	Record refs.Record
	// Force permits UnlockWrite to replace an existing entry.
	Force bool
	// UpdateReflog appends an entry with Who and Message on write.
	UpdateReflog bool
	Who          Signature
	Message      string
}

// Locker is implemented by backends advertising CapLock.
type Locker interface {
	// Lock takes an exclusive update lock on name, waiting for a bounded
	// time if another holder has it.
	Lock(name string) error
	Unlock(name string, u Unlock) error
}

// CASWriter is implemented by backends advertising CapCAS. An invalid
// (zero) expected record means name must currently be unbound.
type CASWriter interface {
	CompareAndWrite(ref refs.Reference, expected refs.Record) error
	CompareAndDelete(name string, expected refs.Record) error
}
