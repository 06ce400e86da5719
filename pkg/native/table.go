package native

// TableVersion is the BackendTable layout this package understands.
// Slots are only ever appended; a table built against an older version
// simply leaves the newer slots nil.
const TableVersion = 1

// Ownership at the boundary, per argument kind:
//
//   - CStr arguments (names, globs, messages) are borrowed for the call
//     only. A callee that keeps one past return must copy it.
//   - *Ref and *Signature arguments are owned by the caller and freed by
//     it after the call returns, on success and on error.
//   - **Ref, **Reflog and *Iterator out-parameters transfer ownership to
//     the caller on CodeOK. On any other code they are left untouched.
//   - A CStr returned through IteratorTable.NextName is owned by the
//     iterator and stays valid until the next call on that iterator.
//   - *ErrorBuf is owned by the caller; the callee only calls Set on it.

// BackendTable is the fixed-order call-in table for one backend. Optional
// slots are nil when the backend does not provide the operation; the
// caller must check before calling. Free is always present and is called
// exactly once.
type BackendTable struct {
	Version uint32

	// Handle is the backend's reverse-lookup token. It is passed back as
	// the first argument of every slot.
	Handle Handle

	Exists func(exists *int32, h Handle, name CStr, e *ErrorBuf) Code
	Lookup func(out **Ref, h Handle, name CStr, e *ErrorBuf) Code
	Iter   func(out *Iterator, h Handle, glob CStr, e *ErrorBuf) Code

	// Write stores ref. When old is non-nil or oldTarget is non-null the
	// write only happens if the current entry matches it; an all-zero old
	// means "must not exist". who and message are optional and drive the
	// reflog.
	Write func(h Handle, ref *Ref, force int32, who *Signature, message CStr, old *Oid, oldTarget CStr, e *ErrorBuf) Code

	Rename func(out **Ref, h Handle, oldName, newName CStr, force int32, who *Signature, message CStr, e *ErrorBuf) Code

	// Delete removes name; preconditions as in Write.
	Delete func(h Handle, name CStr, old *Oid, oldTarget CStr, e *ErrorBuf) Code

	Compress func(h Handle, e *ErrorBuf) Code

	HasLog    func(has *int32, h Handle, name CStr, e *ErrorBuf) Code
	EnsureLog func(h Handle, name CStr, e *ErrorBuf) Code

	// Free releases the backend and invalidates Handle.
	Free func(h Handle)

	ReflogRead   func(out **Reflog, h Handle, name CStr, e *ErrorBuf) Code
	ReflogWrite  func(h Handle, name CStr, oldID, newID *Oid, who *Signature, message CStr, e *ErrorBuf) Code
	ReflogRename func(h Handle, oldName, newName CStr, e *ErrorBuf) Code
	ReflogDelete func(h Handle, name CStr, e *ErrorBuf) Code

	Lock   func(token *Handle, h Handle, name CStr, e *ErrorBuf) Code
	Unlock func(h Handle, token Handle, action int32, force int32, updateReflog int32, ref *Ref, who *Signature, message CStr, e *ErrorBuf) Code
}

// Unlock actions.
const (
	UnlockDiscard int32 = 0
	UnlockWrite   int32 = 1
	UnlockDelete  int32 = 2
)

// IteratorTable is shared by every iterator a backend hands out; the
// iterator's own Handle selects the instance.
type IteratorTable struct {
	Next     func(out **Ref, it Handle, e *ErrorBuf) Code
	NextName func(out *CStr, it Handle, e *ErrorBuf) Code
	Free     func(it Handle)
}

// Iterator is what BackendTable.Iter returns: a table and the handle of
// one live iterator.
type Iterator struct {
	Table  *IteratorTable
	Handle Handle
}
