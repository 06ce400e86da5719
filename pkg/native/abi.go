// Package native is the native side of the reference backend boundary.
//
// Everything that crosses the boundary is a fixed-width value, a
// NUL-terminated byte buffer, an integer handle, or an object allocated on
// a Heap with an explicit owner. No Go interface or closure owned by a
// backend ever reaches this side; backends are reached only through the
// function slots of a BackendTable and the opaque Handle stored in it.
package native

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/odvcencio/refdb/pkg/object"
)

// Code is the result of every call-in. Values follow libgit2.
type Code int32

const (
	CodeOK          Code = 0
	CodeError       Code = -1
	CodeNotFound    Code = -3
	CodeExists      Code = -4
	CodeInvalidSpec Code = -12
	CodeLocked      Code = -14
	CodeModified    Code = -15
	CodePassthrough Code = -30
	CodeIterOver    Code = -31
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeError:
		return "error"
	case CodeNotFound:
		return "not_found"
	case CodeExists:
		return "exists"
	case CodeInvalidSpec:
		return "invalid_spec"
	case CodeLocked:
		return "locked"
	case CodeModified:
		return "modified"
	case CodePassthrough:
		return "passthrough"
	case CodeIterOver:
		return "iter_over"
	default:
		return fmt.Sprintf("code(%d)", int32(c))
	}
}

// Handle is an opaque integer naming an object on the other side of the
// boundary. Zero is never a valid handle.
type Handle uint64

// CStr is a NUL-terminated byte buffer. A nil CStr is the null pointer.
type CStr []byte

// CString copies s into a new NUL-terminated buffer. Bytes after an
// embedded NUL are unreachable from the native side.
func CString(s string) CStr {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// IsNull reports whether c is the null pointer.
func (c CStr) IsNull() bool { return c == nil }

// String decodes up to the first NUL. Invalid UTF-8 is replaced rather
// than rejected, the same way names coming from disk are treated.
func (c CStr) String() string {
	if i := bytes.IndexByte(c, 0); i >= 0 {
		c = c[:i]
	}
	return strings.ToValidUTF8(string(c), "�")
}

// Oid is the fixed-width binary object id.
type Oid [object.IDSize]byte

// OidOf converts an object id.
func OidOf(id object.ID) Oid { return Oid(id) }

// ID converts back to an object id.
func (o Oid) ID() object.ID { return object.ID(o) }

func (o Oid) String() string { return hex.EncodeToString(o[:]) }

// RefType tags a native reference object.
type RefType int32

const (
	RefInvalid  RefType = 0
	RefDirect   RefType = 1
	RefSymbolic RefType = 2
)

// ErrorBuf is the out-parameter a call-in fills with a message when it
// returns a non-OK code. It is owned by the caller.
type ErrorBuf struct {
	msg string
	set bool
}

// Set records msg, replacing any earlier message.
func (e *ErrorBuf) Set(msg string) {
	if e == nil {
		return
	}
	e.msg = msg
	e.set = true
}

// Message returns the recorded message and whether one was set.
func (e *ErrorBuf) Message() (string, bool) {
	if e == nil {
		return "", false
	}
	return e.msg, e.set
}

// Reset clears the buffer for reuse.
func (e *ErrorBuf) Reset() { *e = ErrorBuf{} }
