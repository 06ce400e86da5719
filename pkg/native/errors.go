package native

import (
	"errors"
	"fmt"

	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

// Error is a non-OK code from a call-in together with the message the
// callee left in the ErrorBuf.
type Error struct {
	Op      string
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

// Is maps boundary codes onto the refdb sentinels so callers match with
// errors.Is regardless of which side produced the failure.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeNotFound:
		return target == refdb.ErrNotFound
	case CodeExists:
		return target == refdb.ErrConflict
	case CodeModified:
		return target == refdb.ErrCASMismatch
	case CodeLocked:
		return target == refdb.ErrLocked
	case CodePassthrough:
		return target == refdb.ErrUnsupported
	case CodeIterOver:
		return target == refdb.ErrIterOver
	case CodeInvalidSpec:
		return target == refs.ErrInvalidName
	}
	return false
}

// CodeOf reduces err to the boundary convention. nil is CodeOK.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, refdb.ErrIterOver):
		return CodeIterOver
	case errors.Is(err, refdb.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, refdb.ErrConflict):
		return CodeExists
	case errors.Is(err, refdb.ErrCASMismatch):
		return CodeModified
	case errors.Is(err, refdb.ErrLocked):
		return CodeLocked
	case errors.Is(err, refdb.ErrUnsupported):
		return CodePassthrough
	case errors.Is(err, refs.ErrInvalidName):
		return CodeInvalidSpec
	default:
		return CodeError
	}
}

func callError(op string, code Code, e *ErrorBuf) error {
	msg, _ := e.Message()
	return &Error{Op: op, Code: code, Message: msg}
}
