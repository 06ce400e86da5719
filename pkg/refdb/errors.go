package refdb

import (
	"errors"
	"fmt"

	"github.com/odvcencio/refdb/pkg/refs"
)

var (
	ErrNotFound    = errors.New("refdb: reference not found")
	ErrConflict    = errors.New("refdb: reference already exists")
	ErrUnsupported = errors.New("refdb: operation not supported")
	ErrIterOver    = errors.New("refdb: iteration over")
	ErrCASMismatch = errors.New("refdb: compare-and-swap mismatch")
	ErrLocked      = errors.New("refdb: reference is locked")
	ErrNotLocked   = errors.New("refdb: reference is not locked")
	ErrClosed      = errors.New("refdb: backend freed")
)

// ConflictError reports a write or rename that would have replaced an
// existing entry without force.
type ConflictError struct {
	Name     string
	Existing refs.Kind
}

func (e *ConflictError) Error() string {
	if e.Existing == refs.KindInvalid {
		return fmt.Sprintf("reference %q already exists", e.Name)
	}
	return fmt.Sprintf("reference %q already exists as a %s reference", e.Name, e.Existing)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// RenameSide names the half of a rename that failed.
type RenameSide int

const (
	RenameSource RenameSide = iota
	RenameTarget
)

func (s RenameSide) String() string {
	if s == RenameSource {
		return "source"
	}
	return "target"
}

// RenameError wraps a rename failure with the side it happened on.
type RenameError struct {
	Side RenameSide
	Old  string
	New  string
	Err  error
}

func (e *RenameError) Error() string {
	return fmt.Sprintf("rename %q -> %q: %s: %v", e.Old, e.New, e.Side, e.Err)
}

func (e *RenameError) Unwrap() error { return e.Err }

// NotFound wraps ErrNotFound with the missing name.
func NotFound(name string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Conflict builds a ConflictError for name.
func Conflict(name string, existing refs.Kind) error {
	return &ConflictError{Name: name, Existing: existing}
}
