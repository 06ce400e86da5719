// Package refs models a single reference: its name and the record it binds
// to, either a direct object ID or a symbolic alias of another name.
package refs

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/odvcencio/refdb/pkg/object"
)

// Kind discriminates a Record. The values double as bit flags so a set of
// kinds can be expressed as a mask (see KindAll).
type Kind uint8

const (
	KindInvalid  Kind = 0
	KindDirect   Kind = 1
	KindSymbolic Kind = 2

	// KindAll matches both direct and symbolic records.
	KindAll = KindDirect | KindSymbolic
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindSymbolic:
		return "symbolic"
	case KindAll:
		return "all"
	default:
		return "invalid"
	}
}

// In reports whether k is one of the kinds set in mask.
func (k Kind) In(mask Kind) bool {
	return k != KindInvalid && k&mask == k
}

// ParseKind parses "direct", "symbolic" or "all".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "direct", "oid":
		return KindDirect, nil
	case "symbolic":
		return KindSymbolic, nil
	case "all", "":
		return KindAll, nil
	}
	return KindInvalid, fmt.Errorf("unknown reference kind %q", s)
}

// Record is the immutable value a reference name is bound to. The zero
// Record is invalid; use Direct or Symbolic.
type Record struct {
	kind     Kind
	target   object.ID
	symbolic string
}

// Direct returns a record pointing at an object.
func Direct(target object.ID) Record {
	return Record{kind: KindDirect, target: target}
}

// Symbolic returns a record aliasing another reference name.
func Symbolic(target string) Record {
	return Record{kind: KindSymbolic, symbolic: target}
}

func (r Record) Kind() Kind { return r.kind }

// IsValid reports whether r was built by Direct or Symbolic.
func (r Record) IsValid() bool {
	return r.kind == KindDirect || r.kind == KindSymbolic
}

// Target returns the object ID of a direct record.
func (r Record) Target() (object.ID, bool) {
	return r.target, r.kind == KindDirect
}

// SymbolicTarget returns the aliased name of a symbolic record.
func (r Record) SymbolicTarget() (string, bool) {
	return r.symbolic, r.kind == KindSymbolic
}

// TargetString is the object ID in hex for direct records and the aliased
// name for symbolic ones.
func (r Record) TargetString() string {
	switch r.kind {
	case KindDirect:
		return r.target.String()
	case KindSymbolic:
		return r.symbolic
	}
	return ""
}

// Equal compares kind first, then the payload of that kind.
func (r Record) Equal(o Record) bool {
	if r.kind != o.kind {
		return false
	}
	switch r.kind {
	case KindDirect:
		return r.target == o.target
	case KindSymbolic:
		return r.symbolic == o.symbolic
	}
	return true
}

// Hash is stable across processes and consistent with Equal.
func (r Record) Hash() uint64 {
	d := xxhash.New()
	_, _ = d.Write([]byte{byte(r.kind)})
	switch r.kind {
	case KindDirect:
		_, _ = d.Write(r.target[:])
	case KindSymbolic:
		_, _ = d.WriteString(r.symbolic)
	}
	return d.Sum64()
}

func (r Record) String() string {
	switch r.kind {
	case KindDirect:
		return r.target.String()
	case KindSymbolic:
		return "ref: " + r.symbolic
	}
	return "<invalid>"
}

// Reference is a name together with its record.
type Reference struct {
	Name   string
	Record Record
}

// NewDirect builds a direct reference.
func NewDirect(name string, target object.ID) Reference {
	return Reference{Name: name, Record: Direct(target)}
}

// NewSymbolic builds a symbolic reference.
func NewSymbolic(name, target string) Reference {
	return Reference{Name: name, Record: Symbolic(target)}
}

func (r Reference) Kind() Kind { return r.Record.Kind() }

// Equal compares names and records.
func (r Reference) Equal(o Reference) bool {
	return r.Name == o.Name && r.Record.Equal(o.Record)
}

func (r Reference) String() string {
	return r.Record.String() + " " + r.Name
}
