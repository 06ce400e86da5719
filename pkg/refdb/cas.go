package refdb

import (
	"fmt"

	"github.com/odvcencio/refdb/pkg/refs"
)

// CheckExpected compares the current state of name with the state a
// compare-and-swap caller expects. An invalid expected record means "must
// be unbound".
func CheckExpected(name string, current refs.Record, found bool, expected refs.Record) error {
	if !expected.IsValid() {
		if found {
			return fmt.Errorf("%w: %q exists (found %s)", ErrCASMismatch, name, current)
		}
		return nil
	}
	if !found {
		return fmt.Errorf("%w: %q is unbound (expected %s)", ErrCASMismatch, name, expected)
	}
	if !current.Equal(expected) {
		return fmt.Errorf("%w: %q (expected %s, found %s)", ErrCASMismatch, name, expected, current)
	}
	return nil
}
