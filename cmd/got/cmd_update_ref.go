package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refs"
)

func newUpdateRefCmd() *cobra.Command {
	var oldValue string
	var create bool
	var message string

	cmd := &cobra.Command{
		Use:   "update-ref <name> <target>",
		Short: "Point a reference at an object",
		Long: "Point name at target, an object ID or a resolvable reference.\n" +
			"With --old the update only happens if name currently points at\n" +
			"that value; --create only succeeds if name is unbound.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if create && oldValue != "" {
				return fmt.Errorf("update-ref: --create and --old are mutually exclusive")
			}

			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			target, err := resolveTarget(r, args[1])
			if err != nil {
				return err
			}

			var expected *refs.Record
			switch {
			case create:
				expected = &refs.Record{}
			case oldValue != "":
				old, err := expectedRecord(oldValue)
				if err != nil {
					return err
				}
				expected = &old
			}
			return r.Refs.Update(args[0], target, expected, message)
		},
	}
	cmd.Flags().StringVar(&oldValue, "old", "", "required current value (object ID, or ref:<name> for symbolic)")
	cmd.Flags().BoolVar(&create, "create", false, "fail unless the reference is unbound")
	cmd.Flags().StringVarP(&message, "message", "m", "", "reflog message")
	return cmd
}

// expectedRecord parses a precondition value. An all-zero ID means the
// name must be unbound.
func expectedRecord(s string) (refs.Record, error) {
	if target, ok := cutSymbolic(s); ok {
		if err := refs.ValidateName(target); err != nil {
			return refs.Record{}, fmt.Errorf("old value: %w", err)
		}
		return refs.Symbolic(target), nil
	}
	id, err := object.ParseID(s)
	if err != nil {
		return refs.Record{}, fmt.Errorf("old value: %w", err)
	}
	if id.IsZero() {
		return refs.Record{}, nil
	}
	return refs.Direct(id), nil
}

func cutSymbolic(s string) (string, bool) {
	rest, ok := strings.CutPrefix(s, "ref:")
	return strings.TrimSpace(rest), ok
}
