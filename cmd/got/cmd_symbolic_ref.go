package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSymbolicRefCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "symbolic-ref <name> [target]",
		Short: "Read or create a symbolic reference",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			name := args[0]
			if len(args) == 2 {
				return r.Refs.AddSymbolic(name, args[1], force)
			}

			rec, err := r.Refs.Lookup(name)
			if err != nil {
				return err
			}
			target, ok := rec.SymbolicTarget()
			if !ok {
				return fmt.Errorf("symbolic-ref: %s is not a symbolic reference", name)
			}
			fmt.Fprintln(cmd.OutOrStdout(), target)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing reference")
	return cmd
}
