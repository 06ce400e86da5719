package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRenameRefCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "rename-ref <old> <new>",
		Short: "Move a reference to a new name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			ref, err := r.Refs.Rename(args[0], args[1], force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %s (%s)\n", args[0], ref.Name, ref.Record)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing target")
	return cmd
}
