package main

import (
	"github.com/spf13/cobra"

	"github.com/odvcencio/refdb/pkg/refs"
)

func newDeleteRefCmd() *cobra.Command {
	var oldValue string

	cmd := &cobra.Command{
		Use:   "delete-ref <name>",
		Short: "Delete a reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var expected *refs.Record
			if oldValue != "" {
				old, err := expectedRecord(oldValue)
				if err != nil {
					return err
				}
				expected = &old
			}

			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			return r.Refs.Remove(args[0], expected)
		},
	}
	cmd.Flags().StringVar(&oldValue, "old", "", "only delete if the reference holds this value")
	return cmd
}
