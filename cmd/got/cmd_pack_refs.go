package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPackRefsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pack-refs",
		Short: "Compact reference storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			if err := r.Refs.Pack(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "packed refs")
			return nil
		},
	}
}
