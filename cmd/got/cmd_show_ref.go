package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/refdb/pkg/refs"
)

func newShowRefCmd() *cobra.Command {
	var kind string
	var namesOnly bool

	cmd := &cobra.Command{
		Use:   "show-ref [glob]",
		Short: "List references matching a glob",
		Long: "List references whose names match glob, sorted by name.\n" +
			"'*' matches any run of characters including '/'.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mask, err := refs.ParseKind(kind)
			if err != nil {
				return err
			}
			glob := ""
			if len(args) == 1 {
				glob = args[0]
			}

			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			out := cmd.OutOrStdout()
			if namesOnly {
				if mask != refs.KindAll {
					return fmt.Errorf("show-ref: --names-only cannot be combined with --kind")
				}
				names, err := r.Refs.Names(glob)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(out, name)
				}
				return nil
			}

			list, err := r.Refs.FromGlob(glob, mask)
			if err != nil {
				return err
			}
			for _, ref := range list {
				fmt.Fprintln(out, ref)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "all", "only show direct, symbolic or all references")
	cmd.Flags().BoolVar(&namesOnly, "names-only", false, "print names without reading records")
	return cmd
}
