package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBranchCmd() *cobra.Command {
	var deleteBranch string
	var move bool
	var force bool

	cmd := &cobra.Command{
		Use:   "branch [name [start]] | -m <old> <new>",
		Short: "List, create, rename, or delete branches",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			// Delete mode.
			if deleteBranch != "" {
				if err := r.DeleteBranch(deleteBranch); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted branch '%s'\n", deleteBranch)
				return nil
			}

			// Rename mode.
			if move {
				if len(args) != 2 {
					return fmt.Errorf("branch -m requires <old> <new>")
				}
				if err := r.RenameBranch(args[0], args[1], force); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "renamed branch '%s' to '%s'\n", args[0], args[1])
				return nil
			}

			// Create mode.
			if len(args) > 0 {
				start := "HEAD"
				if len(args) == 2 {
					start = args[1]
				}
				target, err := resolveTarget(r, start)
				if err != nil {
					return fmt.Errorf("cannot resolve %s: %w", start, err)
				}
				return r.CreateBranch(args[0], target)
			}

			// List mode.
			branches, err := r.ListBranches()
			if err != nil {
				return err
			}

			current, _ := r.CurrentBranch()

			out := cmd.OutOrStdout()
			for _, b := range branches {
				if b == current {
					fmt.Fprintf(out, "* %s\n", b)
				} else {
					fmt.Fprintf(out, "  %s\n", b)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&deleteBranch, "delete", "d", "", "delete the named branch")
	cmd.Flags().BoolVarP(&move, "move", "m", false, "rename a branch")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "with -m, overwrite an existing branch")

	return cmd
}
