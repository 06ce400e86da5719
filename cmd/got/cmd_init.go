package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odvcencio/refdb/pkg/repo"
)

func newInitCmd() *cobra.Command {
	var initialBranch string

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Create an empty got repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}

			// Ensure the target directory exists.
			if err := os.MkdirAll(abs, 0o755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}

			opts := []repo.Option{repo.WithDefaultBranch(initialBranch)}
			if b := settings.GetString(keyBackend); b != "" {
				opts = append(opts, repo.WithBackend(b))
			}
			r, err := repo.Init(abs, opts...)
			if err != nil {
				return err
			}
			defer r.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "initialized empty got repository in %s (refdb: %s, %s)\n",
				filepath.Join(r.RootDir, ".got")+string(filepath.Separator), r.Config.Refdb.Backend, r.Capabilities())
			return nil
		},
	}
	cmd.Flags().StringVarP(&initialBranch, "initial-branch", "b", repo.DefaultBranch, "branch HEAD points at")
	return cmd
}
