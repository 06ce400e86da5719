package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "got",
		Short:         "Inspect and edit a repository's reference namespace",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfigFile(configFile); err != nil {
				return err
			}
			return configureLogging(cmd.ErrOrStderr(), settings.GetString(keyLogLevel))
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return reportStats(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default: none; GOT_* environment is always read)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("backend", "", "override the repository's reference backend")
	flags.Bool("stats", false, "print backend call counts to stderr on exit")
	bindFlag(flags, keyLogLevel, "log-level")
	bindFlag(flags, keyLogFormat, "log-format")
	bindFlag(flags, keyBackend, "backend")
	bindFlag(flags, keyStats, "stats")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newShowRefCmd())
	root.AddCommand(newUpdateRefCmd())
	root.AddCommand(newSymbolicRefCmd())
	root.AddCommand(newRenameRefCmd())
	root.AddCommand(newDeleteRefCmd())
	root.AddCommand(newPackRefsCmd())
	root.AddCommand(newReflogCmd())
	root.AddCommand(newBranchCmd())
	root.AddCommand(newTagCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "got %s\n", version)
		},
	}
}
