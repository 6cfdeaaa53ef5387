// Package cmd provides the CLI commands for memvault.
package cmd

import (
	"github.com/spf13/cobra"

	"memvault/pkg/version"
)

// projectFlag is the project root every command operates on.
var projectFlag string

// NewRootCmd creates the root command for the memvault CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memvault",
		Short: "Per-project knowledge store with hybrid retrieval",
		Long: `Memvault persists document chunks and semantic memories per project
and answers hybrid (BM25 + dense) queries over them.

Run 'memvault index' in a project directory to get started.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetVersionTemplate("memvault version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&projectFlag, "project", "p", ".", "Project root directory")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newMemoryCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newBackfillCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
