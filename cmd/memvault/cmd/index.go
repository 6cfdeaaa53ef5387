package cmd

import (
	"github.com/spf13/cobra"

	"memvault/internal/ingest"
)

func newIndexCmd() *cobra.Command {
	var noGitignore bool
	var maxFileSize int64

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index the project's files into the knowledge store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, true)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Pipeline.IngestRoot(ctx, app.Root, ingest.DiscoverOptions{
				MaxFileSize:      maxFileSize,
				RespectGitignore: !noGitignore,
			})
			if err != nil {
				return err
			}
			cmd.Printf("indexed %d files (%d chunks), %d unchanged\n",
				report.Files, report.Chunks, report.Skipped)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noGitignore, "no-gitignore", false, "Ignore .gitignore rules")
	cmd.Flags().Int64Var(&maxFileSize, "max-file-size", 0, "Maximum file size in bytes (0 = 10MB)")
	return cmd
}
