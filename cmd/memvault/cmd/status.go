package cmd

import (
	"github.com/spf13/cobra"

	"memvault/internal/freshness"
	"memvault/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index health and row counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			docs, err := app.Backend.ListDocuments(ctx)
			if err != nil {
				return err
			}
			memories, err := app.Backend.ListMemories(ctx, store.MemoryFilter{
				AllProjects:        true,
				IncludeInvalidated: true,
			})
			if err != nil {
				return err
			}
			hashes, err := app.Backend.ListFileHashes(ctx)
			if err != nil {
				return err
			}

			invalidated := 0
			for _, m := range memories {
				if m.InvalidatedBy != nil {
					invalidated++
				}
			}

			cmd.Printf("project:    %s\n", app.Disp.ProjectID())
			cmd.Printf("backend:    %s (vector: %s)\n", app.Cfg.Storage.Backend, app.Cfg.Storage.Vector)
			cmd.Printf("documents:  %d chunks across %d files\n", len(docs), len(hashes))
			cmd.Printf("memories:   %d (%d invalidated)\n", len(memories), invalidated)

			report, err := freshness.Classify(ctx, app.Root, hashes)
			if err != nil {
				return err
			}
			cmd.Printf("freshness:  %d fresh, %d stale, %d deleted\n",
				len(report.Fresh), len(report.Stale), len(report.Deleted))
			if len(report.Stale)+len(report.Deleted) > 0 {
				cmd.Println("run 'memvault index' to bring the store up to date")
			}
			return nil
		},
	}
}
