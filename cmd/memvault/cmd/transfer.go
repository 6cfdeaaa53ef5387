package cmd

import (
	"github.com/spf13/cobra"

	"memvault/internal/transfer"
)

func newExportCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every table to a JSON checkpoint (.gz compresses)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			env, err := transfer.Export(ctx, app.Backend, transfer.Metadata{
				Backend:        app.Cfg.Storage.Backend,
				EmbeddingModel: app.Cfg.Embeddings.Model,
				Dimension:      app.Cfg.Embeddings.Dimensions,
			})
			if err != nil {
				return err
			}
			if app.Global != nil {
				if err := transfer.AttachGlobal(ctx, app.Global, env); err != nil {
					return err
				}
			}
			if err := transfer.WriteFile(outPath, env); err != nil {
				return err
			}
			cmd.Printf("exported %d documents, %d memories, %d global memories to %s\n",
				len(env.Documents), len(env.Memories), len(env.GlobalMemories), outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "memvault-export.json.gz", "Output file")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Destructively import a checkpoint, replacing all rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, true)
			if err != nil {
				return err
			}
			defer app.Close()

			env, err := transfer.ReadFile(args[0])
			if err != nil {
				return err
			}
			idmap, err := transfer.RestoreSplit(ctx, app.Backend, app.Global, env, true)
			if err != nil {
				return err
			}
			cmd.Printf("imported %d documents, %d memories (%d ids remapped)\n",
				len(env.Documents), len(env.Memories)+len(env.GlobalMemories),
				len(idmap.Documents)+len(idmap.Memories))
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	var destructive bool

	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Restore a checkpoint, additively by default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, true)
			if err != nil {
				return err
			}
			defer app.Close()

			env, err := transfer.ReadFile(args[0])
			if err != nil {
				return err
			}
			idmap, err := transfer.RestoreSplit(ctx, app.Backend, app.Global, env, destructive)
			if err != nil {
				return err
			}
			mode := "additive"
			if destructive {
				mode = "destructive"
			}
			cmd.Printf("%s restore done (%d ids remapped)\n", mode,
				len(idmap.Documents)+len(idmap.Memories))
			return nil
		},
	}

	cmd.Flags().BoolVar(&destructive, "destructive", false, "Replace existing rows instead of appending")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	var target string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Stream rows with embeddings into the vector engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, true)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := transfer.Backfill(ctx, app.Backend, app.Index, transfer.BackfillOptions{
				Target:    transfer.BackfillTarget(target),
				DryRun:    dryRun,
				Global:    app.Global,
				ProjectID: app.Disp.ProjectID(),
			}, app.Logger)
			if err != nil {
				return err
			}
			prefix := ""
			if report.DryRun {
				prefix = "would have "
			}
			cmd.Printf("%sbackfilled %d documents, %d memories, %d global memories (%d rows without embeddings skipped)\n",
				prefix, report.Documents, report.Memories, report.GlobalMemories, report.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", string(transfer.BackfillAll), "all, documents, or memories")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Count rows without writing")
	return cmd
}
