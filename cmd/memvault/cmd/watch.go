package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"memvault/internal/freshness"
	"memvault/internal/ingest"
	"memvault/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	var debounce time.Duration
	var skipInitial bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the project tree and keep the index in sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := openApp(ctx, projectFlag, true)
			if err != nil {
				return err
			}
			defer app.Close()

			if !skipInitial {
				report, ingErr := app.Pipeline.IngestRoot(ctx, app.Root, ingest.DiscoverOptions{RespectGitignore: true})
				if ingErr != nil {
					return ingErr
				}
				cmd.Printf("indexed %d files (%d chunks), %d unchanged\n",
					report.Files, report.Chunks, report.Skipped)
			}

			opts := watcher.DefaultOptions()
			if debounce > 0 {
				opts.Debounce = debounce
			}
			w := watcher.New(app.Root, opts, app.Logger)
			if err := w.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = w.Stop() }()

			refresher := watcher.NewRefresher(app.Root, app.Backend, app.Disp.Lexical(), app.Logger)
			refresher.OnReport = func(report *freshness.Report) {
				reindexStale(ctx, app, report)
			}

			cmd.Printf("watching %s\n", app.Root)
			refresher.Run(ctx, w.Batches())
			return nil
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 0, "Debounce window for file events")
	cmd.Flags().BoolVar(&skipInitial, "skip-initial", false, "Skip the initial full index pass")
	return cmd
}

// reindexStale re-ingests changed files and drops deleted ones. Errors
// are logged, not fatal: the watch loop keeps running.
func reindexStale(ctx context.Context, app *App, report *freshness.Report) {
	var files []ingest.File
	for _, rel := range report.Stale {
		content, err := os.ReadFile(filepath.Join(app.Root, rel))
		if err != nil {
			app.Logger.Warn("stale file not re-read", "path", rel, "error", err)
			continue
		}
		files = append(files, ingest.File{Path: rel, Content: content})
	}
	if len(files) > 0 {
		if _, err := app.Pipeline.IngestFiles(ctx, files); err != nil {
			app.Logger.Warn("stale files not re-indexed", "error", err)
		}
	}
	for _, rel := range report.Deleted {
		if _, err := app.Pipeline.RemoveFile(ctx, rel); err != nil {
			app.Logger.Warn("deleted file not dropped", "path", rel, "error", err)
		}
	}
}
