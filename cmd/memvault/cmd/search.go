package cmd

import (
	"github.com/spf13/cobra"

	"memvault/internal/dispatch"
	"memvault/internal/errors"
)

func newSearchCmd() *cobra.Command {
	var topK int
	var codeOnly bool
	var docsOnly bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Hybrid search over the project's documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if codeOnly && docsOnly {
				return errors.Validation("--code and --docs are mutually exclusive")
			}
			kind := dispatch.DocAny
			if codeOnly {
				kind = dispatch.DocCode
			}
			if docsOnly {
				kind = dispatch.DocProse
			}

			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			k := topK
			if k <= 0 {
				k = app.Cfg.Retrieval.DefaultTopK
			}
			hits, err := app.Disp.SearchDocuments(ctx, args[0], nil, k, kind)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				cmd.Println("no results")
				return nil
			}
			for i, h := range hits {
				cmd.Printf("%2d. %-50s  lines %d-%d  score %.3f\n",
					i+1, h.Document.FilePath, h.Document.StartLine, h.Document.EndLine, h.Score)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of results (0 = config default)")
	cmd.Flags().BoolVar(&codeOnly, "code", false, "Search only source chunks")
	cmd.Flags().BoolVar(&docsOnly, "docs", false, "Search only prose chunks")
	return cmd
}
