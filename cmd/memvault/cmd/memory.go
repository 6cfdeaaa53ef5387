package cmd

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"memvault/internal/dispatch"
	"memvault/internal/errors"
	"memvault/internal/graph"
	"memvault/internal/record"
	"memvault/internal/search"
	"memvault/internal/temporal"
)

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Save, recall, and manage semantic memories",
	}
	cmd.AddCommand(newMemorySaveCmd())
	cmd.AddCommand(newMemoryRecallCmd())
	cmd.AddCommand(newMemoryShowCmd())
	cmd.AddCommand(newMemoryInvalidateCmd())
	cmd.AddCommand(newMemoryRestoreCmd())
	cmd.AddCommand(newMemoryDeleteCmd())
	cmd.AddCommand(newMemoryLinkCmd())
	cmd.AddCommand(newMemoryUnlinkCmd())
	cmd.AddCommand(newMemoryAutolinkCmd())
	cmd.AddCommand(newMemoryGraphCmd())
	cmd.AddCommand(newMemoryStatsCmd())
	cmd.AddCommand(newMemoryCentralityCmd())
	return cmd
}

func newMemorySaveCmd() *cobra.Command {
	var memType string
	var tags []string
	var quality float64
	var validFor string
	var noDedup bool
	var global bool

	cmd := &cobra.Command{
		Use:   "save <content>",
		Short: "Save a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			m := &record.Memory{
				Content:      args[0],
				Type:         record.MemoryType(memType),
				Tags:         tags,
				QualityScore: quality,
				Source:       "cli",
			}
			if validFor != "" {
				until, parseErr := temporal.ParseDuration(validFor, time.Now().UTC())
				if parseErr != nil {
					return parseErr
				}
				m.ValidUntil = &until
			}

			opts := dispatch.DefaultSaveOptions()
			if noDedup {
				opts.Deduplicate = false
			}
			opts.Global = global
			res, err := app.Disp.SaveMemory(ctx, m, opts)
			if err != nil {
				return err
			}
			if res.Duplicate != nil {
				cmd.Printf("duplicate of memory %d (similarity %.3f), not saved\n",
					res.Duplicate.ID, res.Duplicate.Score)
				return nil
			}
			cmd.Printf("saved memory %d\n", res.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&memType, "type", "t", string(record.TypeObservation), "Memory type")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Comma-separated tags")
	cmd.Flags().Float64Var(&quality, "quality", 0.5, "Quality score in [0,1]")
	cmd.Flags().StringVar(&validFor, "valid-for", "", "Validity window (30d, 2w, 6m, 1y, ISO-8601)")
	cmd.Flags().BoolVar(&noDedup, "no-dedup", false, "Skip the near-duplicate check")
	cmd.Flags().BoolVar(&global, "global", false, "Save into the cross-project namespace")
	return cmd
}

func newMemoryRecallCmd() *cobra.Command {
	var topK int
	var tags []string
	var asOf string
	var minScore float64
	var includeExpired bool

	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Recall memories for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			req := search.Request{
				Query:          args[0],
				Limit:          topK,
				MinScore:       minScore,
				Tags:           tags,
				IncludeExpired: includeExpired,
			}
			if asOf != "" {
				ref, parseErr := time.Parse(time.RFC3339, asOf)
				if parseErr != nil {
					return errors.Validationf("malformed --as-of %q (want RFC3339)", asOf)
				}
				req.AsOf = &ref
			}

			result, err := app.Disp.Recall(ctx, req)
			if err != nil {
				return err
			}
			r := result.Readiness
			cmd.Printf("%d/%d results (avg similarity %.3f, ready=%v)\n",
				r.Count, r.Expected, r.AvgSimilarity, r.Ready)
			for i, c := range result.Candidates {
				line := c.Memory.Content
				if len(line) > 80 {
					line = line[:77] + "..."
				}
				cmd.Printf("%2d. [%d] %-9s %.3f  %s\n", i+1, c.Memory.ID, c.Memory.Type, c.Score, line)
				if len(c.Memory.Tags) > 0 {
					cmd.Printf("    tags: %s\n", strings.Join(c.Memory.Tags, ", "))
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of results (0 = config default)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Require all of these tags")
	cmd.Flags().StringVar(&asOf, "as-of", "", "Evaluate validity at this RFC3339 instant")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "Drop results below this fused score")
	cmd.Flags().BoolVar(&includeExpired, "include-expired", false, "Return invalidated and out-of-validity memories too")
	return cmd
}

func newMemoryInvalidateCmd() *cobra.Command {
	var supersededBy int64

	cmd := &cobra.Command{
		Use:   "invalidate <id>",
		Short: "Invalidate a memory, optionally naming its successor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Disp.InvalidateMemory(ctx, id, supersededBy); err != nil {
				return err
			}
			cmd.Printf("invalidated memory %d\n", id)
			return nil
		},
	}

	cmd.Flags().Int64Var(&supersededBy, "superseded-by", 0, "Memory id that replaces this one")
	return cmd
}

func newMemoryRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a previously invalidated memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Disp.RestoreMemory(ctx, id); err != nil {
				return err
			}
			cmd.Printf("restored memory %d\n", id)
			return nil
		},
	}
}

func newMemoryLinkCmd() *cobra.Command {
	var relation string
	var weight float64

	cmd := &cobra.Command{
		Use:   "link <source-id> <target-id>",
		Short: "Create a typed link between two memories",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := parseID(args[0])
			if err != nil {
				return err
			}
			target, err := parseID(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			projectID := app.Disp.ProjectID()
			g := graph.New(app.Backend, &projectID, app.Logger)
			res, err := g.CreateLink(ctx, &record.MemoryLink{
				SourceID: source,
				TargetID: target,
				Relation: record.LinkRelation(relation),
				Weight:   weight,
			})
			if err != nil {
				return err
			}
			if res.Created {
				cmd.Printf("created link %d (%s)\n", res.ID, relation)
			} else {
				cmd.Printf("link %d updated (%s)\n", res.ID, relation)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&relation, "relation", "r", string(record.RelationRelated), "Link relation")
	cmd.Flags().Float64Var(&weight, "weight", 1.0, "Link weight")
	return cmd
}

func newMemoryGraphCmd() *cobra.Command {
	var depth int

	cmd := &cobra.Command{
		Use:   "graph <id>",
		Short: "Show memories connected to one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			projectID := app.Disp.ProjectID()
			g := graph.New(app.Backend, &projectID, app.Logger)
			connected, err := g.FindConnected(ctx, id, depth)
			if err != nil {
				return err
			}
			if len(connected) == 0 {
				cmd.Println("no connected memories")
				return nil
			}
			for _, c := range connected {
				line := c.Memory.Content
				if len(line) > 70 {
					line = line[:67] + "..."
				}
				cmd.Printf("[%d] depth %d via %s: %s\n", c.Memory.ID, c.Depth, formatPath(c.Path), line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&depth, "depth", "d", 2, "Traversal depth")
	return cmd
}

func newMemoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one memory with its effective links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Disp.GetMemoryWithLinks(ctx, id)
			if err != nil {
				return err
			}
			if res == nil {
				return errors.Validationf("memory %d not found", id)
			}
			m := res.Memory
			cmd.Printf("[%d] %s (quality %.2f, accessed %d times)\n", m.ID, m.Type, m.QualityScore, m.AccessCount)
			cmd.Println(m.Content)
			if len(m.Tags) > 0 {
				cmd.Printf("tags: %s\n", strings.Join(m.Tags, ", "))
			}
			if m.InvalidatedBy != nil {
				cmd.Printf("invalidated (superseded by %d)\n", *m.InvalidatedBy)
			}
			for _, l := range res.Links {
				other := l.TargetID
				if other == m.ID {
					other = l.SourceID
				}
				cmd.Printf("  -> [%d] %s (weight %.2f)\n", other, l.Relation, l.Weight)
			}
			return nil
		},
	}
}

func newMemoryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Permanently delete a memory and its links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Disp.DeleteMemory(ctx, id); err != nil {
				return err
			}
			cmd.Printf("deleted memory %d\n", id)
			return nil
		},
	}
}

func newMemoryAutolinkCmd() *cobra.Command {
	var threshold float64
	var maxLinks int

	cmd := &cobra.Command{
		Use:   "autolink <id>",
		Short: "Link a memory to its nearest neighbors by similarity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			links, err := app.Disp.AutoLinkSimilar(ctx, id, threshold, maxLinks)
			if err != nil {
				return err
			}
			if len(links) == 0 {
				cmd.Println("no neighbors above the threshold")
				return nil
			}
			for _, l := range links {
				cmd.Printf("linked %d -> %d (weight %.3f)\n", l.SourceID, l.TargetID, l.Weight)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", 0.8, "Minimum similarity for a link")
	cmd.Flags().IntVar(&maxLinks, "max-links", 5, "Maximum links to create")
	return cmd
}

func newMemoryUnlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <link-id>",
		Short: "End a link's validity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			projectID := app.Disp.ProjectID()
			g := graph.New(app.Backend, &projectID, app.Logger)
			if err := g.InvalidateLink(ctx, id); err != nil {
				return err
			}
			cmd.Printf("invalidated link %d\n", id)
			return nil
		},
	}
}

func newMemoryStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the project's memory graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			projectID := app.Disp.ProjectID()
			g := graph.New(app.Backend, &projectID, app.Logger)
			stats, err := g.ComputeStats(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("%d memories, %d links (%.2f per memory), %d isolated\n",
				stats.Memories, stats.Links, stats.AvgLinks, stats.Isolated)
			for relation, n := range stats.RelationCounts {
				cmd.Printf("  %-12s %d\n", relation, n)
			}
			return nil
		},
	}
}

func newMemoryCentralityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "centrality",
		Short: "Recompute degree centrality over effective links",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, projectFlag, false)
			if err != nil {
				return err
			}
			defer app.Close()

			projectID := app.Disp.ProjectID()
			g := graph.New(app.Backend, &projectID, app.Logger)
			n, err := g.SweepCentrality(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("centrality updated for %d memories\n", n)
			return nil
		},
	}
}

func formatPath(path []int64) string {
	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, " -> ")
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Validationf("malformed memory id %q", s)
	}
	return id, nil
}
