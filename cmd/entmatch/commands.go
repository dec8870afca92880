package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/thebtf/entmatch/internal/embedding"
	"github.com/thebtf/entmatch/pkg/models"
)

func newMatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match [mention...]",
		Short: "Assign mentions to clusters and print the result",
		Long: `Assign mentions to clusters against the configured store and print
{"clusters": {...}} as JSON. With --stdin, one mention is read per line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mentions := args
			if fromStdin, _ := cmd.Flags().GetBool("stdin"); fromStdin {
				lines, err := readLines(cmd.InOrStdin())
				if err != nil {
					return err
				}
				mentions = append(mentions, lines...)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.engine.Match(ctx, mentions)
				if err != nil {
					return err
				}
				return writeIndented(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().Bool("stdin", false, "Read mentions from stdin, one per line")
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cluster statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.engine.Stats(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeIndented(cmd.OutOrStdout(), stats)
				}
				renderStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

func newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Evict the smallest clusters until the count fits MAX_CLUSTERS",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if n, _ := cmd.Flags().GetInt("max-clusters"); n > 0 {
					if err := a.engine.SetMaxClusters(n); err != nil {
						return err
					}
				}
				evicted, err := a.engine.Prune(ctx)
				if err != nil {
					return err
				}
				for _, id := range evicted {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "evicted %s clusters\n", humanize.Comma(int64(len(evicted))))
				return nil
			})
		},
	}
	cmd.Flags().Int("max-clusters", 0, "Capacity for this pass (overrides MAX_CLUSTERS)")
	return cmd
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List embedding providers",
		Run: func(cmd *cobra.Command, args []string) {
			renderModels(cmd.OutOrStdout(), embedding.ListModels())
		},
	}
}

// readLines returns the non-blank lines of r.
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return lines, nil
}

func writeIndented(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func renderStats(w io.Writer, s models.ClusterStats) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetAutoWrapText(false)
	table.AppendBulk([][]string{
		{"Clusters", humanize.Comma(int64(s.Count))},
		{"Max clusters", humanize.Comma(int64(s.MaxClusters))},
		{"Similarity threshold", strconv.FormatFloat(s.Threshold, 'f', -1, 64)},
		{"Members", humanize.Comma(int64(s.Members))},
		{"Singletons", humanize.Comma(int64(s.Singletons))},
		{"Largest cluster", humanize.Comma(int64(s.LargestSize))},
		{"Mean size", humanize.FormatFloat("#,###.##", s.MeanSize)},
	})
	table.Render()
}

func renderModels(w io.Writer, list []embedding.ModelMetadata) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Provider", "Model", "Dimensions", "Default", "Description"})
	table.SetAutoWrapText(false)
	for _, m := range list {
		def := ""
		if m.Default {
			def = "yes"
		}
		table.Append([]string{m.Version, m.Name, strconv.Itoa(m.Dimensions), def, m.Description})
	}
	table.Render()
}
