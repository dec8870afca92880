// Package main provides the entmatch CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	commit  = "none"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "entmatch",
		Short: "Online entity clustering by embedding similarity",
		Long: `entmatch resolves entity mentions into clusters. Each mention joins the
most similar existing cluster when the cosine similarity of its embedding
reaches the threshold, and founds a new cluster otherwise. The cluster
count is capped; the smallest clusters are evicted first.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Settings file (default $ENTMATCH_CONFIG or ./entmatch.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "entmatch %s (%s)\n", Version, commit)
		},
	})

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMatchCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newPruneCmd())
	rootCmd.AddCommand(newModelsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
