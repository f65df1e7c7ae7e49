//go:build linux

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bili-arch/cachedb/internal/loadtest"
	"github.com/bili-arch/cachedb/internal/ui"
	"github.com/spf13/cobra"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maintenance",
	Short:   "Measure query latency against a synthetic cache",
	Long: `Build a synthetic cache in a temporary directory, index it, then run
concurrent queries through a read-only handle while a second walk rewrites
every item. This mirrors CLI queries issued against a busy daemon.

Example:
  cachedb bench --items 5000 --readers 16 --queries 100`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		items, _ := cmd.Flags().GetInt("items")
		readers, _ := cmd.Flags().GetInt("readers")
		queries, _ := cmd.Flags().GetInt("queries")
		rewalk, _ := cmd.Flags().GetBool("rewalk")

		tmp, err := os.MkdirTemp("", "cachedb-bench-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)

		root := filepath.Join(tmp, "root")
		if err := os.Mkdir(root, 0o755); err != nil {
			return err
		}

		fmt.Printf("%s Generating %d items in %s...\n", ui.RenderAccent("🔄"), items, root)
		corpus, err := loadtest.Populate(root, items, 42)
		if err != nil {
			return err
		}

		report, err := loadtest.Run(cmd.Context(), corpus, filepath.Join(tmp, "cache.db"), loadtest.Options{
			Readers:          readers,
			QueriesPerReader: queries,
			Rewalk:           rewalk,
			Logger:           logger,
		})
		if err != nil {
			return err
		}

		fmt.Printf("%s Initial walk: %d items in %v\n", ui.RenderPass("✓"), report.InitialWalk.Scanned, report.InitialTook)
		if rewalk {
			fmt.Printf("%s Concurrent walk: %d rewritten in %v\n", ui.RenderPass("✓"), report.Rewalk.Changed, report.RewalkTook)
		}
		report.Queries.Print(os.Stdout)
		return nil
	},
}

func init() {
	f := benchCmd.Flags()
	f.Int("items", 1000, "number of synthetic items")
	f.Int("readers", 8, "concurrent query loops")
	f.Int("queries", 50, "queries per loop")
	f.Bool("rewalk", true, "rewrite every item while the readers run")

	rootCmd.AddCommand(benchCmd)
}
