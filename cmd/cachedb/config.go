package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/bili-arch/cachedb/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maintenance",
	Short:   "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file,
CACHEDB_* environment variables and flags. The output can be saved as a
config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Fprintf(os.Stderr, "# loaded from %s\n", used)
		}
		return cfg.Encode(os.Stdout, format)
	},
}

func init() {
	configShowCmd.Flags().StringP("format", "f", "toml", "output format: "+strings.Join(config.Formats, ", "))
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
