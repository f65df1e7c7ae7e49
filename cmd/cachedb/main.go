// Command cachedb maintains a SQLite index of a bilibili archive cache.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bili-arch/cachedb/internal/config"
	"github.com/bili-arch/cachedb/internal/logging"
	"github.com/bili-arch/cachedb/internal/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configPath string

	v         = viper.New()
	cfg       *config.Config
	logger    = zerolog.Nop()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "cachedb",
	Short: "Metadata index for a bilibili archive cache",
	Long: `cachedb mirrors the info.json metadata of every archived item into a
SQLite database and keeps it current while downloaders write new items.

Each item lives in <root>/<bvid>/ and is locked exclusively by its writer
while the download is in progress. The daemon waits for that lock to be
released before indexing the item.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		cfg = c

		logger, logCloser, err = logging.New(logging.Options{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		if err != nil {
			return err
		}
		if used := v.ConfigFileUsed(); used != "" {
			logger.Debug().Str("file", used).Msg("loaded config")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Daemon:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance:"},
		&cobra.Group{ID: "query", Title: "Queries:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "config file (default cachedb.{toml,yaml,json} in the user config dir or .)")
	pf.StringP("root", "r", "", "cache root directory")
	pf.StringP("database", "d", "", "metadata database file")
	pf.Bool("allow-root-update", false, "accept a database recorded for a different root")
	pf.String("log-level", "", "log level: trace, debug, info, warn, error")
	pf.String("log-format", "", "log format: auto, console, json")

	bindFlag("root", pf.Lookup("root"))
	bindFlag("database", pf.Lookup("database"))
	bindFlag("allow_root_update", pf.Lookup("allow-root-update"))
	bindFlag("log.level", pf.Lookup("log-level"))
	bindFlag("log.format", pf.Lookup("log-format"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// storeOptions translates the loaded config for store.Open.
func storeOptions() (store.Options, error) {
	idPattern, partPattern, err := cfg.Patterns()
	if err != nil {
		return store.Options{}, err
	}
	return store.Options{
		AllowRootUpdate: cfg.AllowRootUpdate,
		IDPattern:       idPattern,
		PartPattern:     partPattern,
		BusyTimeout:     30 * time.Second,
		Logger:          logger,
	}, nil
}

// openStore opens the database for writing, creating it if needed.
func openStore(ctx context.Context) (*store.Store, error) {
	if err := cfg.RequirePaths(true); err != nil {
		return nil, err
	}
	opts, err := storeOptions()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Root, cfg.Database, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return st, nil
}

// openReader opens an existing database for queries. It works while the
// daemon is writing.
func openReader(ctx context.Context) (*store.Store, error) {
	if err := cfg.RequirePaths(false); err != nil {
		return nil, err
	}
	opts, err := storeOptions()
	if err != nil {
		return nil, err
	}
	st, err := store.OpenReadOnly(ctx, cfg.Database, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return st, nil
}
