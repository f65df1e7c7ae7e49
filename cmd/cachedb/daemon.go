//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bili-arch/cachedb/internal/config"
	"github.com/bili-arch/cachedb/internal/daemon"
	"github.com/bili-arch/cachedb/internal/feed"
	"github.com/bili-arch/cachedb/internal/flock"
	"github.com/bili-arch/cachedb/internal/ui"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "daemon",
	Short:   "Watch the cache root and keep the database in sync",
	Long: `Run the cache daemon in the foreground.

The daemon:
  1. Walks the whole root once at startup (unless --walk=false)
  2. Watches the root for item directories being opened or created
  3. Waits, up to --timeout, for each item's writer to release its lock
  4. Indexes the item once the lock is free

Signals:
  SIGUSR1          schedule a full walk
  SIGINT, SIGTERM  shut down`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequirePaths(true); err != nil {
			return err
		}
		idPattern, partPattern, err := cfg.Patterns()
		if err != nil {
			return err
		}

		dc := daemon.DefaultConfig()
		dc.AllowRootUpdate = cfg.AllowRootUpdate
		dc.IDPattern = idPattern
		dc.PartPattern = partPattern
		dc.MaxWorkers = cfg.Pool.MaxWorkers
		dc.LockTimeout = cfg.Pool.LockTimeout
		dc.LockWait = flock.Waiter{InitialInterval: cfg.Lock.InitialInterval, MaxInterval: cfg.Lock.MaxInterval}
		dc.QueueCapacity = cfg.Queue.Capacity
		dc.WalkOnStart = cfg.WalkOnStart
		dc.Logger = logger

		var activity *feed.Server
		if cfg.Feed.Listen != "" {
			activity = feed.NewServer(feed.Config{Addr: cfg.Feed.Listen, Logger: logger})
			if err := activity.Start(); err != nil {
				return err
			}
			defer activity.Stop()
			dc.Observer = activity
			fmt.Fprintf(os.Stderr, "%s Activity feed on ws://%s/ws\n", ui.RenderAccent("▶"), activity.Addr())
		}

		d, err := daemon.New(cfg.Root, cfg.Database, dc)
		if err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		walkSig := make(chan os.Signal, 1)
		signal.Notify(walkSig, syscall.SIGUSR1)
		defer signal.Stop(walkSig)

		statusEvery, _ := cmd.Flags().GetDuration("status-interval")
		go superviseDaemon(ctx, d, activity, walkSig, statusEvery)

		if cfg.WatchConfig && v.ConfigFileUsed() != "" {
			config.Watch(v, func(e fsnotify.Event) {
				logger.Info().Str("file", e.Name).Stringer("op", e.Op).Msg("config changed, scheduling walk")
				d.RequestFullWalk()
			})
		}

		fmt.Fprintf(os.Stderr, "%s Watching %s\n", ui.RenderAccent("▶"), cfg.Root)
		if err := d.Start(ctx); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s Daemon stopped\n", ui.RenderPass("✓"))
		return nil
	},
}

// superviseDaemon turns SIGUSR1 into walk requests and periodically
// reports the daemon's counters to the log and the activity feed.
func superviseDaemon(ctx context.Context, d *daemon.Daemon, activity *feed.Server, walkSig <-chan os.Signal, statusEvery time.Duration) {
	var tick <-chan time.Time
	if statusEvery > 0 {
		ticker := time.NewTicker(statusEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-walkSig:
			d.RequestFullWalk()
		case <-tick:
			s := d.Stats()
			logger.Info().
				Int("tracked", s.Monitor.Tracked).
				Int("waiting", s.Monitor.Waiting).
				Int("workers", s.Pool.Workers).
				Int("idle", s.Pool.Idle).
				Int("pending", s.Pending).
				Int64("synced", s.Synced).
				Int64("walks", s.Walks).
				Msg("status")
			if activity != nil {
				activity.PublishStats(feed.StatsData{
					Tracked: s.Monitor.Tracked,
					Waiting: s.Monitor.Waiting,
					Workers: s.Pool.Workers,
					Idle:    s.Pool.Idle,
					Pending: s.Pending,
					Synced:  s.Synced,
					Walks:   s.Walks,
				})
			}
		}
	}
}

func init() {
	f := daemonCmd.Flags()
	f.Duration("timeout", 300*time.Second, "how long to wait for a writer before giving up on an item")
	f.Int("workers", 64, "maximum concurrent lock waits")
	f.Bool("walk", true, "walk the whole root at startup")
	f.Bool("watch-config", false, "schedule a walk whenever the config file changes")
	f.Duration("status-interval", 10*time.Minute, "interval between status reports (0 disables)")
	f.String("feed", "", "serve a WebSocket activity feed on this address, e.g. 127.0.0.1:8765")

	bindFlag("pool.lock_timeout", f.Lookup("timeout"))
	bindFlag("pool.max_workers", f.Lookup("workers"))
	bindFlag("walk_on_start", f.Lookup("walk"))
	bindFlag("watch_config", f.Lookup("watch-config"))
	bindFlag("feed.listen", f.Lookup("feed"))

	rootCmd.AddCommand(daemonCmd)
}
