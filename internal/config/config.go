// Package config loads cachedb settings from a config file, CACHEDB_*
// environment variables and command-line flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. CACHEDB_POOL_MAX_WORKERS.
const EnvPrefix = "CACHEDB"

// Config is the effective configuration.
type Config struct {
	Root            string `mapstructure:"root"`
	Database        string `mapstructure:"database"`
	AllowRootUpdate bool   `mapstructure:"allow_root_update"`
	IDPattern       string `mapstructure:"id_pattern"`
	PartPattern     string `mapstructure:"part_pattern"`
	WalkOnStart     bool   `mapstructure:"walk_on_start"`
	WatchConfig     bool   `mapstructure:"watch_config"`

	Pool  PoolConfig  `mapstructure:"pool"`
	Lock  LockConfig  `mapstructure:"lock"`
	Queue QueueConfig `mapstructure:"queue"`
	Log   LogConfig   `mapstructure:"log"`
	Feed  FeedConfig  `mapstructure:"feed"`
}

// PoolConfig sizes the lock-wait worker pool.
type PoolConfig struct {
	MaxWorkers  int           `mapstructure:"max_workers"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// LockConfig controls how often a held item lock is retried.
type LockConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// QueueConfig bounds the pending-sync queue.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// LogConfig selects log level, format and an optional rotated log file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// FeedConfig enables the WebSocket activity feed of the daemon.
type FeedConfig struct {
	// Listen is a host:port address; empty disables the feed.
	Listen string `mapstructure:"listen"`
}

// Formats accepted by Encode.
var Formats = []string{"toml", "yaml", "json"}

// SetDefaults registers every key with its default value. Keys without a
// default are invisible to environment overrides.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("root", "")
	v.SetDefault("database", "")
	v.SetDefault("allow_root_update", false)
	v.SetDefault("id_pattern", `^BV\w+$`)
	v.SetDefault("part_pattern", `^\d+$`)
	v.SetDefault("walk_on_start", true)
	v.SetDefault("watch_config", false)

	v.SetDefault("pool.max_workers", 64)
	v.SetDefault("pool.lock_timeout", 300*time.Second)

	v.SetDefault("lock.initial_interval", 50*time.Millisecond)
	v.SetDefault("lock.max_interval", 2*time.Second)

	v.SetDefault("queue.capacity", 65536)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("feed.listen", "")
}

// Load reads the configuration into v. An explicit path must exist;
// otherwise cachedb.{toml,yaml,json} is looked up in the user config
// directory and the working directory, and a missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cachedb")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "cachedb"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return Decode(v)
}

// Decode builds a validated Config from the current state of v.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Watch calls onChange whenever the loaded config file changes on disk.
func Watch(v *viper.Viper, onChange func(fsnotify.Event)) {
	v.OnConfigChange(onChange)
	v.WatchConfig()
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if _, _, err := c.Patterns(); err != nil {
		return err
	}
	if c.Pool.MaxWorkers <= 0 {
		return fmt.Errorf("pool.max_workers must be positive, got %d", c.Pool.MaxWorkers)
	}
	if c.Pool.LockTimeout <= 0 {
		return fmt.Errorf("pool.lock_timeout must be positive, got %v", c.Pool.LockTimeout)
	}
	if c.Lock.InitialInterval <= 0 || c.Lock.MaxInterval < c.Lock.InitialInterval {
		return fmt.Errorf("lock intervals must satisfy 0 < initial_interval <= max_interval, got %v and %v",
			c.Lock.InitialInterval, c.Lock.MaxInterval)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("log.format must be auto, console or json, got %q", c.Log.Format)
	}
	return nil
}

// Patterns compiles the item and part directory patterns.
func (c *Config) Patterns() (id, part *regexp.Regexp, err error) {
	id, err = regexp.Compile(c.IDPattern)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid id_pattern: %w", err)
	}
	part, err = regexp.Compile(c.PartPattern)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid part_pattern: %w", err)
	}
	return id, part, nil
}

// RequirePaths reports a missing root or database path. needRoot is false
// for commands that take the root from an existing database.
func (c *Config) RequirePaths(needRoot bool) error {
	if needRoot && c.Root == "" {
		return errors.New("cache root not configured (use --root or set root in the config file)")
	}
	if c.Database == "" {
		return errors.New("database not configured (use --database or set database in the config file)")
	}
	return nil
}

// document renders c as nested maps with durations as strings, the form
// Load accepts back.
func (c *Config) document() map[string]any {
	return map[string]any{
		"root":              c.Root,
		"database":          c.Database,
		"allow_root_update": c.AllowRootUpdate,
		"id_pattern":        c.IDPattern,
		"part_pattern":      c.PartPattern,
		"walk_on_start":     c.WalkOnStart,
		"watch_config":      c.WatchConfig,
		"pool": map[string]any{
			"max_workers":  c.Pool.MaxWorkers,
			"lock_timeout": c.Pool.LockTimeout.String(),
		},
		"lock": map[string]any{
			"initial_interval": c.Lock.InitialInterval.String(),
			"max_interval":     c.Lock.MaxInterval.String(),
		},
		"queue": map[string]any{
			"capacity": c.Queue.Capacity,
		},
		"log": map[string]any{
			"level":        c.Log.Level,
			"format":       c.Log.Format,
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
		"feed": map[string]any{
			"listen": c.Feed.Listen,
		},
	}
}

// Encode writes c to w as toml, yaml or json.
func (c *Config) Encode(w io.Writer, format string) error {
	doc := c.document()
	switch format {
	case "toml":
		return toml.NewEncoder(w).Encode(doc)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unknown format %q (want one of %s)", format, strings.Join(Formats, ", "))
	}
}
