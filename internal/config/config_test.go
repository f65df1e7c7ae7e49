package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	c, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	want := &Config{
		IDPattern:   `^BV\w+$`,
		PartPattern: `^\d+$`,
		WalkOnStart: true,
		Pool:        PoolConfig{MaxWorkers: 64, LockTimeout: 300 * time.Second},
		Lock:        LockConfig{InitialInterval: 50 * time.Millisecond, MaxInterval: 2 * time.Second},
		Queue:       QueueConfig{Capacity: 65536},
		Log:         LogConfig{Level: "info", Format: "auto", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, "cachedb.toml", `
root = "/srv/cache"
database = "/var/lib/cachedb/cache.db"

[pool]
max_workers = 8
lock_timeout = "90s"

[log]
level = "debug"
`)
	t.Setenv("CACHEDB_POOL_MAX_WORKERS", "16")
	t.Setenv("CACHEDB_QUEUE_CAPACITY", "128")

	c, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if c.Root != "/srv/cache" || c.Database != "/var/lib/cachedb/cache.db" {
		t.Errorf("Unexpected paths: root=%q database=%q", c.Root, c.Database)
	}
	if c.Pool.MaxWorkers != 16 {
		t.Errorf("Expected env to override max_workers to 16, got %d", c.Pool.MaxWorkers)
	}
	if c.Pool.LockTimeout != 90*time.Second {
		t.Errorf("Expected lock_timeout 90s, got %v", c.Pool.LockTimeout)
	}
	if c.Queue.Capacity != 128 {
		t.Errorf("Expected capacity 128, got %d", c.Queue.Capacity)
	}
	if c.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %q", c.Log.Level)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "cachedb.yaml", "root: /data\nlock:\n  max_interval: 500ms\n")

	c, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if c.Root != "/data" || c.Lock.MaxInterval != 500*time.Millisecond {
		t.Errorf("Unexpected config: %+v", c)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("Expected error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		v := viper.New()
		SetDefaults(v)
		c, err := Decode(v)
		if err != nil {
			t.Fatalf("Decode() failed: %v", err)
		}
		return *c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad id pattern", func(c *Config) { c.IDPattern = "(" }, "id_pattern"},
		{"bad part pattern", func(c *Config) { c.PartPattern = "[" }, "part_pattern"},
		{"no workers", func(c *Config) { c.Pool.MaxWorkers = 0 }, "max_workers"},
		{"no timeout", func(c *Config) { c.Pool.LockTimeout = 0 }, "lock_timeout"},
		{"inverted intervals", func(c *Config) { c.Lock.MaxInterval = time.Millisecond }, "intervals"},
		{"no capacity", func(c *Config) { c.Queue.Capacity = -1 }, "capacity"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRequirePaths(t *testing.T) {
	c := &Config{Database: "cache.db"}
	if err := c.RequirePaths(false); err != nil {
		t.Errorf("RequirePaths(false) failed: %v", err)
	}
	if err := c.RequirePaths(true); err == nil {
		t.Error("Expected error for missing root")
	}
	c = &Config{Root: "/srv"}
	if err := c.RequirePaths(false); err == nil {
		t.Error("Expected error for missing database")
	}
}

func TestEncode_TOMLLoadsBack(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("root", "/srv/cache")
	v.Set("pool.lock_timeout", "45s")
	c, err := Decode(v)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	var buf bytes.Buffer
	if err := c.Encode(&buf, "toml"); err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	var raw map[string]any
	if _, err := toml.Decode(buf.String(), &raw); err != nil {
		t.Fatalf("Encoded config is not valid TOML: %v\n%s", err, buf.String())
	}

	path := writeConfig(t, "cachedb.toml", buf.String())
	loaded, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() of encoded config failed: %v", err)
	}
	if diff := cmp.Diff(c, loaded); diff != "" {
		t.Errorf("reloaded config mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_Formats(t *testing.T) {
	c := &Config{Root: "/srv", Pool: PoolConfig{LockTimeout: time.Minute}}

	for _, format := range Formats {
		var buf bytes.Buffer
		if err := c.Encode(&buf, format); err != nil {
			t.Errorf("Encode(%s) failed: %v", format, err)
			continue
		}
		if !strings.Contains(buf.String(), "1m0s") {
			t.Errorf("Encode(%s) did not render durations as strings:\n%s", format, buf.String())
		}
	}

	if err := c.Encode(&bytes.Buffer{}, "ini"); err == nil {
		t.Error("Expected error for unknown format")
	}
}
