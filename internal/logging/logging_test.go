package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zerolog.Level
		wantErr bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, false},
		{"WARN", zerolog.WarnLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"trace", zerolog.TraceLevel, false},
		{"loud", zerolog.NoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuild_JSONWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := build(Options{Level: "info"}, &buf, false)
	if err != nil {
		t.Fatalf("build() failed: %v", err)
	}
	defer closer.Close()

	log.Debug().Msg("hidden")
	log.Info().Str("bvid", "BV1a").Msg("synced item")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Line is not JSON: %v", err)
	}
	if entry["bvid"] != "BV1a" || entry["message"] != "synced item" {
		t.Errorf("Unexpected entry: %v", entry)
	}
}

func TestBuild_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := build(Options{Format: "console"}, &buf, false)
	if err != nil {
		t.Fatalf("build() failed: %v", err)
	}
	defer closer.Close()

	log.Info().Msg("hello")
	if out := buf.String(); strings.HasPrefix(out, "{") || !strings.Contains(out, "hello") {
		t.Errorf("Expected console output, got %q", out)
	}
}

func TestBuild_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cachedb.log")
	var buf bytes.Buffer
	log, closer, err := build(Options{Format: "json", File: path, MaxSizeMB: 1}, &buf, false)
	if err != nil {
		t.Fatalf("build() failed: %v", err)
	}

	log.Warn().Msg("to both")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "to both") || !strings.Contains(buf.String(), "to both") {
		t.Errorf("Expected line in file and stderr, file=%q stderr=%q", data, buf.String())
	}
}

func TestBuild_Errors(t *testing.T) {
	if _, _, err := build(Options{Level: "loud"}, &bytes.Buffer{}, false); err == nil {
		t.Error("Expected error for bad level")
	}
	if _, _, err := build(Options{Format: "xml"}, &bytes.Buffer{}, false); err == nil {
		t.Error("Expected error for bad format")
	}
}
