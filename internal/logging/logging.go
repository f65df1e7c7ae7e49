// Package logging builds the zerolog logger shared by every cachedb component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where and how log lines are written.
type Options struct {
	// Level is one of trace, debug, info, warn, error.
	Level string
	// Format is auto, console or json. auto picks console on a terminal.
	Format string
	// File, when set, receives JSON lines rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger writing to stderr and, optionally, to a rotated
// file. The returned closer releases the file and must be closed on exit.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	return build(opts, os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
}

func build(opts Options, stderr io.Writer, isTTY bool) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	var out io.Writer = stderr
	switch opts.Format {
	case "console":
		out = consoleWriter(stderr, !isTTY)
	case "", "auto":
		if isTTY {
			out = consoleWriter(stderr, false)
		}
	case "json":
	default:
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

func consoleWriter(w io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	}
}

// ParseLevel accepts the usual level names; an empty string means info.
func ParseLevel(s string) (zerolog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
