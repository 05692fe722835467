package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for unit log files.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes file logging destinations for a unit or for the
// supervisor itself. If StdoutPath/StderrPath are empty and Dir is set,
// files will be Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Writers returns io.WriteClosers for stdout and stderr sinks of the named
// unit. Either writer may be nil when no destination is configured.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	return c.rotated(stdout), c.rotated(stderr)
}

func (c Config) rotated(path string) io.WriteCloser {
	if path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Setup installs the supervisor's own slog default logger. Level is one of
// debug/info/warn/error (default info). When file is non-empty the output
// goes to a rotated file instead of stderr, and colors are disabled.
func Setup(level string, file string) error {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if file != "" {
		_ = os.MkdirAll(filepath.Dir(file), 0o750)
		w := &lj.Logger{
			Filename:   file,
			MaxSize:    DefaultMaxSizeMB,
			MaxBackups: DefaultMaxBackups,
			MaxAge:     DefaultMaxAgeDays,
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
		return nil
	}
	slog.SetDefault(slog.New(NewColorTextHandler(os.Stderr, opts)))
	return nil
}
