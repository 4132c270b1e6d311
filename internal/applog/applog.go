// Package applog configures process-wide structured logging for the relay
// and its client commands.
package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zsprackett/reload-relay/internal/clock"
)

// DefaultPrefix names log files reload-relay-YYYY-MM-DD.log.
const DefaultPrefix = "reload-relay"

const defaultMaxDays = 7

// DailyRotator is an io.Writer over a date-stamped file that switches to a
// new file when the calendar day changes. Files past maxDays are removed.
type DailyRotator struct {
	mu      sync.Mutex
	dir     string
	prefix  string
	date    string
	file    *os.File
	maxDays int
	clk     clock.Clock
}

func NewDailyRotator(dir, prefix string, maxDays int, clk clock.Clock) *DailyRotator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &DailyRotator{
		dir:     dir,
		prefix:  prefix,
		maxDays: maxDays,
		clk:     clk,
	}
}

// FileName returns the path the rotator writes to on the given date.
func (r *DailyRotator) FileName(date string) string {
	return filepath.Join(r.dir, r.prefix+"-"+date+".log")
}

func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	today := r.clk.Now().Format("2006-01-02")
	if today != r.date || r.file == nil {
		if err := r.rotate(today); err != nil {
			return 0, err
		}
	}
	return r.file.Write(p)
}

func (r *DailyRotator) rotate(date string) error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	f, err := os.OpenFile(r.FileName(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.file = f
	r.date = date
	r.prune()
	return nil
}

func (r *DailyRotator) prune() {
	if r.maxDays <= 0 {
		return
	}
	matches, err := filepath.Glob(filepath.Join(r.dir, r.prefix+"-*.log"))
	if err != nil || len(matches) <= r.maxDays {
		return
	}
	sort.Strings(matches)
	for _, f := range matches[:len(matches)-r.maxDays] {
		os.Remove(f)
	}
}

func (r *DailyRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// InitConfig holds configuration for Init. With an empty Dir the log goes to
// Console only (stderr when Console is nil).
type InitConfig struct {
	Dir     string
	Level   string
	Prefix  string
	MaxDays int
	Console io.Writer
	Clock   clock.Clock
	// LevelVar, when set, is the handler's level so callers can change it
	// at runtime. Init stores the parsed Level into it.
	LevelVar *slog.LevelVar
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init installs a text slog handler as the default logger and points the
// stdlib log package at the same sink. The returned io.Closer must be closed
// by the caller.
func Init(cfg InitConfig) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	switch {
	case cfg.Dir != "":
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		maxDays := cfg.MaxDays
		if maxDays == 0 {
			maxDays = defaultMaxDays
		}
		rotator := NewDailyRotator(cfg.Dir, cfg.Prefix, maxDays, cfg.Clock)
		out, closer = rotator, rotator
		if cfg.Console != nil {
			out = io.MultiWriter(rotator, cfg.Console)
		}
	case cfg.Console != nil:
		out = cfg.Console
	default:
		out = os.Stderr
	}

	var level slog.Leveler = ParseLevel(cfg.Level)
	if cfg.LevelVar != nil {
		cfg.LevelVar.Set(ParseLevel(cfg.Level))
		level = cfg.LevelVar
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, closer, nil
}

// ParseLevel converts a level string to slog.Level. Defaults to LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
