package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
)

// New returns the console logger: tint output on stdout with UTC RFC3339 millisecond
// timestamps, at debug level when verbose.
func New(verbose bool) *slog.Logger {
	return slog.New(newConsoleHandler(os.Stdout, verbose))
}

func newConsoleHandler(w io.Writer, verbose bool) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level: level(verbose),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	})
}

// Stage is a logger for one pipeline stage that writes to the console and appends
// to {logDir}/{stage}.log. Close releases the log file.
type Stage struct {
	*slog.Logger
	file *os.File
}

// NewStage opens (or creates) the append-only log file for stage under logDir and
// returns a logger writing every record to both the console and that file.
func NewStage(stage, logDir string, verbose bool) (*Stage, error) {
	return newStage(os.Stdout, stage, logDir, verbose)
}

func newStage(console io.Writer, stage, logDir string, verbose bool) (*Stage, error) {
	if stage == "" {
		return nil, errors.New("stage name is required")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(logDir, stage+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open stage log %s: %w", path, err)
	}

	fileHandler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: level(verbose)})
	h := fanout{newConsoleHandler(console, verbose), fileHandler}
	return &Stage{
		Logger: slog.New(h).With("stage", stage),
		file:   f,
	}, nil
}

func (s *Stage) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func level(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}

// fanout sends each record to every handler enabled for its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
