// Package logging configures the process-wide slog logger. Records at
// ERROR and above go to stderr, everything else to stdout, and all
// records are mirrored to an optional append-only log file. Each
// record carries a timestamp, a level, and the source site.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LevelFatal sits above slog.LevelError. Fatal logs at this level and
// terminates the process.
const LevelFatal = slog.LevelError + 4

// Options controls logger construction.
type Options struct {
	Level    slog.Level // minimum level, default INFO
	FilePath string     // optional append-only mirror file
	NoSource bool       // drop the source attribute (used in tests)
}

// ParseLevel maps a config string to a slog level. Unknown strings
// fall back to INFO.
func ParseLevel(s string) slog.Level {
	switch s {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "WARNING", "warning", "WARN", "warn":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	case "FATAL", "fatal":
		return LevelFatal
	default:
		return slog.LevelInfo
	}
}

// Setup builds the logger per opts and installs it as slog's default.
// The returned closer flushes and closes the mirror file, if any.
func Setup(opts Options) (io.Closer, error) {
	var file *os.File
	if opts.FilePath != "" {
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		file = f
	}

	slog.SetDefault(slog.New(newSplitHandler(os.Stdout, os.Stderr, file, opts)))
	if file != nil {
		return file, nil
	}
	return io.NopCloser(nil), nil
}

// Fatal logs at FATAL on the default logger and exits nonzero.
func Fatal(msg string, args ...any) {
	slog.Default().Log(context.Background(), LevelFatal, msg, args...)
	os.Exit(1)
}

// replaceLevelNames renders WARN as WARNING and ERROR+4 as FATAL.
func replaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	lvl, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch {
	case lvl >= LevelFatal:
		a.Value = slog.StringValue("FATAL")
	case lvl >= slog.LevelWarn && lvl < slog.LevelError:
		a.Value = slog.StringValue("WARNING")
	}
	return a
}

// splitHandler routes records by level and mirrors them to a file.
// A single mutex serializes Handle so interleaved writes from worker
// goroutines cannot shear a record.
type splitHandler struct {
	mu   *sync.Mutex
	out  slog.Handler
	err  slog.Handler
	file slog.Handler // nil when no file is configured
	min  slog.Level
}

func newSplitHandler(stdout, stderr io.Writer, file io.Writer, opts Options) *splitHandler {
	hopts := &slog.HandlerOptions{
		Level:       opts.Level,
		AddSource:   !opts.NoSource,
		ReplaceAttr: replaceLevelNames,
	}
	h := &splitHandler{
		mu:  &sync.Mutex{},
		out: slog.NewTextHandler(stdout, hopts),
		err: slog.NewTextHandler(stderr, hopts),
		min: opts.Level,
	}
	if file != nil {
		h.file = slog.NewTextHandler(file, hopts)
	}
	return h
}

func (h *splitHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	return lvl >= h.min
}

func (h *splitHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if r.Level >= slog.LevelError {
		err = h.err.Handle(ctx, r)
	} else {
		err = h.out.Handle(ctx, r)
	}
	if h.file != nil {
		if ferr := h.file.Handle(ctx, r.Clone()); err == nil {
			err = ferr
		}
	}
	return err
}

func (h *splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.out = h.out.WithAttrs(attrs)
	nh.err = h.err.WithAttrs(attrs)
	if h.file != nil {
		nh.file = h.file.WithAttrs(attrs)
	}
	return &nh
}

func (h *splitHandler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.out = h.out.WithGroup(name)
	nh.err = h.err.WithGroup(name)
	if h.file != nil {
		nh.file = h.file.WithGroup(name)
	}
	return &nh
}
