// Package logging builds zap loggers for scrapeline commands.
//
// A logger is assembled from one or more plugins (zapcore.Core values). The
// stdout/stderr plugins write JSON lines; the file plugin writes through a
// lumberjack rotator and hands back an io.Closer that must be closed before
// the process exits so buffered lines reach disk.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Plugin is a single log sink.
type Plugin = zapcore.Core

// New returns a logger that tees all plugins. With no plugins it returns a
// no-op logger.
func New(plugins []Plugin, options ...zap.Option) *zap.Logger {
	if len(plugins) == 0 {
		return zap.NewNop()
	}
	return zap.New(zapcore.NewTee(plugins...), append(DefaultOptions(), options...)...)
}

// NewPlugin creates a JSON core writing to w.
func NewPlugin(w zapcore.WriteSyncer, enabler zapcore.LevelEnabler) Plugin {
	return zapcore.NewCore(DefaultEncoder(), w, enabler)
}

// NewWriterPlugin wraps an arbitrary writer (stderr in commands, a buffer in tests).
func NewWriterPlugin(w io.Writer, enabler zapcore.LevelEnabler) Plugin {
	return NewPlugin(zapcore.Lock(zapcore.AddSync(w)), enabler)
}

func NewStdoutPlugin(enabler zapcore.LevelEnabler) Plugin {
	return NewWriterPlugin(os.Stdout, enabler)
}

func NewStderrPlugin(enabler zapcore.LevelEnabler) Plugin {
	return NewWriterPlugin(os.Stderr, enabler)
}

// NewFilePlugin writes to a rotated file. lumberjack does not expose Sync, so
// the returned closer is the only way to flush it.
func NewFilePlugin(path string, enabler zapcore.LevelEnabler) (Plugin, io.Closer) {
	w := DefaultLumberjackLogger()
	w.Filename = path
	return NewPlugin(zapcore.AddSync(w), enabler), w
}

// DefaultEncoderConfig is the production config with capital levels and
// ISO8601 timestamps.
func DefaultEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func DefaultEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(DefaultEncoderConfig())
}

// DefaultOptions adds caller info and records stack traces at DPanic and above.
func DefaultOptions() []zap.Option {
	var stackLevel zap.LevelEnablerFunc = func(l zapcore.Level) bool {
		return l >= zapcore.DPanicLevel
	}
	return []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(stackLevel),
	}
}

// DefaultLumberjackLogger rotates at 200MB and compresses old files.
func DefaultLumberjackLogger() *lumberjack.Logger {
	return &lumberjack.Logger{
		MaxSize:   200,
		LocalTime: true,
		Compress:  true,
	}
}

// ParseLevel maps a textual level ("debug", "INFO", "warn") to a zap level.
// An empty string means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// Options configures Setup.
type Options struct {
	Level  string
	File   string
	Stderr io.Writer
}

// Setup builds the standard command logger: stderr always, plus a rotated
// file when opts.File is set. The closer is never nil.
func Setup(opts Options) (*zap.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	plugins := []Plugin{NewWriterPlugin(stderr, level)}
	var closer io.Closer = nopCloser{}
	if strings.TrimSpace(opts.File) != "" {
		p, c := NewFilePlugin(opts.File, level)
		plugins = append(plugins, p)
		closer = c
	}
	return New(plugins), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
