// Package logging provides the leveled console logger and the
// per-invocation log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Levels, most verbose first. Verbose sits between debug and info.
const (
	DebugLevel   = zapcore.Level(-2)
	VerboseLevel = zapcore.DebugLevel
	InfoLevel    = zapcore.InfoLevel
	WarnLevel    = zapcore.WarnLevel
	ErrorLevel   = zapcore.ErrorLevel
)

const (
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
	ansiDim    = "\x1b[2m"
	ansiReset  = "\x1b[0m"
)

// Config defines logger configuration.
type Config struct {
	Level  zapcore.Level
	Color  bool
	Output io.Writer
}

// DefaultConfig returns a logger configuration writing info and above to stdout.
func DefaultConfig() Config {
	return Config{
		Level:  InfoLevel,
		Color:  true,
		Output: os.Stdout,
	}
}

// Logger writes plain messages to the console and timestamped records to
// an optional log file.
type Logger struct {
	level   zap.AtomicLevel
	color   bool
	out     io.Writer
	console *zap.Logger

	file     *zap.Logger
	fileOut  *os.File
	filePath string
	keepFile bool
}

// New creates a logger with the provided configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	level := zap.NewAtomicLevelAt(cfg.Level)
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleEncoderConfig()),
		zapcore.AddSync(cfg.Output),
		level,
	)
	return &Logger{
		level:   level,
		color:   cfg.Color,
		out:     cfg.Output,
		console: zap.New(core),
		file:    zap.NewNop(),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(Config{Level: ErrorLevel + 1, Output: io.Discard})
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey: "M",
		LineEnding: zapcore.DefaultLineEnding,
	}
}

func fileEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		MessageKey:     "M",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    encodeLevel,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case DebugLevel:
		enc.AppendString("DEBUG")
	case VerboseLevel:
		enc.AppendString("VERBOSE")
	default:
		enc.AppendString(l.CapitalString())
	}
}

// ParseLevel converts a level name to a level.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DebugLevel, nil
	case "verbose":
		return VerboseLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", name)
}

// LevelName returns the name ParseLevel accepts for l.
func LevelName(l zapcore.Level) string {
	switch {
	case l <= DebugLevel:
		return "debug"
	case l == VerboseLevel:
		return "verbose"
	case l == InfoLevel:
		return "info"
	case l == WarnLevel:
		return "warn"
	}
	return "error"
}

// Level returns the console level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// SetLevel changes the console level.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.level.SetLevel(level)
}

// Enabled reports whether messages at level reach the console.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.level.Enabled(level)
}

// Output returns the console writer.
func (l *Logger) Output() io.Writer {
	return l.out
}

// OpenFile starts writing every message at verbose level and above to a new
// file under dir. The file is removed by Close on success.
func (l *Logger) OpenFile(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	name := fmt.Sprintf("python_%s_%s.log", time.Now().Format("20060102T150405"), uuid.NewString()[:8])
	return l.openFile(filepath.Join(dir, name), false)
}

// SetFile writes the log to path and keeps it regardless of outcome.
func (l *Logger) SetFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
	}
	return l.openFile(path, true)
}

func (l *Logger) openFile(path string, keep bool) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(fileEncoderConfig()),
		zapcore.AddSync(f),
		zap.NewAtomicLevelAt(DebugLevel),
	)
	l.file = zap.New(core)
	l.fileOut = f
	l.filePath = path
	l.keepFile = keep
	return nil
}

// FilePath returns the current log file, if any.
func (l *Logger) FilePath() string {
	return l.filePath
}

// Close flushes the log file. On success a log file that was not requested
// explicitly is deleted; otherwise it is retained and its path returned.
func (l *Logger) Close(success bool) (retained string, err error) {
	_ = l.console.Sync()
	if l.fileOut == nil {
		return "", nil
	}
	_ = l.file.Sync()
	err = l.fileOut.Close()
	path := l.filePath
	l.file = zap.NewNop()
	l.fileOut = nil
	l.filePath = ""
	if success && !l.keepFile {
		if rerr := os.Remove(path); rerr != nil && err == nil {
			err = rerr
		}
		return "", err
	}
	return path, err
}

func (l *Logger) log(level zapcore.Level, colour, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if ce := l.file.Check(level, msg); ce != nil {
		ce.Write()
	}
	if colour != "" && l.color {
		msg = colour + msg + ansiReset
	}
	if ce := l.console.Check(level, msg); ce != nil {
		ce.Write()
	}
}

// Debug logs diagnostic detail shown with -vv.
func (l *Logger) Debug(format string, args ...any) {
	l.log(DebugLevel, ansiDim, format, args...)
}

// Verbose logs progress detail shown with -v.
func (l *Logger) Verbose(format string, args ...any) {
	l.log(VerboseLevel, "", format, args...)
}

// Info logs a normal message.
func (l *Logger) Info(format string, args ...any) {
	l.log(InfoLevel, "", format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...any) {
	l.log(WarnLevel, ansiYellow, format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...any) {
	l.log(ErrorLevel, ansiRed, format, args...)
}

// Colorize wraps s in an ANSI sequence when colour output is enabled.
func (l *Logger) Colorize(s, ansi string) string {
	if !l.color || ansi == "" {
		return s
	}
	return ansi + s + ansiReset
}
