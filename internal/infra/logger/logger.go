// Package logger is a centralized wrapper around zap for the whole
// application. It lets the level, encoding, and target streams be changed at
// runtime: zap.AtomicLevel gives dynamic level changes, a mutex guards the
// writer swap, and an optional lumberjack sink gives rotating file output.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// mu guards all global logger state against concurrent mutation.
	mu sync.Mutex
	// log holds the current zap.Logger used across the application.
	log *zap.Logger
	// logLevel is mutated in place so the level can change without rebuilding the core.
	logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	// encoderCfg holds message formatting, refreshed on Init.
	encoderCfg = defaultEncoderConfig()
	// stdoutWriter is the default destination for normal log output.
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	// stderrWriter is the destination for zap's own internal error output.
	stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	// fileWriter is the optional rotating file sink; nil when LOG_FILE is unset.
	fileWriter zapcore.WriteSyncer
)

// FileOptions configures the optional lumberjack-backed rotating file sink.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// defaultEncoderConfig builds a console encoder with colors and a short
// caller. The time format is fixed (YYYY-MM-DD HH:MM:SS); switch to a JSON
// encoder if machine parsing is ever needed.
func defaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// rebuildLoggerLocked recreates the global logger from the current writers
// and level. Callers must already hold mu. AddCallerSkip(1) hides this
// package's own wrapper frames from the caller-location field. The previous
// logger is synced first so buffered entries are not lost.
func rebuildLoggerLocked() {
	encoder := zapcore.NewConsoleEncoder(encoderCfg)
	out := stdoutWriter
	if fileWriter != nil {
		out = zapcore.NewMultiWriteSyncer(stdoutWriter, fileWriter)
	}
	core := zapcore.NewCore(encoder, out, logLevel)
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(stderrWriter))
}

// Init sets up the global zap logger at the given level. Accepted levels:
// debug, info (default), warn, error; matched case-insensitively.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(level) {
	case "debug":
		logLevel.SetLevel(zap.DebugLevel)
	case "warn":
		logLevel.SetLevel(zap.WarnLevel)
	case "error":
		logLevel.SetLevel(zap.ErrorLevel)
	default:
		logLevel.SetLevel(zap.InfoLevel)
	}

	encoderCfg = defaultEncoderConfig()
	rebuildLoggerLocked()
}

// SetFileSink attaches a rotating file sink on top of stdout. Passing a zero
// FileOptions.Path detaches it. Safe to call at any point after Init.
func SetFileSink(opts FileOptions) {
	mu.Lock()
	defer mu.Unlock()

	if opts.Path == "" {
		fileWriter = nil
		rebuildLoggerLocked()
		return
	}

	lj := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	fileWriter = zapcore.AddSync(lj)
	rebuildLoggerLocked()
}

// SetWriters redirects the stdout/stderr streams and rebuilds the core. Safe
// to call at runtime. Nil means "use the OS default".
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if stdout == nil {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	} else {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(stdout))
	}
	if stderr == nil {
		stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		stderrWriter = zapcore.Lock(zapcore.AddSync(stderr))
	}

	rebuildLoggerLocked()
}

// Logger returns the current zap.Logger, lazily initializing it on first use.
// This is the raw API (not Sugared); prefer passing structured zap.Field.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if log == nil {
		rebuildLoggerLocked()
	}
	return log
}

// IsDebugEnabled reports whether debug-level logging is currently enabled.
func IsDebugEnabled() bool {
	return Logger().Level() <= zap.DebugLevel
}

// Debug logs a structured message at Debug level.
func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }

// Info logs a structured message at Info level.
func Info(msg string, fields ...zap.Field) { Logger().Info(msg, fields...) }

// Warn logs a structured message at Warn level.
func Warn(msg string, fields ...zap.Field) { Logger().Warn(msg, fields...) }

// Error logs a structured message at Error level.
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Fatal logs a structured message at Fatal level and terminates the process.
func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
	_ = Logger().Sync() // flush buffers before os.Exit
	os.Exit(1)
}

// Debugf formats a message via fmt.Sprintf. Use sparingly on hot paths;
// structured fields avoid the allocation.
func Debugf(msg string, a ...any) { Logger().Debug(fmt.Sprintf(msg, a...)) }

// Infof formats a message via fmt.Sprintf.
func Infof(msg string, a ...any) { Logger().Info(fmt.Sprintf(msg, a...)) }

// Warnf formats a message via fmt.Sprintf.
func Warnf(msg string, a ...any) { Logger().Warn(fmt.Sprintf(msg, a...)) }

// Errorf formats a message via fmt.Sprintf.
func Errorf(msg string, a ...any) { Logger().Error(fmt.Sprintf(msg, a...)) }
