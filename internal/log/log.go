package log

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	mu          sync.RWMutex
	sugar       *zap.SugaredLogger
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Logger is a child logger carrying fixed key/value pairs (run id, platform, ...).
type Logger struct {
	s *zap.SugaredLogger
}

// Init replaces the global logger.
// level: debug, info, warn, error
// format: json or console
func Init(level, format string) error {
	if err := atomicLevel.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.DisableStacktrace = true
	}
	cfg.Level = atomicLevel

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	mu.Lock()
	sugar = l.Sugar()
	mu.Unlock()
	return nil
}

// SetLevel changes the minimum level at runtime.
func SetLevel(l Level) {
	_ = atomicLevel.UnmarshalText([]byte(strings.ToLower(string(l))))
}

// Sync flushes buffered entries.
func Sync() {
	_ = current().Sync()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	s := sugar
	mu.RUnlock()
	if s != nil {
		return s
	}

	mu.Lock()
	defer mu.Unlock()
	if sugar == nil {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = atomicLevel
		cfg.DisableStacktrace = true
		l, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			l = zap.NewNop()
		}
		sugar = l.Sugar()
	}
	return sugar
}

func Debug(msg string, kv ...any) {
	current().Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	current().Infow(msg, kv...)
}

func Warn(msg string, kv ...any) {
	current().Warnw(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	current().Errorw(msg, append([]any{"err", err}, kv...)...)
}

// With returns a child logger that prefixes every entry with kv.
func With(kv ...any) *Logger {
	return &Logger{s: current().With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) {
	l.s.Debugw(msg, kv...)
}

func (l *Logger) Info(msg string, kv ...any) {
	l.s.Infow(msg, kv...)
}

func (l *Logger) Warn(msg string, kv ...any) {
	l.s.Warnw(msg, kv...)
}

func (l *Logger) Error(msg string, err error, kv ...any) {
	l.s.Errorw(msg, append([]any{"err", err}, kv...)...)
}

// With extends the child logger.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{s: l.s.With(kv...)}
}

// CurrentLevel reports the active minimum level.
func CurrentLevel() Level {
	return Level(strings.ToUpper(atomicLevel.Level().String()))
}
