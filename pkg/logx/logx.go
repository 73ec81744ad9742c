// Package logx provides component loggers for the runtime. The call
// shape is printf-style per component; zap does the encoding and level
// gating underneath.
package logx

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	rootOnce sync.Once
	rootLog  *zap.SugaredLogger
	level    zap.AtomicLevel
)

func initRoot() {
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	rootLog = zap.New(core).Sugar()
}

// Logger is a component-scoped logger. The component name appears on
// every line.
type Logger struct {
	s         *zap.SugaredLogger
	component string
}

// NewLogger creates a logger for a component ("bus", "supervisor",
// "agent:"+id, ...).
func NewLogger(component string) *Logger {
	rootOnce.Do(initRoot)
	return &Logger{s: rootLog.Named(component), component: component}
}

// SetLevel switches the global log level at runtime. Accepted:
// debug, info, warn, error.
func SetLevel(s string) error {
	rootOnce.Do(initRoot)
	var l zapcore.Level
	switch strings.ToLower(s) {
	case "debug":
		l = zapcore.DebugLevel
	case "info":
		l = zapcore.InfoLevel
	case "warn", "warning":
		l = zapcore.WarnLevel
	case "error":
		l = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level: %s", s)
	}
	level.SetLevel(l)
	return nil
}

// Component returns the component name this logger was created with.
func (l *Logger) Component() string {
	return l.component
}

// Debug logs a debug-level message.
func (l *Logger) Debug(format string, args ...any) {
	l.s.Debugf(format, args...)
}

// Info logs an info-level message.
func (l *Logger) Info(format string, args ...any) {
	l.s.Infof(format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...any) {
	l.s.Warnf(format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...any) {
	l.s.Errorf(format, args...)
}

// Errorf logs an error and returns it, for call sites that both report
// and propagate.
func (l *Logger) Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	l.s.Error(err.Error())
	return err
}

// Wrap annotates err with a message, logging nothing.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	if rootLog != nil {
		_ = rootLog.Sync()
	}
}
