// Package logging provides the process-wide structured log sink.
//
// Call sites follow the same shape throughout this repository:
//
//	var log = logging.Module("bucket")
//
//	func (b *Bucket) enqueue(ctx context.Context, p string) {
//		log(ctx).Debugf("enqueue %v", p)
//	}
package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the log floor, settable once at startup from --verbosity.
type Level int

// Levels, ordered critical >= error >= warning >= information, per spec §6.
const (
	LevelInformation Level = iota
	LevelWarning
	LevelError
	LevelCritical
)

// ParseLevel parses one of "critical", "error", "warn"/"warning" or "info"/"information".
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "critical":
		return LevelCritical, true
	case "error":
		return LevelError, true
	case "warn", "warning":
		return LevelWarning, true
	case "info", "information", "":
		return LevelInformation, true
	default:
		return 0, false
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelCritical:
		return zapcore.DPanicLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

var (
	mu       sync.Mutex
	atomicLv = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base     = zap.New(zapcore.NewCore(newLineEncoder(), zapcore.Lock(os.Stdout), atomicLv)).Sugar()
)

// SetLevel sets the process-wide log floor. Safe to call concurrently.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()

	atomicLv.SetLevel(l.zapLevel())
}

// Logger is the narrow interface every call site uses.
type Logger struct {
	s *zap.SugaredLogger
}

// Debugf logs at information level; the teacher's modules use Debugf for
// their chattiest output, which this system floors at "information" since
// spec §6 defines no separate debug level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.s.Infof(format, args...)
}

// Infof logs at information level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.s.Infof(format, args...)
}

// Warnf logs at warning level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.s.Warnf(format, args...)
}

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.s.Errorf(format, args...)
}

// Criticalf logs at critical level (zapcore.DPanicLevel, the level
// zapLevel maps LevelCritical to and the only level the encoder's
// levelNames table renders as "CRITICAL"). base is built via zap.New, not
// zap.NewDevelopment, so DPanic never actually panics here; this process
// never crashes on a log call.
func (l *Logger) Criticalf(format string, args ...interface{}) {
	l.s.DPanicf(format, args...)
}

// Module returns a logger factory bound to a module name, in the style the
// teacher uses throughout (logging.Module("uploader")). The context
// parameter is accepted by every call site today for symmetry with the
// teacher's idiom; it carries no fields yet.
func Module(name string) func(ctx context.Context) *Logger {
	return func(ctx context.Context) *Logger {
		_ = ctx

		mu.Lock()
		s := base
		mu.Unlock()

		return &Logger{s: s.Named(name)}
	}
}
