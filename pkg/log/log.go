// Package log provides a small process-wide logger, deliberately simpler
// than a structured logging framework: a swappable writer plus a level
// that MCP's logging/setLevel method can adjust at runtime.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Level orders log severities from most to least verbose.
type Level int32

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return Debug, true
	case "info":
		return Info, true
	case "warn", "warning":
		return Warn, true
	case "error":
		return Error, true
	default:
		return Info, false
	}
}

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

var (
	logWriter io.Writer = os.Stderr
	level     atomic.Int32
)

// SetLogWriter sets the log output destination.
func SetLogWriter(w io.Writer) {
	if w != nil {
		logWriter = w
	}
}

// SetLevel adjusts the minimum level that gets written. Backs
// the MCP logging/setLevel method.
func SetLevel(l Level) {
	level.Store(int32(l))
}

// CurrentLevel returns the level set by SetLevel.
func CurrentLevel() Level {
	return Level(level.Load())
}

// Log prints a message to the log output at Info level.
func Log(a ...any) {
	write(Info, fmt.Sprintln(a...))
}

// Logf prints a formatted message to the log output at Info level.
func Logf(format string, a ...any) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	write(Info, fmt.Sprintf(format, a...))
}

// Debugf prints a formatted message at Debug level.
func Debugf(format string, a ...any) {
	writeLeveled(Debug, format, a...)
}

// Warnf prints a formatted message at Warn level.
func Warnf(format string, a ...any) {
	writeLeveled(Warn, format, a...)
}

// Errorf prints a formatted message at Error level.
func Errorf(format string, a ...any) {
	writeLeveled(Error, format, a...)
}

func writeLeveled(l Level, format string, a ...any) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	write(l, fmt.Sprintf(format, a...))
}

func write(l Level, msg string) {
	if l < CurrentLevel() {
		return
	}
	_, _ = fmt.Fprintf(logWriter, "%s [%s] %s", time.Now().UTC().Format(time.RFC3339), l, msg)
}
