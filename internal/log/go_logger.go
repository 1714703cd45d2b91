package log

import (
	"context"
	"fmt"
	stdlog "log"
	"strings"
)

// logControlCharReplacer escapes control characters that can be used for log
// injection (CWE-117). Newlines and carriage returns in log values can forge
// fake log entries or inject false audit-trail lines.
var logControlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func sanitizeLogString(s string) string {
	return logControlCharReplacer.Replace(s)
}

// GoLogger is the Go built-in (log) implementation of the Logger interface.
//
// All string values are sanitized to prevent log injection.
type GoLogger struct {
	Level  Level
	fields []Field
}

// NewGoLogger creates a stdlib-backed logger at the given verbosity ceiling.
func NewGoLogger(level Level) *GoLogger {
	return &GoLogger{Level: level}
}

// Log writes one entry when the level is enabled.
func (l *GoLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}

	var sb strings.Builder

	sb.WriteString(level.String())
	sb.WriteString(": ")
	sb.WriteString(sanitizeLogString(msg))

	for _, field := range append(l.fields, fields...) {
		sb.WriteString(" ")
		sb.WriteString(sanitizeLogString(field.Key))
		sb.WriteString("=")

		switch v := field.Value.(type) {
		case string:
			sb.WriteString(sanitizeLogString(v))
		case error:
			if v != nil {
				sb.WriteString(sanitizeLogString(v.Error()))
			} else {
				sb.WriteString("<nil>")
			}
		default:
			sb.WriteString(sanitizeLogString(fmt.Sprintf("%v", v)))
		}
	}

	stdlog.Print(sb.String())
}

// With returns a logger that attaches fields to every entry.
func (l *GoLogger) With(fields ...Field) Logger {
	if l == nil {
		return NewNop()
	}

	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)

	return &GoLogger{Level: l.Level, fields: merged}
}

// Enabled reports whether the given level is emitted.
func (l *GoLogger) Enabled(level Level) bool {
	if l == nil {
		return false
	}

	return l.Level >= level
}

// Sync is a no-op for the stdlib backend.
func (l *GoLogger) Sync(_ context.Context) error { return nil }
