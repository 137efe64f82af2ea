package datacopy

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// Logger is the logging contract every package writes to. Its method set
// mirrors go-logger's glog.Logger; observability.WrapGlog adapts one to
// the other.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger is implemented by loggers that carry structured fields.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// FmtLogger writes one plain text line per call:
//
//	2026-01-02T15:04:05Z INFO  polling job job_id=J1
//
// It is used whenever a component is built without a logger.
type FmtLogger struct {
	sink   *lineSink
	ctx    context.Context
	fields map[string]any
}

// lineSink serializes writes from every logger derived from the same root.
type lineSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFmtLogger returns an FmtLogger writing to out, or stdout when out is nil.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{sink: &lineSink{w: out}, ctx: context.Background()}
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.write("TRACE", msg, args) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.write("DEBUG", msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.write("INFO", msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.write("WARN", msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.write("ERROR", msg, args) }

// Fatal logs at FATAL level. Unlike glog it does not exit.
func (l *FmtLogger) Fatal(msg string, args ...any) { l.write("FATAL", msg, args) }

func (l *FmtLogger) WithContext(ctx context.Context) Logger {
	next := l.derive()
	if ctx != nil {
		next.ctx = ctx
	}
	return next
}

// WithFields returns a logger whose lines also carry fields. Later values
// win on key collisions.
func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	next := l.derive()
	if len(fields) > 0 {
		merged := make(map[string]any, len(next.fields)+len(fields))
		maps.Copy(merged, next.fields)
		maps.Copy(merged, fields)
		next.fields = merged
	}
	return next
}

func (l *FmtLogger) derive() *FmtLogger {
	if l == nil {
		return NewFmtLogger(nil)
	}
	next := *l
	return &next
}

func (l *FmtLogger) write(level, msg string, args []any) {
	if l == nil {
		l = NewFmtLogger(nil)
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var line strings.Builder
	fmt.Fprintf(&line, "%s %-5s %s", time.Now().UTC().Format(time.RFC3339Nano), level, strings.TrimSpace(msg))
	for _, k := range slices.Sorted(maps.Keys(l.fields)) {
		fmt.Fprintf(&line, " %s=%v", k, l.fields[k])
	}
	line.WriteByte('\n')

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	io.WriteString(l.sink.w, line.String())
}

// NormalizeLogger returns logger, or a stdout FmtLogger when it is nil.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// WithLoggerFields attaches fields when logger supports them and returns it
// unchanged otherwise.
func WithLoggerFields(logger Logger, fields map[string]any) Logger {
	if fl, ok := NormalizeLogger(logger).(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return NormalizeLogger(logger)
}
