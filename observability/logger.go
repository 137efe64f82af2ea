package observability

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/goliatone/go-logger/glog"

	datacopy "github.com/goliatone/go-datacopy"
)

// GlogLogger adapts a go-logger logger to datacopy.Logger.
type GlogLogger struct {
	logger glog.Logger
}

var (
	_ datacopy.Logger       = GlogLogger{}
	_ datacopy.FieldsLogger = GlogLogger{}
)

func (l GlogLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l GlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l GlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l GlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l GlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l GlogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l GlogLogger) WithContext(ctx context.Context) datacopy.Logger {
	if l.logger == nil {
		return datacopy.NewFmtLogger(nil).WithContext(ctx)
	}
	return GlogLogger{logger: l.logger.WithContext(ctx)}
}

func (l GlogLogger) WithFields(fields map[string]any) datacopy.Logger {
	if l.logger == nil {
		return datacopy.NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return GlogLogger{logger: fl.WithFields(fields)}
	}
	return l
}

// WrapGlog adapts an existing go-logger logger.
func WrapGlog(logger glog.Logger) datacopy.Logger {
	if logger == nil {
		return datacopy.NewFmtLogger(nil)
	}
	return GlogLogger{logger: logger}
}

// NewLogger builds a go-logger logger writing to w (stderr when nil) at level.
// format "json" selects the JSON encoder, anything else the console one.
func NewLogger(w io.Writer, level, format string) datacopy.Logger {
	if w == nil {
		w = os.Stderr
	}
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	level = strings.ToLower(level)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return GlogLogger{logger: glog.NewLogger(
			glog.WithWriter(w),
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(level),
		)}
	}
	return GlogLogger{logger: glog.NewLogger(
		glog.WithWriter(w),
		glog.WithLevel(level),
	)}
}
