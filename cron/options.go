package cron

import (
	"fmt"
	"strings"

	rcron "github.com/robfig/cron/v3"
)

// Parser selects the accepted expression grammar.
type Parser int

const (
	// DefaultParser is robfig's five-field grammar plus descriptors.
	DefaultParser Parser = iota
	// SecondsParser adds a leading seconds field; tests use it to tick fast.
	SecondsParser
)

func (p Parser) build() rcron.ScheduleParser {
	fields := rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor
	if p == SecondsParser {
		fields |= rcron.Second
	}
	return rcron.NewParser(fields)
}

type Option func(*Scheduler)

// WithLogger routes scheduler logs to logger. The cron loop chatter goes to
// Debug, handler failures to Error.
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithErrorHandler receives handler failures and recovered panics.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		if handler != nil {
			s.errorHandler = handler
		}
	}
}

func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// cronLog bridges robfig's key/value logger onto Logger.
type cronLog struct {
	logger Logger
}

func (c cronLog) Info(msg string, kv ...any) {
	c.logger.Debug("cron: %s%s", msg, formatKV(kv))
}

func (c cronLog) Error(err error, msg string, kv ...any) {
	c.logger.Error("cron: %s: %v%s", msg, err, formatKV(kv))
}

// panicSink turns recovered job panics into errors for the error handler.
type panicSink func(error)

func (p panicSink) Info(string, ...any) {}

func (p panicSink) Error(err error, msg string, kv ...any) {
	if err == nil {
		err = fmt.Errorf("cron: %s%s", msg, formatKV(kv))
	}
	p(err)
}

func formatKV(kv []any) string {
	if len(kv) == 0 {
		return ""
	}
	var sb strings.Builder
	for i := 0; i < len(kv); i += 2 {
		sb.WriteString(" ")
		if i+1 < len(kv) {
			fmt.Fprintf(&sb, "%v=%v", kv[i], kv[i+1])
			continue
		}
		fmt.Fprintf(&sb, "%v", kv[i])
	}
	return sb.String()
}
