// Package klog wraps github.com/sirupsen/logrus for structured kernel
// logging, configured from the boot command line's log.filter and
// log.color options.
//
// Fatal captures a stack trace by walking runtime.Caller until frames run
// out, then halts the current hart via a pluggable callback.
package klog

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"rvkernel/internal/kcmdline"
)

// Logger is a hart-tagged structured logger. Every entry carries a "hart"
// field so interleaved per-hart output stays attributable.
type Logger struct {
	base *logrus.Logger
	hart int

	// Halt is invoked by Fatal after the fatal entry is logged. It is a
	// func rather than a direct call into internal/sched to avoid an
	// import cycle (internal/sched holds a *Logger for its own Fatal
	// paths). The boot harness wires this to sched.Scheduler.HaltHart.
	Halt func(hart int)
}

// New builds a root logger configured from args: log.filter sets the
// minimum level (debug, info, warn, error; default info), log.color forces
// ANSI color on or off (default: auto-detect, left to logrus).
func New(args *kcmdline.Args) *Logger {
	colorOff := args.Bool("no_color") || args.StringOr("log.color", "") == "off"
	colorOn := args.StringOr("log.color", "") == "on"
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    colorOff,
		ForceColors:      colorOn,
		FullTimestamp:    false,
		DisableTimestamp: true,
	})
	level, err := logrus.ParseLevel(args.StringOr("log.filter", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return &Logger{base: l}
}

// ForHart returns a logger that tags every entry with this hart's ID.
func (l *Logger) ForHart(hart int) *Logger {
	return &Logger{base: l.base, hart: hart, Halt: l.Halt}
}

func (l *Logger) entry() *logrus.Entry {
	return l.base.WithField("hart", l.hart)
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry().Debugf(format, args...) }

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.entry().Infof(format, args...) }

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.entry().Warnf(format, args...) }

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }

// Fatal logs a kernel panic-equivalent message with a captured stack trace
// and halts the current hart; a fatal kernel invariant violation halts the
// offending hart rather than unwinding.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.entry().WithField("stack", stacktrace(2)).Errorf(format, args...)
	if l.Halt != nil {
		l.Halt(l.hart)
	}
}

// stacktrace walks runtime.Caller from start until frames run out, joining
// each as file:line.
func stacktrace(start int) string {
	s := ""
	for i := start; ; i++ {
		_, f, ln, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if s == "" {
			s = fmt.Sprintf("%s:%d", f, ln)
		} else {
			s += fmt.Sprintf(" <- %s:%d", f, ln)
		}
	}
	return s
}
