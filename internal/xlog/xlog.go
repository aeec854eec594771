// Copyright 2026 The ionsync Authors
// This file is part of the ionsync library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

// Package xlog is the engine's leveled, contextual logger. It mirrors
// the call surface the teacher's own internal log package exposes
// (Debug/Info/Warn/Error/Crit with trailing key-value pairs, contextual
// loggers created with New(ctx...)); that package's source isn't part of
// the pack, so this is a from-scratch reimplementation of the same
// surface rather than a copy.
package xlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a log severity, ordered least to most severe.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCrit:
		return "CRIT"
	default:
		return "????"
	}
}

// Logger is a contextual logger: every message it emits is prefixed with
// the key-value context it was created or extended with.
type Logger interface {
	// New returns a child logger with additional context appended.
	New(ctx ...interface{}) Logger

	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
}

type logger struct {
	ctx []interface{}
	h   *handler
}

type handler struct {
	mu     sync.Mutex
	out    io.Writer
	color  bool
	level  Level
	nowFn  func() time.Time
}

var root = &logger{h: defaultHandler()}

func defaultHandler() *handler {
	w := colorable.NewColorable(os.Stderr)
	return &handler{
		out:   w,
		color: isatty.IsTerminal(os.Stderr.Fd()),
		level: LevelDebug,
		nowFn: time.Now,
	}
}

// Root returns the package-level root logger.
func Root() Logger { return root }

// New creates a fresh contextual logger rooted at the package logger.
func New(ctx ...interface{}) Logger { return root.New(ctx...) }

// SetLevel sets the minimum level the root handler will emit.
func SetLevel(l Level) {
	root.h.mu.Lock()
	defer root.h.mu.Unlock()
	root.h.level = l
}

func (l *logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{ctx: merged, h: l.h}
}

func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LevelError, msg, ctx) }

// Crit logs at the highest severity. Unlike the teacher's log.Crit, this
// does not exit the process: a library has no business terminating its
// host.
func (l *logger) Crit(msg string, ctx ...interface{}) { l.write(LevelCrit, msg, ctx) }

func (l *logger) write(lvl Level, msg string, extra []interface{}) {
	h := l.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if lvl < h.level {
		return
	}
	all := make([]interface{}, 0, len(l.ctx)+len(extra))
	all = append(all, l.ctx...)
	all = append(all, extra...)

	fmt.Fprintf(h.out, "%s [%s] %s", h.nowFn().Format("01-02|15:04:05.000"), lvl, msg)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(h.out, " %v=%v", all[i], all[i+1])
	}
	if len(all)%2 == 1 {
		fmt.Fprintf(h.out, " %v=MISSING", all[len(all)-1])
	}
	fmt.Fprintln(h.out)
}
