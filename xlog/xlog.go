// Package xlog provides the leveled, structured logger used throughout the
// engine. It never writes through fmt.Println or the standard log package.
package xlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level identifies a log severity, ordered from most to least verbose.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRAC"
	case LevelDebug:
		return "DBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "EROR"
	default:
		return "????"
	}
}

func (l Level) color() *color.Color {
	switch l {
	case LevelTrace:
		return color.New(color.FgWhite)
	case LevelDebug:
		return color.New(color.FgCyan)
	case LevelInfo:
		return color.New(color.FgGreen)
	case LevelWarn:
		return color.New(color.FgYellow)
	case LevelError:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New()
	}
}

// Logger is a component-scoped structured logger.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	New(ctx ...any) Logger
}

type logger struct {
	ctx []any
}

// handler serializes writes and decides on colorization once at creation.
type handler struct {
	mu      sync.Mutex
	out     io.Writer
	color   bool
	minimum Level
}

func newHandler(w io.Writer, useColor bool, minimum Level) *handler {
	return &handler{out: w, color: useColor, minimum: minimum}
}

func (h *handler) log(level Level, msg string, ctx []any) {
	if level < h.minimum {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ts := time.Now().Format("2006-01-02T15:04:05.000")
	badge := level.String()
	if h.color {
		badge = level.color().Sprint(badge)
	}
	fmt.Fprintf(h.out, "%s [%s] %s", ts, badge, msg)
	for i := 0; i+1 < len(ctx); i += 2 {
		fmt.Fprintf(h.out, " %v=%v", ctx[i], ctx[i+1])
	}
	fmt.Fprintln(h.out)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// NewTerminalHandler builds a handler that colorizes output when w is a
// terminal, writing through go-colorable so ANSI sequences render on
// Windows consoles as well.
func NewTerminalHandler(w io.Writer, minimum Level) *handler {
	useColor := isTerminal(w)
	out := w
	if useColor {
		if f, ok := w.(*os.File); ok {
			out = colorable.NewColorable(f)
		}
	}
	return newHandler(out, useColor, minimum)
}

var (
	defaultMu      sync.Mutex
	defaultHandler = NewTerminalHandler(os.Stderr, LevelInfo)
)

// SetOutput replaces the default handler, e.g. to raise verbosity or
// redirect to a file.
func SetOutput(h *handler) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultHandler = h
}

func current() *handler {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultHandler
}

// Root is the package-level default logger with no additional context.
var Root Logger = &logger{}

// New returns a Logger scoped with the given alternating key/value context,
// e.g. xlog.New("component", "buffer").
func New(ctx ...any) Logger {
	return &logger{ctx: append([]any{}, ctx...)}
}

func (l *logger) with(extra []any) []any {
	if len(l.ctx) == 0 {
		return extra
	}
	return append(append([]any{}, l.ctx...), extra...)
}

func (l *logger) Trace(msg string, ctx ...any) { current().log(LevelTrace, msg, l.with(ctx)) }
func (l *logger) Debug(msg string, ctx ...any) { current().log(LevelDebug, msg, l.with(ctx)) }
func (l *logger) Info(msg string, ctx ...any)  { current().log(LevelInfo, msg, l.with(ctx)) }
func (l *logger) Warn(msg string, ctx ...any)  { current().log(LevelWarn, msg, l.with(ctx)) }
func (l *logger) Error(msg string, ctx ...any) { current().log(LevelError, msg, l.with(ctx)) }

func (l *logger) New(ctx ...any) Logger {
	return &logger{ctx: l.with(ctx)}
}

// Package-level convenience forwarding to Root, mirroring the teacher's
// log.Debug(...)/log.Warn(...) call sites.
func Trace(msg string, ctx ...any) { Root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { Root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { Root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { Root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { Root.Error(msg, ctx...) }
