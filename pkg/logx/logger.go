package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Logger writes leveled, structured entries. The zero value discards
// everything. Loggers obtained from a Service follow every Service.Apply.
type Logger struct {
	src    func() zerolog.Logger
	fields []Field
}

func fixed(zl zerolog.Logger) func() zerolog.Logger {
	return func() zerolog.Logger { return zl }
}

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{src: fixed(zerolog.Nop())} }

// NewConsole returns a standalone human-readable logger on stderr, for use
// before the config is loaded.
func NewConsole(level string) Logger {
	setGlobals()
	return Logger{src: fixed(build(consoleWriter(Stderr()), parseLevel(level, LevelInfo)))}
}

// NewWriter logs JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	setGlobals()
	return Logger{src: fixed(build(w, parseLevel(level, LevelInfo)))}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	if l.src == nil {
		return zerolog.Nop()
	}
	return l.src()
}

// Enabled reports whether an entry at level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return zl.GetLevel() != zerolog.Disabled && level >= zl.GetLevel()
}

// With returns a logger that adds fields to every entry.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := Logger{src: l.src, fields: make([]Field, 0, len(l.fields)+len(fields))}
	out.fields = append(append(out.fields, l.fields...), fields...)
	if out.src == nil {
		out.src = fixed(zerolog.Nop())
	}
	return out
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(LevelError, msg, fields) }

// callerSkip is the number of frames between the caller and write's
// runtime.Caller call.
const callerSkip = 2

func (l Logger) write(level Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(callerSkip); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, f := range l.fields {
		f.on(e)
	}
	for _, f := range fields {
		f.on(e)
	}
	e.Msg(msg)
}
