package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

// Fields are extra key/value pairs merged into a single log entry.
type Fields map[string]interface{}

// ParseLevel maps a level name from the command line onto a Level.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// Logger writes one JSON object per line. Loggers derived with WithFields
// share the parent's sink and lock.
type Logger struct {
	sink  *sink
	level Level
	base  Fields
}

type sink struct {
	mu  sync.Mutex
	out io.Writer
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// New returns a logger writing to w. A nil writer means stderr.
func New(w io.Writer, lvl Level, baseFields Fields) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		sink:  &sink{out: w},
		level: lvl,
		base:  copyFields(baseFields),
	}
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *Logger {
	return New(io.Discard, LevelError+1, nil)
}

// Init replaces the process-wide logger used by the top-level helpers.
func Init(w io.Writer, lvl Level, baseFields Fields) *Logger {
	l := New(w, lvl, baseFields)
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	return l
}

// Default returns the process-wide logger, creating a stderr one on first use.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}
	return Init(nil, LevelInfo, nil)
}

func copyFields(m Fields) Fields {
	if m == nil {
		return nil
	}
	nm := make(Fields, len(m))
	for k, v := range m {
		nm[k] = v
	}
	return nm
}

// WithFields returns a child logger that adds fields to every entry.
func (l *Logger) WithFields(fields Fields) *Logger {
	child := &Logger{
		sink:  l.sink,
		level: l.level,
		base:  copyFields(l.base),
	}
	if len(fields) > 0 {
		if child.base == nil {
			child.base = make(Fields, len(fields))
		}
		for k, v := range fields {
			child.base[k] = v
		}
	}
	return child
}

func (l *Logger) log(lvl Level, msg string, extra Fields) {
	if l == nil || lvl < l.level {
		return
	}
	entry := make(map[string]interface{}, 3+len(l.base)+len(extra))
	for k, v := range l.base {
		entry[k] = v
	}
	for k, v := range extra {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["ts"] = time.Now().Format(time.RFC3339Nano)
	entry["lvl"] = levelNames[lvl]
	entry["msg"] = msg

	b, err := json.Marshal(entry)
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if err != nil {
		l.sink.out.Write([]byte(time.Now().Format(time.RFC3339Nano) + " " + levelNames[lvl] + " " + msg + "\n"))
		return
	}
	l.sink.out.Write(append(b, '\n'))
}

func (l *Logger) Debug(msg string, extra Fields) { l.log(LevelDebug, msg, extra) }
func (l *Logger) Info(msg string, extra Fields)  { l.log(LevelInfo, msg, extra) }
func (l *Logger) Warn(msg string, extra Fields)  { l.log(LevelWarn, msg, extra) }
func (l *Logger) Error(msg string, extra Fields) { l.log(LevelError, msg, extra) }

// Top-level convenience wrappers
func WithFields(fields Fields) *Logger { return Default().WithFields(fields) }
func Debug(msg string, extra Fields)   { Default().Debug(msg, extra) }
func Info(msg string, extra Fields)    { Default().Info(msg, extra) }
func Warn(msg string, extra Fields)    { Default().Warn(msg, extra) }
func Error(msg string, extra Fields)   { Default().Error(msg, extra) }
